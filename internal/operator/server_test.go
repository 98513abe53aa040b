package operator

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

type serverHarness struct {
	client  *Client
	disp    *dispatcherHarness
	metrics *observability.FleetCollector
	exec    *recordingExecutor
}

// recordingExecutor wraps the dispatcher and keeps the context of the last
// command it ran.
type recordingExecutor struct {
	inner   Executor
	lastCtx context.Context
}

func (r *recordingExecutor) Execute(ctx context.Context, cmd Command) (Reply, error) {
	r.lastCtx = ctx
	return r.inner.Execute(ctx, cmd)
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	metrics, err := observability.NewFleetCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewFleetCollector: %v", err)
	}
	h := &serverHarness{disp: newDispatcherHarness(t, false), metrics: metrics}
	h.exec = &recordingExecutor{inner: h.disp.d}

	ctx, cancel := context.WithCancel(context.Background())
	queue := NewQueue(h.exec, 4)
	go queue.Run(ctx)

	lis := bufconn.Listen(1 << 20)
	server := NewServer(NewService(queue, h.disp.d, logging.Noop()), logging.Noop(), metrics)
	go server.Serve(lis)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	h.client = NewClient(cc)
	t.Cleanup(func() {
		h.client.Close()
		server.Stop()
		cancel()
	})
	return h
}

func rpcCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServerExecuteAndStatus(t *testing.T) {
	h := newServerHarness(t)
	ctx := rpcCtx(t)

	reply, err := h.client.Execute(ctx, Command{Verb: VerbSelectRobot, Robots: []int{2}}, "req-42")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(reply.Robots, []int{2}) {
		t.Fatalf("reply robots = %v, want [2]", reply.Robots)
	}
	if got := logging.RequestIDFromContext(h.exec.lastCtx); got != "req-42" {
		t.Fatalf("request id = %q, want req-42", got)
	}

	if _, err := h.client.Execute(ctx, Command{Verb: VerbSetMode, Mode: scenario.ModeHomeTable}, ""); err != nil {
		t.Fatalf("set_mode: %v", err)
	}
	st, err := h.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !reflect.DeepEqual(st.Selected, []int{2}) || st.Mode != scenario.ModeHomeTable {
		t.Fatalf("Status = %+v, want robot 2 selected in home_table", st)
	}
	if !reflect.DeepEqual(st.Agents, []int{1, 2}) {
		t.Fatalf("Status agents = %v, want [1 2]", st.Agents)
	}

	if got := testutil.ToFloat64(h.metrics.RPCRequests.WithLabelValues("Operator", "Execute", "OK")); got != 2 {
		t.Fatalf("Execute OK count = %v, want 2", got)
	}
}

func TestServerMapsErrorsToCodes(t *testing.T) {
	h := newServerHarness(t)
	ctx := rpcCtx(t)

	cases := []struct {
		name string
		cmd  Command
		want codes.Code
	}{
		{"unknown verb", Command{Verb: "dance"}, codes.InvalidArgument},
		{"unknown mode", Command{Verb: VerbSetMode, Mode: "dance"}, codes.InvalidArgument},
		{"unknown robot", Command{Verb: VerbSetGoal, Robots: []int{9}, Cell: model.CellPtr(1, 1)}, codes.NotFound},
	}
	for _, tc := range cases {
		_, err := h.client.Execute(ctx, tc.cmd, "")
		if got := status.Code(err); got != tc.want {
			t.Fatalf("%s: code = %v, want %v (%v)", tc.name, got, tc.want, err)
		}
	}
}

func TestServerRejectsMissingVerb(t *testing.T) {
	h := newServerHarness(t)
	out := new(structpb.Struct)
	err := h.client.cc.Invoke(rpcCtx(t), executeMethod, &structpb.Struct{}, out)
	if got := status.Code(err); got != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", got)
	}
}

func TestToStatusError(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{ErrQueueClosed, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}
	for _, tc := range cases {
		if got := status.Code(ToStatusError(tc.err)); got != tc.want {
			t.Fatalf("ToStatusError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if ToStatusError(nil) != nil {
		t.Fatalf("ToStatusError(nil) != nil")
	}
}
