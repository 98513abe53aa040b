package operator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fleet.operator.v1.Operator"

const (
	executeMethod = "/" + ServiceName + "/Execute"
	statusMethod  = "/" + ServiceName + "/Status"
)

// OperatorServer is the server API of the operator service.
type OperatorServer interface {
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// StatusSource reports operator state for the Status RPC.
type StatusSource interface {
	Status() Status
}

// Service implements OperatorServer over a command queue.
type Service struct {
	queue  *Queue
	status StatusSource
	log    logging.Logger
}

// NewService returns an operator service. Commands go through queue.
func NewService(queue *Queue, status StatusSource, log logging.Logger) *Service {
	return &Service{queue: queue, status: status, log: logging.OrNoop(log)}
}

// Execute decodes and runs one command.
func (s *Service) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cmd, err := FromStruct(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	reply, err := s.queue.Submit(ctx, cmd)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return reply.ToStruct(), nil
}

// Status returns the current operator and fleet state.
func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.status == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	return s.status.Status().ToStruct(), nil
}

// ToStruct encodes the status.
func (st Status) ToStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"selected":         intList(st.Selected),
		"manual":           structpb.NewBoolValue(st.Manual),
		"goal_align":       structpb.NewBoolValue(st.GoalAlign),
		"scenario_enabled": structpb.NewBoolValue(st.ScenarioEnabled),
		"mode":             structpb.NewStringValue(st.Mode),
		"active":           structpb.NewBoolValue(st.Active),
		"sequence_id":      structpb.NewStringValue(st.SequenceID),
		"step":             structpb.NewNumberValue(float64(st.Step)),
		"paused":           intList(st.Paused),
		"agents":           intList(st.Agents),
	}}
}

// StatusFromStruct decodes a status.
func StatusFromStruct(s *structpb.Struct) Status {
	f := s.GetFields()
	return Status{
		Selected:        ints(f["selected"]),
		Manual:          f["manual"].GetBoolValue(),
		GoalAlign:       f["goal_align"].GetBoolValue(),
		ScenarioEnabled: f["scenario_enabled"].GetBoolValue(),
		Mode:            f["mode"].GetStringValue(),
		Active:          f["active"].GetBoolValue(),
		SequenceID:      f["sequence_id"].GetStringValue(),
		Step:            int(f["step"].GetNumberValue()),
		Paused:          ints(f["paused"]),
		Agents:          ints(f["agents"]),
	}
}

func intList(ids []int) *structpb.Value {
	vals := make([]*structpb.Value, len(ids))
	for i, id := range ids {
		vals[i] = structpb.NewNumberValue(float64(id))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func ints(v *structpb.Value) []int {
	var out []int
	for _, item := range v.GetListValue().GetValues() {
		if n, err := intValue(item); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OperatorServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OperatorServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OperatorServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OperatorServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the operator service. The messages are well-known
// protobuf types, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/operator/v1/operator.proto",
}

// RegisterOperatorServer registers srv on s.
func RegisterOperatorServer(s grpc.ServiceRegistrar, srv OperatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NewServer returns a gRPC server with the operator service registered and
// the request-id, tracing and metrics interceptors chained.
func NewServer(svc OperatorServer, log logging.Logger, metrics *observability.FleetCollector, opts ...grpc.ServerOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if metrics != nil {
		interceptors = append(interceptors, metrics.UnaryServerInterceptor())
	}
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}, opts...)
	server := grpc.NewServer(opts...)
	RegisterOperatorServer(server, svc)
	return server
}

// Client calls the operator service.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to an operator server at target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("operator: dial %s: %w", target, err)
	}
	return &Client{cc: cc}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

// Execute sends one command. A non-empty requestID is forwarded as
// x-request-id.
func (c *Client) Execute(ctx context.Context, cmd Command, requestID string) (Reply, error) {
	if requestID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, requestID)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, executeMethod, cmd.ToStruct(), out); err != nil {
		return Reply{}, err
	}
	return ReplyFromStruct(out), nil
}

// Status fetches the current state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return Status{}, err
	}
	return StatusFromStruct(out), nil
}
