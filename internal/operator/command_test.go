package operator

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/fleet-coordinator/model"
)

func TestCommandStructRoundTrip(t *testing.T) {
	in := Command{Verb: VerbSetGoal, Robots: []int{3, 1}, Cell: model.CellPtr(2, 5), Mode: "explore"}
	got, err := FromStruct(in.ToStruct())
	if err != nil {
		t.Fatalf("FromStruct: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("FromStruct(ToStruct) = %+v, want %+v", got, in)
	}
}

func TestFromStructAcceptsSingleRobot(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"verb": " pause ", "robot": 4})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	cmd, err := FromStruct(s)
	if err != nil {
		t.Fatalf("FromStruct: %v", err)
	}
	if cmd.Verb != VerbPause || !reflect.DeepEqual(cmd.Robots, []int{4}) {
		t.Fatalf("FromStruct = %+v, want pause [4]", cmd)
	}
}

func TestFromStructRejectsBadArguments(t *testing.T) {
	cases := map[string]map[string]any{
		"no verb":       {"robot": 1},
		"row only":      {"verb": VerbSetGoal, "row": 1},
		"fractional":    {"verb": VerbPause, "robot": 1.5},
		"string robot":  {"verb": VerbPause, "robots": []any{"one"}},
		"string column": {"verb": VerbSetGoal, "row": 1, "col": "a"},
	}
	for name, fields := range cases {
		s, err := structpb.NewStruct(fields)
		if err != nil {
			t.Fatalf("%s: NewStruct: %v", name, err)
		}
		if _, err := FromStruct(s); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: FromStruct = %v, want ErrInvalidArgument", name, err)
		}
	}
	if _, err := FromStruct(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("FromStruct(nil) = %v, want ErrInvalidArgument", err)
	}
}

func TestVerbsSorted(t *testing.T) {
	v := Verbs()
	if !sort.StringsAreSorted(v) || len(v) != 21 {
		t.Fatalf("Verbs = %v", v)
	}
}

type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, cmd Command) (Reply, error) {
	b.started <- struct{}{}
	<-b.release
	return Reply{Message: cmd.Verb}, nil
}

func TestQueueRunsCommandsInOrder(t *testing.T) {
	exec := &blockingExecutor{started: make(chan struct{}, 2), release: make(chan struct{})}
	q := NewQueue(exec, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	first := make(chan Reply, 1)
	go func() {
		r, _ := q.Submit(context.Background(), Command{Verb: VerbPause})
		first <- r
	}()
	<-exec.started

	// The second submit cannot start until the first finishes.
	second := make(chan Reply, 1)
	go func() {
		r, _ := q.Submit(context.Background(), Command{Verb: VerbResume})
		second <- r
	}()
	select {
	case <-exec.started:
		t.Fatalf("second command started while the first was running")
	case <-time.After(50 * time.Millisecond):
	}

	exec.release <- struct{}{}
	if r := <-first; r.Message != VerbPause {
		t.Fatalf("first reply = %q, want pause", r.Message)
	}
	<-exec.started
	exec.release <- struct{}{}
	if r := <-second; r.Message != VerbResume {
		t.Fatalf("second reply = %q, want resume", r.Message)
	}
}

func TestQueueClosedAfterRun(t *testing.T) {
	q := NewQueue(&blockingExecutor{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := q.Submit(context.Background(), Command{Verb: VerbPause}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Submit after close = %v, want ErrQueueClosed", err)
	}
}

func TestQueueSubmitHonoursContext(t *testing.T) {
	q := NewQueue(&blockingExecutor{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Submit(ctx, Command{Verb: VerbPause}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit with cancelled ctx = %v, want context.Canceled", err)
	}
}
