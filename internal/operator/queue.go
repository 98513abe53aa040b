package operator

import (
	"context"
	"sync"
)

// Executor runs one command.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Reply, error)
}

type request struct {
	ctx   context.Context
	cmd   Command
	reply chan<- result
}

type result struct {
	reply Reply
	err   error
}

// Queue serialises commands from any number of callers onto one executor
// goroutine, so operator actions never interleave.
type Queue struct {
	exec Executor
	reqs chan request

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue returns a queue with room for size pending commands.
func NewQueue(exec Executor, size int) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{
		exec: exec,
		reqs: make(chan request, size),
		done: make(chan struct{}),
	}
}

// Submit enqueues cmd and waits for its reply.
func (q *Queue) Submit(ctx context.Context, cmd Command) (Reply, error) {
	ch := make(chan result, 1)
	select {
	case q.reqs <- request{ctx: ctx, cmd: cmd, reply: ch}:
	case <-q.done:
		return Reply{}, ErrQueueClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case res := <-ch:
		return res.reply, res.err
	case <-q.done:
		// Run replies before it closes done.
		select {
		case res := <-ch:
			return res.reply, res.err
		default:
		}
		return Reply{}, ErrQueueClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Run executes queued commands until ctx is cancelled. Pending callers then
// get ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) error {
	defer q.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-q.reqs:
			if err := req.ctx.Err(); err != nil {
				req.reply <- result{err: err}
				continue
			}
			reply, err := q.exec.Execute(req.ctx, req.cmd)
			req.reply <- result{reply: reply, err: err}
		}
	}
}

func (q *Queue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
