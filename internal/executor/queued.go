package executor

import (
	"context"
	"fmt"

	"github.com/retrograph/retrograph/internal/engine"
)

// QueuedBackend pushes contracts onto an in-memory job queue served by a
// fixed set of worker goroutines. It stands in for a remote task queue: the
// executor sees the same submit-and-wait surface either way.
type QueuedBackend struct {
	ops  *OpSet
	jobs chan queuedJob
	stop chan struct{}
}

type queuedJob struct {
	ctx      context.Context
	op       string
	params   map[string]string
	bindings map[string]engine.Artifact
	reply    chan queuedReply
}

type queuedReply struct {
	result StepResult
	err    error
}

// NewQueuedBackend starts workers goroutines draining the queue.
func NewQueuedBackend(ops *OpSet, workers int) *QueuedBackend {
	if workers < 1 {
		workers = 1
	}
	b := &QueuedBackend{
		ops:  ops,
		jobs: make(chan queuedJob),
		stop: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go b.worker()
	}
	return b
}

func (b *QueuedBackend) worker() {
	for {
		select {
		case job := <-b.jobs:
			result, err := b.ops.run(job.ctx, job.op, job.params, job.bindings)
			select {
			case job.reply <- queuedReply{result: result, err: err}:
			case <-job.ctx.Done():
			}
		case <-b.stop:
			return
		}
	}
}

// Run enqueues the contract and waits for a worker to report back.
func (b *QueuedBackend) Run(ctx context.Context, contract *engine.ActionContract, bindings map[string]engine.Artifact) (StepResult, error) {
	return b.submit(ctx, contract.Op, contract.Params, bindings)
}

// Compensate enqueues the compensation op.
func (b *QueuedBackend) Compensate(ctx context.Context, contract *engine.ActionContract) error {
	if contract.CompensationRef == "" {
		return fmt.Errorf("step %s has no compensation", contract.StepID)
	}
	result, err := b.submit(ctx, contract.CompensationRef, contract.Params, nil)
	if err != nil {
		return err
	}
	if result.Status == engine.ObservationFailure {
		return fmt.Errorf("compensation %s failed: %s", contract.CompensationRef, result.Error)
	}
	return nil
}

func (b *QueuedBackend) submit(ctx context.Context, op string, params map[string]string, bindings map[string]engine.Artifact) (StepResult, error) {
	job := queuedJob{
		ctx:      ctx,
		op:       op,
		params:   params,
		bindings: bindings,
		reply:    make(chan queuedReply, 1),
	}

	select {
	case b.jobs <- job:
	case <-ctx.Done():
		return StepResult{}, ctx.Err()
	case <-b.stop:
		return StepResult{}, fmt.Errorf("queue closed")
	}

	select {
	case reply := <-job.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return StepResult{}, ctx.Err()
	}
}

// Close stops the workers. In-flight jobs finish; queued jobs are dropped.
func (b *QueuedBackend) Close() {
	close(b.stop)
}
