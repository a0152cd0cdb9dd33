// Package executor runs one step's contract against a backend selected by
// the contract's transport tag. Business failures are normal observable
// outcomes; only malformed invocations raise errors.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/retrograph/retrograph/internal/engine"
)

// StepResult is what a backend reports for one run: a business status and
// the produced payload. Transport-level problems travel as errors instead.
type StepResult struct {
	Status  engine.ObservationStatus
	Payload string
	Error   string
}

// Backend executes contracts over one transport. Implementations may be
// in-process, a queue to remote workers, or a sandboxed process; the
// executor assumes nothing about how the work actually happens.
type Backend interface {
	Run(ctx context.Context, contract *engine.ActionContract, bindings map[string]engine.Artifact) (StepResult, error)
	Compensate(ctx context.Context, contract *engine.ActionContract) error
}

// Registry maps transport tags to backends. It is an explicit instance
// passed into the coordinator and executor at construction; there is no
// process-wide registry.
type Registry struct {
	mu       sync.RWMutex
	backends map[engine.Transport]Backend
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[engine.Transport]Backend)}
}

// Register binds a backend to a transport tag, replacing any previous one.
func (r *Registry) Register(t engine.Transport, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[t] = b
}

// Lookup returns the backend for a transport tag.
func (r *Registry) Lookup(t engine.Transport) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[t]
	return b, ok
}

// OpFunc is one executable operation for the in-process backend.
type OpFunc func(ctx context.Context, params map[string]string, bindings map[string]engine.Artifact) (string, error)

// OpSet is a named collection of operations, shared by the in-process and
// queued backends.
type OpSet struct {
	mu  sync.RWMutex
	ops map[string]OpFunc
}

// NewOpSet returns an empty op set.
func NewOpSet() *OpSet {
	return &OpSet{ops: make(map[string]OpFunc)}
}

// Register adds an operation under a name.
func (s *OpSet) Register(name string, fn OpFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[name] = fn
}

// Lookup returns the operation registered under a name.
func (s *OpSet) Lookup(name string) (OpFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.ops[name]
	return fn, ok
}

func (s *OpSet) run(ctx context.Context, name string, params map[string]string, bindings map[string]engine.Artifact) (StepResult, error) {
	fn, ok := s.Lookup(name)
	if !ok {
		return StepResult{}, fmt.Errorf("unknown op %q", name)
	}
	payload, err := fn(ctx, params, bindings)
	if err != nil {
		return StepResult{Status: engine.ObservationFailure, Error: err.Error()}, nil
	}
	return StepResult{Status: engine.ObservationSuccess, Payload: payload}, nil
}
