package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/retrograph/retrograph/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOps() *OpSet {
	ops := NewOpSet()
	ops.Register("upper", func(_ context.Context, _ map[string]string, bindings map[string]engine.Artifact) (string, error) {
		in := bindings["in"]
		out := ""
		for _, r := range in.Payload {
			if r >= 'a' && r <= 'z' {
				r -= 32
			}
			out += string(r)
		}
		return out, nil
	})
	ops.Register("fail", func(_ context.Context, _ map[string]string, _ map[string]engine.Artifact) (string, error) {
		return "", errors.New("business says no")
	})
	ops.Register("echo", func(_ context.Context, params map[string]string, _ map[string]engine.Artifact) (string, error) {
		return params["value"], nil
	})
	return ops
}

func testRegistry() *Registry {
	ops := testOps()
	reg := NewRegistry()
	reg.Register(engine.TransportInProcess, NewInProcessBackend(ops))
	return reg
}

func TestExecute_Success(t *testing.T) {
	exec := NewExecutor(testRegistry())
	contract := &engine.ActionContract{
		StepID:    "s1",
		Op:        "upper",
		Consumes:  []string{"in"},
		Produces:  "out",
		Transport: engine.TransportInProcess,
	}
	bindings := map[string]engine.Artifact{
		"in": {Name: "in", Payload: "hello", Digest: engine.DigestString("hello")},
	}

	obs, err := exec.Execute(context.Background(), contract, bindings, 1)
	require.NoError(t, err)
	assert.Equal(t, engine.ObservationSuccess, obs.Status)
	assert.Equal(t, "HELLO", obs.Payload)
	assert.Equal(t, engine.DigestString("HELLO"), obs.OutputsDigest)
	assert.Equal(t, 1, obs.Attempt)
}

func TestExecute_Deterministic(t *testing.T) {
	exec := NewExecutor(testRegistry())
	contract := &engine.ActionContract{
		StepID:    "s1",
		Op:        "upper",
		Consumes:  []string{"in"},
		Produces:  "out",
		Transport: engine.TransportInProcess,
	}
	bindings := map[string]engine.Artifact{
		"in": {Name: "in", Payload: "same", Digest: engine.DigestString("same")},
	}

	first, err := exec.Execute(context.Background(), contract, bindings, 1)
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), contract, bindings, 2)
	require.NoError(t, err)

	// Identical contract and bindings yield byte-identical digests.
	assert.Equal(t, first.InputsDigest, second.InputsDigest)
	assert.Equal(t, first.OutputsDigest, second.OutputsDigest)
}

func TestExecute_BusinessFailureIsObservation(t *testing.T) {
	exec := NewExecutor(testRegistry())
	contract := &engine.ActionContract{
		StepID:    "s1",
		Op:        "fail",
		Produces:  "out",
		Transport: engine.TransportInProcess,
	}

	obs, err := exec.Execute(context.Background(), contract, nil, 1)
	require.NoError(t, err, "business failure must not be an error")
	assert.Equal(t, engine.ObservationFailure, obs.Status)
	assert.Contains(t, obs.Error, "business says no")
	assert.Empty(t, obs.OutputsDigest)
}

func TestExecute_MissingBindingIsContractViolation(t *testing.T) {
	exec := NewExecutor(testRegistry())
	contract := &engine.ActionContract{
		StepID:    "s1",
		Op:        "upper",
		Consumes:  []string{"in"},
		Produces:  "out",
		Transport: engine.TransportInProcess,
	}

	_, err := exec.Execute(context.Background(), contract, nil, 1)
	var violation *engine.ContractViolation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "missing binding")
}

func TestExecute_UnknownTransportIsContractViolation(t *testing.T) {
	exec := NewExecutor(NewRegistry())
	contract := &engine.ActionContract{
		StepID:    "s1",
		Op:        "echo",
		Produces:  "out",
		Transport: engine.TransportQueued,
	}

	_, err := exec.Execute(context.Background(), contract, nil, 1)
	var violation *engine.ContractViolation
	require.ErrorAs(t, err, &violation)
}

func TestQueuedBackend_RoundTrip(t *testing.T) {
	ops := testOps()
	backend := NewQueuedBackend(ops, 2)
	defer backend.Close()

	reg := NewRegistry()
	reg.Register(engine.TransportQueued, backend)
	exec := NewExecutor(reg)

	contract := &engine.ActionContract{
		StepID:    "q1",
		Op:        "echo",
		Params:    map[string]string{"value": "queued result"},
		Produces:  "out",
		Transport: engine.TransportQueued,
	}

	obs, err := exec.Execute(context.Background(), contract, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, engine.ObservationSuccess, obs.Status)
	assert.Equal(t, "queued result", obs.Payload)
}

func TestInProcessBackend_Compensate(t *testing.T) {
	ops := testOps()
	undone := false
	ops.Register("undo", func(_ context.Context, _ map[string]string, _ map[string]engine.Artifact) (string, error) {
		undone = true
		return "", nil
	})

	backend := NewInProcessBackend(ops)
	contract := &engine.ActionContract{
		StepID:          "s1",
		Op:              "echo",
		Produces:        "out",
		Transport:       engine.TransportInProcess,
		HasSideEffect:   true,
		CompensationRef: "undo",
	}

	require.NoError(t, backend.Compensate(context.Background(), contract))
	assert.True(t, undone)

	contract.CompensationRef = "missing-op"
	err := backend.Compensate(context.Background(), contract)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op")
}

func TestSandboxedBackend_Run(t *testing.T) {
	backend := NewSandboxedBackend("")
	reg := NewRegistry()
	reg.Register(engine.TransportSandboxed, backend)
	exec := NewExecutor(reg)

	contract := &engine.ActionContract{
		StepID:    "sb1",
		Op:        `printf '%s' "$STEP_INPUT_IN-done"`,
		Consumes:  []string{"in"},
		Produces:  "out",
		Transport: engine.TransportSandboxed,
	}
	bindings := map[string]engine.Artifact{
		"in": {Name: "in", Payload: "work", Digest: engine.DigestString("work")},
	}

	obs, err := exec.Execute(context.Background(), contract, bindings, 1)
	require.NoError(t, err)
	assert.Equal(t, engine.ObservationSuccess, obs.Status)
	assert.Equal(t, "work-done", obs.Payload)
}

func TestSandboxedBackend_NonZeroExitIsFailure(t *testing.T) {
	backend := NewSandboxedBackend("")
	contract := &engine.ActionContract{StepID: "sb2", Op: "exit 3"}

	result, err := backend.Run(context.Background(), contract, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.ObservationFailure, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestOpSet_ConcurrentRegisterLookup(t *testing.T) {
	ops := NewOpSet()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			ops.Register(fmt.Sprintf("op-%d", i), func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
				return "", nil
			})
		}
	}()
	for i := 0; i < 100; i++ {
		ops.Lookup(fmt.Sprintf("op-%d", i))
	}
	<-done
}
