package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/retrograph/retrograph/internal/engine"
)

// SandboxedBackend runs steps as child processes. The contract's op is a
// shell command; input artifacts are exposed as STEP_INPUT_<NAME>
// environment variables and the trimmed stdout becomes the payload.
type SandboxedBackend struct {
	shell string
}

// NewSandboxedBackend returns a backend executing via the given shell
// (default /bin/sh).
func NewSandboxedBackend(shell string) *SandboxedBackend {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &SandboxedBackend{shell: shell}
}

// Run executes the contract's op as a command. A non-zero exit is a
// business failure, not a transport error.
func (b *SandboxedBackend) Run(ctx context.Context, contract *engine.ActionContract, bindings map[string]engine.Artifact) (StepResult, error) {
	return b.runCommand(ctx, contract, contract.Op, bindings)
}

// Compensate executes the compensation_ref as a command.
func (b *SandboxedBackend) Compensate(ctx context.Context, contract *engine.ActionContract) error {
	if contract.CompensationRef == "" {
		return fmt.Errorf("step %s has no compensation", contract.StepID)
	}
	result, err := b.runCommand(ctx, contract, contract.CompensationRef, nil)
	if err != nil {
		return err
	}
	if result.Status == engine.ObservationFailure {
		return fmt.Errorf("compensation command failed: %s", result.Error)
	}
	return nil
}

func (b *SandboxedBackend) runCommand(ctx context.Context, contract *engine.ActionContract, command string, bindings map[string]engine.Artifact) (StepResult, error) {
	cmd := exec.CommandContext(ctx, b.shell, "-c", command)

	env := cmd.Environ()
	env = append(env, "STEP_ID="+contract.StepID)
	for k, v := range contract.Params {
		env = append(env, "STEP_PARAM_"+envName(k)+"="+v)
	}
	for name, artifact := range bindings {
		env = append(env, "STEP_INPUT_"+envName(name)+"="+artifact.Payload)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return StepResult{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return StepResult{Status: engine.ObservationFailure, Error: msg}, nil
	}

	return StepResult{
		Status:  engine.ObservationSuccess,
		Payload: strings.TrimSpace(stdout.String()),
	}, nil
}

func envName(name string) string {
	upper := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, upper)
}
