package verify

import (
	"context"
	"os/exec"
	"strings"

	"github.com/retrograph/retrograph/internal/engine"
)

// IntegrityCheck is the default ground truth for local runs: it re-hashes
// the observed payload against the recorded digest and re-evaluates the
// contract's postconditions. It catches payloads corrupted or mutated after
// commit, not semantic drift in an external system.
type IntegrityCheck struct{}

// Verify implements GroundTruth.
func (IntegrityCheck) Verify(_ context.Context, contract *engine.ActionContract, obs engine.Observation) (bool, float64, string, error) {
	if obs.OutputsDigest != "" && engine.DigestString(obs.Payload) != obs.OutputsDigest {
		return false, 1, "payload digest no longer matches recorded digest", nil
	}

	failed, reasons := evalPredicates(contract.Postconditions, contract.Produces, obs.Payload)
	if failed > 0 {
		drift := float64(failed) / float64(len(contract.Postconditions))
		return false, drift, strings.Join(reasons, "; "), nil
	}
	return true, 0, "", nil
}

// CommandCheck cross-checks through an external command declared on the
// contract as the "verify_cmd" param. The observed payload arrives on stdin
// and a nonzero exit fails the check. Contracts without a verify_cmd fall
// through to the inner check.
type CommandCheck struct {
	Shell    string // defaults to /bin/sh
	Fallback GroundTruth
}

// NewCommandCheck wraps fallback with per-contract command verification.
func NewCommandCheck(shell string, fallback GroundTruth) *CommandCheck {
	if shell == "" {
		shell = "/bin/sh"
	}
	if fallback == nil {
		fallback = IntegrityCheck{}
	}
	return &CommandCheck{Shell: shell, Fallback: fallback}
}

// Verify implements GroundTruth.
func (c *CommandCheck) Verify(ctx context.Context, contract *engine.ActionContract, obs engine.Observation) (bool, float64, string, error) {
	command := contract.Params["verify_cmd"]
	if command == "" {
		return c.Fallback.Verify(ctx, contract, obs)
	}

	cmd := exec.CommandContext(ctx, c.Shell, "-c", command)
	cmd.Stdin = strings.NewReader(obs.Payload)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return false, 0, "", ctx.Err()
		}
		reason := strings.TrimSpace(string(out))
		if reason == "" {
			reason = err.Error()
		}
		return false, 1, "verify command failed: " + reason, nil
	}
	return true, 0, "", nil
}
