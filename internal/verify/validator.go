// Package verify implements the two validation paths on step outputs: the
// synchronous fast path that gates forward progress, and the asynchronous
// slow path that cross-checks committed results after the fact.
package verify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/retrograph/retrograph/internal/engine"
)

// ContractValidator evaluates a contract's conditions against observations.
// Evaluation is pure predicate checking over payloads: no external calls,
// bounded time, safe to run inline in the coordinator loop.
type ContractValidator struct{}

// NewContractValidator returns a validator.
func NewContractValidator() *ContractValidator {
	return &ContractValidator{}
}

// Check evaluates the contract's postconditions against the observation's
// payload and returns a fast-phase result. A failed observation fails the
// check outright; severity is assigned later by the escalation router.
func (v *ContractValidator) Check(contract *engine.ActionContract, obs engine.Observation) engine.VerificationResult {
	result := engine.VerificationResult{
		StepID:         obs.StepID,
		Phase:          engine.PhaseFast,
		ObservedDigest: obs.OutputsDigest,
		CheckedAt:      time.Now().UTC(),
	}

	if obs.Status == engine.ObservationFailure {
		result.Passed = false
		result.DriftScore = 1
		result.Reason = "execution failed: " + obs.Error
		return result
	}

	failed, reasons := evalPredicates(contract.Postconditions, contract.Produces, obs.Payload)
	if total := len(contract.Postconditions); total > 0 {
		result.DriftScore = float64(failed) / float64(total)
	}
	result.Passed = failed == 0
	if failed > 0 {
		result.Reason = strings.Join(reasons, "; ")
	}
	return result
}

// CheckPreconditions evaluates the contract's preconditions against the
// bound input artifacts. A false return means the step must not dispatch.
func (v *ContractValidator) CheckPreconditions(contract *engine.ActionContract, bindings map[string]engine.Artifact) (bool, string) {
	var reasons []string
	for _, p := range contract.Preconditions {
		artifact, ok := bindings[p.Artifact]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("precondition references unbound artifact %q", p.Artifact))
			continue
		}
		if pass, why := evalPredicate(p, artifact.Payload); !pass {
			reasons = append(reasons, why)
		}
	}
	if len(reasons) > 0 {
		return false, strings.Join(reasons, "; ")
	}
	return true, ""
}

func evalPredicates(preds []engine.Predicate, producedName, payload string) (failed int, reasons []string) {
	for _, p := range preds {
		if p.Artifact != "" && p.Artifact != producedName {
			failed++
			reasons = append(reasons, fmt.Sprintf("postcondition references %q, step produces %q", p.Artifact, producedName))
			continue
		}
		if pass, why := evalPredicate(p, payload); !pass {
			failed++
			reasons = append(reasons, why)
		}
	}
	return failed, reasons
}

func evalPredicate(p engine.Predicate, payload string) (bool, string) {
	switch p.Kind {
	case engine.PredNonEmpty:
		if strings.TrimSpace(payload) == "" {
			return false, fmt.Sprintf("artifact %q is empty", p.Artifact)
		}
	case engine.PredEquals:
		if payload != p.Value {
			return false, fmt.Sprintf("artifact %q does not equal expected value", p.Artifact)
		}
	case engine.PredContains:
		if !strings.Contains(payload, p.Value) {
			return false, fmt.Sprintf("artifact %q does not contain %q", p.Artifact, p.Value)
		}
	case engine.PredMatches:
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return false, fmt.Sprintf("invalid pattern %q: %v", p.Value, err)
		}
		if !re.MatchString(payload) {
			return false, fmt.Sprintf("artifact %q does not match %q", p.Artifact, p.Value)
		}
	case engine.PredMaxBytes:
		limit, err := strconv.Atoi(p.Value)
		if err != nil {
			return false, fmt.Sprintf("invalid max_bytes value %q", p.Value)
		}
		if len(payload) > limit {
			return false, fmt.Sprintf("artifact %q exceeds %d bytes", p.Artifact, limit)
		}
	default:
		return false, fmt.Sprintf("unknown predicate kind %q", p.Kind)
	}
	return true, ""
}
