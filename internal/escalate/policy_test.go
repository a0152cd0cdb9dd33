package escalate

import (
	"context"
	"testing"

	"github.com/retrograph/retrograph/internal/engine"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lowDriftPolicy = `package retrograph.escalation

import rego.v1

resolve contains msg if {
	input.drift_score < 0.2
	msg := "drift below auto-resolve threshold"
}
`

const blockDeployPolicy = `package retrograph.escalation

import rego.v1

block contains msg if {
	input.step_id == "deploy"
	msg := "deploy steps always need a human"
}
`

func s4Ticket(stepID string, drift float64) engine.EscalationTicket {
	return engine.EscalationTicket{
		ID:       "t1",
		Severity: engine.SeverityS4,
		StepID:   stepID,
		Verification: &engine.VerificationResult{
			StepID:     stepID,
			Phase:      engine.PhaseSlow,
			DriftScore: drift,
		},
		Resolution: engine.ResolutionPending,
	}
}

func TestEvaluate_NoPoliciesNeverResolves(t *testing.T) {
	r := NewAutoResolver()
	resolved, _, err := r.Evaluate(context.Background(), s4Ticket("s1", 0.01))
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestEvaluate_ResolveRule(t *testing.T) {
	r := NewAutoResolver()
	r.AddPolicy("low_drift.rego", lowDriftPolicy)

	resolved, reason, err := r.Evaluate(context.Background(), s4Ticket("s1", 0.1))
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, "drift below auto-resolve threshold", reason)

	resolved, _, err = r.Evaluate(context.Background(), s4Ticket("s1", 0.8))
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestEvaluate_BlockVetoesResolve(t *testing.T) {
	r := NewAutoResolver()
	r.AddPolicy("low_drift.rego", lowDriftPolicy)
	r.AddPolicy("block_deploy.rego", blockDeployPolicy)

	// Drift qualifies, but the block rule wins.
	resolved, _, err := r.Evaluate(context.Background(), s4Ticket("deploy", 0.1))
	require.NoError(t, err)
	assert.False(t, resolved)

	resolved, _, err = r.Evaluate(context.Background(), s4Ticket("other", 0.1))
	require.NoError(t, err)
	assert.True(t, resolved)
}

func TestLoadDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/policies", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/policies/low_drift.rego", []byte(lowDriftPolicy), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/policies/readme.md", []byte("not a policy"), 0o644))

	r := NewAutoResolver()
	require.NoError(t, r.LoadDir(fs, "/policies"))

	resolved, _, err := r.Evaluate(context.Background(), s4Ticket("s1", 0.05))
	require.NoError(t, err)
	assert.True(t, resolved)
}

func TestLoadDir_MissingDirIsFine(t *testing.T) {
	r := NewAutoResolver()
	require.NoError(t, r.LoadDir(afero.NewMemMapFs(), "/nope"))
}
