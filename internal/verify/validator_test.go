package verify

import (
	"testing"

	"github.com/retrograph/retrograph/internal/engine"
	"github.com/stretchr/testify/assert"
)

func obsFor(payload string) engine.Observation {
	return engine.Observation{
		StepID:        "s1",
		Status:        engine.ObservationSuccess,
		Payload:       payload,
		OutputsDigest: engine.DigestString(payload),
	}
}

func TestCheck_PredicateTable(t *testing.T) {
	tests := []struct {
		name       string
		predicate  engine.Predicate
		payload    string
		wantPassed bool
	}{
		{"non_empty pass", engine.Predicate{Kind: engine.PredNonEmpty, Artifact: "out"}, "data", true},
		{"non_empty fail", engine.Predicate{Kind: engine.PredNonEmpty, Artifact: "out"}, "   ", false},
		{"equals pass", engine.Predicate{Kind: engine.PredEquals, Artifact: "out", Value: "42"}, "42", true},
		{"equals fail", engine.Predicate{Kind: engine.PredEquals, Artifact: "out", Value: "42"}, "43", false},
		{"contains pass", engine.Predicate{Kind: engine.PredContains, Artifact: "out", Value: "ok"}, "status: ok", true},
		{"contains fail", engine.Predicate{Kind: engine.PredContains, Artifact: "out", Value: "ok"}, "status: bad", false},
		{"matches pass", engine.Predicate{Kind: engine.PredMatches, Artifact: "out", Value: `^v\d+$`}, "v12", true},
		{"matches fail", engine.Predicate{Kind: engine.PredMatches, Artifact: "out", Value: `^v\d+$`}, "release-12", false},
		{"matches bad pattern", engine.Predicate{Kind: engine.PredMatches, Artifact: "out", Value: `(`}, "x", false},
		{"max_bytes pass", engine.Predicate{Kind: engine.PredMaxBytes, Artifact: "out", Value: "10"}, "short", true},
		{"max_bytes fail", engine.Predicate{Kind: engine.PredMaxBytes, Artifact: "out", Value: "3"}, "too long", false},
		{"unknown kind", engine.Predicate{Kind: "telepathy", Artifact: "out"}, "x", false},
	}

	v := NewContractValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contract := &engine.ActionContract{
				StepID:         "s1",
				Produces:       "out",
				Postconditions: []engine.Predicate{tt.predicate},
			}
			result := v.Check(contract, obsFor(tt.payload))
			assert.Equal(t, tt.wantPassed, result.Passed, "reason: %s", result.Reason)
			assert.Equal(t, engine.PhaseFast, result.Phase)
		})
	}
}

func TestCheck_FailedObservationFailsOutright(t *testing.T) {
	v := NewContractValidator()
	contract := &engine.ActionContract{StepID: "s1", Produces: "out"}
	obs := engine.Observation{StepID: "s1", Status: engine.ObservationFailure, Error: "boom"}

	result := v.Check(contract, obs)
	assert.False(t, result.Passed)
	assert.Equal(t, 1.0, result.DriftScore)
	assert.Contains(t, result.Reason, "boom")
}

func TestCheck_DriftScoreIsFailedFraction(t *testing.T) {
	v := NewContractValidator()
	contract := &engine.ActionContract{
		StepID:   "s1",
		Produces: "out",
		Postconditions: []engine.Predicate{
			{Kind: engine.PredNonEmpty, Artifact: "out"},
			{Kind: engine.PredContains, Artifact: "out", Value: "missing"},
		},
	}
	result := v.Check(contract, obsFor("present"))
	assert.False(t, result.Passed)
	assert.InDelta(t, 0.5, result.DriftScore, 1e-9)
}

func TestCheckPreconditions(t *testing.T) {
	v := NewContractValidator()
	contract := &engine.ActionContract{
		StepID:   "s2",
		Consumes: []string{"in"},
		Produces: "out",
		Preconditions: []engine.Predicate{
			{Kind: engine.PredNonEmpty, Artifact: "in"},
		},
	}

	ok, _ := v.CheckPreconditions(contract, map[string]engine.Artifact{
		"in": {Name: "in", Payload: "value"},
	})
	assert.True(t, ok)

	ok, reason := v.CheckPreconditions(contract, map[string]engine.Artifact{})
	assert.False(t, ok)
	assert.Contains(t, reason, "unbound")
}
