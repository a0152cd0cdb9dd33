package brief

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrograph/retrograph/internal/engine"
)

const sampleBrief = `
objective: build and publish the weekly report
inputs:
  seed: "2026-08-17"
constraints:
  retry_budget: 2
  optimistic: true
steps:
  - step_id: fetch
    op: fetch_metrics
    consumes: [seed]
    produces: metrics
    postconditions:
      - kind: non_empty
        artifact: metrics
  - step_id: publish
    op: publish_report
    consumes: [metrics]
    produces: report_url
    has_side_effect: true
    compensation_ref: unpublish_report
`

func TestLoad_ParsesBriefFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "brief.yaml", []byte(sampleBrief), 0644))

	f, err := Load(fs, "brief.yaml")
	require.NoError(t, err)

	assert.Equal(t, "build and publish the weekly report", f.Objective)
	assert.Equal(t, "2026-08-17", f.Inputs["seed"])
	assert.Equal(t, 2, f.Constraints.RetryBudget)
	assert.True(t, f.Constraints.Optimistic)

	require.Len(t, f.Steps, 2)
	assert.Equal(t, "fetch", f.Steps[0].StepID)
	require.Len(t, f.Steps[0].Postconditions, 1)
	assert.Equal(t, engine.PredNonEmpty, f.Steps[0].Postconditions[0].Kind)
	assert.True(t, f.Steps[1].HasSideEffect)
}

func TestLoad_RejectsMissingObjective(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "brief.yaml", []byte("inputs: {a: b}\n"), 0644))

	_, err := Load(fs, "brief.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid brief file")
}

func TestLoad_RejectsInvalidStep(t *testing.T) {
	fs := afero.NewMemMapFs()
	bad := "objective: do the thing\nsteps:\n  - step_id: s1\n    op: \"\"\n    produces: out\n"
	require.NoError(t, afero.WriteFile(fs, "brief.yaml", []byte(bad), 0644))

	_, err := Load(fs, "brief.yaml")
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "nope.yaml")
	require.Error(t, err)
}

func TestBrief_AssignsIDAndTimestamp(t *testing.T) {
	f := &File{Objective: "do the thing"}
	b := f.Brief()

	assert.NotEmpty(t, b.ID)
	assert.False(t, b.SubmittedAt.IsZero())
	assert.Equal(t, "do the thing", b.Objective)
}
