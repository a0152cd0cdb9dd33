package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id, produces string, consumes ...string) ActionContract {
	return ActionContract{
		StepID:    id,
		Op:        "noop",
		Produces:  produces,
		Consumes:  consumes,
		Transport: TransportInProcess,
	}
}

func TestVerifyDAG_Valid(t *testing.T) {
	contracts := []ActionContract{
		step("a", "fetched"),
		step("b", "parsed", "fetched"),
		step("c", "report", "parsed"),
	}
	require.NoError(t, VerifyDAG(contracts))
}

func TestVerifyDAG_Cycle(t *testing.T) {
	contracts := []ActionContract{
		step("a", "x", "y"),
		step("b", "y", "x"),
	}
	err := VerifyDAG(contracts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestVerifyDAG_DuplicateProducer(t *testing.T) {
	contracts := []ActionContract{
		step("a", "out"),
		step("b", "out"),
	}
	err := VerifyDAG(contracts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced by both")
}

func TestVerifyDAG_ExternalInputIsNotAnEdge(t *testing.T) {
	// "seed" has no producer: it comes from the brief, not from a step.
	contracts := []ActionContract{
		step("a", "derived", "seed"),
	}
	require.NoError(t, VerifyDAG(contracts))
}

func TestTopologicalSort_DiamondShape(t *testing.T) {
	contracts := []ActionContract{
		step("join", "final", "left", "right"),
		step("right", "right", "root"),
		step("left", "left", "root"),
		step("root", "root"),
	}
	sorted, err := TopologicalSort(contracts)
	require.NoError(t, err)
	require.Len(t, sorted, 4)

	pos := make(map[string]int)
	for i, c := range sorted {
		pos[c.StepID] = i
	}
	assert.Less(t, pos["root"], pos["left"])
	assert.Less(t, pos["root"], pos["right"])
	assert.Less(t, pos["left"], pos["join"])
	assert.Less(t, pos["right"], pos["join"])
}
