package engine

import (
	"errors"
	"fmt"
)

// VerifyDAG checks that the contracts form a valid directed acyclic graph.
// Edges are derived from artifact flow: a step depends on whichever step
// produces an artifact it consumes. Artifacts with no producer are assumed
// to come from the brief's inputs.
func VerifyDAG(contracts []ActionContract) error {
	byID := make(map[string]ActionContract, len(contracts))
	producers := make(map[string]string, len(contracts))
	for _, c := range contracts {
		if c.StepID == "" {
			return errors.New("step ID cannot be empty")
		}
		if _, dup := byID[c.StepID]; dup {
			return fmt.Errorf("duplicate step ID %s", c.StepID)
		}
		byID[c.StepID] = c
		if prev, dup := producers[c.Produces]; dup {
			return fmt.Errorf("artifact %q produced by both %s and %s", c.Produces, prev, c.StepID)
		}
		producers[c.Produces] = c.StepID
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var checkCycle func(stepID string) error
	checkCycle = func(stepID string) error {
		visited[stepID] = true
		onStack[stepID] = true

		c := byID[stepID]
		for _, in := range c.Consumes {
			dep, ok := producers[in]
			if !ok || dep == stepID {
				continue
			}
			if !visited[dep] {
				if err := checkCycle(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				return fmt.Errorf("cycle detected involving step %s -> %s", stepID, dep)
			}
		}

		onStack[stepID] = false
		return nil
	}

	for _, c := range contracts {
		if !visited[c.StepID] {
			if err := checkCycle(c.StepID); err != nil {
				return err
			}
		}
	}

	return nil
}

// TopologicalSort returns contracts in dependency order (producers first).
// Returns an error if a cycle is detected.
func TopologicalSort(contracts []ActionContract) ([]ActionContract, error) {
	if err := VerifyDAG(contracts); err != nil {
		return nil, err
	}

	byID := make(map[string]ActionContract, len(contracts))
	producers := make(map[string]string, len(contracts))
	for _, c := range contracts {
		byID[c.StepID] = c
		producers[c.Produces] = c.StepID
	}

	var sorted []ActionContract
	visited := make(map[string]bool)

	var visit func(stepID string)
	visit = func(stepID string) {
		if visited[stepID] {
			return
		}
		visited[stepID] = true

		c := byID[stepID]
		for _, in := range c.Consumes {
			if dep, ok := producers[in]; ok && dep != stepID {
				visit(dep)
			}
		}
		sorted = append(sorted, c)
	}

	for _, c := range contracts {
		visit(c.StepID)
	}

	return sorted, nil
}
