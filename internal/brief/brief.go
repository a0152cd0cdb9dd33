// Package brief loads task brief files: the objective, inputs, constraints,
// and declared plan steps a caller submits to the engine.
package brief

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/retrograph/retrograph/internal/engine"
	"github.com/retrograph/retrograph/internal/planner"
)

// File is the on-disk shape of a brief. Steps are optional: a brief without
// steps needs a generative planner.
type File struct {
	Objective   string                 `yaml:"objective" validate:"required,min=3"`
	Inputs      map[string]string      `yaml:"inputs"`
	Constraints engine.Constraints     `yaml:"constraints"`
	Steps       []planner.StepTemplate `yaml:"steps" validate:"dive"`
}

var validate = validator.New()

// Load reads and validates a brief file.
func Load(fs afero.Fs, path string) (*File, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read brief file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse brief file %s: %w", path, err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid brief file %s: %w", path, err)
	}
	return &f, nil
}

// Brief converts the file into a submittable TaskBrief with a fresh ID.
func (f *File) Brief() *engine.TaskBrief {
	return &engine.TaskBrief{
		ID:          uuid.New().String(),
		Objective:   f.Objective,
		Inputs:      f.Inputs,
		Constraints: f.Constraints,
		SubmittedAt: time.Now().UTC(),
	}
}
