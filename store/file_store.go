package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
	yaml "gopkg.in/yaml.v3"

	"github.com/retrograph/retrograph/internal/engine"
)

const (
	defaultDataFile = "run.json"
	formatJSON      = "json"
	formatYAML      = "yaml"
	formatTOML      = "toml"
	checksumSuffix  = ".checksum"
)

// runState is the on-disk shape of a FileRunStore. All collections are
// keyed or tagged by brief ID so one file can hold several runs.
type runState struct {
	Briefs        map[string]*engine.TaskBrief           `json:"briefs" yaml:"briefs" toml:"briefs"`
	Plans         map[string][]*engine.Plan              `json:"plans" yaml:"plans" toml:"plans"`
	Observations  map[string][]engine.Observation        `json:"observations" yaml:"observations" toml:"observations"`
	Verifications map[string][]engine.VerificationResult `json:"verifications" yaml:"verifications" toml:"verifications"`
	Lineage       map[string][]engine.LineageNode        `json:"lineage" yaml:"lineage" toml:"lineage"`
	Tickets       map[string][]engine.EscalationTicket   `json:"tickets" yaml:"tickets" toml:"tickets"`
}

func newRunState() *runState {
	return &runState{
		Briefs:        make(map[string]*engine.TaskBrief),
		Plans:         make(map[string][]*engine.Plan),
		Observations:  make(map[string][]engine.Observation),
		Verifications: make(map[string][]engine.VerificationResult),
		Lineage:       make(map[string][]engine.LineageNode),
		Tickets:       make(map[string][]engine.EscalationTicket),
	}
}

// FileRunStore implements RunStore on a single JSON, YAML, or TOML file.
// Writes are guarded by a file lock and paired with a SHA256 checksum
// sidecar so a torn write is detected on the next load.
type FileRunStore struct {
	filePath string
	format   string
	flk      *flock.Flock
	state    *runState
}

// NewFileRunStore opens (or creates) the state file. Format is inferred
// from the extension; unknown extensions default to JSON.
func NewFileRunStore(filePath string) (*FileRunStore, error) {
	if filePath == "" {
		filePath = defaultDataFile
	}

	format := formatJSON
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		format = formatYAML
	case ".toml":
		format = formatTOML
	}

	if dir := filepath.Dir(filePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	s := &FileRunStore{
		filePath: filePath,
		format:   format,
		flk:      flock.New(filePath),
		state:    newRunState(),
	}

	if err := s.flk.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", filePath, err)
	}
	defer func() { _ = s.flk.Unlock() }()

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// load reads the state file, verifying the checksum sidecar when present.
// Assumes the lock is held.
func (s *FileRunStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.state = newRunState()
			return nil
		}
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}

	checksumPath := s.filePath + checksumSuffix
	if expected, err := os.ReadFile(checksumPath); err == nil {
		if actual := checksum(data); actual != strings.TrimSpace(string(expected)) {
			return fmt.Errorf("checksum mismatch for %s: file is corrupt or was modified outside the store", s.filePath)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read checksum %s: %w", checksumPath, err)
	}

	if len(data) == 0 {
		s.state = newRunState()
		return nil
	}

	state := newRunState()
	switch s.format {
	case formatJSON:
		err = json.Unmarshal(data, state)
	case formatYAML:
		err = yaml.Unmarshal(data, state)
	case formatTOML:
		err = toml.Unmarshal(data, state)
	}
	if err != nil {
		return fmt.Errorf("unmarshal %s: %w", s.filePath, err)
	}
	s.state = state
	return nil
}

// save writes the state and its checksum. Assumes the lock is held.
func (s *FileRunStore) save() error {
	var data []byte
	var err error
	switch s.format {
	case formatJSON:
		data, err = json.MarshalIndent(s.state, "", "  ")
	case formatYAML:
		data, err = yaml.Marshal(s.state)
	case formatTOML:
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(s.state)
		data = []byte(sb.String())
	}
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return os.WriteFile(s.filePath+checksumSuffix, []byte(checksum(data)), 0o644)
}

// mutate runs fn against the state under the file lock and persists.
func (s *FileRunStore) mutate(fn func(*runState) error) error {
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = s.flk.Unlock() }()

	if err := s.load(); err != nil {
		return err
	}
	if err := fn(s.state); err != nil {
		return err
	}
	return s.save()
}

// view runs fn against a freshly loaded state under a shared lock.
func (s *FileRunStore) view(fn func(*runState) error) error {
	if err := s.flk.RLock(); err != nil {
		return fmt.Errorf("acquire read lock: %w", err)
	}
	defer func() { _ = s.flk.Unlock() }()

	if err := s.load(); err != nil {
		return err
	}
	return fn(s.state)
}

func (s *FileRunStore) SaveBrief(brief *engine.TaskBrief) error {
	return s.mutate(func(st *runState) error {
		st.Briefs[brief.ID] = brief
		return nil
	})
}

func (s *FileRunStore) GetBrief(id string) (*engine.TaskBrief, error) {
	var brief *engine.TaskBrief
	err := s.view(func(st *runState) error {
		b, ok := st.Briefs[id]
		if !ok {
			return ErrNotFound
		}
		brief = b
		return nil
	})
	return brief, err
}

func (s *FileRunStore) SavePlan(plan *engine.Plan) error {
	return s.mutate(func(st *runState) error {
		for _, existing := range st.Plans[plan.BriefID] {
			if existing.Version == plan.Version {
				return fmt.Errorf("plan version %d already saved for brief %s", plan.Version, plan.BriefID)
			}
		}
		st.Plans[plan.BriefID] = append(st.Plans[plan.BriefID], plan)
		return nil
	})
}

func (s *FileRunStore) GetPlan(briefID string, version int) (*engine.Plan, error) {
	var plan *engine.Plan
	err := s.view(func(st *runState) error {
		for _, p := range st.Plans[briefID] {
			if p.Version == version {
				plan = p
				return nil
			}
		}
		return ErrNotFound
	})
	return plan, err
}

func (s *FileRunStore) LatestPlan(briefID string) (*engine.Plan, error) {
	var plan *engine.Plan
	err := s.view(func(st *runState) error {
		for _, p := range st.Plans[briefID] {
			if plan == nil || p.Version > plan.Version {
				plan = p
			}
		}
		if plan == nil {
			return ErrNotFound
		}
		return nil
	})
	return plan, err
}

func (s *FileRunStore) AppendObservation(briefID string, obs engine.Observation) error {
	return s.mutate(func(st *runState) error {
		st.Observations[briefID] = append(st.Observations[briefID], obs)
		return nil
	})
}

func (s *FileRunStore) Observations(briefID, stepID string) ([]engine.Observation, error) {
	var out []engine.Observation
	err := s.view(func(st *runState) error {
		for _, obs := range st.Observations[briefID] {
			if obs.StepID == stepID {
				out = append(out, obs)
			}
		}
		return nil
	})
	return out, err
}

func (s *FileRunStore) AppendVerification(briefID string, v engine.VerificationResult) error {
	return s.mutate(func(st *runState) error {
		st.Verifications[briefID] = append(st.Verifications[briefID], v)
		return nil
	})
}

func (s *FileRunStore) Verifications(briefID, stepID string) ([]engine.VerificationResult, error) {
	var out []engine.VerificationResult
	err := s.view(func(st *runState) error {
		for _, v := range st.Verifications[briefID] {
			if v.StepID == stepID {
				out = append(out, v)
			}
		}
		return nil
	})
	return out, err
}

func (s *FileRunStore) SaveLineageNode(briefID string, node engine.LineageNode) error {
	return s.mutate(func(st *runState) error {
		nodes := st.Lineage[briefID]
		for i := range nodes {
			if nodes[i].ArtifactDigest == node.ArtifactDigest {
				nodes[i] = node
				return nil
			}
		}
		st.Lineage[briefID] = append(nodes, node)
		return nil
	})
}

func (s *FileRunStore) LineageNodes(briefID string) ([]engine.LineageNode, error) {
	var out []engine.LineageNode
	err := s.view(func(st *runState) error {
		out = append(out, st.Lineage[briefID]...)
		return nil
	})
	return out, err
}

func (s *FileRunStore) SaveTicket(briefID string, t engine.EscalationTicket) error {
	return s.mutate(func(st *runState) error {
		tickets := st.Tickets[briefID]
		for i := range tickets {
			if tickets[i].ID == t.ID {
				tickets[i] = t
				return nil
			}
		}
		st.Tickets[briefID] = append(tickets, t)
		return nil
	})
}

func (s *FileRunStore) GetTicket(id string) (engine.EscalationTicket, error) {
	var out engine.EscalationTicket
	err := s.view(func(st *runState) error {
		for _, tickets := range st.Tickets {
			for _, t := range tickets {
				if t.ID == id {
					out = t
					return nil
				}
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *FileRunStore) Tickets(briefID string) ([]engine.EscalationTicket, error) {
	var out []engine.EscalationTicket
	err := s.view(func(st *runState) error {
		out = append(out, st.Tickets[briefID]...)
		return nil
	})
	return out, err
}

// Close releases the file lock if held.
func (s *FileRunStore) Close() error {
	return s.flk.Unlock()
}
