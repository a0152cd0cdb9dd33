package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/retrograph/retrograph/internal/engine"
)

// SQLiteStore implements RunStore on a single SQLite file. Nested
// structures (contracts, predicates, ticket payloads) are stored as JSON
// blobs; columns exist for the fields queries filter on.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database. basePath ":memory:" gives
// an ephemeral store for tests.
func NewSQLiteStore(basePath string) (*SQLiteStore, error) {
	var dbPath string
	if basePath == ":memory:" {
		dbPath = ":memory:"
	} else {
		dbPath = filepath.Join(basePath, "run.db")
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS briefs (
		id TEXT PRIMARY KEY,
		objective TEXT NOT NULL,
		payload TEXT NOT NULL,              -- JSON blob of the full brief
		created_at TEXT NOT NULL
	);

	-- Plan versions are immutable; the (brief_id, version) pair is the key.
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT NOT NULL,
		brief_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		parent_version INTEGER,
		contracts TEXT NOT NULL,            -- JSON array of action contracts
		created_at TEXT NOT NULL,
		PRIMARY KEY (brief_id, version),
		FOREIGN KEY (brief_id) REFERENCES briefs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		brief_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		inputs_digest TEXT NOT NULL,
		outputs_digest TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT,
		error TEXT,
		produced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS verifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		brief_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		passed INTEGER NOT NULL,
		drift_score REAL NOT NULL,
		severity TEXT,
		reason TEXT,
		observed_digest TEXT,
		checked_at TEXT NOT NULL
	);

	-- Lineage is append-only: re-recording a digest bumps generation, and
	-- invalidation flips a flag rather than deleting the row.
	CREATE TABLE IF NOT EXISTS lineage_nodes (
		brief_id TEXT NOT NULL,
		artifact_digest TEXT NOT NULL,
		producing_step_id TEXT NOT NULL,
		consumer_step_ids TEXT,             -- JSON array
		invalidated INTEGER NOT NULL DEFAULT 0,
		generation INTEGER NOT NULL DEFAULT 1,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (brief_id, artifact_digest)
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		brief_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		step_id TEXT NOT NULL,
		resolution TEXT NOT NULL,
		payload TEXT NOT NULL,              -- JSON blob of the full ticket
		opened_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_observations_step ON observations(brief_id, step_id);
	CREATE INDEX IF NOT EXISTS idx_verifications_step ON verifications(brief_id, step_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_brief ON tickets(brief_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveBrief(brief *engine.TaskBrief) error {
	payload, err := json.Marshal(brief)
	if err != nil {
		return fmt.Errorf("marshal brief: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO briefs (id, objective, payload, created_at) VALUES (?, ?, ?, ?)`,
		brief.ID, brief.Objective, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetBrief(id string) (*engine.TaskBrief, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM briefs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var brief engine.TaskBrief
	if err := json.Unmarshal([]byte(payload), &brief); err != nil {
		return nil, fmt.Errorf("unmarshal brief %s: %w", id, err)
	}
	return &brief, nil
}

func (s *SQLiteStore) SavePlan(plan *engine.Plan) error {
	contracts, err := json.Marshal(plan.Contracts)
	if err != nil {
		return fmt.Errorf("marshal contracts: %w", err)
	}
	var parent any
	if plan.ParentVersion != nil {
		parent = *plan.ParentVersion
	}
	_, err = s.db.Exec(
		`INSERT INTO plans (id, brief_id, version, parent_version, contracts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.BriefID, plan.Version, parent, string(contracts),
		plan.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetPlan(briefID string, version int) (*engine.Plan, error) {
	row := s.db.QueryRow(
		`SELECT id, brief_id, version, parent_version, contracts, created_at
		 FROM plans WHERE brief_id = ? AND version = ?`, briefID, version)
	return scanPlan(row)
}

func (s *SQLiteStore) LatestPlan(briefID string) (*engine.Plan, error) {
	row := s.db.QueryRow(
		`SELECT id, brief_id, version, parent_version, contracts, created_at
		 FROM plans WHERE brief_id = ? ORDER BY version DESC LIMIT 1`, briefID)
	return scanPlan(row)
}

func scanPlan(row *sql.Row) (*engine.Plan, error) {
	var plan engine.Plan
	var parent sql.NullInt64
	var contracts, createdAt string
	err := row.Scan(&plan.ID, &plan.BriefID, &plan.Version, &parent, &contracts, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		v := int(parent.Int64)
		plan.ParentVersion = &v
	}
	if err := json.Unmarshal([]byte(contracts), &plan.Contracts); err != nil {
		return nil, fmt.Errorf("unmarshal contracts: %w", err)
	}
	plan.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &plan, nil
}

func (s *SQLiteStore) AppendObservation(briefID string, obs engine.Observation) error {
	_, err := s.db.Exec(
		`INSERT INTO observations (brief_id, step_id, attempt, inputs_digest, outputs_digest, status, payload, error, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		briefID, obs.StepID, obs.Attempt, obs.InputsDigest, obs.OutputsDigest,
		string(obs.Status), obs.Payload, obs.Error, obs.ProducedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) Observations(briefID, stepID string) ([]engine.Observation, error) {
	rows, err := s.db.Query(
		`SELECT step_id, attempt, inputs_digest, outputs_digest, status, payload, error, produced_at
		 FROM observations WHERE brief_id = ? AND step_id = ? ORDER BY id`, briefID, stepID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []engine.Observation
	for rows.Next() {
		var obs engine.Observation
		var status, producedAt string
		if err := rows.Scan(&obs.StepID, &obs.Attempt, &obs.InputsDigest, &obs.OutputsDigest,
			&status, &obs.Payload, &obs.Error, &producedAt); err != nil {
			return nil, err
		}
		obs.Status = engine.ObservationStatus(status)
		obs.ProducedAt, _ = time.Parse(time.RFC3339Nano, producedAt)
		out = append(out, obs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendVerification(briefID string, v engine.VerificationResult) error {
	_, err := s.db.Exec(
		`INSERT INTO verifications (brief_id, step_id, phase, passed, drift_score, severity, reason, observed_digest, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		briefID, v.StepID, string(v.Phase), boolToInt(v.Passed), v.DriftScore,
		string(v.Severity), v.Reason, v.ObservedDigest, v.CheckedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) Verifications(briefID, stepID string) ([]engine.VerificationResult, error) {
	rows, err := s.db.Query(
		`SELECT step_id, phase, passed, drift_score, severity, reason, observed_digest, checked_at
		 FROM verifications WHERE brief_id = ? AND step_id = ? ORDER BY id`, briefID, stepID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []engine.VerificationResult
	for rows.Next() {
		var v engine.VerificationResult
		var phase, severity, checkedAt string
		var passed int
		if err := rows.Scan(&v.StepID, &phase, &passed, &v.DriftScore, &severity,
			&v.Reason, &v.ObservedDigest, &checkedAt); err != nil {
			return nil, err
		}
		v.Phase = engine.Phase(phase)
		v.Passed = passed != 0
		v.Severity = engine.Severity(severity)
		v.CheckedAt, _ = time.Parse(time.RFC3339Nano, checkedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveLineageNode(briefID string, node engine.LineageNode) error {
	consumers, err := json.Marshal(node.ConsumerStepIDs)
	if err != nil {
		return fmt.Errorf("marshal consumers: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO lineage_nodes
		 (brief_id, artifact_digest, producing_step_id, consumer_step_ids, invalidated, generation, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		briefID, node.ArtifactDigest, node.ProducingStepID, string(consumers),
		boolToInt(node.Invalidated), node.Generation, node.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) LineageNodes(briefID string) ([]engine.LineageNode, error) {
	rows, err := s.db.Query(
		`SELECT artifact_digest, producing_step_id, consumer_step_ids, invalidated, generation, recorded_at
		 FROM lineage_nodes WHERE brief_id = ? ORDER BY recorded_at`, briefID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []engine.LineageNode
	for rows.Next() {
		var node engine.LineageNode
		var consumers, recordedAt string
		var invalidated int
		if err := rows.Scan(&node.ArtifactDigest, &node.ProducingStepID, &consumers,
			&invalidated, &node.Generation, &recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(consumers), &node.ConsumerStepIDs); err != nil {
			return nil, fmt.Errorf("unmarshal consumers: %w", err)
		}
		node.Invalidated = invalidated != 0
		node.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, node)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveTicket(briefID string, t engine.EscalationTicket) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO tickets (id, brief_id, severity, step_id, resolution, payload, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, briefID, string(t.Severity), t.StepID, string(t.Resolution),
		string(payload), t.OpenedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetTicket(id string) (engine.EscalationTicket, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM tickets WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.EscalationTicket{}, ErrNotFound
	}
	if err != nil {
		return engine.EscalationTicket{}, err
	}
	var t engine.EscalationTicket
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return engine.EscalationTicket{}, fmt.Errorf("unmarshal ticket %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) Tickets(briefID string) ([]engine.EscalationTicket, error) {
	rows, err := s.db.Query(`SELECT payload FROM tickets WHERE brief_id = ? ORDER BY opened_at`, briefID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []engine.EscalationTicket
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t engine.EscalationTicket
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("unmarshal ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
