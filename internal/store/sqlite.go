package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/signal-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS hypotheses (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL,
	category      TEXT NOT NULL,
	statement     TEXT NOT NULL,
	confidence    REAL NOT NULL DEFAULT 0,
	state         TEXT NOT NULL DEFAULT 'pending',
	evidence_refs TEXT,
	version       INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS evidence (
	id            TEXT PRIMARY KEY,
	hypothesis_id TEXT NOT NULL REFERENCES hypotheses(id),
	source        TEXT NOT NULL,
	reference     TEXT,
	extracted_text TEXT,
	supports      INTEGER NOT NULL DEFAULT 1,
	collected_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS config_versions (
	version     TEXT PRIMARY KEY,
	doc         TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS rollout_records (
	id             TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	config_version TEXT NOT NULL,
	stage          TEXT NOT NULL,
	total_cost     REAL NOT NULL DEFAULT 0,
	iterations     INTEGER NOT NULL DEFAULT 0,
	outcomes       TEXT,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	recorded_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS checkpoints (
	name       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_hypotheses_entity ON hypotheses(entity_id);
CREATE INDEX IF NOT EXISTS idx_hypotheses_state ON hypotheses(state);
CREATE INDEX IF NOT EXISTS idx_hypotheses_updated ON hypotheses(updated_at);
CREATE INDEX IF NOT EXISTS idx_evidence_hypothesis ON evidence(hypothesis_id);
CREATE INDEX IF NOT EXISTS idx_rollout_stage ON rollout_records(stage, recorded_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateHypothesis(ctx context.Context, h model.Hypothesis) error {
	refsJSON, err := json.Marshal(h.EvidenceRefs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence refs")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hypotheses (id, entity_id, category, statement, confidence, state, evidence_refs, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.EntityID, string(h.Category), h.Statement, h.Confidence, string(h.State),
		string(refsJSON), h.Version, h.CreatedAt, h.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert hypothesis %s", h.ID)
}

func (s *SQLiteStore) GetHypothesis(ctx context.Context, id string) (*model.Hypothesis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, entity_id, category, statement, confidence, state, evidence_refs, version, created_at, updated_at
		 FROM hypotheses WHERE id = ?`, id)
	return scanHypothesis(row)
}

// UpdateHypothesis persists h if its version matches the stored row, then
// bumps the version. A version mismatch on an existing row returns
// model.ErrConflict; a missing row returns model.ErrNotFound.
func (s *SQLiteStore) UpdateHypothesis(ctx context.Context, h model.Hypothesis) (*model.Hypothesis, error) {
	refsJSON, err := json.Marshal(h.EvidenceRefs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal evidence refs")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE hypotheses
		 SET statement = ?, confidence = ?, state = ?, evidence_refs = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		h.Statement, h.Confidence, string(h.State), string(refsJSON), now, h.ID, h.Version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update hypothesis %s", h.ID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM hypotheses WHERE id = ?`, h.ID).Scan(&exists); err == sql.ErrNoRows {
			return nil, eris.Wrapf(model.ErrNotFound, "hypothesis %s", h.ID)
		}
		return nil, eris.Wrapf(model.ErrConflict, "hypothesis %s at version %d", h.ID, h.Version)
	}

	updated := h
	updated.Version = h.Version + 1
	updated.UpdatedAt = now
	return &updated, nil
}

func (s *SQLiteStore) DeleteHypothesis(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hypotheses WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete hypothesis %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "hypothesis %s", id)
	}
	return nil
}

func (s *SQLiteStore) ListHypotheses(ctx context.Context, entityID string, states []model.HypothesisState) ([]model.Hypothesis, error) {
	query := `SELECT id, entity_id, category, statement, confidence, state, evidence_refs, version, created_at, updated_at
		 FROM hypotheses WHERE entity_id = ?`
	args := []any{entityID}

	if len(states) > 0 {
		query += ` AND state IN (`
		for i, st := range states {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list hypotheses for %s", entityID)
	}
	defer rows.Close()

	var out []model.Hypothesis
	for rows.Next() {
		h, err := scanHypothesis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list hypotheses iterate")
}

func (s *SQLiteStore) ApplyConfidenceDelta(ctx context.Context, update ConfidenceUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hypotheses
		 SET confidence = MIN(1.0, MAX(0.0, confidence + ?)), version = version + 1, updated_at = ?
		 WHERE id = ? AND state NOT IN ('accepted', 'weak_accept', 'rejected', 'inconclusive')`,
		update.Delta, time.Now().UTC(), update.HypothesisID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: apply delta to %s", update.HypothesisID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "hypothesis %s (missing or terminal)", update.HypothesisID)
	}
	return nil
}

func (s *SQLiteStore) AppendEvidence(ctx context.Context, ev model.Evidence) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	supports := 0
	if ev.Supports {
		supports = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence (id, hypothesis_id, source, reference, extracted_text, supports, collected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SupportsHypothesisID, ev.Source, ev.Reference, ev.ExtractedText, supports, ev.CollectedAt,
	)
	return eris.Wrapf(err, "sqlite: insert evidence for %s", ev.SupportsHypothesisID)
}

func (s *SQLiteStore) ListEvidence(ctx context.Context, hypothesisID string) ([]model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hypothesis_id, source, reference, extracted_text, supports, collected_at
		 FROM evidence WHERE hypothesis_id = ? ORDER BY collected_at`, hypothesisID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list evidence for %s", hypothesisID)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		var supports int
		if err := rows.Scan(&ev.ID, &ev.SupportsHypothesisID, &ev.Source, &ev.Reference, &ev.ExtractedText, &supports, &ev.CollectedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		ev.Supports = supports != 0
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list evidence iterate")
}

func (s *SQLiteStore) RecentEntityIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM hypotheses GROUP BY entity_id ORDER BY MAX(updated_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent entities")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: recent entities iterate")
}

func (s *SQLiteStore) SaveConfigVersion(ctx context.Context, version string, doc []byte, active bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config_versions (version, doc, active) VALUES (?, ?, 0)`,
		version, string(doc),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert config version %s", version)
	}

	if active {
		if _, err := tx.ExecContext(ctx, `UPDATE config_versions SET active = (version = ?)`, version); err != nil {
			return eris.Wrapf(err, "sqlite: activate config version %s", version)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit config version")
}

func (s *SQLiteStore) LoadConfigVersion(ctx context.Context, version string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM config_versions WHERE version = ?`, version).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "config version %s", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load config version %s", version)
	}
	return []byte(doc), nil
}

func (s *SQLiteStore) ActiveConfigVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM config_versions WHERE active = 1 LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return "", eris.Wrap(model.ErrNotFound, "no active config version")
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: active config version")
	}
	return version, nil
}

func (s *SQLiteStore) SetActiveConfigVersion(ctx context.Context, version string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE config_versions SET active = (version = ?) WHERE EXISTS (SELECT 1 FROM config_versions WHERE version = ?)`,
		version, version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set active version %s", version)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "config version %s", version)
	}
	return nil
}

func (s *SQLiteStore) ListConfigVersions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM config_versions ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list config versions")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version")
		}
		versions = append(versions, v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: list config versions iterate")
}

func (s *SQLiteStore) AppendRolloutRecord(ctx context.Context, rec model.RolloutRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	outcomesJSON, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outcomes")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollout_records (id, entity_id, config_version, stage, total_cost, iterations, outcomes, duration_ms, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityID, rec.ConfigVersion, string(rec.Stage), rec.TotalCost, rec.Iterations,
		string(outcomesJSON), rec.Duration.Milliseconds(), rec.Error, rec.RecordedAt,
	)
	return eris.Wrapf(err, "sqlite: insert rollout record for %s", rec.EntityID)
}

func (s *SQLiteStore) ListRolloutRecords(ctx context.Context, stage model.RolloutStage, since time.Time) ([]model.RolloutRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, config_version, stage, total_cost, iterations, outcomes, duration_ms, error, recorded_at
		 FROM rollout_records WHERE stage = ? AND recorded_at >= ? ORDER BY recorded_at`,
		string(stage), since,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list rollout records for %s", stage)
	}
	defer rows.Close()

	var out []model.RolloutRecord
	for rows.Next() {
		var rec model.RolloutRecord
		var outcomesJSON sql.NullString
		var durationMS int64
		var errStr sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.ConfigVersion, &rec.Stage, &rec.TotalCost,
			&rec.Iterations, &outcomesJSON, &durationMS, &errStr, &rec.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rollout record")
		}
		if outcomesJSON.Valid && outcomesJSON.String != "" {
			if err := json.Unmarshal([]byte(outcomesJSON.String), &rec.Outcomes); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal outcomes")
			}
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Error = errStr.String
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rollout records iterate")
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save checkpoint %s", name)
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, name string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "checkpoint %s", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load checkpoint %s", name)
	}
	return []byte(data), nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanHypothesis(row scannable) (*model.Hypothesis, error) {
	var h model.Hypothesis
	var refsJSON sql.NullString

	err := row.Scan(&h.ID, &h.EntityID, &h.Category, &h.Statement, &h.Confidence, &h.State,
		&refsJSON, &h.Version, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "hypothesis")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan hypothesis")
	}

	if refsJSON.Valid && refsJSON.String != "" {
		if err := json.Unmarshal([]byte(refsJSON.String), &h.EvidenceRefs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence refs")
		}
	}
	return &h, nil
}
