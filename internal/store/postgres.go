package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/db"
	"github.com/sells-group/signal-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS hypotheses (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL,
	category      TEXT NOT NULL,
	statement     TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	state         TEXT NOT NULL DEFAULT 'pending',
	evidence_refs JSONB,
	version       BIGINT NOT NULL DEFAULT 1,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence (
	id             TEXT PRIMARY KEY,
	hypothesis_id  TEXT NOT NULL REFERENCES hypotheses(id),
	source         TEXT NOT NULL,
	reference      TEXT,
	extracted_text TEXT,
	supports       BOOLEAN NOT NULL DEFAULT true,
	collected_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS config_versions (
	version    TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rollout_records (
	id             TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	config_version TEXT NOT NULL,
	stage          TEXT NOT NULL,
	total_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
	iterations     INTEGER NOT NULL DEFAULT 0,
	outcomes       JSONB,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	error          TEXT,
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS checkpoints (
	name       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_hypotheses_entity ON hypotheses(entity_id);
CREATE INDEX IF NOT EXISTS idx_hypotheses_state ON hypotheses(state);
CREATE INDEX IF NOT EXISTS idx_hypotheses_updated ON hypotheses(updated_at);
CREATE INDEX IF NOT EXISTS idx_evidence_hypothesis ON evidence(hypothesis_id);
CREATE INDEX IF NOT EXISTS idx_rollout_stage ON rollout_records(stage, recorded_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateHypothesis(ctx context.Context, h model.Hypothesis) error {
	refsJSON, err := json.Marshal(h.EvidenceRefs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence refs")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO hypotheses (id, entity_id, category, statement, confidence, state, evidence_refs, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.ID, h.EntityID, string(h.Category), h.Statement, h.Confidence, string(h.State),
		refsJSON, h.Version, h.CreatedAt, h.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert hypothesis %s", h.ID)
}

func (s *PostgresStore) GetHypothesis(ctx context.Context, id string) (*model.Hypothesis, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, entity_id, category, statement, confidence, state, evidence_refs, version, created_at, updated_at
		 FROM hypotheses WHERE id = $1`, id)
	return scanPgHypothesis(row)
}

func (s *PostgresStore) UpdateHypothesis(ctx context.Context, h model.Hypothesis) (*model.Hypothesis, error) {
	refsJSON, err := json.Marshal(h.EvidenceRefs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal evidence refs")
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE hypotheses
		 SET statement = $1, confidence = $2, state = $3, evidence_refs = $4, version = version + 1, updated_at = $5
		 WHERE id = $6 AND version = $7`,
		h.Statement, h.Confidence, string(h.State), refsJSON, now, h.ID, h.Version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update hypothesis %s", h.ID)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM hypotheses WHERE id = $1`, h.ID).Scan(&exists)
		if err == pgx.ErrNoRows {
			return nil, eris.Wrapf(model.ErrNotFound, "hypothesis %s", h.ID)
		}
		return nil, eris.Wrapf(model.ErrConflict, "hypothesis %s at version %d", h.ID, h.Version)
	}

	updated := h
	updated.Version = h.Version + 1
	updated.UpdatedAt = now
	return &updated, nil
}

func (s *PostgresStore) DeleteHypothesis(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hypotheses WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete hypothesis %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "hypothesis %s", id)
	}
	return nil
}

func (s *PostgresStore) ListHypotheses(ctx context.Context, entityID string, states []model.HypothesisState) ([]model.Hypothesis, error) {
	query := `SELECT id, entity_id, category, statement, confidence, state, evidence_refs, version, created_at, updated_at
		 FROM hypotheses WHERE entity_id = $1`
	args := []any{entityID}

	if len(states) > 0 {
		query += ` AND state = ANY($2)`
		ss := make([]string, len(states))
		for i, st := range states {
			ss[i] = string(st)
		}
		args = append(args, ss)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list hypotheses for %s", entityID)
	}
	defer rows.Close()

	var out []model.Hypothesis
	for rows.Next() {
		h, err := scanPgHypothesis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list hypotheses iterate")
}

func (s *PostgresStore) ApplyConfidenceDelta(ctx context.Context, update ConfidenceUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hypotheses
		 SET confidence = LEAST(1.0, GREATEST(0.0, confidence + $1)), version = version + 1, updated_at = $2
		 WHERE id = $3 AND state NOT IN ('accepted', 'weak_accept', 'rejected', 'inconclusive')`,
		update.Delta, time.Now().UTC(), update.HypothesisID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: apply delta to %s", update.HypothesisID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "hypothesis %s (missing or terminal)", update.HypothesisID)
	}
	return nil
}

func (s *PostgresStore) AppendEvidence(ctx context.Context, ev model.Evidence) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence (id, hypothesis_id, source, reference, extracted_text, supports, collected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.SupportsHypothesisID, ev.Source, ev.Reference, ev.ExtractedText, ev.Supports, ev.CollectedAt,
	)
	return eris.Wrapf(err, "postgres: insert evidence for %s", ev.SupportsHypothesisID)
}

func (s *PostgresStore) ListEvidence(ctx context.Context, hypothesisID string) ([]model.Evidence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, hypothesis_id, source, reference, extracted_text, supports, collected_at
		 FROM evidence WHERE hypothesis_id = $1 ORDER BY collected_at`, hypothesisID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list evidence for %s", hypothesisID)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(&ev.ID, &ev.SupportsHypothesisID, &ev.Source, &ev.Reference, &ev.ExtractedText, &ev.Supports, &ev.CollectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list evidence iterate")
}

func (s *PostgresStore) RecentEntityIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id FROM hypotheses GROUP BY entity_id ORDER BY MAX(updated_at) DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent entities")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: recent entities iterate")
}

func (s *PostgresStore) SaveConfigVersion(ctx context.Context, version string, doc []byte, active bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO config_versions (version, doc, active) VALUES ($1, $2, false)`,
		version, string(doc),
	); err != nil {
		return eris.Wrapf(err, "postgres: insert config version %s", version)
	}
	if active {
		if _, err := tx.Exec(ctx, `UPDATE config_versions SET active = (version = $1)`, version); err != nil {
			return eris.Wrapf(err, "postgres: activate config version %s", version)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit config version")
}

func (s *PostgresStore) LoadConfigVersion(ctx context.Context, version string) ([]byte, error) {
	var doc string
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM config_versions WHERE version = $1`, version).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "config version %s", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load config version %s", version)
	}
	return []byte(doc), nil
}

func (s *PostgresStore) ActiveConfigVersion(ctx context.Context) (string, error) {
	var version string
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM config_versions WHERE active LIMIT 1`).Scan(&version)
	if err == pgx.ErrNoRows {
		return "", eris.Wrap(model.ErrNotFound, "no active config version")
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: active config version")
	}
	return version, nil
}

func (s *PostgresStore) SetActiveConfigVersion(ctx context.Context, version string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE config_versions SET active = (version = $1) WHERE EXISTS (SELECT 1 FROM config_versions WHERE version = $1)`,
		version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set active version %s", version)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "config version %s", version)
	}
	return nil
}

func (s *PostgresStore) ListConfigVersions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM config_versions ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list config versions")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan version")
		}
		versions = append(versions, v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: list config versions iterate")
}

func (s *PostgresStore) AppendRolloutRecord(ctx context.Context, rec model.RolloutRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	outcomesJSON, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outcomes")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rollout_records (id, entity_id, config_version, stage, total_cost, iterations, outcomes, duration_ms, error, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.EntityID, rec.ConfigVersion, string(rec.Stage), rec.TotalCost, rec.Iterations,
		outcomesJSON, rec.Duration.Milliseconds(), rec.Error, rec.RecordedAt,
	)
	return eris.Wrapf(err, "postgres: insert rollout record for %s", rec.EntityID)
}

func (s *PostgresStore) ListRolloutRecords(ctx context.Context, stage model.RolloutStage, since time.Time) ([]model.RolloutRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, config_version, stage, total_cost, iterations, outcomes, duration_ms, error, recorded_at
		 FROM rollout_records WHERE stage = $1 AND recorded_at >= $2 ORDER BY recorded_at`,
		string(stage), since,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list rollout records for %s", stage)
	}
	defer rows.Close()

	var out []model.RolloutRecord
	for rows.Next() {
		var rec model.RolloutRecord
		var outcomesJSON []byte
		var durationMS int64
		var errStr *string
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.ConfigVersion, &rec.Stage, &rec.TotalCost,
			&rec.Iterations, &outcomesJSON, &durationMS, &errStr, &rec.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rollout record")
		}
		if len(outcomesJSON) > 0 {
			if err := json.Unmarshal(outcomesJSON, &rec.Outcomes); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal outcomes")
			}
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if errStr != nil {
			rec.Error = *errStr
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rollout records iterate")
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, name string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (name, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		name, string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save checkpoint %s", name)
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, name string) ([]byte, error) {
	var data string
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM checkpoints WHERE name = $1`, name).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "checkpoint %s", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load checkpoint %s", name)
	}
	return []byte(data), nil
}

// helpers

func scanPgHypothesis(row pgx.Row) (*model.Hypothesis, error) {
	var h model.Hypothesis
	var refsJSON []byte

	err := row.Scan(&h.ID, &h.EntityID, &h.Category, &h.Statement, &h.Confidence, &h.State,
		&refsJSON, &h.Version, &h.CreatedAt, &h.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "hypothesis")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan hypothesis")
	}

	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &h.EvidenceRefs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evidence refs")
		}
	}
	return &h, nil
}
