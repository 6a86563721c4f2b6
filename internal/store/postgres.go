package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/similarity"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
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
CREATE TABLE IF NOT EXISTS opportunities (
	id              TEXT PRIMARY KEY,
	raw_text        TEXT NOT NULL,
	normalized_text TEXT NOT NULL DEFAULT '',
	fingerprint     TEXT NOT NULL DEFAULT '',
	embedding       FLOAT8[],
	source          JSONB NOT NULL DEFAULT '{}',
	ai              JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS concepts (
	id                     TEXT PRIMARY KEY,
	fingerprint            TEXT NOT NULL UNIQUE,
	embedding              FLOAT8[],
	sample_text            TEXT NOT NULL DEFAULT '',
	primary_opportunity_id TEXT NOT NULL,
	submission_count       BIGINT NOT NULL DEFAULT 0,
	has_stage_a            BOOLEAN NOT NULL DEFAULT FALSE,
	has_stage_b            BOOLEAN NOT NULL DEFAULT FALSE,
	stats                  JSONB NOT NULL DEFAULT '{}',
	version                BIGINT NOT NULL DEFAULT 1,
	first_seen_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stage_a_analyses (
	id                     TEXT PRIMARY KEY,
	opportunity_id         TEXT NOT NULL UNIQUE,
	concept_id             TEXT NOT NULL REFERENCES concepts(id),
	scores                 JSONB NOT NULL,
	copied_from_primary    BOOLEAN NOT NULL DEFAULT FALSE,
	primary_opportunity_id TEXT,
	cost_usd               DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_tokens           BIGINT NOT NULL DEFAULT 0,
	output_tokens          BIGINT NOT NULL DEFAULT 0,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- At most one non-copy Stage-A analysis per concept (the primary's).
CREATE UNIQUE INDEX IF NOT EXISTS stage_a_one_primary
	ON stage_a_analyses(concept_id) WHERE NOT copied_from_primary;

CREATE TABLE IF NOT EXISTS stage_b_analyses (
	id                             TEXT PRIMARY KEY,
	opportunity_id                 TEXT NOT NULL UNIQUE,
	concept_id                     TEXT NOT NULL REFERENCES concepts(id),
	profile                        JSONB NOT NULL,
	copied_from_primary            BOOLEAN NOT NULL DEFAULT FALSE,
	primary_opportunity_id         TEXT,
	evidence_source_opportunity_id TEXT,
	cost_usd                       DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_tokens                   BIGINT NOT NULL DEFAULT 0,
	output_tokens                  BIGINT NOT NULL DEFAULT 0,
	created_at                     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS stage_b_one_primary
	ON stage_b_analyses(concept_id) WHERE NOT copied_from_primary;

CREATE TABLE IF NOT EXISTS trust_metadata (
	opportunity_id      TEXT PRIMARY KEY,
	credibility_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_diversity    INTEGER NOT NULL DEFAULT 0,
	corroboration_count INTEGER NOT NULL DEFAULT 0,
	spam_likelihood     DOUBLE PRECISION NOT NULL DEFAULT 0,
	computed_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cohort_runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS opportunities_fingerprint_idx ON opportunities(fingerprint);
CREATE INDEX IF NOT EXISTS stage_a_concept_idx ON stage_a_analyses(concept_id);
CREATE INDEX IF NOT EXISTS stage_b_concept_idx ON stage_b_analyses(concept_id);
`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Opportunities ---

const opportunityCols = `id, raw_text, normalized_text, fingerprint, embedding, source, ai, created_at, updated_at`

func scanOpportunity(row pgx.Row) (*model.OpportunityRecord, error) {
	var rec model.OpportunityRecord
	var sourceJSON []byte
	var aiJSON []byte
	err := row.Scan(&rec.ID, &rec.RawText, &rec.NormalizedText, &rec.Fingerprint,
		&rec.Embedding, &sourceJSON, &aiJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(sourceJSON) > 0 {
		if err := json.Unmarshal(sourceJSON, &rec.Source); err != nil {
			return nil, eris.Wrap(err, "postgres: decode source")
		}
	}
	if len(aiJSON) > 0 {
		rec.AI = &model.AIProfile{}
		if err := json.Unmarshal(aiJSON, rec.AI); err != nil {
			return nil, eris.Wrap(err, "postgres: decode ai profile")
		}
	}
	return &rec, nil
}

// GetOpportunity fetches one record by ID. Returns nil when absent.
func (s *PostgresStore) GetOpportunity(ctx context.Context, id string) (*model.OpportunityRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+opportunityCols+` FROM opportunities WHERE id = $1`, id)
	rec, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get opportunity")
	}
	return rec, nil
}

// GetOpportunities fetches multiple records in one round trip.
func (s *PostgresStore) GetOpportunities(ctx context.Context, ids []string) ([]model.OpportunityRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityCols+` FROM opportunities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get opportunities")
	}
	defer rows.Close()

	var out []model.OpportunityRecord
	for rows.Next() {
		rec, err := scanOpportunity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpsertOpportunity writes a record, preserving immutable raw fields on
// conflict.
func (s *PostgresStore) UpsertOpportunity(ctx context.Context, rec *model.OpportunityRecord) error {
	sourceJSON, err := json.Marshal(rec.Source)
	if err != nil {
		return eris.Wrap(err, "postgres: encode source")
	}
	var aiJSON []byte
	if rec.AI != nil {
		if aiJSON, err = json.Marshal(rec.AI); err != nil {
			return eris.Wrap(err, "postgres: encode ai profile")
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (id, raw_text, normalized_text, fingerprint, embedding, source, ai, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			normalized_text = EXCLUDED.normalized_text,
			fingerprint     = EXCLUDED.fingerprint,
			embedding       = EXCLUDED.embedding,
			ai              = EXCLUDED.ai,
			updated_at      = now()`,
		rec.ID, rec.RawText, rec.NormalizedText, rec.Fingerprint, rec.Embedding, sourceJSON, aiJSON)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert opportunity")
	}
	return nil
}

// --- Concepts ---

const conceptCols = `id, fingerprint, embedding, sample_text, primary_opportunity_id, submission_count, has_stage_a, has_stage_b, stats, version, first_seen_at, last_updated_at`

func scanConcept(row pgx.Row) (*model.BusinessConcept, error) {
	var c model.BusinessConcept
	var statsJSON []byte
	err := row.Scan(&c.ID, &c.Fingerprint, &c.Embedding, &c.SampleText,
		&c.PrimaryOpportunityID, &c.SubmissionCount, &c.HasStageA, &c.HasStageB,
		&statsJSON, &c.Version, &c.FirstSeenAt, &c.LastUpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &c.StageAStats); err != nil {
			return nil, eris.Wrap(err, "postgres: decode concept stats")
		}
	}
	return &c, nil
}

// GetConcept fetches one concept by ID. Returns nil when absent.
func (s *PostgresStore) GetConcept(ctx context.Context, id string) (*model.BusinessConcept, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conceptCols+` FROM concepts WHERE id = $1`, id)
	c, err := scanConcept(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get concept")
	}
	return c, nil
}

// GetConceptsByFingerprints resolves a batch of fingerprints in one round
// trip, keyed by fingerprint.
func (s *PostgresStore) GetConceptsByFingerprints(ctx context.Context, fingerprints []string) (map[string]model.BusinessConcept, error) {
	out := make(map[string]model.BusinessConcept, len(fingerprints))
	if len(fingerprints) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conceptCols+` FROM concepts WHERE fingerprint = ANY($1)`, fingerprints)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get concepts by fingerprints")
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan concept")
		}
		out[c.Fingerprint] = *c
	}
	return out, rows.Err()
}

// GetConceptFlags fetches skip-decision flags for a batch of concept IDs in
// one round trip.
func (s *PostgresStore) GetConceptFlags(ctx context.Context, ids []string) (map[string]model.ConceptFlags, error) {
	out := make(map[string]model.ConceptFlags, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, has_stage_a, has_stage_b, primary_opportunity_id FROM concepts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get concept flags")
	}
	defer rows.Close()

	for rows.Next() {
		var f model.ConceptFlags
		if err := rows.Scan(&f.ConceptID, &f.HasStageA, &f.HasStageB, &f.PrimaryOpportunityID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan concept flags")
		}
		out[f.ConceptID] = f
	}
	return out, rows.Err()
}

// CreateConcept inserts a new concept. The unique fingerprint constraint
// makes concurrent creation race-safe: the loser of the race gets the
// winner's row back with created=false, so both callers converge on one
// primary.
func (s *PostgresStore) CreateConcept(ctx context.Context, c *model.BusinessConcept) (*model.BusinessConcept, bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	statsJSON, err := json.Marshal(c.StageAStats)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: encode concept stats")
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO concepts (id, fingerprint, embedding, sample_text, primary_opportunity_id, submission_count, has_stage_a, has_stage_b, stats, version, first_seen_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, now(), now())
		ON CONFLICT (fingerprint) DO NOTHING`,
		c.ID, c.Fingerprint, c.Embedding, c.SampleText, c.PrimaryOpportunityID,
		c.SubmissionCount, c.HasStageA, c.HasStageB, statsJSON)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: create concept")
	}

	if tag.RowsAffected() == 1 {
		out, err := s.GetConcept(ctx, c.ID)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}

	// Lost the race: return the existing row for this fingerprint.
	row := s.pool.QueryRow(ctx, `SELECT `+conceptCols+` FROM concepts WHERE fingerprint = $1`, c.Fingerprint)
	existing, err := scanConcept(row)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: fetch existing concept")
	}
	return existing, false, nil
}

// UpdateConceptCAS writes the concept's mutable fields guarded by version.
func (s *PostgresStore) UpdateConceptCAS(ctx context.Context, c *model.BusinessConcept, expectedVersion int64) (bool, error) {
	statsJSON, err := json.Marshal(c.StageAStats)
	if err != nil {
		return false, eris.Wrap(err, "postgres: encode concept stats")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE concepts SET
			primary_opportunity_id = $1,
			submission_count = $2,
			has_stage_a = $3,
			has_stage_b = $4,
			stats = $5,
			version = version + 1,
			last_updated_at = now()
		WHERE id = $6 AND version = $7`,
		c.PrimaryOpportunityID, c.SubmissionCount, c.HasStageA, c.HasStageB,
		statsJSON, c.ID, expectedVersion)
	if err != nil {
		return false, eris.Wrap(err, "postgres: cas update concept")
	}
	return tag.RowsAffected() == 1, nil
}

// SetConceptEmbedding stores a concept's embedding for similarity queries.
func (s *PostgresStore) SetConceptEmbedding(ctx context.Context, conceptID string, embedding []float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE concepts SET embedding = $1, last_updated_at = now() WHERE id = $2`,
		embedding, conceptID)
	if err != nil {
		return eris.Wrap(err, "postgres: set concept embedding")
	}
	return nil
}

// findSimilarScanLimit caps how many stored embeddings one query loads.
const findSimilarScanLimit = 10000

// FindSimilar ranks stored concept embeddings against the query vector.
// Candidates are loaded oldest-first and ranked in process; the pack carries
// no ANN index, and cohort-scale candidate counts keep a scan cheap.
func (s *PostgresStore) FindSimilar(ctx context.Context, embedding []float64, threshold float64, limit int) ([]model.ConceptMatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, embedding FROM concepts
		WHERE embedding IS NOT NULL
		ORDER BY first_seen_at ASC, id ASC
		LIMIT $1`, findSimilarScanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find similar")
	}
	defer rows.Close()

	var candidates []model.ConceptEmbedding
	for rows.Next() {
		var c model.ConceptEmbedding
		if err := rows.Scan(&c.ConceptID, &c.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: scan embedding")
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: find similar rows")
	}
	return similarity.Rank(candidates, embedding, threshold, limit), nil
}

// --- Stage analyses ---

// GetStageA fetches the Stage-A analysis for an opportunity. Returns nil when
// absent.
func (s *PostgresStore) GetStageA(ctx context.Context, opportunityID string) (*model.StageAAnalysis, error) {
	var a model.StageAAnalysis
	var scoresJSON []byte
	var primaryID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, opportunity_id, concept_id, scores, copied_from_primary, primary_opportunity_id, cost_usd, input_tokens, output_tokens, created_at
		FROM stage_a_analyses WHERE opportunity_id = $1`, opportunityID).
		Scan(&a.ID, &a.OpportunityID, &a.ConceptID, &scoresJSON, &a.CopiedFromPrimary,
			&primaryID, &a.CostUSD, &a.InputTokens, &a.OutputTokens, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get stage a")
	}
	if primaryID != nil {
		a.PrimaryOpportunityID = *primaryID
	}
	if err := json.Unmarshal(scoresJSON, &a.Scores); err != nil {
		return nil, eris.Wrap(err, "postgres: decode stage a scores")
	}
	return &a, nil
}

// InsertStageA writes a Stage-A analysis row, replacing any prior row for the
// same opportunity so errored records can be re-attempted in a later cohort.
func (s *PostgresStore) InsertStageA(ctx context.Context, a *model.StageAAnalysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	scoresJSON, err := json.Marshal(a.Scores)
	if err != nil {
		return eris.Wrap(err, "postgres: encode stage a scores")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stage_a_analyses (id, opportunity_id, concept_id, scores, copied_from_primary, primary_opportunity_id, cost_usd, input_tokens, output_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, now())
		ON CONFLICT (opportunity_id) DO UPDATE SET
			concept_id = EXCLUDED.concept_id,
			scores = EXCLUDED.scores,
			copied_from_primary = EXCLUDED.copied_from_primary,
			primary_opportunity_id = EXCLUDED.primary_opportunity_id,
			cost_usd = EXCLUDED.cost_usd,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens`,
		a.ID, a.OpportunityID, a.ConceptID, scoresJSON, a.CopiedFromPrimary,
		a.PrimaryOpportunityID, a.CostUSD, a.InputTokens, a.OutputTokens)
	if err != nil {
		return eris.Wrap(err, "postgres: insert stage a")
	}
	return nil
}

// GetStageB fetches the Stage-B analysis for an opportunity. Returns nil when
// absent.
func (s *PostgresStore) GetStageB(ctx context.Context, opportunityID string) (*model.StageBAnalysis, error) {
	var b model.StageBAnalysis
	var profileJSON []byte
	var primaryID, evidenceID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, opportunity_id, concept_id, profile, copied_from_primary, primary_opportunity_id, evidence_source_opportunity_id, cost_usd, input_tokens, output_tokens, created_at
		FROM stage_b_analyses WHERE opportunity_id = $1`, opportunityID).
		Scan(&b.ID, &b.OpportunityID, &b.ConceptID, &profileJSON, &b.CopiedFromPrimary,
			&primaryID, &evidenceID, &b.CostUSD, &b.InputTokens, &b.OutputTokens, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get stage b")
	}
	if primaryID != nil {
		b.PrimaryOpportunityID = *primaryID
	}
	if evidenceID != nil {
		b.EvidenceSourceOpportunityID = *evidenceID
	}
	if err := json.Unmarshal(profileJSON, &b.Profile); err != nil {
		return nil, eris.Wrap(err, "postgres: decode stage b profile")
	}
	return &b, nil
}

// InsertStageB writes a Stage-B analysis row.
func (s *PostgresStore) InsertStageB(ctx context.Context, b *model.StageBAnalysis) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	profileJSON, err := json.Marshal(b.Profile)
	if err != nil {
		return eris.Wrap(err, "postgres: encode stage b profile")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stage_b_analyses (id, opportunity_id, concept_id, profile, copied_from_primary, primary_opportunity_id, evidence_source_opportunity_id, cost_usd, input_tokens, output_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, now())
		ON CONFLICT (opportunity_id) DO UPDATE SET
			concept_id = EXCLUDED.concept_id,
			profile = EXCLUDED.profile,
			copied_from_primary = EXCLUDED.copied_from_primary,
			primary_opportunity_id = EXCLUDED.primary_opportunity_id,
			evidence_source_opportunity_id = EXCLUDED.evidence_source_opportunity_id,
			cost_usd = EXCLUDED.cost_usd,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens`,
		b.ID, b.OpportunityID, b.ConceptID, profileJSON, b.CopiedFromPrimary,
		b.PrimaryOpportunityID, b.EvidenceSourceOpportunityID, b.CostUSD,
		b.InputTokens, b.OutputTokens)
	if err != nil {
		return eris.Wrap(err, "postgres: insert stage b")
	}
	return nil
}

// --- Trust metadata ---

// GetTrust fetches trust metadata for an opportunity. Returns nil when
// absent.
func (s *PostgresStore) GetTrust(ctx context.Context, opportunityID string) (*model.TrustMetadata, error) {
	var t model.TrustMetadata
	err := s.pool.QueryRow(ctx, `
		SELECT opportunity_id, credibility_score, source_diversity, corroboration_count, spam_likelihood, computed_at
		FROM trust_metadata WHERE opportunity_id = $1`, opportunityID).
		Scan(&t.OpportunityID, &t.CredibilityScore, &t.SourceDiversity,
			&t.CorroborationCount, &t.SpamLikelihood, &t.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get trust")
	}
	return &t, nil
}

// UpsertTrust writes trust metadata for an opportunity.
func (s *PostgresStore) UpsertTrust(ctx context.Context, t *model.TrustMetadata) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trust_metadata (opportunity_id, credibility_score, source_diversity, corroboration_count, spam_likelihood, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (opportunity_id) DO UPDATE SET
			credibility_score = EXCLUDED.credibility_score,
			source_diversity = EXCLUDED.source_diversity,
			corroboration_count = EXCLUDED.corroboration_count,
			spam_likelihood = EXCLUDED.spam_likelihood,
			computed_at = EXCLUDED.computed_at`,
		t.OpportunityID, t.CredibilityScore, t.SourceDiversity,
		t.CorroborationCount, t.SpamLikelihood, t.ComputedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert trust")
	}
	return nil
}

// --- Cohort runs ---

// CreateRun inserts a new running cohort row.
func (s *PostgresStore) CreateRun(ctx context.Context) (*model.CohortRun, error) {
	run := &model.CohortRun{
		ID:        uuid.NewString(),
		Status:    model.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cohort_runs (id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $3)`,
		run.ID, run.Status, run.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create run")
	}
	return run, nil
}

// CompleteRun records a run's terminal status and summary.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary *model.CohortSummary) error {
	var summaryJSON []byte
	if summary != nil {
		var err error
		if summaryJSON, err = json.Marshal(summary); err != nil {
			return eris.Wrap(err, "postgres: encode summary")
		}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE cohort_runs SET status = $1, summary = $2, updated_at = now() WHERE id = $3`,
		status, summaryJSON, runID)
	if err != nil {
		return eris.Wrap(err, "postgres: complete run")
	}
	return nil
}

// ListRuns returns the most recent cohort runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.CohortRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, summary, created_at, updated_at
		FROM cohort_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.CohortRun
	for rows.Next() {
		var run model.CohortRun
		var summaryJSON []byte
		if err := rows.Scan(&run.ID, &run.Status, &summaryJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if len(summaryJSON) > 0 {
			run.Summary = &model.CohortSummary{}
			if err := json.Unmarshal(summaryJSON, run.Summary); err != nil {
				return nil, eris.Wrap(err, "postgres: decode summary")
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
