package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/similarity"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local runs
// and store-integration tests; embeddings and JSON columns are stored as
// text.
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
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	id              TEXT PRIMARY KEY,
	raw_text        TEXT NOT NULL,
	normalized_text TEXT NOT NULL DEFAULT '',
	fingerprint     TEXT NOT NULL DEFAULT '',
	embedding       TEXT,
	source          TEXT NOT NULL DEFAULT '{}',
	ai              TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS concepts (
	id                     TEXT PRIMARY KEY,
	fingerprint            TEXT NOT NULL UNIQUE,
	embedding              TEXT,
	sample_text            TEXT NOT NULL DEFAULT '',
	primary_opportunity_id TEXT NOT NULL,
	submission_count       INTEGER NOT NULL DEFAULT 0,
	has_stage_a            INTEGER NOT NULL DEFAULT 0,
	has_stage_b            INTEGER NOT NULL DEFAULT 0,
	stats                  TEXT NOT NULL DEFAULT '{}',
	version                INTEGER NOT NULL DEFAULT 1,
	first_seen_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	last_updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stage_a_analyses (
	id                     TEXT PRIMARY KEY,
	opportunity_id         TEXT NOT NULL UNIQUE,
	concept_id             TEXT NOT NULL REFERENCES concepts(id),
	scores                 TEXT NOT NULL,
	copied_from_primary    INTEGER NOT NULL DEFAULT 0,
	primary_opportunity_id TEXT,
	cost_usd               REAL NOT NULL DEFAULT 0,
	input_tokens           INTEGER NOT NULL DEFAULT 0,
	output_tokens          INTEGER NOT NULL DEFAULT 0,
	created_at             DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS stage_a_one_primary
	ON stage_a_analyses(concept_id) WHERE copied_from_primary = 0;

CREATE TABLE IF NOT EXISTS stage_b_analyses (
	id                             TEXT PRIMARY KEY,
	opportunity_id                 TEXT NOT NULL UNIQUE,
	concept_id                     TEXT NOT NULL REFERENCES concepts(id),
	profile                        TEXT NOT NULL,
	copied_from_primary            INTEGER NOT NULL DEFAULT 0,
	primary_opportunity_id         TEXT,
	evidence_source_opportunity_id TEXT,
	cost_usd                       REAL NOT NULL DEFAULT 0,
	input_tokens                   INTEGER NOT NULL DEFAULT 0,
	output_tokens                  INTEGER NOT NULL DEFAULT 0,
	created_at                     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS stage_b_one_primary
	ON stage_b_analyses(concept_id) WHERE copied_from_primary = 0;

CREATE TABLE IF NOT EXISTS trust_metadata (
	opportunity_id      TEXT PRIMARY KEY,
	credibility_score   REAL NOT NULL DEFAULT 0,
	source_diversity    INTEGER NOT NULL DEFAULT 0,
	corroboration_count INTEGER NOT NULL DEFAULT 0,
	spam_likelihood     REAL NOT NULL DEFAULT 0,
	computed_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cohort_runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_opportunities_fingerprint ON opportunities(fingerprint);
CREATE INDEX IF NOT EXISTS idx_stage_a_concept ON stage_a_analyses(concept_id);
CREATE INDEX IF NOT EXISTS idx_stage_b_concept ON stage_b_analyses(concept_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeVec(v []float64) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeVec(s sql.NullString) ([]float64, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// placeholders returns "?,?,..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anyArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// --- Opportunities ---

func (s *SQLiteStore) scanOpportunityRow(scan func(dest ...any) error) (*model.OpportunityRecord, error) {
	var rec model.OpportunityRecord
	var embedding, ai sql.NullString
	var source string
	if err := scan(&rec.ID, &rec.RawText, &rec.NormalizedText, &rec.Fingerprint,
		&embedding, &source, &ai, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if rec.Embedding, err = decodeVec(embedding); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode embedding")
	}
	if source != "" {
		if err := json.Unmarshal([]byte(source), &rec.Source); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode source")
		}
	}
	if ai.Valid && ai.String != "" {
		rec.AI = &model.AIProfile{}
		if err := json.Unmarshal([]byte(ai.String), rec.AI); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode ai profile")
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) GetOpportunity(ctx context.Context, id string) (*model.OpportunityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, raw_text, normalized_text, fingerprint, embedding, source, ai, created_at, updated_at
		FROM opportunities WHERE id = ?`, id)
	rec, err := s.scanOpportunityRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get opportunity")
	}
	return rec, nil
}

func (s *SQLiteStore) GetOpportunities(ctx context.Context, ids []string) ([]model.OpportunityRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, raw_text, normalized_text, fingerprint, embedding, source, ai, created_at, updated_at
		FROM opportunities WHERE id IN (`+placeholders(len(ids))+`)`, anyArgs(ids)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get opportunities")
	}
	defer rows.Close()

	var out []model.OpportunityRecord
	for rows.Next() {
		rec, err := s.scanOpportunityRow(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertOpportunity(ctx context.Context, rec *model.OpportunityRecord) error {
	sourceJSON, err := json.Marshal(rec.Source)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode source")
	}
	var aiJSON any
	if rec.AI != nil {
		data, err := json.Marshal(rec.AI)
		if err != nil {
			return eris.Wrap(err, "sqlite: encode ai profile")
		}
		aiJSON = string(data)
	}
	embedding, err := encodeVec(rec.Embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode embedding")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO opportunities (id, raw_text, normalized_text, fingerprint, embedding, source, ai, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT (id) DO UPDATE SET
			normalized_text = excluded.normalized_text,
			fingerprint     = excluded.fingerprint,
			embedding       = excluded.embedding,
			ai              = excluded.ai,
			updated_at      = datetime('now')`,
		rec.ID, rec.RawText, rec.NormalizedText, rec.Fingerprint, embedding, string(sourceJSON), aiJSON)
	return eris.Wrap(err, "sqlite: upsert opportunity")
}

// --- Concepts ---

const sqliteConceptCols = `id, fingerprint, embedding, sample_text, primary_opportunity_id, submission_count, has_stage_a, has_stage_b, stats, version, first_seen_at, last_updated_at`

func (s *SQLiteStore) scanConceptRow(scan func(dest ...any) error) (*model.BusinessConcept, error) {
	var c model.BusinessConcept
	var embedding sql.NullString
	var stats string
	if err := scan(&c.ID, &c.Fingerprint, &embedding, &c.SampleText,
		&c.PrimaryOpportunityID, &c.SubmissionCount, &c.HasStageA, &c.HasStageB,
		&stats, &c.Version, &c.FirstSeenAt, &c.LastUpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.Embedding, err = decodeVec(embedding); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode embedding")
	}
	if stats != "" {
		if err := json.Unmarshal([]byte(stats), &c.StageAStats); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode stats")
		}
	}
	return &c, nil
}

func (s *SQLiteStore) GetConcept(ctx context.Context, id string) (*model.BusinessConcept, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteConceptCols+` FROM concepts WHERE id = ?`, id)
	c, err := s.scanConceptRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get concept")
	}
	return c, nil
}

func (s *SQLiteStore) GetConceptsByFingerprints(ctx context.Context, fingerprints []string) (map[string]model.BusinessConcept, error) {
	out := make(map[string]model.BusinessConcept, len(fingerprints))
	if len(fingerprints) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteConceptCols+` FROM concepts
		WHERE fingerprint IN (`+placeholders(len(fingerprints))+`)`, anyArgs(fingerprints)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get concepts by fingerprints")
	}
	defer rows.Close()

	for rows.Next() {
		c, err := s.scanConceptRow(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan concept")
		}
		out[c.Fingerprint] = *c
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetConceptFlags(ctx context.Context, ids []string) (map[string]model.ConceptFlags, error) {
	out := make(map[string]model.ConceptFlags, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, has_stage_a, has_stage_b, primary_opportunity_id
		FROM concepts WHERE id IN (`+placeholders(len(ids))+`)`, anyArgs(ids)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get concept flags")
	}
	defer rows.Close()

	for rows.Next() {
		var f model.ConceptFlags
		if err := rows.Scan(&f.ConceptID, &f.HasStageA, &f.HasStageB, &f.PrimaryOpportunityID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan concept flags")
		}
		out[f.ConceptID] = f
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateConcept(ctx context.Context, c *model.BusinessConcept) (*model.BusinessConcept, bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	statsJSON, err := json.Marshal(c.StageAStats)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: encode stats")
	}
	embedding, err := encodeVec(c.Embedding)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: encode embedding")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO concepts (id, fingerprint, embedding, sample_text, primary_opportunity_id, submission_count, has_stage_a, has_stage_b, stats, version, first_seen_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, datetime('now'), datetime('now'))
		ON CONFLICT (fingerprint) DO NOTHING`,
		c.ID, c.Fingerprint, embedding, c.SampleText, c.PrimaryOpportunityID,
		c.SubmissionCount, c.HasStageA, c.HasStageB, string(statsJSON))
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: create concept")
	}

	if n, _ := res.RowsAffected(); n == 1 {
		out, err := s.GetConcept(ctx, c.ID)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteConceptCols+` FROM concepts WHERE fingerprint = ?`, c.Fingerprint)
	existing, err := s.scanConceptRow(row.Scan)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: fetch existing concept")
	}
	return existing, false, nil
}

func (s *SQLiteStore) UpdateConceptCAS(ctx context.Context, c *model.BusinessConcept, expectedVersion int64) (bool, error) {
	statsJSON, err := json.Marshal(c.StageAStats)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: encode stats")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE concepts SET
			primary_opportunity_id = ?,
			submission_count = ?,
			has_stage_a = ?,
			has_stage_b = ?,
			stats = ?,
			version = version + 1,
			last_updated_at = datetime('now')
		WHERE id = ? AND version = ?`,
		c.PrimaryOpportunityID, c.SubmissionCount, c.HasStageA, c.HasStageB,
		string(statsJSON), c.ID, expectedVersion)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: cas update concept")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) SetConceptEmbedding(ctx context.Context, conceptID string, embedding []float64) error {
	enc, err := encodeVec(embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode embedding")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE concepts SET embedding = ?, last_updated_at = datetime('now') WHERE id = ?`,
		enc, conceptID)
	return eris.Wrap(err, "sqlite: set concept embedding")
}

func (s *SQLiteStore) FindSimilar(ctx context.Context, embedding []float64, threshold float64, limit int) ([]model.ConceptMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM concepts
		WHERE embedding IS NOT NULL
		ORDER BY first_seen_at ASC, id ASC
		LIMIT ?`, findSimilarScanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find similar")
	}
	defer rows.Close()

	var candidates []model.ConceptEmbedding
	for rows.Next() {
		var id string
		var enc sql.NullString
		if err := rows.Scan(&id, &enc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan embedding")
		}
		vec, err := decodeVec(enc)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: decode embedding")
		}
		candidates = append(candidates, model.ConceptEmbedding{ConceptID: id, Embedding: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: find similar rows")
	}
	return similarity.Rank(candidates, embedding, threshold, limit), nil
}

// --- Stage analyses ---

func (s *SQLiteStore) GetStageA(ctx context.Context, opportunityID string) (*model.StageAAnalysis, error) {
	var a model.StageAAnalysis
	var scores string
	var primaryID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, opportunity_id, concept_id, scores, copied_from_primary, primary_opportunity_id, cost_usd, input_tokens, output_tokens, created_at
		FROM stage_a_analyses WHERE opportunity_id = ?`, opportunityID).
		Scan(&a.ID, &a.OpportunityID, &a.ConceptID, &scores, &a.CopiedFromPrimary,
			&primaryID, &a.CostUSD, &a.InputTokens, &a.OutputTokens, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get stage a")
	}
	a.PrimaryOpportunityID = primaryID.String
	if err := json.Unmarshal([]byte(scores), &a.Scores); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode scores")
	}
	return &a, nil
}

func (s *SQLiteStore) InsertStageA(ctx context.Context, a *model.StageAAnalysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	scoresJSON, err := json.Marshal(a.Scores)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode scores")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_a_analyses (id, opportunity_id, concept_id, scores, copied_from_primary, primary_opportunity_id, cost_usd, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, datetime('now'))
		ON CONFLICT (opportunity_id) DO UPDATE SET
			concept_id = excluded.concept_id,
			scores = excluded.scores,
			copied_from_primary = excluded.copied_from_primary,
			primary_opportunity_id = excluded.primary_opportunity_id,
			cost_usd = excluded.cost_usd,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens`,
		a.ID, a.OpportunityID, a.ConceptID, string(scoresJSON), a.CopiedFromPrimary,
		a.PrimaryOpportunityID, a.CostUSD, a.InputTokens, a.OutputTokens)
	return eris.Wrap(err, "sqlite: insert stage a")
}

func (s *SQLiteStore) GetStageB(ctx context.Context, opportunityID string) (*model.StageBAnalysis, error) {
	var b model.StageBAnalysis
	var profile string
	var primaryID, evidenceID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, opportunity_id, concept_id, profile, copied_from_primary, primary_opportunity_id, evidence_source_opportunity_id, cost_usd, input_tokens, output_tokens, created_at
		FROM stage_b_analyses WHERE opportunity_id = ?`, opportunityID).
		Scan(&b.ID, &b.OpportunityID, &b.ConceptID, &profile, &b.CopiedFromPrimary,
			&primaryID, &evidenceID, &b.CostUSD, &b.InputTokens, &b.OutputTokens, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get stage b")
	}
	b.PrimaryOpportunityID = primaryID.String
	b.EvidenceSourceOpportunityID = evidenceID.String
	if err := json.Unmarshal([]byte(profile), &b.Profile); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode profile")
	}
	return &b, nil
}

func (s *SQLiteStore) InsertStageB(ctx context.Context, b *model.StageBAnalysis) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	profileJSON, err := json.Marshal(b.Profile)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode profile")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_b_analyses (id, opportunity_id, concept_id, profile, copied_from_primary, primary_opportunity_id, evidence_source_opportunity_id, cost_usd, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, datetime('now'))
		ON CONFLICT (opportunity_id) DO UPDATE SET
			concept_id = excluded.concept_id,
			profile = excluded.profile,
			copied_from_primary = excluded.copied_from_primary,
			primary_opportunity_id = excluded.primary_opportunity_id,
			evidence_source_opportunity_id = excluded.evidence_source_opportunity_id,
			cost_usd = excluded.cost_usd,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens`,
		b.ID, b.OpportunityID, b.ConceptID, string(profileJSON), b.CopiedFromPrimary,
		b.PrimaryOpportunityID, b.EvidenceSourceOpportunityID, b.CostUSD,
		b.InputTokens, b.OutputTokens)
	return eris.Wrap(err, "sqlite: insert stage b")
}

// --- Trust metadata ---

func (s *SQLiteStore) GetTrust(ctx context.Context, opportunityID string) (*model.TrustMetadata, error) {
	var t model.TrustMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT opportunity_id, credibility_score, source_diversity, corroboration_count, spam_likelihood, computed_at
		FROM trust_metadata WHERE opportunity_id = ?`, opportunityID).
		Scan(&t.OpportunityID, &t.CredibilityScore, &t.SourceDiversity,
			&t.CorroborationCount, &t.SpamLikelihood, &t.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get trust")
	}
	return &t, nil
}

func (s *SQLiteStore) UpsertTrust(ctx context.Context, t *model.TrustMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_metadata (opportunity_id, credibility_score, source_diversity, corroboration_count, spam_likelihood, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (opportunity_id) DO UPDATE SET
			credibility_score = excluded.credibility_score,
			source_diversity = excluded.source_diversity,
			corroboration_count = excluded.corroboration_count,
			spam_likelihood = excluded.spam_likelihood,
			computed_at = excluded.computed_at`,
		t.OpportunityID, t.CredibilityScore, t.SourceDiversity,
		t.CorroborationCount, t.SpamLikelihood, t.ComputedAt)
	return eris.Wrap(err, "sqlite: upsert trust")
}

// --- Cohort runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.CohortRun, error) {
	run := &model.CohortRun{
		ID:        uuid.NewString(),
		Status:    model.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cohort_runs (id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.Status, run.CreatedAt, run.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create run")
	}
	return run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary *model.CohortSummary) error {
	var summaryJSON any
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "sqlite: encode summary")
		}
		summaryJSON = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cohort_runs SET status = ?, summary = ?, updated_at = datetime('now') WHERE id = ?`,
		status, summaryJSON, runID)
	return eris.Wrap(err, "sqlite: complete run")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.CohortRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, summary, created_at, updated_at
		FROM cohort_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.CohortRun
	for rows.Next() {
		var run model.CohortRun
		var summaryJSON sql.NullString
		if err := rows.Scan(&run.ID, &run.Status, &summaryJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if summaryJSON.Valid && summaryJSON.String != "" {
			run.Summary = &model.CohortSummary{}
			if err := json.Unmarshal([]byte(summaryJSON.String), run.Summary); err != nil {
				return nil, eris.Wrap(err, "sqlite: decode summary")
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
