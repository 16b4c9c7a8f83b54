package jobstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the write helpers can
// run standalone or inside a batch transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// UpsertSamples idempotently records the latest identity attributes per
// sample. Insert-or-update semantics keyed by sample_id.
func (s *Store) UpsertSamples(metadata []model.SampleMetadata) error {
	return upsertSamples(s.db, metadata, time.Now())
}

func upsertSamples(q dbtx, metadata []model.SampleMetadata, now time.Time) error {
	const query = `
		INSERT INTO samples (sample_id, source_id, rel_path, content_hash, size_bytes, mtime_ns, first_seen_ns, last_update_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sample_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			mtime_ns = excluded.mtime_ns,
			last_update_ns = excluded.last_update_ns
	`
	nowNS := now.UnixNano()
	for _, m := range metadata {
		sourceID, relPath, ok := m.SampleID.Split()
		if !ok {
			return fmt.Errorf("malformed sample id %q", m.SampleID)
		}
		if _, err := q.Exec(query, string(m.SampleID), sourceID, relPath, m.ContentHash, m.Size, m.MtimeNS, nowNS, nowNS); err != nil {
			return fmt.Errorf("upserting sample %s: %w", m.SampleID, err)
		}
	}
	return nil
}

// InvalidateAnalysisArtifacts clears the "is analyzed" markers for the
// given samples so they are treated as needing work even if no job row
// exists for them yet.
func (s *Store) InvalidateAnalysisArtifacts(ids []model.SampleID) error {
	return invalidateAnalysisArtifacts(s.db, ids)
}

func invalidateAnalysisArtifacts(q dbtx, ids []model.SampleID) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `
		UPDATE samples
		SET analysis_version = NULL, analyzed_hash = NULL
		WHERE sample_id IN (%s)
	`
	for _, chunk := range chunkIDs(ids, 500) {
		placeholders, args := idArgs(chunk)
		if _, err := q.Exec(fmt.Sprintf(query, placeholders), args...); err != nil {
			return fmt.Errorf("invalidating artifacts: %w", err)
		}
	}
	return nil
}

// SetAnalysisState records a successful analysis outcome for a sample.
func (s *Store) SetAnalysisState(st model.AnalysisState) error {
	const query = `
		UPDATE samples
		SET analysis_version = ?, analyzed_hash = ?, duration_seconds = ?, sr_used = ?
		WHERE sample_id = ?
	`
	res, err := s.db.Exec(query, st.AnalysisVersion, st.ContentHash, st.DurationSeconds, st.SampleRateUsed, string(st.SampleID))
	if err != nil {
		return fmt.Errorf("setting analysis state for %s: %w", st.SampleID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sample %s not found", st.SampleID)
	}
	return nil
}

// SampleAnalysisStates returns the persisted analysis state for the given
// ids. Samples with no stored analysis (analysis_version NULL) are absent
// from the result, which staleness checks treat as "always stale".
func (s *Store) SampleAnalysisStates(ids []model.SampleID) (map[model.SampleID]model.AnalysisState, error) {
	out := make(map[model.SampleID]model.AnalysisState, len(ids))
	const query = `
		SELECT sample_id, analysis_version, analyzed_hash,
		       COALESCE(duration_seconds, 0), COALESCE(sr_used, 0)
		FROM samples
		WHERE analysis_version IS NOT NULL AND sample_id IN (%s)
	`
	for _, chunk := range chunkIDs(ids, 500) {
		placeholders, args := idArgs(chunk)
		rows, err := s.db.Query(fmt.Sprintf(query, placeholders), args...)
		if err != nil {
			return nil, fmt.Errorf("loading analysis states: %w", err)
		}
		for rows.Next() {
			var st model.AnalysisState
			var id string
			var version, hash sql.NullString
			if err := rows.Scan(&id, &version, &hash, &st.DurationSeconds, &st.SampleRateUsed); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning analysis state: %w", err)
			}
			st.SampleID = model.SampleID(id)
			st.AnalysisVersion = version.String
			st.ContentHash = hash.String
			out[st.SampleID] = st
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating analysis states: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// SamplesBySource returns the full staged sample set for a source, or for
// all sources when sourceID is empty. Used by backfill.
func (s *Store) SamplesBySource(sourceID string) ([]model.SampleMetadata, error) {
	query := `SELECT sample_id, content_hash, size_bytes, mtime_ns FROM samples`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY sample_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading samples: %w", err)
	}
	defer rows.Close()

	var out []model.SampleMetadata
	for rows.Next() {
		var m model.SampleMetadata
		var id string
		if err := rows.Scan(&id, &m.ContentHash, &m.Size, &m.MtimeNS); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		m.SampleID = model.SampleID(id)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}
	return out, nil
}

// SampleMetadataByIDs returns stored scan metadata for the given ids.
// Samples never scanned are absent from the result.
func (s *Store) SampleMetadataByIDs(ids []model.SampleID) (map[model.SampleID]model.SampleMetadata, error) {
	out := make(map[model.SampleID]model.SampleMetadata, len(ids))
	const query = `SELECT sample_id, content_hash, size_bytes, mtime_ns FROM samples WHERE sample_id IN (%s)`
	for _, chunk := range chunkIDs(ids, 500) {
		placeholders, args := idArgs(chunk)
		rows, err := s.db.Query(fmt.Sprintf(query, placeholders), args...)
		if err != nil {
			return nil, fmt.Errorf("loading sample metadata: %w", err)
		}
		for rows.Next() {
			var m model.SampleMetadata
			var id string
			if err := rows.Scan(&id, &m.ContentHash, &m.Size, &m.MtimeNS); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning sample metadata: %w", err)
			}
			m.SampleID = model.SampleID(id)
			out[m.SampleID] = m
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating sample metadata: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// MissingArtifact pairs a sample with the job type whose downstream
// artifact it lacks.
type MissingArtifact struct {
	SampleID    model.SampleID
	ContentHash string
	JobType     model.JobType
}

// SamplesMissingArtifacts returns (sample, job type) pairs for samples in
// the source lacking a feature vector or embedding row. Used by
// missing-only backfill.
func (s *Store) SamplesMissingArtifacts(sourceID string) ([]MissingArtifact, error) {
	query := `
		SELECT s.sample_id, s.content_hash,
		       f.sample_id IS NULL AS missing_features,
		       e.sample_id IS NULL AS missing_embedding
		FROM samples s
		LEFT JOIN features f ON f.sample_id = s.sample_id
		LEFT JOIN embeddings e ON e.sample_id = s.sample_id
		WHERE (f.sample_id IS NULL OR e.sample_id IS NULL)
	`
	var args []any
	if sourceID != "" {
		query += ` AND s.source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY s.sample_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("finding missing artifacts: %w", err)
	}
	defer rows.Close()

	var out []MissingArtifact
	for rows.Next() {
		var id, hash string
		var missingFeatures, missingEmbedding bool
		if err := rows.Scan(&id, &hash, &missingFeatures, &missingEmbedding); err != nil {
			return nil, fmt.Errorf("scanning missing artifact: %w", err)
		}
		if missingFeatures {
			out = append(out, MissingArtifact{model.SampleID(id), hash, model.JobTypeAnalyze})
		}
		if missingEmbedding {
			out = append(out, MissingArtifact{model.SampleID(id), hash, model.JobTypeEmbed})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating missing artifacts: %w", err)
	}
	return out, nil
}

// PutFeatures stores the feature vector blob for a sample.
func (s *Store) PutFeatures(id model.SampleID, vector []byte) error {
	const query = `
		INSERT INTO features (sample_id, vector, extracted_ns) VALUES (?, ?, ?)
		ON CONFLICT(sample_id) DO UPDATE SET vector = excluded.vector, extracted_ns = excluded.extracted_ns
	`
	if _, err := s.db.Exec(query, string(id), vector, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("storing features for %s: %w", id, err)
	}
	return nil
}

// PutEmbedding stores the embedding blob for a sample.
func (s *Store) PutEmbedding(id model.SampleID, embedding []byte) error {
	const query = `
		INSERT INTO embeddings (sample_id, embedding, extracted_ns) VALUES (?, ?, ?)
		ON CONFLICT(sample_id) DO UPDATE SET embedding = excluded.embedding, extracted_ns = excluded.extracted_ns
	`
	if _, err := s.db.Exec(query, string(id), embedding, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("storing embedding for %s: %w", id, err)
	}
	return nil
}

// chunkIDs splits ids into batches so IN clauses stay under SQLite's
// parameter limit.
func chunkIDs(ids []model.SampleID, size int) [][]model.SampleID {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]model.SampleID
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	return append(chunks, ids)
}

func idArgs(ids []model.SampleID) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	return placeholders, args
}
