package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/ensembleworks/ensemble/internal/log"
)

// Search limits.
const (
	DefaultTopK       = 5
	MaxTopK           = 50
	MaxSearchQueryLen = 1000
)

// DB is the database access contract consumed by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the pgvector-backed index. It is bound to one embedding model
// and vector width; records from any other model are rejected.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db      DB
	modelID string
	dims    int
	logger  log.Logger
}

// NewStore creates an index bound to modelID with dims-wide vectors.
func NewStore(db DB, modelID string, dims int, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, modelID: modelID, dims: dims, logger: logger}
}

// ModelID reports the embedding model this index accepts.
func (s *Store) ModelID() string { return s.modelID }

// Upsert stores records. A record for an already-indexed chunk replaces
// the stored vector and payload and bumps the version; the last writer
// wins and IngestedAt keeps the first ingestion time.
func (s *Store) Upsert(ctx context.Context, records []VectorRecord) error {
	for _, rec := range records {
		if rec.ModelID != s.modelID {
			return fmt.Errorf("%w: record model %q, index model %q",
				ErrModelMismatch, rec.ModelID, s.modelID)
		}
		if len(rec.Embedding) != s.dims {
			return fmt.Errorf("%w: record has %d dimensions, index expects %d",
				ErrDimensionMismatch, len(rec.Embedding), s.dims)
		}

		payload, err := json.Marshal(payloadOrEmpty(rec.Payload))
		if err != nil {
			return fmt.Errorf("marshaling payload: %w", err)
		}

		_, err = s.db.Exec(ctx, `
			INSERT INTO vector_records (chunk_id, embedding, payload, model_id, version)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (chunk_id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				payload   = EXCLUDED.payload,
				model_id  = EXCLUDED.model_id,
				version   = vector_records.version + 1`,
			rec.ChunkID, pgvector.NewVector(rec.Embedding), payload, rec.ModelID,
		)
		if err != nil {
			return fmt.Errorf("upserting vector record %s: %w", rec.ChunkID, err)
		}
	}

	s.logger.Debug("upserted vector records", "count", len(records), "model", s.modelID)
	return nil
}

// SearchOptions narrow a search.
type SearchOptions struct {
	// TopK caps the result count; non-positive uses DefaultTopK.
	TopK int
	// Filter requires payload containment of every given key/value.
	Filter map[string]string
}

// Search returns the chunks nearest to vector by cosine similarity, most
// similar first. An empty index yields an empty result, not an error.
func (s *Store) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]ScoredRecord, error) {
	if len(vector) != s.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			ErrDimensionMismatch, len(vector), s.dims)
	}
	topK := clampTopK(opts.TopK)

	sql := `
		SELECT vr.chunk_id, c.document_id, c.content, vr.payload, vr.ingested_at,
		       1 - (vr.embedding <=> $1) AS score
		FROM vector_records vr
		JOIN chunks c ON c.id = vr.chunk_id
		WHERE vr.model_id = $2`
	args := []any{pgvector.NewVector(vector), s.modelID}

	if len(opts.Filter) > 0 {
		filter, err := json.Marshal(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("marshaling filter: %w", err)
		}
		args = append(args, filter)
		sql += fmt.Sprintf(" AND vr.payload @> $%d::jsonb", len(args))
	}

	args = append(args, topK)
	sql += fmt.Sprintf(" ORDER BY vr.embedding <=> $1, vr.ingested_at ASC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	defer rows.Close()

	return scanScored(rows)
}

// SearchLexical returns chunks matching query by full-text rank, best
// first. It reads the chunks table directly, so it keeps working when the
// embedding backend is down.
func (s *Store) SearchLexical(ctx context.Context, query string, opts SearchOptions) ([]ScoredRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" || strings.ContainsRune(query, 0) {
		return []ScoredRecord{}, nil
	}
	if len(query) > MaxSearchQueryLen {
		query = query[:MaxSearchQueryLen]
	}
	topK := clampTopK(opts.TopK)

	sql := `
		SELECT c.id, c.document_id, c.content,
		       COALESCE(vr.payload, '{}'::jsonb),
		       COALESCE(vr.ingested_at, c.created_at),
		       ts_rank_cd(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS score
		FROM chunks c
		LEFT JOIN vector_records vr ON vr.chunk_id = c.id
		WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)`
	args := []any{query}

	if len(opts.Filter) > 0 {
		filter, err := json.Marshal(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("marshaling filter: %w", err)
		}
		args = append(args, filter)
		sql += fmt.Sprintf(" AND COALESCE(vr.payload, '{}'::jsonb) @> $%d::jsonb", len(args))
	}

	args = append(args, topK)
	sql += fmt.Sprintf(" ORDER BY score DESC, COALESCE(vr.ingested_at, c.created_at) ASC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	return scanScored(rows)
}

// Get fetches one record without its neighbors. Mostly useful for
// verifying version bumps.
func (s *Store) Get(ctx context.Context, chunkID uuid.UUID) (*VectorRecord, error) {
	var (
		rec     VectorRecord
		vec     pgvector.Vector
		payload []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT chunk_id, embedding, payload, model_id, version, ingested_at
		FROM vector_records WHERE chunk_id = $1`, chunkID,
	).Scan(&rec.ChunkID, &vec, &payload, &rec.ModelID, &rec.Version, &rec.IngestedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("getting vector record: %w", err)
	}

	rec.Embedding = vec.Slice()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload: %w", err)
		}
	}
	return &rec, nil
}

// Delete removes the records of the given chunks. Missing IDs are ignored.
func (s *Store) Delete(ctx context.Context, chunkIDs []uuid.UUID) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `DELETE FROM vector_records WHERE chunk_id = ANY($1)`, chunkIDs)
	if err != nil {
		return fmt.Errorf("deleting vector records: %w", err)
	}
	return nil
}

// Count reports the number of indexed records. Serves the readiness probe.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM vector_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting vector records: %w", err)
	}
	return n, nil
}

func scanScored(rows pgx.Rows) ([]ScoredRecord, error) {
	records := []ScoredRecord{}
	for rows.Next() {
		var (
			rec     ScoredRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ChunkID, &rec.DocumentID, &rec.Content, &payload, &rec.IngestedAt, &rec.Score); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling payload: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search hits: %w", err)
	}
	return records, nil
}

func clampTopK(topK int) int {
	if topK <= 0 {
		return DefaultTopK
	}
	if topK > MaxTopK {
		return MaxTopK
	}
	return topK
}

func payloadOrEmpty(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}
