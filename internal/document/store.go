package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ensembleworks/ensemble/internal/log"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")
)

// DB is the database access contract consumed by Store.
// *pgxpool.Pool satisfies it; tests substitute fakes.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists documents and chunks.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a document store. A nil logger falls back to a no-op.
func NewStore(db DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Create inserts a document. Returns false when a document with the same
// source URI and content hash already exists — re-ingestion of unchanged
// content is a no-op, not an error.
func (s *Store) Create(ctx context.Context, doc *Document) (bool, error) {
	tags, err := json.Marshal(tagsOrEmpty(doc.Tags))
	if err != nil {
		return false, fmt.Errorf("marshaling tags: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO documents (id, source_uri, content_hash, mime_kind, status, tags)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_uri, content_hash) DO NOTHING`,
		doc.ID, doc.SourceURI, doc.ContentHash, doc.MimeKind, string(doc.Status), tags,
	)
	if err != nil {
		return false, fmt.Errorf("inserting document: %w", err)
	}

	if tag.RowsAffected() == 0 {
		s.logger.Debug("document already ingested, skipping",
			"source_uri", doc.SourceURI, "content_hash", doc.ContentHash)
		return false, nil
	}
	return true, nil
}

// Get fetches a document by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, source_uri, content_hash, mime_kind, status, error, tags, created_at
		FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// FindByHash fetches the document matching a source URI and content hash.
// Used by ingestion handlers as the idempotency lookup.
func (s *Store) FindByHash(ctx context.Context, sourceURI, contentHash string) (*Document, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, source_uri, content_hash, mime_kind, status, error, tags, created_at
		FROM documents WHERE source_uri = $1 AND content_hash = $2`, sourceURI, contentHash)
	return scanDocument(row)
}

// UpdateStatus moves a document through its lifecycle. The error message is
// only stored for failed status.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, errMsg string) error {
	var errVal pgtype.Text
	if status == StatusFailed && errMsg != "" {
		errVal = pgtype.Text{String: errMsg, Valid: true}
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE documents SET status = $2, error = $3 WHERE id = $1`,
		id, string(status), errVal,
	)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertChunks stores the chunk sequence of a document. Conflicting
// (document_id, sequence_index) rows are skipped, so two workers racing on
// the same document converge on one chunk set instead of erroring.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	for _, ch := range chunks {
		_, err := s.db.Exec(ctx, `
			INSERT INTO chunks (id, document_id, sequence_index, content, token_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id, sequence_index) DO NOTHING`,
			ch.ID, ch.DocumentID, ch.SequenceIndex, ch.Content, ch.TokenCount,
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %d: %w", ch.SequenceIndex, err)
		}
	}
	return nil
}

// ListChunks returns a document's chunks ordered by sequence index.
func (s *Store) ListChunks(ctx context.Context, documentID uuid.UUID) ([]Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, sequence_index, content, token_count, created_at
		FROM chunks WHERE document_id = $1 ORDER BY sequence_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.SequenceIndex, &ch.Content, &ch.TokenCount, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}

// Delete removes a document; chunks and vector records cascade.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc       Document
		status    string
		errVal    pgtype.Text
		tagsJSON  []byte
		createdAt time.Time
	)
	err := row.Scan(&doc.ID, &doc.SourceURI, &doc.ContentHash, &doc.MimeKind, &status, &errVal, &tagsJSON, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning document: %w", err)
	}

	doc.Status = Status(status)
	doc.Error = errVal.String
	doc.CreatedAt = createdAt
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &doc.Tags); err != nil {
			return nil, fmt.Errorf("unmarshaling tags: %w", err)
		}
	}
	return &doc, nil
}

func tagsOrEmpty(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}
