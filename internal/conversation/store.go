package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ensembleworks/ensemble/internal/log"
)

// DB is the database access contract consumed by Store, including
// transactions for the serialized append path.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists conversations and turns.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a conversation store.
func NewStore(db DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Create starts a conversation with a generated ID.
func (s *Store) Create(ctx context.Context) (*Conversation, error) {
	return s.CreateWithID(ctx, uuid.New())
}

// CreateWithID starts a conversation under a caller-chosen ID. Creating an
// existing ID is a no-op returning the stored row, so a client retrying
// its first message cannot split a session in two.
func (s *Store) CreateWithID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return s.Get(ctx, id)
}

// Get fetches a conversation by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var (
		conv      Conversation
		lastAgent pgtype.Text
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, last_agent_id, created_at, updated_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&conv.ID, &lastAgent, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	conv.LastAgentID = lastAgent.String
	return &conv, nil
}

// Append adds one turn. The conversation row is locked for the duration,
// so concurrent appends to the same conversation serialize and sequence
// numbers stay gap-free. Assistant turns update the conversation's
// last-agent reference.
func (s *Store) Append(ctx context.Context, turn Turn) (*Turn, error) {
	if !validRole(turn.Role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidTurn, turn.Role)
	}
	if turn.Content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidTurn)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("append rollback", "error", err)
		}
	}()

	// Lock the conversation row; every appender for this conversation
	// queues behind it.
	var lockID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`,
		turn.ConversationID).Scan(&lockID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locking conversation: %w", err)
	}

	var maxSeq int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) FROM turns WHERE conversation_id = $1`,
		turn.ConversationID).Scan(&maxSeq)
	if err != nil {
		return nil, fmt.Errorf("reading max sequence: %w", err)
	}

	stored := turn
	stored.ID = uuid.New()
	stored.SequenceNumber = maxSeq + 1

	var agentID pgtype.Text
	if turn.AgentID != "" {
		agentID = pgtype.Text{String: turn.AgentID, Valid: true}
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO turns (id, conversation_id, sequence_number, role, content, agent_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		stored.ID, stored.ConversationID, stored.SequenceNumber,
		string(stored.Role), stored.Content, agentID,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting turn: %w", err)
	}

	if stored.Role == RoleAssistant && stored.AgentID != "" {
		_, err = tx.Exec(ctx, `
			UPDATE conversations SET last_agent_id = $2, updated_at = now() WHERE id = $1`,
			stored.ConversationID, stored.AgentID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE conversations SET updated_at = now() WHERE id = $1`,
			stored.ConversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("appended turn",
		"conversation_id", stored.ConversationID,
		"sequence", stored.SequenceNumber, "role", stored.Role)
	return &stored, nil
}

// History returns the last limit turns in ascending sequence order; a
// non-positive limit returns the full history. An unknown conversation
// yields ErrNotFound.
func (s *Store) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]Turn, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, `
			SELECT id, conversation_id, sequence_number, role, content, agent_id, created_at
			FROM (
				SELECT id, conversation_id, sequence_number, role, content, agent_id, created_at
				FROM turns WHERE conversation_id = $1
				ORDER BY sequence_number DESC LIMIT $2
			) recent
			ORDER BY sequence_number ASC`, conversationID, limit)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT id, conversation_id, sequence_number, role, content, agent_id, created_at
			FROM turns WHERE conversation_id = $1
			ORDER BY sequence_number ASC`, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			role    string
			agentID pgtype.Text
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.SequenceNumber, &role, &t.Content, &agentID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.Role = Role(role)
		t.AgentID = agentID.String
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}
