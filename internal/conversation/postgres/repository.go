package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/trialdesk/trialdesk/internal/conversation"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping app db: %w", err)
	}
	return nil
}

// Upsert creates the conversation on first use and only bumps updated_at on
// later turns; the title set at creation is never overwritten. The conflict
// update is fenced by client_id so one client cannot touch another's
// conversation row.
func (r *Repository) Upsert(ctx context.Context, in conversation.UpsertInput) (conversation.Conversation, error) {
	query := `
INSERT INTO conversations (conversation_id, client_id, title)
VALUES ($1, $2, $3)
ON CONFLICT (conversation_id) DO UPDATE SET updated_at = now()
WHERE conversations.client_id = EXCLUDED.client_id
RETURNING conversation_id, client_id, title, created_at, updated_at`

	var conv conversation.Conversation
	if err := r.db.QueryRowContext(ctx, query, in.ID, in.ClientID, in.Title).Scan(
		&conv.ID,
		&conv.ClientID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Conversation{}, conversation.ErrNotFound
		}
		return conversation.Conversation{}, fmt.Errorf("upsert conversation: %w", err)
	}
	return conv, nil
}

func (r *Repository) List(ctx context.Context, clientID string, limit, offset int) ([]conversation.Conversation, error) {
	query := `
SELECT conversation_id, client_id, title, created_at, updated_at
FROM conversations
WHERE client_id = $1
ORDER BY updated_at DESC
LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, clientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	conversations := make([]conversation.Conversation, 0)
	for rows.Next() {
		var conv conversation.Conversation
		if err := rows.Scan(&conv.ID, &conv.ClientID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return conversations, nil
}

func (r *Repository) Count(ctx context.Context, clientID string) (int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE client_id = $1`, clientID,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return total, nil
}

func (r *Repository) Get(ctx context.Context, clientID string, id uuid.UUID) (conversation.Conversation, error) {
	query := `
SELECT conversation_id, client_id, title, created_at, updated_at
FROM conversations
WHERE client_id = $1 AND conversation_id = $2`

	var conv conversation.Conversation
	if err := r.db.QueryRowContext(ctx, query, clientID, id).Scan(
		&conv.ID,
		&conv.ClientID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Conversation{}, conversation.ErrNotFound
		}
		return conversation.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// Delete removes the conversation row; the checkpoint row goes with it via
// the foreign key. Returns false when nothing matched the client/id pair.
func (r *Repository) Delete(ctx context.Context, clientID string, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE client_id = $1 AND conversation_id = $2`, clientID, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation rows affected: %w", err)
	}
	return affected > 0, nil
}

// CheckpointStore persists one serialized transcript per conversation.
type CheckpointStore struct {
	db *sql.DB
}

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Save(ctx context.Context, conversationID uuid.UUID, state json.RawMessage) error {
	query := `
INSERT INTO agent_checkpoints (conversation_id, state)
VALUES ($1, $2)
ON CONFLICT (conversation_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`

	if _, err := s.db.ExecContext(ctx, query, conversationID, []byte(state)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Load(ctx context.Context, conversationID uuid.UUID) (json.RawMessage, error) {
	var state []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT state FROM agent_checkpoints WHERE conversation_id = $1`, conversationID,
	).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return json.RawMessage(state), nil
}

func (s *CheckpointStore) Delete(ctx context.Context, conversationID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_checkpoints WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
