// Package conversation persists conversation metadata and the serialized
// agent transcripts that let a follow-up question continue where the last
// turn left off. Every operation is scoped by the owning client ID.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conversation: not found")

const maxTitleRunes = 100

type Conversation struct {
	ID        uuid.UUID
	ClientID  string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UpsertInput struct {
	ID       uuid.UUID
	ClientID string
	Title    string
}

type Repository interface {
	Upsert(ctx context.Context, in UpsertInput) (Conversation, error)
	List(ctx context.Context, clientID string, limit, offset int) ([]Conversation, error)
	Count(ctx context.Context, clientID string) (int, error)
	Get(ctx context.Context, clientID string, id uuid.UUID) (Conversation, error)
	Delete(ctx context.Context, clientID string, id uuid.UUID) (bool, error)
}

// CheckpointStore holds the latest serialized transcript per conversation.
// Save replaces any previous checkpoint; Load returns ErrNotFound when the
// conversation has never checkpointed.
type CheckpointStore interface {
	Save(ctx context.Context, conversationID uuid.UUID, state json.RawMessage) error
	Load(ctx context.Context, conversationID uuid.UUID) (json.RawMessage, error)
	Delete(ctx context.Context, conversationID uuid.UUID) error
}

// TitleFromQuestion derives the stored conversation title from the first
// question of a conversation, capped at 100 characters.
func TitleFromQuestion(question string) string {
	title := strings.TrimSpace(question)
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "..."
	}
	return title
}
