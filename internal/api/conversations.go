package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/trialdesk/trialdesk/internal/agent"
	"github.com/trialdesk/trialdesk/internal/conversation"
	"github.com/trialdesk/trialdesk/internal/llm"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

type conversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type conversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func handleListConversations(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Conversations == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONVERSATIONS_NOT_CONFIGURED", "conversation dependencies are not configured", false, nil)
		return
	}

	clientID, _ := resolveClientID(w, r)

	limit := defaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		limit = parsed
		if limit > maxConversationLimit {
			limit = maxConversationLimit
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_OFFSET", "offset must be a non-negative integer", false, nil)
			return
		}
		offset = parsed
	}

	total, err := deps.Conversations.Count(r.Context(), clientID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to count conversations", true, map[string]any{"details": err.Error()})
		return
	}
	conversations, err := deps.Conversations.List(r.Context(), clientID, limit, offset)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to list conversations", true, map[string]any{"details": err.Error()})
		return
	}

	summaries := make([]conversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		summaries = append(summaries, conversationSummary{
			ID:        conv.ID.String(),
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": summaries,
		"total":         total,
	})
}

func handleGetConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Conversations == nil || deps.Checkpoints == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONVERSATIONS_NOT_CONFIGURED", "conversation dependencies are not configured", false, nil)
		return
	}

	clientID, _ := resolveClientID(w, r)
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONVERSATION_ID", "conversation id must be a UUID", false, nil)
		return
	}

	conv, err := deps.Conversations.Get(r.Context(), clientID, id)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation was not found", false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to load conversation", true, map[string]any{"details": err.Error()})
		return
	}

	messages, err := replayMessages(r, deps, id)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to load conversation transcript", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         conv.ID.String(),
		"title":      conv.Title,
		"created_at": conv.CreatedAt,
		"updated_at": conv.UpdatedAt,
		"messages":   messages,
	})
}

// replayMessages rebuilds the displayable transcript from the checkpoint.
// Tool traffic and empty contents are internal plumbing and are skipped.
func replayMessages(r *http.Request, deps Dependencies, id uuid.UUID) ([]conversationMessage, error) {
	raw, err := deps.Checkpoints.Load(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		return []conversationMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	var state agent.TurnState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}

	messages := make([]conversationMessage, 0, len(state.Messages))
	for _, msg := range state.Messages {
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		messages = append(messages, conversationMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return messages, nil
}

func handleDeleteConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Conversations == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONVERSATIONS_NOT_CONFIGURED", "conversation dependencies are not configured", false, nil)
		return
	}

	clientID, _ := resolveClientID(w, r)
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONVERSATION_ID", "conversation id must be a UUID", false, nil)
		return
	}

	deleted, err := deps.Conversations.Delete(r.Context(), clientID, id)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to delete conversation", true, map[string]any{"details": err.Error()})
		return
	}
	if !deleted {
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation was not found", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id.String()})
}
