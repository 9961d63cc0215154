package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/trialdesk/trialdesk/internal/agent"
	"github.com/trialdesk/trialdesk/internal/conversation"
	"github.com/trialdesk/trialdesk/internal/llm"
)

// openaiKeyPattern gates caller-supplied generator keys. Values that do not
// look like a key are ignored rather than rejected, so a stray header never
// breaks a turn.
var openaiKeyPattern = regexp.MustCompile(`^sk-[a-zA-Z0-9_-]{20,}$`)

type queryRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
}

type queryResponse struct {
	Answer         string `json:"answer"`
	SQLQuery       string `json:"sql_query,omitempty"`
	ConversationID string `json:"conversation_id"`
}

type turnSetup struct {
	clientID       string
	conversationID uuid.UUID
	question       string
	generator      llm.Client
}

// prepareTurn validates the request, enforces the rate limit, and registers
// the conversation. On failure it writes the error response and reports
// ok=false.
func prepareTurn(deps Dependencies, w http.ResponseWriter, r *http.Request) (turnSetup, bool) {
	if deps.Runner == nil || deps.Conversations == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return turnSetup{}, false
	}

	clientID, minted := resolveClientID(w, r)
	if deps.RateLimiter != nil && !deps.RateLimiter.Allow(rateLimitKey(r, clientID, minted)) {
		writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "request budget exhausted, retry in a minute", true, nil)
		return turnSetup{}, false
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return turnSetup{}, false
	}

	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return turnSetup{}, false
	}

	conversationID := uuid.New()
	if strings.TrimSpace(request.ConversationID) != "" {
		parsed, err := uuid.Parse(strings.TrimSpace(request.ConversationID))
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONVERSATION_ID", "conversation_id must be a UUID", false, nil)
			return turnSetup{}, false
		}
		conversationID = parsed
	}

	_, err := deps.Conversations.Upsert(r.Context(), conversation.UpsertInput{
		ID:       conversationID,
		ClientID: clientID,
		Title:    conversation.TitleFromQuestion(question),
	})
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation belongs to a different client", false, nil)
		return turnSetup{}, false
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to register conversation", true, map[string]any{"details": err.Error()})
		return turnSetup{}, false
	}

	generator := resolveGenerator(deps, r)
	if generator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATOR_NOT_CONFIGURED", "no generator credential is configured", false, nil)
		return turnSetup{}, false
	}

	return turnSetup{
		clientID:       clientID,
		conversationID: conversationID,
		question:       question,
		generator:      generator,
	}, true
}

// resolveGenerator picks the per-turn generator client. A well-formed
// X-OpenAI-API-Key header builds a dedicated client that bypasses the server
// credential entirely.
func resolveGenerator(deps Dependencies, r *http.Request) llm.Client {
	key := strings.TrimSpace(r.Header.Get("X-OpenAI-API-Key"))
	if key != "" && openaiKeyPattern.MatchString(key) && deps.GeneratorForKey != nil {
		return deps.GeneratorForKey(key)
	}
	return deps.Generator
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	setup, ok := prepareTurn(deps, w, r)
	if !ok {
		return
	}

	result, err := deps.Runner.Run(r.Context(), agent.RunInput{
		ConversationID: setup.conversationID,
		Question:       setup.question,
		Generator:      setup.generator,
	})
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		status, code, message, retryable := classifyTurnError(err)
		var extra map[string]any
		if code == "QUERY_FAILED" {
			extra = map[string]any{"details": err.Error()}
		}
		writeError(r.Context(), w, status, code, message, retryable, extra)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Answer:         result.Answer,
		SQLQuery:       result.SQLQuery,
		ConversationID: setup.conversationID.String(),
	})
}

func handleQueryStream(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	setup, ok := prepareTurn(deps, w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(r.Context(), w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "response writer does not support streaming", false, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := &eventStream{w: w, flusher: flusher}
	result, err := deps.Runner.Run(r.Context(), agent.RunInput{
		ConversationID: setup.conversationID,
		Question:       setup.question,
		Generator:      setup.generator,
		Emit:           stream.send,
	})
	if err != nil {
		// A cancelled context means the client went away; there is nobody
		// left to receive an error frame.
		if r.Context().Err() != nil {
			return
		}
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "streamed turn failed", "error", err)
		}
		_, code, message, _ := classifyTurnError(err)
		stream.send(agent.Event{Type: agent.EventError, Code: code, Message: message})
		return
	}

	stream.send(agent.Event{
		Type:           agent.EventDone,
		ConversationID: setup.conversationID.String(),
		Answer:         result.Answer,
		SQLQuery:       result.SQLQuery,
	})
}

// classifyTurnError maps agent failures onto the error envelope. Generator
// credential failures get dedicated codes so clients can react by supplying
// their own key.
func classifyTurnError(err error) (status int, code, message string, retryable bool) {
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		return http.StatusTooManyRequests, "GENERATOR_RATE_LIMITED",
			"the generator is rate limited; retry shortly or supply your own key via the X-OpenAI-API-Key header", true
	case errors.Is(err, llm.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "GENERATOR_QUOTA_EXCEEDED",
			"the server's generator quota is exhausted; supply your own key via the X-OpenAI-API-Key header", false
	case errors.Is(err, llm.ErrAuthFailed):
		return http.StatusUnauthorized, "INVALID_API_KEY",
			"the generator rejected the API key", false
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, llm.ErrUnavailable):
		return http.StatusInternalServerError, "QUERY_FAILED",
			"the question could not be answered", true
	default:
		return http.StatusInternalServerError, "QUERY_FAILED",
			"the question could not be answered", false
	}
}

// eventStream writes agent events as server-sent event frames, flushing
// after each one so progress reaches the client immediately.
type eventStream struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *eventStream) send(event agent.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}
