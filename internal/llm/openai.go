package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

const defaultTimeout = 60 * time.Second

type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, including the /v1 suffix. Tests
	// point this at an httptest server.
	BaseURL     string
	Temperature float32
	Timeout     time.Duration
}

// OpenAI implements Client over the OpenAI chat-completions API.
type OpenAI struct {
	cfg    OpenAIConfig
	client *openai.Client
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAI{cfg: cfg, client: openai.NewClientWithConfig(clientCfg)}, nil
}

func (c *OpenAI) Generate(ctx context.Context, req Request) (Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, c.buildRequest(req, false))
	if err != nil {
		return Message{}, c.mapError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, fmt.Errorf("llm: no choices returned")
	}
	return fromChatMessage(resp.Choices[0].Message), nil
}

func (c *OpenAI) Stream(ctx context.Context, req Request, emit func(Delta)) (Message, error) {
	if emit == nil {
		return c.Generate(ctx, req)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stream, err := c.client.CreateChatCompletionStream(callCtx, c.buildRequest(req, true))
	if err != nil {
		return Message{}, c.mapError(ctx, err)
	}
	defer func() { _ = stream.Close() }()

	var content strings.Builder
	var calls []streamCall

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, c.mapError(ctx, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		out := Delta{Content: delta.Content}
		content.WriteString(delta.Content)

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			out.ToolCalls = append(out.ToolCalls, ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
			for len(calls) <= index {
				calls = append(calls, streamCall{})
			}
			if tc.ID != "" {
				calls[index].id = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].name = tc.Function.Name
			}
			calls[index].args.WriteString(tc.Function.Arguments)
		}

		if out.Content != "" || len(out.ToolCalls) > 0 {
			emit(out)
		}
	}

	msg := Message{ID: uuid.NewString(), Role: RoleAssistant, Content: content.String()}
	for _, call := range calls {
		if call.name == "" && call.args.Len() == 0 {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: json.RawMessage(call.args.String()),
		})
	}
	return msg, nil
}

type streamCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *OpenAI) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	temperature := c.cfg.Temperature
	if temperature == 0 {
		// The SDK omits a zero temperature and the API then defaults to 1;
		// the smallest positive value pins it to deterministic output.
		temperature = math.SmallestNonzeroFloat32
	}

	out := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: temperature,
		Messages:    toChatMessages(req.Messages),
		Stream:      stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(req.Tools) > 0 && req.ToolChoice != "" && req.ToolChoice != ToolChoiceAuto {
		out.ToolChoice = string(req.ToolChoice)
	}
	return out
}

func toChatMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func fromChatMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{
		ID:      uuid.NewString(),
		Role:    Role(m.Role),
		Content: m.Content,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg
}

// mapError folds backend failures onto the package sentinels. parent is the
// caller's context, checked so a caller-initiated cancellation is never
// misreported as a backend timeout.
func (c *OpenAI) mapError(parent context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrAuthFailed, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			if apiErrCode(apiErr) == "insufficient_quota" || apiErr.Type == "insufficient_quota" {
				return fmt.Errorf("%w: %s", ErrQuotaExceeded, apiErr.Message)
			}
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
		}
		return fmt.Errorf("llm: api error: %w", err)
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.cfg.Timeout)
	}
	return fmt.Errorf("llm: request failed: %w", err)
}

func apiErrCode(apiErr *openai.APIError) string {
	if code, ok := apiErr.Code.(string); ok {
		return code
	}
	return ""
}
