// Package llm is the generator capability: transport-neutral message and
// tool-call types plus the client contract the orchestration layer consumes.
// Callers never see vendor SDK types; everything is normalized at this
// boundary.
package llm

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is the canonical {name, arguments} form of a structured tool
// invocation. Arguments hold the raw JSON payload.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in a conversation turn. ID is stable bookkeeping for
// the state machine: appending a message with an existing ID replaces that
// message instead of growing the sequence.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// FirstToolCall returns the first tool call with the given name, or the
// first call overall when name is empty.
func (m Message) FirstToolCall(name string) (ToolCall, bool) {
	for _, tc := range m.ToolCalls {
		if name == "" || tc.Name == name {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// Tool describes a callable the generator may invoke. Parameters is a JSON
// schema document.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type ToolChoice string

const (
	// ToolChoiceAuto lets the generator decide between text and tool calls.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceRequired forces at least one tool call, guaranteeing forward
	// progress in stages that cannot proceed on plain text.
	ToolChoiceRequired ToolChoice = "required"
)

type Request struct {
	Messages   []Message
	Tools      []Tool
	ToolChoice ToolChoice
}

// Delta is one streamed fragment: plain content, or pieces of a tool call
// keyed by index. Argument fragments are partial JSON and only parse once
// the call is complete.
type Delta struct {
	Content   string
	ToolCalls []ToolCallDelta
}

type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Client is implemented by generator backends. Stream invokes emit for each
// fragment and returns the assembled final message; Generate is the
// non-streaming equivalent.
type Client interface {
	Generate(ctx context.Context, req Request) (Message, error)
	Stream(ctx context.Context, req Request, emit func(Delta)) (Message, error)
}
