package agent

import (
	"github.com/trialdesk/trialdesk/internal/llm"
)

// State names one node of the turn state machine. The enumeration plus the
// transition returned by each node fully determine control flow; there are
// no implicit edges.
type State string

const (
	StateTopicGuardrail State = "topic_guardrail"
	StateListTables     State = "list_tables"
	StateCallGetSchema  State = "call_get_schema"
	StateGetSchema      State = "get_schema"
	StateGenerateQuery  State = "generate_query"
	StateCheckQuery     State = "check_query"
	StateRunQuery       State = "run_query"
	StateDone           State = "done"
)

// TurnState is the running conversation state. Messages persist across turns
// through the checkpoint store; the two flags are transient and reset at the
// start of every turn.
type TurnState struct {
	Messages            []llm.Message `json:"messages"`
	GuardrailBlocked    bool          `json:"guardrail_block"`
	SQLValidationFailed bool          `json:"sql_validation_failed"`
}

// Delta is the partial update a node returns. Messages merge by ID: a
// message whose ID already exists replaces the original in place, anything
// else appends. Nil flag pointers leave the current flag untouched.
type Delta struct {
	Messages            []llm.Message
	GuardrailBlocked    *bool
	SQLValidationFailed *bool
}

func (s *TurnState) Apply(d Delta) {
	for _, msg := range d.Messages {
		s.upsertMessage(msg)
	}
	if d.GuardrailBlocked != nil {
		s.GuardrailBlocked = *d.GuardrailBlocked
	}
	if d.SQLValidationFailed != nil {
		s.SQLValidationFailed = *d.SQLValidationFailed
	}
}

func (s *TurnState) upsertMessage(msg llm.Message) {
	if msg.ID != "" {
		for i := range s.Messages {
			if s.Messages[i].ID == msg.ID {
				s.Messages[i] = msg
				return
			}
		}
	}
	s.Messages = append(s.Messages, msg)
}

func (s *TurnState) LastMessage() (llm.Message, bool) {
	if len(s.Messages) == 0 {
		return llm.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

func boolPtr(v bool) *bool { return &v }
