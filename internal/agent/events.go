package agent

type EventType string

const (
	// EventStage announces entry into a pipeline stage.
	EventStage EventType = "stage"
	// EventToken carries one streamed fragment of the assistant's prose.
	EventToken EventType = "token"
	// EventSQL carries the generated query as soon as its arguments parse.
	EventSQL EventType = "sql"
	// EventDone closes a successful turn.
	EventDone EventType = "done"
	// EventError closes a failed turn.
	EventError EventType = "error"
)

// Event is the flat shape streamed to clients; unused fields stay empty and
// are dropped from the JSON encoding.
type Event struct {
	Type           EventType `json:"type"`
	Stage          State     `json:"stage,omitempty"`
	Label          string    `json:"label,omitempty"`
	Content        string    `json:"content,omitempty"`
	Query          string    `json:"query,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Answer         string    `json:"answer,omitempty"`
	SQLQuery       string    `json:"sql_query,omitempty"`
	Code           string    `json:"code,omitempty"`
	Message        string    `json:"message,omitempty"`
}

type EmitFunc func(Event)

// StageLabels are the user-facing progress labels streamed with stage events.
var StageLabels = map[State]string{
	StateTopicGuardrail: "Checking query relevance",
	StateListTables:     "Discovering database tables",
	StateCallGetSchema:  "Selecting relevant tables",
	StateGetSchema:      "Loading table schemas",
	StateGenerateQuery:  "Generating response",
	StateCheckQuery:     "Validating SQL query",
	StateRunQuery:       "Executing SQL query",
}
