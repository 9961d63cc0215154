// Package agent drives one conversation turn through the staged pipeline:
// topic guardrail, table discovery, schema loading, query generation, the
// double-check pass with the deterministic validator as final gate, and
// execution. Nodes return partial state deltas plus the next state; the
// runner merges, checkpoints, and routes.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trialdesk/trialdesk/internal/conversation"
	"github.com/trialdesk/trialdesk/internal/guardrail"
	"github.com/trialdesk/trialdesk/internal/llm"
	"github.com/trialdesk/trialdesk/internal/observability"
	"github.com/trialdesk/trialdesk/internal/sqlguard"
	"github.com/trialdesk/trialdesk/internal/trials"
)

// ErrTooManySteps aborts turns whose node loop never reaches a terminal
// state, e.g. under a generator that keeps scheduling work.
var ErrTooManySteps = errors.New("agent: too many steps in one turn")

const retryExhaustedResponse = "I wasn't able to produce a valid SQL query for that question after several attempts. Could you try rephrasing it or narrowing it down?"

const (
	defaultTopK                 = 10
	defaultMaxValidationRetries = 3
	defaultMaxSteps             = 25
)

type Config struct {
	// TopK is the row limit the generator prompt asks queries to respect.
	TopK int
	// MaxValidationRetries caps check_query -> generate_query round trips
	// per turn; past the cap the turn ends with a user-visible failure.
	MaxValidationRetries int
	// MaxSteps caps node executions per turn.
	MaxSteps int
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	if c.MaxValidationRetries <= 0 {
		c.MaxValidationRetries = defaultMaxValidationRetries
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	return c
}

type Runner struct {
	validator   *sqlguard.Validator
	catalog     trials.Catalog
	executor    trials.Executor
	checkpoints conversation.CheckpointStore
	logger      *slog.Logger
	cfg         Config
}

func NewRunner(
	validator *sqlguard.Validator,
	catalog trials.Catalog,
	executor trials.Executor,
	checkpoints conversation.CheckpointStore,
	logger *slog.Logger,
	cfg Config,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		validator:   validator,
		catalog:     catalog,
		executor:    executor,
		checkpoints: checkpoints,
		logger:      logger,
		cfg:         cfg.withDefaults(),
	}
}

// RunInput carries the per-turn inputs. Generator is resolved per request so
// a caller-supplied API key can bypass the server credential entirely.
type RunInput struct {
	ConversationID uuid.UUID
	Question       string
	Generator      llm.Client
	Emit           EmitFunc
}

type RunResult struct {
	Answer   string
	SQLQuery string
	Blocked  bool
}

func (r *Runner) Run(ctx context.Context, in RunInput) (RunResult, error) {
	start := time.Now()
	res, err := r.runTurn(ctx, in)
	observability.ObserveAgentTurn(turnOutcome(res, err), time.Since(start))
	return res, err
}

func (r *Runner) runTurn(ctx context.Context, in RunInput) (RunResult, error) {
	state, err := r.loadState(ctx, in.ConversationID)
	if err != nil {
		return RunResult{}, err
	}
	state.GuardrailBlocked = false
	state.SQLValidationFailed = false
	state.Apply(Delta{Messages: []llm.Message{{
		ID:      uuid.NewString(),
		Role:    llm.RoleUser,
		Content: in.Question,
	}}})

	emit := in.Emit
	if emit == nil {
		emit = func(Event) {}
	}

	var (
		current     = StateTopicGuardrail
		steps       int
		retries     int
		executedSQL string
	)
	for current != StateDone {
		steps++
		if steps > r.cfg.MaxSteps {
			return RunResult{}, ErrTooManySteps
		}
		if label, ok := StageLabels[current]; ok {
			emit(Event{Type: EventStage, Stage: current, Label: label})
		}
		if current == StateRunQuery {
			if query, ok := pendingQuery(state); ok {
				executedSQL = query
			}
		}

		delta, next, err := r.step(ctx, current, &state, in, emit)
		if err != nil {
			return RunResult{}, fmt.Errorf("%s: %w", current, err)
		}

		if current == StateCheckQuery && next == StateGenerateQuery {
			retries++
			if retries > r.cfg.MaxValidationRetries {
				r.logger.WarnContext(ctx, "validation retries exhausted",
					slog.String("conversation_id", in.ConversationID.String()),
					slog.Int("retries", retries))
				delta.Messages = append(delta.Messages, assistantMessage(retryExhaustedResponse))
				next = StateDone
			}
		}

		state.Apply(delta)
		if err := r.saveState(ctx, in.ConversationID, state); err != nil {
			return RunResult{}, err
		}
		current = next
	}

	return RunResult{
		Answer:   ExtractAnswer(state.Messages),
		SQLQuery: executedSQL,
		Blocked:  state.GuardrailBlocked,
	}, nil
}

func (r *Runner) step(ctx context.Context, s State, st *TurnState, in RunInput, emit EmitFunc) (Delta, State, error) {
	switch s {
	case StateTopicGuardrail:
		return r.topicGuardrail(ctx, in)
	case StateListTables:
		return r.listTables(ctx)
	case StateCallGetSchema:
		return r.callGetSchema(ctx, st, in)
	case StateGetSchema:
		return r.getSchema(ctx, st)
	case StateGenerateQuery:
		return r.generateQuery(ctx, st, in, emit)
	case StateCheckQuery:
		return r.checkQuery(ctx, st, in)
	case StateRunQuery:
		return r.runQuery(ctx, st)
	default:
		return Delta{}, StateDone, fmt.Errorf("unknown state %q", s)
	}
}

// topicGuardrail screens the incoming question: the deterministic injection
// patterns first, then the topic classifier. Classifier transport failures
// are skipped rather than failing the turn; credential failures propagate
// because every later stage would hit them too.
func (r *Runner) topicGuardrail(ctx context.Context, in RunInput) (Delta, State, error) {
	if pattern, ok := guardrail.MatchInjection(in.Question); ok {
		r.logger.WarnContext(ctx, "prompt injection blocked", slog.String("pattern", pattern))
		observability.ObserveGuardrailBlock("injection")
		return Delta{
			Messages:         []llm.Message{assistantMessage(guardrail.InjectionRefusal)},
			GuardrailBlocked: boolPtr(true),
		}, StateDone, nil
	}

	msg, err := in.Generator.Generate(ctx, llm.Request{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: guardrail.TopicClassifierPrompt},
		{Role: llm.RoleUser, Content: in.Question},
	}})
	observeGeneratorResult(err)
	if err != nil {
		if errors.Is(err, llm.ErrAuthFailed) || errors.Is(err, llm.ErrRateLimited) || errors.Is(err, llm.ErrQuotaExceeded) {
			return Delta{}, StateDone, err
		}
		r.logger.WarnContext(ctx, "topic classifier unavailable, skipping", slog.String("error", err.Error()))
		observability.ObserveTopicClassifierFailure()
		return Delta{}, StateListTables, nil
	}

	if guardrail.OffTopicVerdict(msg.Content) {
		observability.ObserveGuardrailBlock("off_topic")
		return Delta{
			Messages:         []llm.Message{assistantMessage(guardrail.OffTopicRefusal)},
			GuardrailBlocked: boolPtr(true),
		}, StateDone, nil
	}
	return Delta{}, StateListTables, nil
}

// listTables fabricates the tool-call / tool-result / summary triple so the
// transcript reads as if the generator had asked for the table list itself.
func (r *Runner) listTables(ctx context.Context) (Delta, State, error) {
	names, err := r.catalog.ListTables(ctx)
	if err != nil {
		return Delta{}, StateDone, err
	}
	joined := strings.Join(names, ", ")

	return Delta{Messages: []llm.Message{
		{
			ID:   uuid.NewString(),
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:        listTablesCallID,
				Name:      toolListTables,
				Arguments: json.RawMessage(`{}`),
			}},
		},
		{
			ID:         uuid.NewString(),
			Role:       llm.RoleTool,
			ToolCallID: listTablesCallID,
			Content:    joined,
		},
		assistantMessage("Available tables in the AACT database: " + joined),
	}}, StateCallGetSchema, nil
}

func (r *Runner) callGetSchema(ctx context.Context, st *TurnState, in RunInput) (Delta, State, error) {
	msg, err := in.Generator.Generate(ctx, llm.Request{
		Messages:   st.Messages,
		Tools:      []llm.Tool{getSchemaTool},
		ToolChoice: llm.ToolChoiceRequired,
	})
	observeGeneratorResult(err)
	if err != nil {
		return Delta{}, StateDone, err
	}
	if _, ok := msg.FirstToolCall(toolGetSchema); !ok {
		return Delta{}, StateDone, fmt.Errorf("generator returned no %s call", toolGetSchema)
	}
	return Delta{Messages: []llm.Message{msg}}, StateGetSchema, nil
}

// getSchema answers every sql_db_schema call on the last message. Argument
// problems are reported back through the tool result instead of failing the
// turn, so the generator can recover on its next pass.
func (r *Runner) getSchema(ctx context.Context, st *TurnState) (Delta, State, error) {
	last, ok := st.LastMessage()
	if !ok {
		return Delta{}, StateDone, fmt.Errorf("no message with a %s call", toolGetSchema)
	}

	var out []llm.Message
	for _, tc := range last.ToolCalls {
		if tc.Name != toolGetSchema {
			continue
		}
		var content string
		names, err := parseTableNames(tc.Arguments)
		if err != nil {
			content = "Error: " + err.Error()
		} else {
			infos, derr := r.catalog.DescribeTables(ctx, names)
			if derr != nil {
				return Delta{}, StateDone, derr
			}
			content = trials.RenderSchema(names, infos)
		}
		out = append(out, toolMessage(tc.ID, content))
	}
	if len(out) == 0 {
		return Delta{}, StateDone, fmt.Errorf("no %s call to answer", toolGetSchema)
	}
	return Delta{Messages: out}, StateGenerateQuery, nil
}

func (r *Runner) generateQuery(ctx context.Context, st *TurnState, in RunInput, emit EmitFunc) (Delta, State, error) {
	req := llm.Request{
		Messages: append(
			[]llm.Message{{Role: llm.RoleSystem, Content: GenerateQueryPrompt(r.cfg.TopK)}},
			st.Messages...,
		),
		Tools: []llm.Tool{runQueryTool},
	}

	acc := newSQLAccumulator(emit)
	msg, err := in.Generator.Stream(ctx, req, func(d llm.Delta) {
		if d.Content != "" {
			emit(Event{Type: EventToken, Content: d.Content})
		}
		acc.feed(d.ToolCalls)
	})
	observeGeneratorResult(err)
	if err != nil {
		return Delta{}, StateDone, err
	}

	delta := Delta{
		Messages:            []llm.Message{msg},
		SQLValidationFailed: boolPtr(false),
	}
	if _, ok := msg.FirstToolCall(toolRunQuery); ok {
		return delta, StateCheckQuery, nil
	}
	return delta, StateDone, nil
}

// checkQuery re-invokes the generator against the narrow double-check prompt
// with a forced tool call, then runs the deterministic validator over the
// checker's output. The checker response keeps the in-flight message ID so
// it replaces the original candidate rather than stacking a second one. The
// validator is the final gate: a checker "fix" that still violates policy
// routes back to generation, never to execution.
func (r *Runner) checkQuery(ctx context.Context, st *TurnState, in RunInput) (Delta, State, error) {
	last, ok := st.LastMessage()
	if !ok {
		return Delta{}, StateDone, fmt.Errorf("no message with a %s call", toolRunQuery)
	}
	tc, ok := last.FirstToolCall(toolRunQuery)
	if !ok {
		return Delta{}, StateDone, fmt.Errorf("no %s call to check", toolRunQuery)
	}

	originalQuery, err := parseQueryArg(tc.Arguments)
	if err != nil {
		observability.ObserveSQLValidationFailure("malformed_arguments")
		return Delta{
			Messages:            []llm.Message{toolMessage(tc.ID, "Error: "+err.Error())},
			SQLValidationFailed: boolPtr(true),
		}, StateGenerateQuery, nil
	}

	msg, err := in.Generator.Generate(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: CheckQueryPrompt()},
			{Role: llm.RoleUser, Content: originalQuery},
		},
		Tools:      []llm.Tool{runQueryTool},
		ToolChoice: llm.ToolChoiceRequired,
	})
	observeGeneratorResult(err)
	if err != nil {
		return Delta{}, StateDone, err
	}
	msg.ID = last.ID

	checked, ok := msg.FirstToolCall(toolRunQuery)
	if !ok {
		observability.ObserveSQLValidationFailure("missing_tool_call")
		return Delta{
			Messages:            []llm.Message{msg},
			SQLValidationFailed: boolPtr(true),
		}, StateGenerateQuery, nil
	}
	checkedQuery, err := parseQueryArg(checked.Arguments)
	if err != nil {
		observability.ObserveSQLValidationFailure("malformed_arguments")
		return Delta{
			Messages:            []llm.Message{msg, toolMessage(checked.ID, "Error: "+err.Error())},
			SQLValidationFailed: boolPtr(true),
		}, StateGenerateQuery, nil
	}
	if checkedQuery != originalQuery {
		r.logger.InfoContext(ctx, "query rewritten by checker")
	}

	if _, verr := r.validator.Validate(checkedQuery); verr != nil {
		var ve *sqlguard.ValidationError
		kind := "unknown"
		if errors.As(verr, &ve) {
			kind = string(ve.Kind)
		}
		r.logger.WarnContext(ctx, "candidate query rejected",
			slog.String("kind", kind),
			slog.String("error", verr.Error()))
		observability.ObserveSQLValidationFailure(kind)
		return Delta{
			Messages:            []llm.Message{msg, toolMessage(checked.ID, "Error: "+verr.Error())},
			SQLValidationFailed: boolPtr(true),
		}, StateGenerateQuery, nil
	}

	return Delta{Messages: []llm.Message{msg}}, StateRunQuery, nil
}

// runQuery executes the validated query and appends the rendered rows as the
// tool result. Execution failures fail the turn: the validator already
// excluded unsafe shapes, so a database error will not improve on retry
// without new model input.
func (r *Runner) runQuery(ctx context.Context, st *TurnState) (Delta, State, error) {
	last, ok := st.LastMessage()
	if !ok {
		return Delta{}, StateDone, fmt.Errorf("no message with a %s call", toolRunQuery)
	}
	tc, ok := last.FirstToolCall(toolRunQuery)
	if !ok {
		return Delta{}, StateDone, fmt.Errorf("no %s call to execute", toolRunQuery)
	}
	query, err := parseQueryArg(tc.Arguments)
	if err != nil {
		return Delta{}, StateDone, err
	}

	result, err := r.executor.Query(ctx, query)
	if err != nil {
		return Delta{}, StateDone, fmt.Errorf("execute validated query: %w", err)
	}
	observability.ObserveExecutedQuery()

	return Delta{Messages: []llm.Message{
		toolMessage(tc.ID, trials.RenderResult(result)),
	}}, StateGenerateQuery, nil
}

func (r *Runner) loadState(ctx context.Context, id uuid.UUID) (TurnState, error) {
	raw, err := r.checkpoints.Load(ctx, id)
	if errors.Is(err, conversation.ErrNotFound) {
		return TurnState{}, nil
	}
	if err != nil {
		return TurnState{}, err
	}
	var st TurnState
	if err := json.Unmarshal(raw, &st); err != nil {
		return TurnState{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return st, nil
}

func (r *Runner) saveState(ctx context.Context, id uuid.UUID, st TurnState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return r.checkpoints.Save(ctx, id, raw)
}

// ExtractAnswer walks the transcript backwards for the last assistant
// message that carries prose and no pending tool call.
func ExtractAnswer(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == llm.RoleAssistant && m.Content != "" && len(m.ToolCalls) == 0 {
			return m.Content
		}
	}
	return ""
}

func pendingQuery(st TurnState) (string, bool) {
	last, ok := st.LastMessage()
	if !ok {
		return "", false
	}
	tc, ok := last.FirstToolCall(toolRunQuery)
	if !ok {
		return "", false
	}
	query, err := parseQueryArg(tc.Arguments)
	if err != nil {
		return "", false
	}
	return query, true
}

func turnOutcome(res RunResult, err error) string {
	switch {
	case err != nil:
		return "failed"
	case res.Blocked:
		return "blocked"
	default:
		return "answered"
	}
}

func observeGeneratorResult(err error) {
	switch {
	case err == nil:
		observability.ObserveGeneratorRequest("ok")
	case errors.Is(err, llm.ErrRateLimited):
		observability.ObserveGeneratorRequest("rate_limited")
	case errors.Is(err, llm.ErrQuotaExceeded):
		observability.ObserveGeneratorRequest("quota_exceeded")
	case errors.Is(err, llm.ErrAuthFailed):
		observability.ObserveGeneratorRequest("auth_failed")
	case errors.Is(err, llm.ErrTimeout):
		observability.ObserveGeneratorRequest("timeout")
	case errors.Is(err, llm.ErrUnavailable):
		observability.ObserveGeneratorRequest("unavailable")
	default:
		observability.ObserveGeneratorRequest("error")
	}
}

func assistantMessage(content string) llm.Message {
	return llm.Message{ID: uuid.NewString(), Role: llm.RoleAssistant, Content: content}
}

func toolMessage(callID, content string) llm.Message {
	return llm.Message{ID: uuid.NewString(), Role: llm.RoleTool, ToolCallID: callID, Content: content}
}

// sqlAccumulator reassembles streamed tool-call argument fragments by index
// and emits a single sql event the first time a complete query parses out.
type sqlAccumulator struct {
	emit    EmitFunc
	byIndex map[int]*strings.Builder
	names   map[int]string
	sent    bool
}

func newSQLAccumulator(emit EmitFunc) *sqlAccumulator {
	return &sqlAccumulator{
		emit:    emit,
		byIndex: make(map[int]*strings.Builder),
		names:   make(map[int]string),
	}
}

func (a *sqlAccumulator) feed(deltas []llm.ToolCallDelta) {
	for _, d := range deltas {
		if d.Name != "" {
			a.names[d.Index] = d.Name
		}
		b, ok := a.byIndex[d.Index]
		if !ok {
			b = &strings.Builder{}
			a.byIndex[d.Index] = b
		}
		b.WriteString(d.Arguments)

		if a.sent || a.names[d.Index] != toolRunQuery {
			continue
		}
		if query, err := parseQueryArg(json.RawMessage(b.String())); err == nil {
			a.sent = true
			a.emit(Event{Type: EventSQL, Query: query})
		}
	}
}
