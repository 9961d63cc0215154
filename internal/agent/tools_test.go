package agent

import (
	"encoding/json"
	"testing"

	"github.com/trialdesk/trialdesk/internal/llm"
)

func TestParseTableNames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
		ok   bool
	}{
		{"comma separated", `{"table_names": "studies, conditions"}`, []string{"studies", "conditions"}, true},
		{"single name", `{"table_names": "studies"}`, []string{"studies"}, true},
		{"json array", `{"table_names": ["studies", "sponsors"]}`, []string{"studies", "sponsors"}, true},
		{"tables key", `{"tables": ["studies"]}`, []string{"studies"}, true},
		{"trailing commas", `{"table_names": "studies,,conditions,"}`, []string{"studies", "conditions"}, true},
		{"empty string", `{"table_names": ""}`, nil, false},
		{"missing key", `{}`, nil, false},
		{"number value", `{"table_names": 7}`, nil, false},
		{"mixed array", `{"table_names": ["studies", 7]}`, nil, false},
		{"broken json", `{"table_names":`, nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseTableNames(json.RawMessage(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("parseTableNames(%s): %v", tc.raw, err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("parseTableNames(%s) should fail, got %v", tc.raw, got)
				}
				return
			}
			if len(got) != len(tc.want) {
				t.Fatalf("parseTableNames(%s) = %v, want %v", tc.raw, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("parseTableNames(%s) = %v, want %v", tc.raw, got, tc.want)
				}
			}
		})
	}
}

func TestParseQueryArg(t *testing.T) {
	query, err := parseQueryArg(json.RawMessage(`{"query": "SELECT 1"}`))
	if err != nil || query != "SELECT 1" {
		t.Fatalf("parseQueryArg = %q, %v", query, err)
	}

	if _, err := parseQueryArg(json.RawMessage(`{}`)); err == nil {
		t.Fatal("missing query should fail")
	}
	if _, err := parseQueryArg(json.RawMessage(`{"query": "   "}`)); err == nil {
		t.Fatal("blank query should fail")
	}
	if _, err := parseQueryArg(json.RawMessage(`{"query": 1}`)); err == nil {
		t.Fatal("non-string query should fail")
	}
}

func TestSQLAccumulatorEmitsOnce(t *testing.T) {
	var events []Event
	acc := newSQLAccumulator(func(e Event) { events = append(events, e) })

	acc.feed([]llm.ToolCallDelta{{Index: 0, ID: "call-1", Name: toolRunQuery, Arguments: `{"que`}})
	if len(events) != 0 {
		t.Fatalf("partial fragment should not emit, got %v", events)
	}
	acc.feed([]llm.ToolCallDelta{{Index: 0, Arguments: `ry": "SELECT 1"}`}})
	if len(events) != 1 || events[0].Type != EventSQL || events[0].Query != "SELECT 1" {
		t.Fatalf("unexpected events: %v", events)
	}

	// Further fragments never produce a second sql event.
	acc.feed([]llm.ToolCallDelta{{Index: 1, ID: "call-2", Name: toolRunQuery, Arguments: `{"query": "SELECT 2"}`}})
	if len(events) != 1 {
		t.Fatalf("sql should emit once, got %v", events)
	}
}

func TestSQLAccumulatorIgnoresOtherTools(t *testing.T) {
	var events []Event
	acc := newSQLAccumulator(func(e Event) { events = append(events, e) })
	acc.feed([]llm.ToolCallDelta{{Index: 0, ID: "call-1", Name: toolGetSchema, Arguments: `{"table_names": "studies"}`}})
	if len(events) != 0 {
		t.Fatalf("non-query tools should not emit, got %v", events)
	}
}
