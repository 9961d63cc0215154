package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trialdesk/trialdesk/internal/llm"
)

const (
	toolListTables = "sql_db_list_tables"
	toolGetSchema  = "sql_db_schema"
	toolRunQuery   = "sql_db_query"

	// listTablesCallID is the fixed ID of the fabricated list-tables tool
	// call; the paired tool result message references it.
	listTablesCallID = "list_tables_call"
)

var getSchemaTool = llm.Tool{
	Name:        toolGetSchema,
	Description: "Input to this tool is a comma-separated list of tables, output is the schema and sample rows for those tables. Be sure that the tables actually exist by calling sql_db_list_tables first!",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"table_names": {
				"type": "string",
				"description": "A comma-separated list of table names. Example input: 'studies, conditions'"
			}
		},
		"required": ["table_names"]
	}`),
}

var runQueryTool = llm.Tool{
	Name:        toolRunQuery,
	Description: "Input to this tool is a detailed and correct PostgreSQL query, output is a result from the database. If the query is not correct, an error message will be returned. If an error is returned, rewrite the query, check the query, and try again.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "A detailed and correct PostgreSQL query."
			}
		},
		"required": ["query"]
	}`),
}

// parseTableNames accepts the argument shapes generators actually produce
// for sql_db_schema: a comma-separated string or a JSON array, under either
// the "table_names" or "tables" key.
func parseTableNames(raw json.RawMessage) ([]string, error) {
	var args struct {
		TableNames any `json:"table_names"`
		Tables     any `json:"tables"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parse table_names argument: %w", err)
	}
	value := args.TableNames
	if value == nil {
		value = args.Tables
	}

	switch v := value.(type) {
	case string:
		names := splitTableList(v)
		if len(names) == 0 {
			return nil, fmt.Errorf("table_names argument is empty")
		}
		return names, nil
	case []any:
		var names []string
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("table_names array holds a non-string entry")
			}
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				names = append(names, trimmed)
			}
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("table_names argument is empty")
		}
		return names, nil
	case nil:
		return nil, fmt.Errorf("missing table_names argument")
	default:
		return nil, fmt.Errorf("unsupported table_names argument type %T", value)
	}
}

func splitTableList(s string) []string {
	parts := strings.Split(s, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

func parseQueryArg(raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse query argument: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("missing query argument")
	}
	return args.Query, nil
}
