// Package trials defines the AACT-facing domain: the fixed table allowlist,
// the catalog and executor contracts, and the textual renderings the
// generator consumes.
package trials

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Schema is the AACT schema queries are expected to qualify tables with.
const Schema = "ctgov"

// The shared AACT instance publishes far more tables than these; this subset
// covers the entities the assistant answers questions about and doubles as
// the validator allowlist.
var allowedTables = []string{
	"studies",
	"conditions",
	"browse_conditions",
	"interventions",
	"browse_interventions",
	"eligibilities",
	"outcomes",
	"sponsors",
	"facilities",
	"countries",
	"designs",
	"participant_flows",
	"reported_events",
	"result_groups",
}

// AllowedTables returns a copy of the fixed table allowlist.
func AllowedTables() []string {
	out := make([]string, len(allowedTables))
	copy(out, allowedTables)
	return out
}

type ColumnInfo struct {
	Name     string
	DataType string
	Nullable bool
}

type TableInfo struct {
	Name       string
	Columns    []ColumnInfo
	SampleRows [][]string
}

type ResultSet struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

type Catalog interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTables(ctx context.Context, names []string) ([]TableInfo, error)
}

type Executor interface {
	Query(ctx context.Context, query string) (*ResultSet, error)
}

// RenderSchema renders table descriptions for the generator: a DDL-style
// block per table followed by sample rows. Requested names with no matching
// description are reported inline so the generator can correct itself
// instead of failing the turn.
func RenderSchema(requested []string, infos []TableInfo) string {
	known := make(map[string]TableInfo, len(infos))
	for _, info := range infos {
		known[strings.ToLower(info.Name)] = info
	}

	var b strings.Builder
	for _, name := range requested {
		key := strings.TrimPrefix(strings.ToLower(name), Schema+".")
		info, ok := known[key]
		if !ok {
			fmt.Fprintf(&b, "table %q not found in the %s schema\n\n", name, Schema)
			continue
		}
		b.WriteString(renderTable(info))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTable(info TableInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s.%s (\n", Schema, info.Name)
	for i, col := range info.Columns {
		b.WriteString("\t" + col.Name + " " + col.DataType)
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(info.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")\n")

	if len(info.SampleRows) > 0 {
		names := make([]string, len(info.Columns))
		for i, col := range info.Columns {
			names[i] = col.Name
		}
		fmt.Fprintf(&b, "\n/*\n%d rows from %s:\n", len(info.SampleRows), info.Name)
		b.WriteString(strings.Join(names, "\t") + "\n")
		for _, row := range info.SampleRows {
			b.WriteString(strings.Join(row, "\t") + "\n")
		}
		b.WriteString("*/\n")
	}
	return b.String()
}

// RenderResult renders an executed row set as the tool output the generator
// reads back: a header line, tab-separated values, and a row-count footer.
func RenderResult(rs *ResultSet) string {
	var b strings.Builder
	b.WriteString(strings.Join(rs.Columns, "\t") + "\n")
	for _, row := range rs.Rows {
		values := make([]string, len(row))
		for i, v := range row {
			values[i] = FormatValue(v)
		}
		b.WriteString(strings.Join(values, "\t") + "\n")
	}
	fmt.Fprintf(&b, "(%d rows)", len(rs.Rows))
	if rs.Truncated {
		b.WriteString("\nresult truncated; refine the query for more")
	}
	return b.String()
}

// FormatValue renders a database value for the generator. database/sql hands
// back a small set of concrete types; anything else falls through to fmt.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
