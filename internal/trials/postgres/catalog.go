package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/trialdesk/trialdesk/internal/trials"
)

// Catalog reads table and column metadata for the allowed slice of the AACT
// schema from information_schema. Table names are passed as a single
// comma-joined parameter and split server-side, which keeps the queries free
// of driver-specific array binding.
type Catalog struct {
	db         *sql.DB
	schema     string
	allowed    []string
	allowedSet map[string]struct{}
	sampleRows int
}

type CatalogConfig struct {
	Schema     string
	Tables     []string
	SampleRows int
}

func NewCatalog(db *sql.DB, cfg CatalogConfig) *Catalog {
	allowed := make([]string, 0, len(cfg.Tables))
	set := make(map[string]struct{}, len(cfg.Tables))
	for _, name := range cfg.Tables {
		lowered := strings.ToLower(strings.TrimSpace(name))
		if lowered == "" {
			continue
		}
		if _, ok := set[lowered]; ok {
			continue
		}
		set[lowered] = struct{}{}
		allowed = append(allowed, lowered)
	}
	sort.Strings(allowed)

	return &Catalog{
		db:         db,
		schema:     strings.ToLower(cfg.Schema),
		allowed:    allowed,
		allowedSet: set,
		sampleRows: cfg.SampleRows,
	}
}

const listTablesQuery = `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1 AND table_name = ANY(string_to_array($2, ','))
ORDER BY table_name`

// ListTables returns the allowed tables that actually exist in the database.
func (c *Catalog) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, listTablesQuery, c.schema, strings.Join(c.allowed, ","))
	if err != nil {
		return nil, fmt.Errorf("list trials tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials tables: %w", err)
	}
	return names, nil
}

const describeColumnsQuery = `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = ANY(string_to_array($2, ','))
ORDER BY table_name, ordinal_position`

// DescribeTables loads column definitions and a few sample rows for each
// requested table. Requested names may carry the schema prefix; names outside
// the allowed set are silently skipped and simply absent from the result.
func (c *Catalog) DescribeTables(ctx context.Context, names []string) ([]trials.TableInfo, error) {
	wanted := c.normalize(names)
	if len(wanted) == 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, describeColumnsQuery, c.schema, strings.Join(wanted, ","))
	if err != nil {
		return nil, fmt.Errorf("describe trials tables: %w", err)
	}
	defer rows.Close()

	byTable := make(map[string]*trials.TableInfo)
	var order []string
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan column definition: %w", err)
		}
		info, ok := byTable[table]
		if !ok {
			info = &trials.TableInfo{Name: table}
			byTable[table] = info
			order = append(order, table)
		}
		info.Columns = append(info.Columns, trials.ColumnInfo{
			Name:     column,
			DataType: dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column definitions: %w", err)
	}

	infos := make([]trials.TableInfo, 0, len(order))
	for _, table := range order {
		info := byTable[table]
		if c.sampleRows > 0 {
			sample, err := c.fetchSampleRows(ctx, table, len(info.Columns))
			if err != nil {
				return nil, err
			}
			info.SampleRows = sample
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

func (c *Catalog) normalize(names []string) []string {
	var wanted []string
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		lowered := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), c.schema+".")
		if lowered == "" {
			continue
		}
		if _, ok := c.allowedSet[lowered]; !ok {
			continue
		}
		if _, ok := seen[lowered]; ok {
			continue
		}
		seen[lowered] = struct{}{}
		wanted = append(wanted, lowered)
	}
	sort.Strings(wanted)
	return wanted
}

func (c *Catalog) fetchSampleRows(ctx context.Context, table string, columns int) ([][]string, error) {
	query := fmt.Sprintf("SELECT * FROM %s.%s LIMIT %d", quoteIdent(c.schema), quoteIdent(table), c.sampleRows)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sample rows for %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sample columns for %s: %w", table, err)
	}
	if len(cols) == 0 {
		cols = make([]string, columns)
	}

	var sample [][]string
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan sample row for %s: %w", table, err)
		}
		formatted := make([]string, len(values))
		for i, v := range values {
			formatted[i] = trials.FormatValue(v)
		}
		sample = append(sample, formatted)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sample rows for %s: %w", table, err)
	}
	return sample, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
