package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/dbrheo/dbrheo/pkg/adapters"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// SchemaTool lists tables and views, or returns columns, indexes and
// foreign keys for a single table.
type SchemaTool struct {
	db DBProvider
}

func NewSchemaTool(db DBProvider) *SchemaTool {
	return &SchemaTool{db: db}
}

func (t *SchemaTool) Name() string { return "schema_discovery" }

func (t *SchemaTool) Description() string {
	return "Discover the database schema: list tables and views, or pass a table name for its columns, indexes and foreign keys."
}

func (t *SchemaTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"database": map[string]any{
				"type":        "string",
				"description": "Connection alias; defaults to the current connection.",
			},
			"table": map[string]any{
				"type":        "string",
				"description": "Return full details for this table only.",
			},
			"include_row_counts": map[string]any{
				"type":        "boolean",
				"description": "Count rows per table (can be slow on large tables).",
			},
		},
	}
}

func (t *SchemaTool) DefaultTimeout() time.Duration { return 30 * time.Second }

func (t *SchemaTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	conn, err := t.connection(ctx, args)
	if err != nil {
		return nil, err
	}
	schema, err := conn.Adapter.Introspect(ctx)
	if err != nil {
		return nil, err
	}

	if table := stringArg(args, "table"); table != "" {
		return tableDetails(schema, table)
	}
	return t.overview(ctx, conn.Adapter, schema, boolArg(args, "include_row_counts"))
}

func (t *SchemaTool) connection(ctx context.Context, args map[string]any) (*adapters.ActiveConnection, error) {
	if alias := stringArg(args, "database"); alias != "" {
		return t.db.GetByAlias(ctx, alias)
	}
	return t.db.Get(ctx)
}

func tableDetails(schema *adapters.Schema, name string) (*ToolResult, error) {
	for _, table := range schema.Tables {
		if table.Name != name {
			continue
		}
		return &ToolResult{
			Content: fmt.Sprintf("table %s: %d columns, %d indexes, %d foreign keys",
				table.Name, len(table.Columns), len(table.Indexes), len(table.ForeignKeys)),
			Output: map[string]any{"table": table},
		}, nil
	}
	return nil, protocol.NewError(protocol.ErrQuery, fmt.Sprintf("table %q not found", name))
}

func (t *SchemaTool) overview(ctx context.Context, adapter adapters.Adapter, schema *adapters.Schema, withCounts bool) (*ToolResult, error) {
	tables := make([]map[string]any, 0, len(schema.Tables))
	for _, table := range schema.Tables {
		entry := map[string]any{
			"name":    table.Name,
			"columns": len(table.Columns),
		}
		if withCounts {
			if n, err := countRows(ctx, adapter, table.Name); err == nil {
				entry["rows"] = n
			}
		}
		tables = append(tables, entry)
	}
	return &ToolResult{
		Content: fmt.Sprintf("%d tables, %d views", len(schema.Tables), len(schema.Views)),
		Output: map[string]any{
			"dialect": string(adapter.Dialect()),
			"tables":  tables,
			"views":   schema.Views,
		},
	}, nil
}

func countRows(ctx context.Context, adapter adapters.Adapter, table string) (int64, error) {
	quoted := `"` + table + `"`
	if adapter.Dialect() == adapters.DialectMySQL {
		quoted = "`" + table + "`"
	}
	rs, err := adapter.ExecuteQuery(ctx, "SELECT COUNT(*) FROM "+quoted, nil, nil)
	if err != nil {
		return 0, err
	}
	if len(rs.Rows) == 0 || len(rs.Rows[0]) == 0 {
		return 0, protocol.NewError(protocol.ErrQuery, "empty count result")
	}
	switch v := rs.Rows[0][0].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		var n int64
		_, err := fmt.Sscan(v, &n)
		return n, err
	default:
		return 0, protocol.NewError(protocol.ErrQuery, "unexpected count type")
	}
}
