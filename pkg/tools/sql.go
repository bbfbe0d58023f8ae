package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dbrheo/dbrheo/pkg/adapters"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// DBProvider hands tools the connection they should act on. The
// ConnectionManager satisfies it.
type DBProvider interface {
	Get(ctx context.Context) (*adapters.ActiveConnection, error)
	GetByAlias(ctx context.Context, alias string) (*adapters.ActiveConnection, error)
}

// SQLTool executes SQL against the current (or a named) connection.
// Modes: execute (default), validate (EXPLAIN without running), dry_run
// (run inside a transaction and roll back).
type SQLTool struct {
	db           DBProvider
	defaultLimit int
	timeout      time.Duration
}

func NewSQLTool(db DBProvider, defaultLimit int, timeout time.Duration) *SQLTool {
	if defaultLimit <= 0 {
		defaultLimit = 1000
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SQLTool{db: db, defaultLimit: defaultLimit, timeout: timeout}
}

func (t *SQLTool) Name() string { return "sql_execute" }

func (t *SQLTool) Description() string {
	return "Execute a SQL statement against the current database connection. " +
		"Supports validate (EXPLAIN only) and dry_run (execute then roll back) modes."
}

func (t *SQLTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sql": map[string]any{
				"type":        "string",
				"description": "The SQL statement to run.",
			},
			"database": map[string]any{
				"type":        "string",
				"description": "Connection alias; defaults to the current connection.",
			},
			"mode": map[string]any{
				"type":        "string",
				"enum":        []any{"execute", "validate", "dry_run"},
				"description": "execute runs the statement, validate only EXPLAINs it, dry_run runs it in a rolled-back transaction.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Row cap for SELECT results.",
			},
			"params": map[string]any{
				"type":        "array",
				"items":       map[string]any{},
				"description": "Positional statement parameters.",
			},
		},
		"required": []any{"sql"},
	}
}

func (t *SQLTool) DefaultTimeout() time.Duration { return t.timeout }

func (t *SQLTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	query := strings.TrimSpace(stringArg(args, "sql"))
	if query == "" {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "sql argument is required")
	}

	conn, err := t.connection(ctx, args)
	if err != nil {
		return nil, err
	}
	params := sliceArg(args, "params")
	limit := intArg(args, "limit", t.defaultLimit)

	switch stringArg(args, "mode") {
	case "validate":
		return t.validate(ctx, conn.Adapter, query, params)
	case "dry_run":
		return t.dryRun(ctx, conn.Adapter, query, params, limit)
	default:
		return t.run(ctx, conn.Adapter, query, params, limit)
	}
}

func (t *SQLTool) connection(ctx context.Context, args map[string]any) (*adapters.ActiveConnection, error) {
	if alias := stringArg(args, "database"); alias != "" {
		return t.db.GetByAlias(ctx, alias)
	}
	return t.db.Get(ctx)
}

func (t *SQLTool) run(ctx context.Context, adapter adapters.Adapter, query string, params []any, limit int) (*ToolResult, error) {
	rs, err := adapter.ExecuteQuery(ctx, query, params, &adapters.QueryOptions{MaxRows: limit})
	if err != nil {
		return nil, err
	}
	return resultSetResult(rs), nil
}

// validate EXPLAINs the statement without running it. A failing EXPLAIN
// is a successful validation with valid=false, so the LLM can correct
// the statement.
func (t *SQLTool) validate(ctx context.Context, adapter adapters.Adapter, query string, params []any) (*ToolResult, error) {
	rs, err := adapter.ExecuteQuery(ctx, "EXPLAIN "+query, params, nil)
	if err != nil {
		detail := err.Error()
		if d := protocol.DetailOf(err); d != nil {
			detail = d.Message
		}
		return &ToolResult{
			Content: "statement failed validation: " + detail,
			Output:  map[string]any{"valid": false, "error": detail},
		}, nil
	}
	plan := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		plan = append(plan, strings.Join(cells, " "))
	}
	return &ToolResult{
		Content: "statement is valid",
		Output:  map[string]any{"valid": true, "plan": plan},
	}, nil
}

var errDryRunRollback = errors.New("dry run rollback")

// dryRun executes inside a transaction frame that always rolls back.
func (t *SQLTool) dryRun(ctx context.Context, adapter adapters.Adapter, query string, params []any, limit int) (*ToolResult, error) {
	tm := adapters.NewTransactionManager(adapter)
	var rs *adapters.ResultSet
	err := tm.WithTx(ctx, func(ctx context.Context) error {
		var execErr error
		rs, execErr = adapter.ExecuteQuery(ctx, query, params, &adapters.QueryOptions{MaxRows: limit})
		if execErr != nil {
			return execErr
		}
		return errDryRunRollback
	})
	if err != nil && !errors.Is(err, errDryRunRollback) {
		return nil, err
	}

	out := resultSetResult(rs)
	out.Output["dry_run"] = true
	out.Content += " (dry run, rolled back)"
	return out, nil
}

func resultSetResult(rs *adapters.ResultSet) *ToolResult {
	output := map[string]any{
		"columns":       rs.Columns,
		"rows":          rs.Rows,
		"rows_affected": rs.RowsAffected,
		"truncated":     rs.Truncated,
		"elapsed_ms":    rs.ElapsedMs,
	}
	var content string
	if len(rs.Columns) > 0 {
		content = fmt.Sprintf("%d rows in %dms", len(rs.Rows), rs.ElapsedMs)
		if rs.Truncated {
			content += " (truncated)"
		}
	} else {
		content = fmt.Sprintf("%d rows affected in %dms", rs.RowsAffected, rs.ElapsedMs)
	}
	return &ToolResult{Content: content, Output: output}
}

func sliceArg(args map[string]any, key string) []any {
	v, _ := args[key].([]any)
	return v
}
