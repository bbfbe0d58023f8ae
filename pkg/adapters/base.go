package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

const streamBatchSize = 256

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// dialectHooks is what a concrete dialect contributes on top of the
// shared database/sql plumbing.
type dialectHooks interface {
	probeSQL() string
	supportsSavepoints() bool
	introspect(ctx context.Context, q querier, cfg *config.DatabaseConfig) (*Schema, error)
	tunePool(db *sql.DB, cfg *config.DatabaseConfig)
	afterConnect(ctx context.Context, db *sql.DB) error
}

// sqlAdapter is the shared Adapter implementation. Concrete dialects
// embed it and supply hooks.
type sqlAdapter struct {
	cfg     *config.DatabaseConfig
	dialect Dialect
	hooks   dialectHooks
	logger  *slog.Logger

	mu        sync.Mutex
	db        *sql.DB
	tx        *sql.Tx
	spCounter int
	spStack   []string
}

func newSQLAdapter(cfg *config.DatabaseConfig, dialect Dialect, hooks dialectHooks, logger *slog.Logger) *sqlAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.SetDefaults()
	return &sqlAdapter{cfg: cfg, dialect: dialect, hooks: hooks, logger: logger}
}

func (a *sqlAdapter) Dialect() Dialect { return a.dialect }

// Connect opens the pool, verifies it with a ping, and applies dialect
// setup. A second call on a healthy adapter does nothing.
func (a *sqlAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db != nil {
		if err := a.db.PingContext(ctx); err == nil {
			return nil
		}
		a.db.Close()
		a.db = nil
	}

	db, err := sql.Open(a.cfg.DriverName(), a.cfg.DSN())
	if err != nil {
		return protocol.WrapError(protocol.ErrConnect, "failed to open database", err)
	}
	a.hooks.tunePool(db, a.cfg)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return connectError(err)
	}
	if err := a.hooks.afterConnect(ctx, db); err != nil {
		db.Close()
		return err
	}

	a.db = db
	a.logger.Debug("database connected",
		"dialect", a.dialect, "database", a.cfg.Database)
	return nil
}

func (a *sqlAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx != nil {
		a.tx.Rollback()
		a.tx = nil
		a.spStack = nil
	}
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *sqlAdapter) Ping(ctx context.Context) error {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return protocol.NewError(protocol.ErrConnect, "not connected")
	}
	if _, err := db.ExecContext(ctx, a.hooks.probeSQL()); err != nil {
		return connectError(err)
	}
	return nil
}

func (a *sqlAdapter) InTx() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tx != nil
}

// ExecuteQuery runs one statement. Statements that produce rows are
// fetched up to opts.MaxRows; others report RowsAffected.
func (a *sqlAdapter) ExecuteQuery(ctx context.Context, query string, params []any, opts *QueryOptions) (*ResultSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	q, err := a.execTarget()
	if err != nil {
		return nil, err
	}
	if (a.cfg.ReadOnly || opts != nil && opts.ReadOnly) && !returnsRows(query) {
		return nil, readOnlyError(query)
	}

	ctx, cancel := withQueryTimeout(ctx, opts)
	defer cancel()

	start := time.Now()
	if !returnsRows(query) {
		res, err := q.ExecContext(ctx, query, params...)
		if err != nil {
			return nil, queryError(ctx, err)
		}
		affected, _ := res.RowsAffected()
		return &ResultSet{
			RowsAffected: affected,
			ElapsedMs:    time.Since(start).Milliseconds(),
		}, nil
	}

	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, queryError(ctx, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, queryError(ctx, err)
	}

	maxRows := 0
	if opts != nil {
		maxRows = opts.MaxRows
	}
	out := &ResultSet{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if maxRows > 0 && len(out.Rows) >= maxRows {
			out.Truncated = true
			break
		}
		row, err := scanRow(rows, len(columns))
		if err != nil {
			return nil, queryError(ctx, err)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(ctx, err)
	}
	out.ElapsedMs = time.Since(start).Milliseconds()
	return out, nil
}

// ExecuteStream yields row batches of up to streamBatchSize. The adapter
// stays locked until the stream drains, preserving the one-statement-
// per-connection guarantee.
func (a *sqlAdapter) ExecuteStream(ctx context.Context, query string, params []any, opts *QueryOptions) (<-chan RowBatch, error) {
	a.mu.Lock()

	q, err := a.execTarget()
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if !returnsRows(query) {
		a.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrQuery, "statement does not produce rows; use ExecuteQuery")
	}

	ctx, cancel := withQueryTimeout(ctx, opts)

	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		cancel()
		a.mu.Unlock()
		return nil, queryError(ctx, err)
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		a.mu.Unlock()
		return nil, queryError(ctx, err)
	}

	out := make(chan RowBatch)
	go func() {
		defer a.mu.Unlock()
		defer close(out)
		defer cancel()
		defer rows.Close()

		batch := make([][]any, 0, streamBatchSize)
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			select {
			case out <- RowBatch{Columns: columns, Rows: batch}:
				batch = make([][]any, 0, streamBatchSize)
				return true
			case <-ctx.Done():
				return false
			}
		}

		for rows.Next() {
			row, err := scanRow(rows, len(columns))
			if err != nil {
				out <- RowBatch{Err: queryError(ctx, err)}
				return
			}
			batch = append(batch, row)
			if len(batch) >= streamBatchSize && !flush() {
				return
			}
		}
		if err := rows.Err(); err != nil {
			out <- RowBatch{Err: queryError(ctx, err)}
			return
		}
		flush()
	}()
	return out, nil
}

// BeginTx opens a transaction, or a savepoint when one is already open.
func (a *sqlAdapter) BeginTx(ctx context.Context, isolation string) (TxHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.ReadOnly {
		return TxHandle{}, protocol.NewError(protocol.ErrReadOnly, "connection is read-only")
	}
	if a.db == nil {
		return TxHandle{}, protocol.NewError(protocol.ErrConnect, "not connected")
	}

	if a.tx == nil {
		opts := &sql.TxOptions{}
		if level, ok := isolationLevels[strings.ToLower(isolation)]; ok {
			opts.Isolation = level
		} else if isolation != "" {
			return TxHandle{}, protocol.NewError(protocol.ErrTxState,
				fmt.Sprintf("unknown isolation level %q", isolation))
		}
		tx, err := a.db.BeginTx(ctx, opts)
		if err != nil {
			return TxHandle{}, protocol.WrapError(protocol.ErrTxState, "failed to begin transaction", err)
		}
		a.tx = tx
		a.spStack = a.spStack[:0]
		return TxHandle{depth: 1}, nil
	}

	if !a.hooks.supportsSavepoints() {
		return TxHandle{}, protocol.NewError(protocol.ErrTxState, "transaction already open and savepoints are unsupported")
	}
	a.spCounter++
	name := fmt.Sprintf("sp_%d", a.spCounter)
	if _, err := a.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return TxHandle{}, protocol.WrapError(protocol.ErrTxState, "failed to create savepoint", err)
	}
	a.spStack = append(a.spStack, name)
	return TxHandle{depth: len(a.spStack) + 1, savepoint: name}, nil
}

func (a *sqlAdapter) Commit(ctx context.Context, h TxHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tx == nil {
		return protocol.NewError(protocol.ErrTxState, "no open transaction")
	}
	if h.savepoint != "" {
		if err := a.popSavepoint(h.savepoint); err != nil {
			return err
		}
		if _, err := a.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+h.savepoint); err != nil {
			return protocol.WrapError(protocol.ErrTxState, "failed to release savepoint", err)
		}
		return nil
	}
	if len(a.spStack) > 0 {
		return protocol.NewError(protocol.ErrTxState, "inner savepoints still open")
	}
	err := a.tx.Commit()
	a.tx = nil
	if err != nil {
		return protocol.WrapError(protocol.ErrTxState, "commit failed", err)
	}
	return nil
}

func (a *sqlAdapter) Rollback(ctx context.Context, h TxHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tx == nil {
		return protocol.NewError(protocol.ErrTxState, "no open transaction")
	}
	if h.savepoint != "" {
		if err := a.popSavepoint(h.savepoint); err != nil {
			return err
		}
		if _, err := a.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+h.savepoint); err != nil {
			return protocol.WrapError(protocol.ErrTxState, "failed to roll back to savepoint", err)
		}
		return nil
	}
	err := a.tx.Rollback()
	a.tx = nil
	a.spStack = a.spStack[:0]
	if err != nil {
		return protocol.WrapError(protocol.ErrTxState, "rollback failed", err)
	}
	return nil
}

func (a *sqlAdapter) popSavepoint(name string) error {
	if len(a.spStack) == 0 || a.spStack[len(a.spStack)-1] != name {
		return protocol.NewError(protocol.ErrTxState,
			fmt.Sprintf("savepoint %s is not the innermost frame", name))
	}
	a.spStack = a.spStack[:len(a.spStack)-1]
	return nil
}

func (a *sqlAdapter) Introspect(ctx context.Context) (*Schema, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	q, err := a.execTarget()
	if err != nil {
		return nil, err
	}
	return a.hooks.introspect(ctx, q, a.cfg)
}

// execTarget picks the open transaction when there is one, otherwise
// the pool, and enforces the connected and read-only invariants.
func (a *sqlAdapter) execTarget() (querier, error) {
	if a.db == nil {
		return nil, protocol.NewError(protocol.ErrConnect, "not connected")
	}
	if a.tx != nil {
		return a.tx, nil
	}
	return a.db, nil
}

func withQueryTimeout(ctx context.Context, opts *QueryOptions) (context.Context, context.CancelFunc) {
	if opts != nil && opts.Timeout > 0 {
		return context.WithTimeout(ctx, opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func scanRow(rows *sql.Rows, width int) ([]any, error) {
	values := make([]any, width)
	ptrs := make([]any, width)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

// returnsRows classifies the statement by its first significant token.
func returnsRows(query string) bool {
	switch firstToken(query) {
	case "select", "show", "explain", "pragma", "with", "describe", "desc", "values", "table":
		return true
	}
	return false
}

// firstToken returns the first SQL keyword, lowercased, skipping
// comments and leading whitespace.
func firstToken(query string) string {
	s := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(s, "--"):
			if idx := strings.IndexByte(s, '\n'); idx >= 0 {
				s = strings.TrimSpace(s[idx+1:])
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if idx := strings.Index(s, "*/"); idx >= 0 {
				s = strings.TrimSpace(s[idx+2:])
				continue
			}
			return ""
		}
		break
	}
	end := 0
	for end < len(s) {
		c := s[end]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_') {
			break
		}
		end++
	}
	return strings.ToLower(s[:end])
}

var isolationLevels = map[string]sql.IsolationLevel{
	"":                sql.LevelDefault,
	"default":         sql.LevelDefault,
	"read_uncommitted": sql.LevelReadUncommitted,
	"read_committed":  sql.LevelReadCommitted,
	"repeatable_read": sql.LevelRepeatableRead,
	"serializable":    sql.LevelSerializable,
}

func readOnlyError(query string) error {
	return protocol.NewError(protocol.ErrReadOnly,
		fmt.Sprintf("connection is read-only; refusing %s statement", strings.ToUpper(firstToken(query))))
}

func queryError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.WrapError(protocol.ErrTimeout, "query timed out", err)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return protocol.WrapError(protocol.ErrCancelled, "query cancelled", err)
	default:
		return protocol.WrapError(protocol.ErrQuery, "query failed", err)
	}
}

// connectError distinguishes credential problems from plain
// connectivity failures using the driver message.
func connectError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"password", "authentication", "access denied", "permission denied"} {
		if strings.Contains(msg, marker) {
			return protocol.WrapError(protocol.ErrAuth, "database authentication failed", err)
		}
	}
	return protocol.WrapError(protocol.ErrConnect, "failed to connect to database", err)
}
