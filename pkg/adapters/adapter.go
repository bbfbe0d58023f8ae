// Package adapters provides the dialect-agnostic database access layer:
// a common Adapter contract over database/sql, concrete sqlite, postgres
// and mysql adapters, a caching factory, a connection manager and a
// transaction manager.
package adapters

import (
	"context"
	"time"
)

// Dialect identifies a SQL dialect family.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// QueryOptions tunes a single execution.
type QueryOptions struct {
	// Timeout bounds the statement; zero means no extra deadline.
	Timeout time.Duration
	// MaxRows caps the rows fetched into a ResultSet; zero means unlimited.
	// When the cap is hit the result is marked Truncated.
	MaxRows int
	// ReadOnly rejects statements classified as mutating.
	ReadOnly bool
}

// ResultSet is the fully-materialized outcome of one statement.
type ResultSet struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected"`
	Truncated    bool     `json:"truncated"`
	ElapsedMs    int64    `json:"elapsed_ms"`
}

// RowBatch is one chunk of a streamed result. Err is set on the final
// batch when the stream ends abnormally.
type RowBatch struct {
	Columns []string
	Rows    [][]any
	Err     error
}

// Column describes one table column.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"pk"`
	Default    string `json:"default,omitempty"`
}

// Index describes one table index.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// ForeignKey describes one outgoing reference.
type ForeignKey struct {
	Column     string `json:"column"`
	RefTable   string `json:"ref_table"`
	RefColumn  string `json:"ref_column"`
}

// Table describes one table with its columns, indexes and foreign keys.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	Indexes     []Index      `json:"indexes,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Schema is the introspected shape of a database.
type Schema struct {
	Tables []Table  `json:"tables"`
	Views  []string `json:"views,omitempty"`
}

// TxHandle refers to one open transaction frame. Nested frames map to
// savepoints on dialects that support them.
type TxHandle struct {
	depth     int
	savepoint string
}

// Depth reports the nesting level, 1 for the outermost frame.
func (h TxHandle) Depth() int { return h.depth }

// Adapter is the contract every dialect implementation satisfies.
// Adapters are not safe for concurrent use; the ConnectionManager
// guarantees at most one in-flight statement per connection.
type Adapter interface {
	// Connect opens the underlying pool and verifies connectivity.
	// Calling it again on a live adapter is a no-op.
	Connect(ctx context.Context) error

	Close() error

	// Ping is the cheap health probe used by manager and factory.
	Ping(ctx context.Context) error

	// ExecuteQuery runs one statement and materializes the result.
	ExecuteQuery(ctx context.Context, query string, params []any, opts *QueryOptions) (*ResultSet, error)

	// ExecuteStream runs one statement and yields row batches lazily.
	// The channel is closed when the stream ends; it is not restartable.
	ExecuteStream(ctx context.Context, query string, params []any, opts *QueryOptions) (<-chan RowBatch, error)

	// BeginTx opens a transaction frame. A second call on an open frame
	// creates a savepoint where supported and fails with TxStateError
	// otherwise.
	BeginTx(ctx context.Context, isolation string) (TxHandle, error)
	Commit(ctx context.Context, h TxHandle) error
	Rollback(ctx context.Context, h TxHandle) error
	InTx() bool

	// Introspect reports tables, columns, indexes, foreign keys and views.
	Introspect(ctx context.Context) (*Schema, error)

	Dialect() Dialect
}
