package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// SQLiteAdapter runs against a local sqlite3 file.
type SQLiteAdapter struct {
	*sqlAdapter
}

func NewSQLiteAdapter(cfg *config.DatabaseConfig, logger *slog.Logger) *SQLiteAdapter {
	return &SQLiteAdapter{newSQLAdapter(cfg, DialectSQLite, sqliteHooks{}, logger)}
}

type sqliteHooks struct{}

func (sqliteHooks) probeSQL() string { return "SELECT 1" }

func (sqliteHooks) supportsSavepoints() bool { return true }

// tunePool forces a single connection. SQLite supports one writer at a
// time; serializing access prevents "database is locked" errors.
func (sqliteHooks) tunePool(db *sql.DB, cfg *config.DatabaseConfig) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
}

func (sqliteHooks) afterConnect(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		slog.Warn("failed to enable WAL mode", "error", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
		slog.Warn("failed to set busy timeout", "error", err)
	}
	return nil
}

func (sqliteHooks) introspect(ctx context.Context, q querier, cfg *config.DatabaseConfig) (*Schema, error) {
	schema := &Schema{}

	names, err := sqliteObjectNames(ctx, q, "table")
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		table := Table{Name: name}
		if table.Columns, err = sqliteColumns(ctx, q, name); err != nil {
			return nil, err
		}
		if table.Indexes, err = sqliteIndexes(ctx, q, name); err != nil {
			return nil, err
		}
		if table.ForeignKeys, err = sqliteForeignKeys(ctx, q, name); err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, table)
	}

	if schema.Views, err = sqliteObjectNames(ctx, q, "view"); err != nil {
		return nil, err
	}
	return schema, nil
}

func sqliteObjectNames(ctx context.Context, q querier, kind string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%' ORDER BY name", kind)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to list "+kind+"s", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan "+kind+" name", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func sqliteColumns(ctx context.Context, q querier, table string) ([]Column, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read table info", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan column", err)
		}
		cols = append(cols, Column{
			Name:       name,
			Type:       typ,
			Nullable:   notNull == 0,
			PrimaryKey: pk > 0,
			Default:    dflt.String,
		})
	}
	return cols, rows.Err()
}

func sqliteIndexes(ctx context.Context, q querier, table string) ([]Index, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to list indexes", err)
	}
	type idxMeta struct {
		name   string
		unique bool
	}
	var metas []idxMeta
	for rows.Next() {
		var (
			seq, unique, partial int
			name, origin         string
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan index", err)
		}
		metas = append(metas, idxMeta{name, unique == 1})
	}
	rows.Close()

	var out []Index
	for _, meta := range metas {
		idx := Index{Name: meta.name, Unique: meta.unique}
		colRows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteIdent(meta.name)))
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to read index columns", err)
		}
		for colRows.Next() {
			var seqno, cid int
			var col sql.NullString
			if err := colRows.Scan(&seqno, &cid, &col); err != nil {
				colRows.Close()
				return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan index column", err)
			}
			if col.Valid {
				idx.Columns = append(idx.Columns, col.String)
			}
		}
		colRows.Close()
		out = append(out, idx)
	}
	return out, nil
}

func sqliteForeignKeys(ctx context.Context, q querier, table string) ([]ForeignKey, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to list foreign keys", err)
	}
	defer rows.Close()

	var out []ForeignKey
	for rows.Next() {
		var (
			id, seq                            int
			refTable, from, to, onUpd, onDel, match string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpd, &onDel, &match); err != nil {
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan foreign key", err)
		}
		out = append(out, ForeignKey{Column: from, RefTable: refTable, RefColumn: to})
	}
	return out, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
