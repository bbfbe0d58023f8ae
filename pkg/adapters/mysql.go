package adapters

import (
	"context"
	"database/sql"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// MySQLAdapter runs against MySQL or MariaDB.
type MySQLAdapter struct {
	*sqlAdapter
}

func NewMySQLAdapter(cfg *config.DatabaseConfig, logger *slog.Logger) *MySQLAdapter {
	return &MySQLAdapter{newSQLAdapter(cfg, DialectMySQL, mysqlHooks{}, logger)}
}

type mysqlHooks struct{}

func (mysqlHooks) probeSQL() string { return "SELECT 1" }

func (mysqlHooks) supportsSavepoints() bool { return true }

func (mysqlHooks) tunePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
}

func (mysqlHooks) afterConnect(ctx context.Context, db *sql.DB) error { return nil }

func (mysqlHooks) introspect(ctx context.Context, q querier, cfg *config.DatabaseConfig) (*Schema, error) {
	schemaName := cfg.DefaultSchema
	if schemaName == "" {
		schemaName = cfg.Database
	}

	tables := map[string]*Table{}
	var order []string

	rows, err := q.QueryContext(ctx, `
		SELECT c.TABLE_NAME, c.COLUMN_NAME, c.COLUMN_TYPE, c.IS_NULLABLE, c.COLUMN_KEY, c.COLUMN_DEFAULT
		FROM information_schema.COLUMNS c
		JOIN information_schema.TABLES t
		  ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
		WHERE c.TABLE_SCHEMA = ? AND t.TABLE_TYPE = 'BASE TABLE'
		ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`, schemaName)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read columns", err)
	}
	for rows.Next() {
		var tableName, colName, colType, nullable, colKey string
		var dflt sql.NullString
		if err := rows.Scan(&tableName, &colName, &colType, &nullable, &colKey, &dflt); err != nil {
			rows.Close()
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan column", err)
		}
		table, ok := tables[tableName]
		if !ok {
			table = &Table{Name: tableName}
			tables[tableName] = table
			order = append(order, tableName)
		}
		table.Columns = append(table.Columns, Column{
			Name:       colName,
			Type:       colType,
			Nullable:   nullable == "YES",
			PrimaryKey: colKey == "PRI",
			Default:    dflt.String,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read columns", err)
	}

	// Indexes.
	rows, err = q.QueryContext(ctx, `
		SELECT TABLE_NAME, INDEX_NAME, NON_UNIQUE, COLUMN_NAME
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME, INDEX_NAME, SEQ_IN_INDEX`, schemaName)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read indexes", err)
	}
	for rows.Next() {
		var tableName, idxName, colName string
		var nonUnique int
		if err := rows.Scan(&tableName, &idxName, &nonUnique, &colName); err != nil {
			rows.Close()
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan index", err)
		}
		table, ok := tables[tableName]
		if !ok {
			continue
		}
		found := false
		for i := range table.Indexes {
			if table.Indexes[i].Name == idxName {
				table.Indexes[i].Columns = append(table.Indexes[i].Columns, colName)
				found = true
			}
		}
		if !found {
			table.Indexes = append(table.Indexes, Index{Name: idxName, Unique: nonUnique == 0, Columns: []string{colName}})
		}
	}
	rows.Close()

	// Foreign keys.
	rows, err = q.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL`, schemaName)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read foreign keys", err)
	}
	for rows.Next() {
		var tableName, colName, refTable, refColumn string
		if err := rows.Scan(&tableName, &colName, &refTable, &refColumn); err != nil {
			rows.Close()
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan foreign key", err)
		}
		if table, ok := tables[tableName]; ok {
			table.ForeignKeys = append(table.ForeignKeys, ForeignKey{
				Column: colName, RefTable: refTable, RefColumn: refColumn,
			})
		}
	}
	rows.Close()

	schema := &Schema{}
	for _, name := range order {
		schema.Tables = append(schema.Tables, *tables[name])
	}

	rows, err = q.QueryContext(ctx,
		`SELECT TABLE_NAME FROM information_schema.VIEWS WHERE TABLE_SCHEMA = ? ORDER BY TABLE_NAME`, schemaName)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read views", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan view", err)
		}
		schema.Views = append(schema.Views, name)
	}
	return schema, rows.Err()
}
