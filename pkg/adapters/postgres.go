package adapters

import (
	"context"
	"database/sql"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// PostgresAdapter runs against a PostgreSQL server via lib/pq.
type PostgresAdapter struct {
	*sqlAdapter
}

func NewPostgresAdapter(cfg *config.DatabaseConfig, logger *slog.Logger) *PostgresAdapter {
	return &PostgresAdapter{newSQLAdapter(cfg, DialectPostgres, postgresHooks{}, logger)}
}

type postgresHooks struct{}

func (postgresHooks) probeSQL() string { return "SELECT 1" }

func (postgresHooks) supportsSavepoints() bool { return true }

func (postgresHooks) tunePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
}

func (postgresHooks) afterConnect(ctx context.Context, db *sql.DB) error { return nil }

func (postgresHooks) introspect(ctx context.Context, q querier, cfg *config.DatabaseConfig) (*Schema, error) {
	schemaName := cfg.DefaultSchema
	if schemaName == "" {
		schemaName = "public"
	}

	tables := map[string]*Table{}
	var order []string

	rows, err := q.QueryContext(ctx, `
		SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, c.column_default
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position`, schemaName)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read columns", err)
	}
	for rows.Next() {
		var tableName, colName, dataType, nullable string
		var dflt sql.NullString
		if err := rows.Scan(&tableName, &colName, &dataType, &nullable, &dflt); err != nil {
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
			Name:     colName,
			Type:     dataType,
			Nullable: nullable == "YES",
			Default:  dflt.String,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read columns", err)
	}

	// Primary keys.
	rows, err = q.QueryContext(ctx, `
		SELECT kcu.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'`, schemaName)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read primary keys", err)
	}
	for rows.Next() {
		var tableName, colName string
		if err := rows.Scan(&tableName, &colName); err != nil {
			rows.Close()
			return nil, protocol.WrapError(protocol.ErrQuery, "failed to scan primary key", err)
		}
		if table, ok := tables[tableName]; ok {
			for i := range table.Columns {
				if table.Columns[i].Name == colName {
					table.Columns[i].PrimaryKey = true
				}
			}
		}
	}
	rows.Close()

	// Indexes.
	rows, err = q.QueryContext(ctx, `
		SELECT t.relname, i.relname, ix.indisunique, a.attname
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname = $1
		ORDER BY t.relname, i.relname, a.attnum`, schemaName)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrQuery, "failed to read indexes", err)
	}
	for rows.Next() {
		var tableName, idxName, colName string
		var unique bool
		if err := rows.Scan(&tableName, &idxName, &unique, &colName); err != nil {
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
			table.Indexes = append(table.Indexes, Index{Name: idxName, Unique: unique, Columns: []string{colName}})
		}
	}
	rows.Close()

	// Foreign keys.
	rows, err = q.QueryContext(ctx, `
		SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'`, schemaName)
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
		`SELECT table_name FROM information_schema.views WHERE table_schema = $1 ORDER BY table_name`, schemaName)
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
