// Package datasource introspects and reads the relational database that data
// analysis runs against.
package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"research/backend/internal/db"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const defaultMaxRows = 500

type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
}

type TableSchema struct {
	Columns     []Column `json:"columns"`
	PrimaryKeys []string `json:"primaryKeys"`
	RowCount    int64    `json:"rowCount"`
}

// Schema maps table name to its metadata. An empty Schema means no data
// source is available.
type Schema map[string]TableSchema

func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table is a bulk read of one table. Rows are in column order.
type Table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type Source struct {
	db      *sqlx.DB
	maxRows int
	logger  *zap.Logger
}

func New(database *sqlx.DB, maxRows int, logger *zap.Logger) *Source {
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{db: database, maxRows: maxRows, logger: logger}
}

func (s *Source) postgres() bool {
	return s.db.DriverName() == db.DriverPostgres
}

// FetchSchema lists every user table with its columns, primary keys and
// row count.
func (s *Source) FetchSchema(ctx context.Context) (Schema, error) {
	var (
		schema Schema
		err    error
	)
	if s.postgres() {
		schema, err = s.postgresSchema(ctx)
	} else {
		schema, err = s.sqliteSchema(ctx)
	}
	if err != nil {
		return nil, err
	}

	for name, table := range schema {
		var count int64
		if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+quoteIdent(name)); err != nil {
			return nil, fmt.Errorf("count rows in %s: %w", name, err)
		}
		table.RowCount = count
		schema[name] = table
	}
	return schema, nil
}

type postgresColumn struct {
	Table      string `db:"table_name"`
	Column     string `db:"column_name"`
	DataType   string `db:"data_type"`
	IsNullable string `db:"is_nullable"`
}

type postgresKey struct {
	Table  string `db:"table_name"`
	Column string `db:"column_name"`
}

const postgresColumnsQuery = `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = current_schema()
ORDER BY table_name, ordinal_position`

const postgresKeysQuery = `
SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema()
ORDER BY kcu.table_name, kcu.ordinal_position`

func (s *Source) postgresSchema(ctx context.Context) (Schema, error) {
	var columns []postgresColumn
	if err := s.db.SelectContext(ctx, &columns, postgresColumnsQuery); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	var keys []postgresKey
	if err := s.db.SelectContext(ctx, &keys, postgresKeysQuery); err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}

	primary := make(map[string]map[string]struct{}, len(keys))
	schema := make(Schema)
	for _, key := range keys {
		if primary[key.Table] == nil {
			primary[key.Table] = make(map[string]struct{})
		}
		primary[key.Table][key.Column] = struct{}{}
		table := schema[key.Table]
		table.PrimaryKeys = append(table.PrimaryKeys, key.Column)
		schema[key.Table] = table
	}
	for _, col := range columns {
		_, isKey := primary[col.Table][col.Column]
		table := schema[col.Table]
		table.Columns = append(table.Columns, Column{
			Name:       col.Column,
			Type:       col.DataType,
			Nullable:   strings.EqualFold(col.IsNullable, "YES"),
			PrimaryKey: isKey,
		})
		schema[col.Table] = table
	}
	return schema, nil
}

type sqliteColumn struct {
	CID          int            `db:"cid"`
	Name         string         `db:"name"`
	Type         string         `db:"type"`
	NotNull      int            `db:"notnull"`
	DefaultValue sql.NullString `db:"dflt_value"`
	PK           int            `db:"pk"`
}

func (s *Source) sqliteSchema(ctx context.Context) (Schema, error) {
	var tables []string
	query := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	if err := s.db.SelectContext(ctx, &tables, query); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	schema := make(Schema, len(tables))
	for _, name := range tables {
		var columns []sqliteColumn
		if err := s.db.SelectContext(ctx, &columns, "PRAGMA table_info("+quoteIdent(name)+")"); err != nil {
			return nil, fmt.Errorf("describe %s: %w", name, err)
		}
		sort.SliceStable(columns, func(i, j int) bool { return columns[i].CID < columns[j].CID })

		var table TableSchema
		keyOrder := map[int]string{}
		for _, col := range columns {
			table.Columns = append(table.Columns, Column{
				Name:       col.Name,
				Type:       col.Type,
				Nullable:   col.NotNull == 0 && col.PK == 0,
				PrimaryKey: col.PK > 0,
			})
			if col.PK > 0 {
				keyOrder[col.PK] = col.Name
			}
		}
		for i := 1; i <= len(keyOrder); i++ {
			table.PrimaryKeys = append(table.PrimaryKeys, keyOrder[i])
		}
		schema[name] = table
	}
	return schema, nil
}

// Query reads up to maxRows rows from each named table. Tables that fail to
// load are logged and skipped; the call fails only when none load.
func (s *Source) Query(ctx context.Context, tables []string) (map[string]Table, error) {
	if len(tables) == 0 {
		return nil, errors.New("no tables configured for analysis")
	}

	out := make(map[string]Table, len(tables))
	var failures []error
	for _, name := range tables {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		table, err := s.readTable(ctx, name)
		if err != nil {
			s.logger.Warn("read table failed", zap.String("table", name), zap.Error(err))
			failures = append(failures, fmt.Errorf("read table %s: %w", name, err))
			continue
		}
		out[name] = table
	}

	if len(out) == 0 {
		if len(failures) == 0 {
			return nil, errors.New("no tables configured for analysis")
		}
		return nil, fmt.Errorf("could not read any table: %w", errors.Join(failures...))
	}
	return out, nil
}

func (s *Source) readTable(ctx context.Context, name string) (Table, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(name), s.maxRows)
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return Table{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Table{}, err
	}

	table := Table{Name: name, Columns: columns}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return Table{}, err
		}
		for i, value := range values {
			if raw, ok := value.([]byte); ok {
				values[i] = string(raw)
			}
		}
		table.Rows = append(table.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return Table{}, err
	}
	return table, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
