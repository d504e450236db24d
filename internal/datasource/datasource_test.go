package datasource

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"research/backend/internal/db"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSeeded(t *testing.T) *sqlx.DB {
	t.Helper()
	database, err := db.Open(context.Background(), ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	database.MustExec(`CREATE TABLE sales (id INTEGER PRIMARY KEY, category TEXT NOT NULL, revenue REAL)`)
	database.MustExec(`INSERT INTO sales (category, revenue) VALUES ('books', 10.5), ('books', 4.5), ('games', 30)`)
	database.MustExec(`CREATE TABLE "odd ""name""" (note TEXT)`)
	return database
}

func TestFetchSchemaSQLite(t *testing.T) {
	source := New(openSeeded(t), 0, nil)

	schema, err := source.FetchSchema(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{`odd "name"`, "sales"}, schema.TableNames())
	sales := schema["sales"]
	assert.Equal(t, int64(3), sales.RowCount)
	assert.Equal(t, []string{"id"}, sales.PrimaryKeys)
	require.Len(t, sales.Columns, 3)
	assert.Equal(t, Column{Name: "category", Type: "TEXT", Nullable: false}, sales.Columns[1])
	assert.True(t, sales.Columns[2].Nullable)
	assert.True(t, sales.Columns[0].PrimaryKey)
}

func TestQueryReadsTablesAndSkipsMissing(t *testing.T) {
	source := New(openSeeded(t), 2, nil)

	tables, err := source.Query(context.Background(), []string{"sales", "missing"})
	require.NoError(t, err)

	require.Contains(t, tables, "sales")
	assert.NotContains(t, tables, "missing")
	sales := tables["sales"]
	assert.Equal(t, []string{"id", "category", "revenue"}, sales.Columns)
	assert.Len(t, sales.Rows, 2)
	assert.Equal(t, "books", sales.Rows[0][1])
}

func TestQueryFailsWhenNoTableLoads(t *testing.T) {
	source := New(openSeeded(t), 0, nil)

	_, err := source.Query(context.Background(), []string{"missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not read any table")

	_, err = source.Query(context.Background(), nil)
	assert.Error(t, err)
}

func TestFetchSchemaPostgres(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
			AddRow("orders", "id", "integer", "NO").
			AddRow("orders", "total", "numeric", "YES").
			AddRow("customers", "email", "text", "NO"))
	mock.ExpectQuery(regexp.QuoteMeta("constraint_type = 'PRIMARY KEY'")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).AddRow("orders", "id"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "orders"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "customers"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	source := New(sqlx.NewDb(mockDB, db.DriverPostgres), 0, nil)
	schema, err := source.FetchSchema(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"customers", "orders"}, schema.TableNames())
	assert.Equal(t, int64(12), schema["orders"].RowCount)
	assert.Equal(t, []string{"id"}, schema["orders"].PrimaryKeys)
	assert.True(t, schema["orders"].Columns[0].PrimaryKey)
	assert.True(t, schema["orders"].Columns[1].Nullable)
	assert.Empty(t, schema["customers"].PrimaryKeys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchSchemaPostgresPropagatesErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).WillReturnError(errors.New("permission denied"))

	source := New(sqlx.NewDb(mockDB, db.DriverPostgres), 0, nil)
	_, err = source.FetchSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}
