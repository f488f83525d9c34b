package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crudforge/internal/config"
	"crudforge/internal/metadata"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		Name:   "store_" + uuid.NewString()[:8],
		Path:   ":memory:",
	}
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func docsCatalog(t *testing.T) *metadata.Catalog {
	t.Helper()
	c := metadata.NewCatalog()
	require.NoError(t, c.Add(
		&metadata.Model{
			Name:  "doc",
			Table: "docs",
			Columns: []metadata.Column{
				{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "name", Type: metadata.TypeString, Unique: true},
				{Name: "meta", Type: metadata.TypeJSON, Nullable: true},
				{Name: "tags", Type: metadata.TypeArray, Nullable: true},
				{Name: "active", Type: metadata.TypeBoolean, Default: true},
				{Name: "seen_at", Type: metadata.TypeTimestamp, Nullable: true},
			},
			Relationships: []*metadata.Relationship{
				{Name: "labels", Target: "label", Direction: metadata.ManyToMany},
			},
		},
		&metadata.Model{
			Name:  "label",
			Table: "labels",
			Columns: []metadata.Column{
				{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true},
			},
		},
	))
	return c
}

func insertDoc(t *testing.T, s *Store, name string, meta any, tags []string) {
	t.Helper()
	m, err := s.Dialect.EncodeValue(metadata.TypeJSON, meta)
	require.NoError(t, err)
	tg, err := s.Dialect.EncodeValue(metadata.TypeArray, tags)
	require.NoError(t, err)
	_, err = Run(context.Background(), s.DB, s.Builder().Insert("docs").
		Columns("name", "meta", "tags").Values(name, m, tg))
	require.NoError(t, err)
}

func TestMigrator_CreatesTablesOnce(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	c := docsCatalog(t)

	require.NoError(t, NewMigrator(s).Migrate(ctx, c))
	require.NoError(t, NewMigrator(s).Migrate(ctx, c), "second run is a no-op")

	for _, table := range []string{"docs", "labels", "docs_labels"} {
		ok, err := s.Dialect.TableExists(ctx, s.DB, table)
		require.NoError(t, err)
		assert.True(t, ok, table)
	}
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, NewMigrator(s).Migrate(ctx, docsCatalog(t)))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Querier) error {
		_, err := Run(ctx, tx, s.Builder().Insert("docs").Columns("name").Values("rolled"))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(tx Querier) error {
			_, _ = Run(ctx, tx, s.Builder().Insert("docs").Columns("name").Values("panicked"))
			panic("bad")
		})
	})

	require.NoError(t, s.WithTx(ctx, func(tx Querier) error {
		_, err := Run(ctx, tx, s.Builder().Insert("docs").Columns("name").Values("kept"))
		return err
	}))

	n, err := Count(ctx, s.DB, s.Builder().Select("COUNT(*)").From("docs"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err := QueryRow(ctx, s.DB, "SELECT name, active FROM docs")
	require.NoError(t, err)
	assert.Equal(t, "kept", row["name"])
	assert.Equal(t, true, s.Dialect.DecodeValue(metadata.TypeBoolean, row["active"]))

	_, err = QueryRow(ctx, s.DB, "SELECT name FROM docs WHERE name = ?", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMapError_Unique(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, NewMigrator(s).Migrate(ctx, docsCatalog(t)))

	insertDoc(t, s, "dup", nil, nil)
	_, err := Run(ctx, s.DB, s.Builder().Insert("docs").Columns("name").Values("dup"))
	require.Error(t, err)
	assert.ErrorIs(t, s.Dialect.MapError(err), ErrUniqueViolation)

	_, err = Run(ctx, s.DB, s.Builder().Insert("docs").Columns("meta").Values("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, s.Dialect.MapError(err), ErrConstraintViolation)
}

func TestSQLite_EncodeDecodeTimestamp(t *testing.T) {
	d := &SQLiteDialect{}
	ts := time.Date(2024, 5, 6, 7, 8, 9, 10, time.FixedZone("x", 3600))

	enc, err := d.EncodeValue(metadata.TypeTimestamp, ts)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-06T06:08:09.000000010Z", enc)
	assert.True(t, ts.Equal(d.DecodeValue(metadata.TypeTimestamp, enc).(time.Time)))

	enc, err = d.EncodeValue(metadata.TypeArray, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.DecodeValue(metadata.TypeArray, enc))

	enc, err = d.EncodeValue(metadata.TypeJSON, map[string]any{"n": 1, "tags": []string{"x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1,"tags":["x"]}`, enc.(string))
	assert.Equal(t, map[string]any{"n": float64(1), "tags": []any{"x"}}, d.DecodeValue(metadata.TypeJSON, enc))
}

func TestSQLite_Structural(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, NewMigrator(s).Migrate(ctx, docsCatalog(t)))

	insertDoc(t, s, "a", map[string]any{"color": "red", "size": 2, "nested": map[string]any{"k": "v"}}, []string{"x", "y"})
	insertDoc(t, s, "b", map[string]any{"color": "blue"}, []string{"y", "z"})
	insertDoc(t, s, "c", nil, []string{})

	tests := []struct {
		name  string
		op    string
		col   string
		value any
		want  []string
	}{
		{"json contains object", OpContains, "docs.meta", map[string]any{"color": "red"}, []string{"a"}},
		{"json contains nested", OpContains, "docs.meta", map[string]any{"nested": map[string]any{"k": "v"}}, []string{"a"}},
		{"json has key", OpHasKey, "docs.meta", "size", []string{"a"}},
		{"json has any", OpHasAny, "docs.meta", []any{"size", "color"}, []string{"a", "b"}},
		{"json has all", OpHasAll, "docs.meta", []any{"size", "color"}, []string{"a"}},
		{"array contains", OpContains, "docs.tags", []any{"y"}, []string{"a", "b"}},
		{"array contained by", OpContainedBy, "docs.tags", []any{"x", "y", "q"}, []string{"a", "c"}},
		{"array has key", OpHasKey, "docs.tags", "z", []string{"b"}},
		{"array has any", OpHasAny, "docs.tags", []any{"x", "z"}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := s.Dialect.Structural(tt.op, tt.col, tt.col == "docs.tags", tt.value)
			require.NoError(t, err)
			rows, err := Select(ctx, s.DB, s.Builder().Select("name").From("docs").Where(pred).OrderBy("name"))
			require.NoError(t, err)
			var got []string
			for _, r := range rows {
				got = append(got, r["name"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLite_JSONPath(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, NewMigrator(s).Migrate(ctx, docsCatalog(t)))
	insertDoc(t, s, "a", map[string]any{"size": 2, "items": []any{"first"}}, nil)
	insertDoc(t, s, "b", map[string]any{"size": 5}, nil)

	expr := s.Dialect.JSONPath("docs.meta", []string{"size"}, PathNumeric)
	rows, err := Select(ctx, s.DB, s.Builder().Select("name").From("docs").Where(sq.Gt{expr: 3}))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0]["name"])

	expr = s.Dialect.JSONPath("docs.meta", []string{"items", "0"}, PathText)
	assert.Equal(t, "json_extract(docs.meta, '$.items[0]')", expr)
	rows, err = Select(ctx, s.DB, s.Builder().Select("name").From("docs").Where(sq.Eq{expr: "first"}))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["name"])
}

func TestPostgres_SQL(t *testing.T) {
	d := &PostgresDialect{}

	pred, err := d.Structural(OpHasAny, "docs.meta", false, []any{"a", "b"})
	require.NoError(t, err)
	sqlStr, args, err := sq.Select("*").From("docs").Where(pred).PlaceholderFormat(sq.Dollar).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM docs WHERE jsonb_exists_any(docs.meta, $1::text[])", sqlStr)
	assert.Equal(t, []any{[]string{"a", "b"}}, args)

	pred, err = d.Structural(OpContains, "docs.meta", false, map[string]any{"a": 1})
	require.NoError(t, err)
	sqlStr, args, err = pred.ToSql()
	require.NoError(t, err)
	assert.Equal(t, "docs.meta @> ?::jsonb", sqlStr)
	assert.Equal(t, []any{`{"a":1}`}, args)

	assert.Equal(t, "CAST(docs.meta #>> '{a,0}' AS NUMERIC)", d.JSONPath("docs.meta", []string{"a", "0"}, PathNumeric))

	cast, err := d.CastExpr("docs.n", CastText)
	require.NoError(t, err)
	assert.Equal(t, "CAST(docs.n AS TEXT)", cast)
	_, err = d.CastExpr("docs.n", "money")
	assert.Error(t, err)

	assert.Equal(t, "id SERIAL PRIMARY KEY", d.ColumnDDL(metadata.Column{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true}))
	assert.Equal(t, "note TEXT NOT NULL DEFAULT 'it''s'", d.ColumnDDL(metadata.Column{Name: "note", Type: metadata.TypeText, Default: "it's"}))
	assert.Equal(t, []string{"a", "b"}, d.DecodeValue(metadata.TypeArray, "{a,b}"))
}
