package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	json "github.com/goccy/go-json"

	"crudforge/internal/metadata"
)

// sqliteTimeLayout is fixed-width so stored timestamps sort and compare as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
// JSON documents and arrays are stored as JSON text.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string                      { return "sqlite" }
func (d *SQLiteDialect) DriverName() string                { return "sqlite" }
func (d *SQLiteDialect) Placeholder() sq.PlaceholderFormat { return sq.Question }
func (d *SQLiteDialect) UUIDDefault() string               { return "" }

func (d *SQLiteDialect) ColumnType(colType string) string {
	switch colType {
	case metadata.TypeInt, metadata.TypeBigInt, metadata.TypeBoolean:
		return "INTEGER"
	case metadata.TypeFloat, metadata.TypeDecimal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (d *SQLiteDialect) ColumnDDL(col metadata.Column) string {
	if col.PrimaryKey {
		if col.Generated && (col.Type == metadata.TypeInt || col.Type == metadata.TypeBigInt) {
			return col.Name + " INTEGER PRIMARY KEY AUTOINCREMENT"
		}
		return col.Name + " " + d.ColumnType(col.Type) + " PRIMARY KEY"
	}
	return columnDDL(col, d.ColumnType(col.Type))
}

func (d *SQLiteDialect) TableExists(ctx context.Context, q Querier, tableName string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE"):
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	case strings.Contains(errStr, "constraint failed"):
		return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
	}
	return err
}

func (d *SQLiteDialect) EncodeValue(colType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch colType {
	case metadata.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(sqliteTimeLayout), nil
		}
	case metadata.TypeDate:
		if t, ok := v.(time.Time); ok {
			return t.Format(time.DateOnly), nil
		}
	case metadata.TypeBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case metadata.TypeJSON, metadata.TypeArray:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return string(b), nil
	}
	return v, nil
}

func (d *SQLiteDialect) DecodeValue(colType string, v any) any {
	if v == nil {
		return nil
	}
	switch colType {
	case metadata.TypeBoolean:
		switch n := v.(type) {
		case int64:
			return n != 0
		case float64:
			return n != 0
		}
	case metadata.TypeTimestamp, metadata.TypeDate:
		if s, ok := v.(string); ok {
			if t, err := metadata.ParseTime(s); err == nil {
				return t.UTC()
			}
		}
	case metadata.TypeFloat, metadata.TypeDecimal:
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	case metadata.TypeJSON:
		if s, ok := v.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return decoded
			}
		}
	case metadata.TypeArray:
		if s, ok := v.(string); ok {
			var decoded []string
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return decoded
			}
		}
	}
	return v
}

func (d *SQLiteDialect) CastExpr(expr string, cast string) (string, error) {
	switch cast {
	case CastText:
		return fmt.Sprintf("CAST(%s AS TEXT)", expr), nil
	case CastInteger, CastBoolean:
		return fmt.Sprintf("CAST(%s AS INTEGER)", expr), nil
	case CastNumeric:
		return fmt.Sprintf("CAST(%s AS REAL)", expr), nil
	case CastDate:
		return fmt.Sprintf("date(%s)", expr), nil
	case CastTimestamp:
		return expr, nil
	case CastJSON:
		return fmt.Sprintf("json(%s)", expr), nil
	}
	return "", fmt.Errorf("unsupported cast %q", cast)
}

func (d *SQLiteDialect) JSONPath(expr string, path []string, kind string) string {
	var b strings.Builder
	b.WriteString("'$")
	for _, seg := range path {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
		} else {
			b.WriteString("." + seg)
		}
	}
	b.WriteString("'")
	extract := fmt.Sprintf("json_extract(%s, %s)", expr, b.String())
	if kind == PathNumeric {
		return "CAST(" + extract + " AS REAL)"
	}
	return extract
}

func isIndex(seg string) bool {
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return seg != ""
}

func (d *SQLiteDialect) ILike(expr string, pattern string, negate bool) sq.Sqlizer {
	if negate {
		return sq.Expr("LOWER("+expr+") NOT LIKE LOWER(?)", pattern)
	}
	return sq.Expr("LOWER("+expr+") LIKE LOWER(?)", pattern)
}

func (d *SQLiteDialect) Structural(op string, expr string, _ bool, value any) (sq.Sqlizer, error) {
	member := fmt.Sprintf("CASE json_type(%s) WHEN 'object' THEN c.key ELSE c.value END", expr)

	switch op {
	case OpContains:
		switch v := value.(type) {
		case map[string]any:
			return objectContains(expr, v)
		case []any, []string:
			list, err := jsonText(v)
			if err != nil {
				return nil, err
			}
			return sq.Expr(fmt.Sprintf(
				"NOT EXISTS (SELECT 1 FROM json_each(?) w WHERE w.value NOT IN (SELECT c.value FROM json_each(%s) c))",
				expr), list), nil
		default:
			return sq.Expr(fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) c WHERE c.value = ?)", expr), scalarParam(v)), nil
		}
	case OpContainedBy:
		doc, err := jsonText(value)
		if err != nil {
			return nil, err
		}
		if _, ok := value.(map[string]any); ok {
			return sq.Expr(fmt.Sprintf(
				"NOT EXISTS (SELECT 1 FROM json_each(%s) c WHERE NOT EXISTS (SELECT 1 FROM json_each(?) w WHERE w.key = c.key AND w.value IS c.value))",
				expr), doc), nil
		}
		return sq.Expr(fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM json_each(%s) c WHERE c.value NOT IN (SELECT w.value FROM json_each(?) w))",
			expr), doc), nil
	case OpHasKey:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s expects a string, got %T", op, value)
		}
		return sq.Expr(fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) c WHERE %s = ?)", expr, member), s), nil
	case OpHasAll, OpHasAny:
		list, err := stringList(op, value)
		if err != nil {
			return nil, err
		}
		doc, err := jsonText(list)
		if err != nil {
			return nil, err
		}
		if op == OpHasAll {
			return sq.Expr(fmt.Sprintf(
				"NOT EXISTS (SELECT 1 FROM json_each(?) w WHERE w.value NOT IN (SELECT %s FROM json_each(%s) c))",
				member, expr), doc), nil
		}
		return sq.Expr(fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(%s) c WHERE %s IN (SELECT w.value FROM json_each(?) w))",
			expr, member), doc), nil
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

func objectContains(expr string, v map[string]any) (sq.Sqlizer, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		if strings.ContainsAny(k, `"'`) {
			return nil, fmt.Errorf("invalid key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	and := sq.And{}
	for _, k := range keys {
		path := `$."` + k + `"`
		switch val := v[k].(type) {
		case map[string]any, []any:
			doc, err := jsonText(val)
			if err != nil {
				return nil, err
			}
			and = append(and, sq.Expr(fmt.Sprintf("json_extract(%s, ?) = json(?)", expr), path, doc))
		default:
			and = append(and, sq.Expr(fmt.Sprintf("json_extract(%s, ?) = ?", expr), path, scalarParam(val)))
		}
	}
	return and, nil
}

// scalarParam matches json_extract's SQL representation of JSON scalars.
func scalarParam(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json operand: %w", err)
	}
	return string(b), nil
}
