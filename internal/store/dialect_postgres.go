package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"crudforge/internal/metadata"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string                      { return "postgres" }
func (d *PostgresDialect) DriverName() string                { return "pgx" }
func (d *PostgresDialect) Placeholder() sq.PlaceholderFormat { return sq.Dollar }
func (d *PostgresDialect) UUIDDefault() string               { return "DEFAULT gen_random_uuid()" }

func (d *PostgresDialect) ColumnType(colType string) string {
	switch colType {
	case metadata.TypeString, metadata.TypeText:
		return "TEXT"
	case metadata.TypeInt:
		return "INTEGER"
	case metadata.TypeBigInt:
		return "BIGINT"
	case metadata.TypeFloat:
		return "DOUBLE PRECISION"
	case metadata.TypeDecimal:
		return "NUMERIC"
	case metadata.TypeBoolean:
		return "BOOLEAN"
	case metadata.TypeUUID:
		return "UUID"
	case metadata.TypeTimestamp:
		return "TIMESTAMPTZ"
	case metadata.TypeDate:
		return "DATE"
	case metadata.TypeJSON:
		return "JSONB"
	case metadata.TypeArray:
		return "TEXT[]"
	default:
		return "TEXT"
	}
}

func (d *PostgresDialect) ColumnDDL(col metadata.Column) string {
	if col.PrimaryKey {
		if col.Generated {
			switch col.Type {
			case metadata.TypeInt:
				return col.Name + " SERIAL PRIMARY KEY"
			case metadata.TypeBigInt:
				return col.Name + " BIGSERIAL PRIMARY KEY"
			case metadata.TypeUUID:
				return col.Name + " UUID PRIMARY KEY " + d.UUIDDefault()
			}
		}
		return col.Name + " " + d.ColumnType(col.Type) + " PRIMARY KEY"
	}
	return columnDDL(col, d.ColumnType(col.Type))
}

func (d *PostgresDialect) TableExists(ctx context.Context, q Querier, tableName string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = current_schema())`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		case strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		}
		return err
	}
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

func (d *PostgresDialect) EncodeValue(colType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if colType == metadata.TypeJSON {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return string(b), nil
	}
	return v, nil
}

func (d *PostgresDialect) DecodeValue(colType string, v any) any {
	if v == nil {
		return nil
	}
	switch colType {
	case metadata.TypeJSON:
		if s, ok := v.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return decoded
			}
		}
	case metadata.TypeArray:
		switch a := v.(type) {
		case string:
			return parsePgArray(a)
		case []any:
			out := make([]string, len(a))
			for i, item := range a {
				out[i] = fmt.Sprint(item)
			}
			return out
		}
	case metadata.TypeDecimal, metadata.TypeFloat:
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	case metadata.TypeInt, metadata.TypeBigInt:
		if n, ok := v.(int32); ok {
			return int64(n)
		}
	case metadata.TypeUUID:
		if b, ok := v.([16]byte); ok {
			return uuid.UUID(b).String()
		}
	}
	return v
}

// parsePgArray parses a PostgreSQL array literal like {admin,user} into []string.
func parsePgArray(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" {
		return []string{}
	}
	if strings.HasPrefix(s, "[") {
		var result []string
		if err := json.Unmarshal([]byte(s), &result); err == nil {
			return result
		}
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		parts := strings.Split(s[1:len(s)-1], ",")
		result := make([]string, len(parts))
		for i, p := range parts {
			result[i] = strings.Trim(strings.TrimSpace(p), `"`)
		}
		return result
	}
	return []string{s}
}

var pgCasts = map[string]string{
	CastText:      "TEXT",
	CastInteger:   "BIGINT",
	CastNumeric:   "NUMERIC",
	CastBoolean:   "BOOLEAN",
	CastDate:      "DATE",
	CastTimestamp: "TIMESTAMPTZ",
	CastJSON:      "JSONB",
}

func (d *PostgresDialect) CastExpr(expr string, cast string) (string, error) {
	target, ok := pgCasts[cast]
	if !ok {
		return "", fmt.Errorf("unsupported cast %q", cast)
	}
	return fmt.Sprintf("CAST(%s AS %s)", expr, target), nil
}

func (d *PostgresDialect) JSONPath(expr string, path []string, kind string) string {
	lit := "'{" + strings.Join(path, ",") + "}'"
	switch kind {
	case PathJSON:
		return fmt.Sprintf("(%s #> %s)", expr, lit)
	case PathNumeric:
		return fmt.Sprintf("CAST(%s #>> %s AS NUMERIC)", expr, lit)
	case PathBoolean:
		return fmt.Sprintf("CAST(%s #>> %s AS BOOLEAN)", expr, lit)
	default:
		return fmt.Sprintf("(%s #>> %s)", expr, lit)
	}
}

func (d *PostgresDialect) ILike(expr string, pattern string, negate bool) sq.Sqlizer {
	if negate {
		return sq.Expr(expr+" NOT ILIKE ?", pattern)
	}
	return sq.Expr(expr+" ILIKE ?", pattern)
}

// Structural uses the jsonb_exists* functions rather than the ?, ?| and ?&
// operators, which collide with placeholders.
func (d *PostgresDialect) Structural(op string, expr string, nativeArray bool, value any) (sq.Sqlizer, error) {
	if nativeArray {
		switch op {
		case OpHasKey:
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%s expects a string, got %T", op, value)
			}
			return sq.Expr("? = ANY("+expr+")", s), nil
		}
		list, err := stringList(op, value)
		if err != nil {
			return nil, err
		}
		switch op {
		case OpContains, OpHasAll:
			return sq.Expr(expr+" @> ?::text[]", list), nil
		case OpContainedBy:
			return sq.Expr(expr+" <@ ?::text[]", list), nil
		case OpHasAny:
			return sq.Expr(expr+" && ?::text[]", list), nil
		}
		return nil, fmt.Errorf("unsupported operator %q", op)
	}

	switch op {
	case OpContains, OpContainedBy:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s operand: %w", op, err)
		}
		sym := "@>"
		if op == OpContainedBy {
			sym = "<@"
		}
		return sq.Expr(fmt.Sprintf("%s %s ?::jsonb", expr, sym), string(b)), nil
	case OpHasKey:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s expects a string, got %T", op, value)
		}
		return sq.Expr("jsonb_exists("+expr+", ?)", s), nil
	case OpHasAll, OpHasAny:
		list, err := stringList(op, value)
		if err != nil {
			return nil, err
		}
		fn := "jsonb_exists_all"
		if op == OpHasAny {
			fn = "jsonb_exists_any"
		}
		return sq.Expr(fn+"("+expr+", ?::text[])", list), nil
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

// columnDDL renders a non-key column definition.
func columnDDL(col metadata.Column, sqlType string) string {
	def := col.Name + " " + sqlType
	if !col.Nullable {
		def += " NOT NULL"
	}
	if col.Unique {
		def += " UNIQUE"
	}
	if col.Default != nil {
		switch v := col.Default.(type) {
		case string:
			def += " DEFAULT '" + strings.ReplaceAll(v, "'", "''") + "'"
		case bool:
			if v {
				def += " DEFAULT TRUE"
			} else {
				def += " DEFAULT FALSE"
			}
		case int, int64, float64:
			def += fmt.Sprintf(" DEFAULT %v", v)
		}
	}
	return def
}
