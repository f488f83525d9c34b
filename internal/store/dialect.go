package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"crudforge/internal/metadata"
)

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// Placeholder returns the squirrel placeholder format.
	Placeholder() sq.PlaceholderFormat

	// ColumnDDL returns the column definition used by CREATE TABLE.
	ColumnDDL(col metadata.Column) string

	// ColumnType maps a column type to the database DDL type.
	ColumnType(colType string) string

	// UUIDDefault returns the DDL DEFAULT clause for auto-generated UUIDs,
	// or empty string if UUIDs must be generated in application code.
	UUIDDefault() string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, q Querier, tableName string) (bool, error)

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error

	// EncodeValue converts a coerced Go value into a driver parameter for a
	// column of the given type.
	EncodeValue(colType string, v any) (any, error)

	// DecodeValue converts a scanned value back into the column's Go type.
	DecodeValue(colType string, v any) any

	// CastExpr wraps expr in a cast to one of the Cast* targets.
	CastExpr(expr string, cast string) (string, error)

	// JSONPath extracts path from a JSON column expression. kind selects
	// the SQL type of the result (one of the Path* kinds).
	JSONPath(expr string, path []string, kind string) string

	// ILike builds a case-insensitive pattern match.
	ILike(expr string, pattern string, negate bool) sq.Sqlizer

	// Structural builds a containment or key-existence predicate over a
	// JSON or array expression. nativeArray is true when expr is an array
	// column rather than a JSON document.
	Structural(op string, expr string, nativeArray bool, value any) (sq.Sqlizer, error)
}

// Cast targets accepted by CastExpr.
const (
	CastText      = "text"
	CastInteger   = "integer"
	CastNumeric   = "numeric"
	CastBoolean   = "boolean"
	CastDate      = "date"
	CastTimestamp = "timestamp"
	CastJSON      = "json"
)

// Result kinds for JSONPath.
const (
	PathText    = "text"
	PathNumeric = "numeric"
	PathBoolean = "boolean"
	PathJSON    = "json"
)

// Structural operators.
const (
	OpContains    = "contains"
	OpContainedBy = "contained_by"
	OpHasKey      = "has_key"
	OpHasAll      = "has_all"
	OpHasAny      = "has_any"
)

// NewDialect creates a Dialect for the given driver name ("postgres" or "sqlite").
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

// ValidPathSegment reports whether a JSON path segment can be embedded in SQL.
func ValidPathSegment(seg string) bool {
	if seg == "" {
		return false
	}
	if _, err := strconv.Atoi(seg); err == nil {
		return true
	}
	return metadata.IsIdentifier(strings.ToLower(seg))
}

func stringList(op string, value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s expects strings, got %T", op, item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s expects a string or list of strings, got %T", op, value)
}
