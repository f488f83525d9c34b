// Package forge compiles the JSON filter grammar used by the `where` query
// parameter into squirrel predicates over a single model's columns.
//
// A filter is either a leaf ({field: value} or {field: {"*op": value}}) or a
// combinator ({"*and" | "*or" | "*not": [filter...]}). Lists are implicit
// conjunctions. Field keys may carry a ":Cast" suffix or a dotted JSON path.
package forge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	json "github.com/goccy/go-json"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
	"crudforge/internal/store"
)

const (
	opAnd = "*and"
	opOr  = "*or"
	opNot = "*not"

	wrapDatetime      = "*datetime"
	wrapDatetimeNaive = "*datetime_naive"
)

// Forge compiles filters for one model. It is safe for concurrent use.
type Forge struct {
	model   *metadata.Model
	dialect store.Dialect
	view    map[string]bool
}

// New returns a Forge restricted to viewKeys. An empty viewKeys exposes
// every column of the model.
func New(model *metadata.Model, dialect store.Dialect, viewKeys []string) *Forge {
	if len(viewKeys) == 0 {
		viewKeys = model.ColumnNames()
	}
	view := make(map[string]bool, len(viewKeys))
	for _, k := range viewKeys {
		view[k] = true
	}
	return &Forge{model: model, dialect: dialect, view: view}
}

// ParseWhere decodes the JSON text of a `where` query parameter.
func ParseWhere(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var where any
	if err := json.Unmarshal([]byte(raw), &where); err != nil {
		return nil, apperr.Validation("invalid where expression: %v", err)
	}
	return where, nil
}

// Forge compiles where into a list of predicates to be AND-combined by the
// caller. nil yields an empty list.
func (f *Forge) Forge(where any) ([]sq.Sqlizer, error) {
	switch w := where.(type) {
	case nil:
		return nil, nil
	case []any:
		var out []sq.Sqlizer
		for _, item := range w {
			exprs, err := f.Forge(item)
			if err != nil {
				return nil, err
			}
			out = append(out, exprs...)
		}
		return out, nil
	case map[string]any:
		return f.forgeMap(w)
	default:
		return nil, apperr.Validation("invalid where expression: expected object or list, got %T", where)
	}
}

func (f *Forge) forgeMap(w map[string]any) ([]sq.Sqlizer, error) {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]sq.Sqlizer, 0, len(keys))
	for _, key := range keys {
		value := w[key]
		switch key {
		case opAnd, opOr, opNot:
			children, err := f.Forge(value)
			if err != nil {
				return nil, err
			}
			switch key {
			case opAnd:
				out = append(out, sq.And(children))
			case opOr:
				out = append(out, sq.Or(children))
			default:
				out = append(out, not{sq.And(children)})
			}
			continue
		}
		if strings.HasPrefix(key, "*") {
			return nil, apperr.Validation("unknown combinator %q", key)
		}
		pred, err := f.leaf(key, value)
		if err != nil {
			return nil, err
		}
		out = append(out, pred)
	}
	return out, nil
}

// not negates a predicate.
type not struct {
	pred sq.Sqlizer
}

func (n not) ToSql() (string, []any, error) {
	sqlStr, args, err := n.pred.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sqlStr + ")", args, nil
}

// field is a resolved left-hand side.
type field struct {
	key    string
	column metadata.Column
	expr   string
	path   []string
	cast   string
}

var castNames = map[string]string{
	"string":     store.CastText,
	"text":       store.CastText,
	"unicode":    store.CastText,
	"int":        store.CastInteger,
	"integer":    store.CastInteger,
	"biginteger": store.CastInteger,
	"float":      store.CastNumeric,
	"numeric":    store.CastNumeric,
	"decimal":    store.CastNumeric,
	"boolean":    store.CastBoolean,
	"date":       store.CastDate,
	"datetime":   store.CastTimestamp,
	"timestamp":  store.CastTimestamp,
	"json":       store.CastJSON,
	"jsonb":      store.CastJSON,
}

// castColumnTypes gives the column type used to coerce right-hand values
// after a cast.
var castColumnTypes = map[string]string{
	store.CastText:      metadata.TypeText,
	store.CastInteger:   metadata.TypeBigInt,
	store.CastNumeric:   metadata.TypeFloat,
	store.CastBoolean:   metadata.TypeBoolean,
	store.CastDate:      metadata.TypeDate,
	store.CastTimestamp: metadata.TypeTimestamp,
	store.CastJSON:      metadata.TypeJSON,
}

func (f *Forge) resolveField(key string) (field, error) {
	name, cast, hasCast := strings.Cut(key, ":")
	parts := strings.Split(name, ".")
	colName, path := parts[0], parts[1:]

	col := f.model.Column(colName)
	if col == nil || !f.view[colName] {
		return field{}, apperr.Validation("unknown field %q", key)
	}
	fd := field{
		key:    key,
		column: *col,
		expr:   f.model.Table + "." + col.Name,
		path:   path,
	}

	if len(path) > 0 {
		if !col.IsJSON() {
			return field{}, apperr.Validation("field %q: path traversal requires a json column", key)
		}
		for _, seg := range path {
			if !store.ValidPathSegment(seg) {
				return field{}, apperr.Validation("field %q: invalid path segment %q", key, seg)
			}
		}
	}
	if hasCast {
		canonical, ok := castNames[strings.ToLower(cast)]
		if !ok {
			return field{}, apperr.Validation("field %q: unsupported cast %q", key, cast)
		}
		fd.cast = canonical
	}
	return fd, nil
}

// operand returns the SQL expression and effective column for comparing fd
// against v. JSON paths are typed by the right-hand value.
func (f *Forge) operand(fd field, v any) (string, metadata.Column, error) {
	expr, col := fd.expr, fd.column
	if len(fd.path) > 0 {
		kind, typ := store.PathText, metadata.TypeString
		if fd.cast == "" {
			switch v.(type) {
			case float64, int, int64:
				kind, typ = store.PathNumeric, metadata.TypeFloat
			case bool:
				kind, typ = store.PathBoolean, metadata.TypeBoolean
			}
		}
		expr = f.dialect.JSONPath(fd.expr, fd.path, kind)
		col = metadata.Column{Name: fd.key, Type: typ, Nullable: true}
	}
	if fd.cast != "" {
		cast, err := f.dialect.CastExpr(expr, fd.cast)
		if err != nil {
			return "", col, apperr.Validation("field %q: %v", fd.key, err)
		}
		expr = cast
		col = metadata.Column{Name: fd.key, Type: castColumnTypes[fd.cast], Nullable: true}
	}
	return expr, col, nil
}

// bind coerces v for col and encodes it as a driver parameter.
func (f *Forge) bind(col metadata.Column, v any) (any, error) {
	if t, ok := v.(time.Time); ok && !col.IsTemporal() {
		v = t.Format(time.RFC3339Nano)
	}
	coerced, err := col.Coerce(v)
	if err != nil {
		return nil, err
	}
	encoded, err := f.dialect.EncodeValue(col.Type, coerced)
	if err != nil {
		return nil, apperr.Validation("field %q: %v", col.Name, err)
	}
	return encoded, nil
}

func (f *Forge) leaf(key string, value any) (sq.Sqlizer, error) {
	fd, err := f.resolveField(key)
	if err != nil {
		return nil, err
	}

	if ops, ok := operators(value); ok {
		names := make([]string, 0, len(ops))
		for name := range ops {
			names = append(names, name)
		}
		sort.Strings(names)

		preds := make(sq.And, 0, len(names))
		for _, name := range names {
			pred, err := f.operator(fd, name, ops[name])
			if err != nil {
				return nil, err
			}
			preds = append(preds, pred)
		}
		if len(preds) == 1 {
			return preds[0], nil
		}
		return preds, nil
	}
	return f.scalar(fd, value)
}

// operators reports whether value is an operator object: a map whose keys
// all start with "*" and which is not a datetime literal.
func operators(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	if !ok || len(m) == 0 || isDatetimeLiteral(m) {
		return nil, false
	}
	ops := make(map[string]any, len(m))
	for k, v := range m {
		if !strings.HasPrefix(k, "*") {
			return nil, false
		}
		ops[strings.TrimPrefix(k, "*")] = v
	}
	return ops, true
}

func isDatetimeLiteral(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	_, utc := m[wrapDatetime]
	_, naive := m[wrapDatetimeNaive]
	return utc || naive
}

// literal unwraps {"*datetime": v} and {"*datetime_naive": v}.
func literal(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok || !isDatetimeLiteral(m) {
		return v, nil
	}
	for wrapper, raw := range m {
		s, ok := raw.(string)
		if !ok {
			return nil, apperr.Validation("%s expects a string, got %T", wrapper, raw)
		}
		t, err := metadata.ParseTime(s)
		if err != nil {
			return nil, apperr.Validation("%s: invalid time %q", wrapper, s)
		}
		if wrapper == wrapDatetime {
			return t.UTC(), nil
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
	return v, nil
}

func (f *Forge) scalar(fd field, value any) (sq.Sqlizer, error) {
	v, err := literal(value)
	if err != nil {
		return nil, err
	}
	expr, col, err := f.operand(fd, v)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return sq.Eq{expr: nil}, nil
	}
	if s, ok := v.(string); ok && col.SupportsPattern() && len(fd.path) == 0 {
		return sq.Like{expr: s}, nil
	}
	arg, err := f.bind(col, v)
	if err != nil {
		return nil, err
	}
	return sq.Expr(expr+" = ?", arg), nil
}

var comparisons = map[string]string{
	"eq":  "=",
	"neq": "<>",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

var structural = map[string]bool{
	store.OpContains:    true,
	store.OpContainedBy: true,
	store.OpHasKey:      true,
	store.OpHasAll:      true,
	store.OpHasAny:      true,
}

// methods is the allow-list of comparator methods reachable by name.
var methods = map[string]bool{
	"like": true, "ilike": true, "notlike": true, "notilike": true,
	"startswith": true, "endswith": true, "istartswith": true, "iendswith": true, "icontains": true,
	"in": true, "notin": true, "is": true, "isnot": true, "between": true,
}

func (f *Forge) operator(fd field, op string, arg any) (sq.Sqlizer, error) {
	if sym, ok := comparisons[op]; ok {
		return f.compare(fd, op, sym, arg)
	}
	if structural[op] {
		return f.structural(fd, op, arg)
	}
	if methods[op] {
		return f.method(fd, op, arg)
	}
	return nil, apperr.Validation("field %q: unsupported operator %q", fd.key, "*"+op)
}

func (f *Forge) compare(fd field, op, sym string, arg any) (sq.Sqlizer, error) {
	v, err := literal(arg)
	if err != nil {
		return nil, err
	}
	expr, col, err := f.operand(fd, v)
	if err != nil {
		return nil, err
	}
	if v == nil {
		switch op {
		case "eq":
			return sq.Eq{expr: nil}, nil
		case "neq":
			return sq.NotEq{expr: nil}, nil
		}
		return nil, apperr.Validation("field %q: *%s does not accept null", fd.key, op)
	}
	bound, err := f.bind(col, v)
	if err != nil {
		return nil, err
	}
	return sq.Expr(fmt.Sprintf("%s %s ?", expr, sym), bound), nil
}

func (f *Forge) structural(fd field, op string, arg any) (sq.Sqlizer, error) {
	if !fd.column.IsStructured() && fd.cast != store.CastJSON {
		return nil, apperr.Validation("field %q: *%s requires a json or array column", fd.key, op)
	}
	expr := fd.expr
	if len(fd.path) > 0 {
		expr = f.dialect.JSONPath(fd.expr, fd.path, store.PathJSON)
	}
	if fd.cast != "" {
		cast, err := f.dialect.CastExpr(expr, fd.cast)
		if err != nil {
			return nil, apperr.Validation("field %q: %v", fd.key, err)
		}
		expr = cast
	}
	nativeArray := fd.column.IsArray() && len(fd.path) == 0 && fd.cast == ""
	pred, err := f.dialect.Structural(op, expr, nativeArray, arg)
	if err != nil {
		return nil, apperr.Validation("field %q: %v", fd.key, err)
	}
	return pred, nil
}

func (f *Forge) method(fd field, op string, arg any) (sq.Sqlizer, error) {
	switch op {
	case "in", "notin":
		return f.membership(fd, op, arg)
	case "is", "isnot":
		return f.identity(fd, op, arg)
	case "between":
		return f.between(fd, arg)
	}

	pattern, ok := arg.(string)
	if !ok {
		return nil, apperr.Validation("field %q: *%s expects a string, got %T", fd.key, op, arg)
	}
	expr, col, err := f.operand(fd, pattern)
	if err != nil {
		return nil, err
	}
	if !col.SupportsPattern() {
		return nil, apperr.Validation("field %q: *%s requires a text column", fd.key, op)
	}

	switch op {
	case "like":
		return sq.Like{expr: pattern}, nil
	case "notlike":
		return sq.NotLike{expr: pattern}, nil
	case "ilike":
		return f.dialect.ILike(expr, pattern, false), nil
	case "notilike":
		return f.dialect.ILike(expr, pattern, true), nil
	case "startswith":
		return sq.Like{expr: pattern + "%"}, nil
	case "endswith":
		return sq.Like{expr: "%" + pattern}, nil
	case "istartswith":
		return f.dialect.ILike(expr, pattern+"%", false), nil
	case "iendswith":
		return f.dialect.ILike(expr, "%"+pattern, false), nil
	default: // icontains
		return f.dialect.ILike(expr, "%"+pattern+"%", false), nil
	}
}

func (f *Forge) membership(fd field, op string, arg any) (sq.Sqlizer, error) {
	items, ok := arg.([]any)
	if !ok {
		return nil, apperr.Validation("field %q: *%s expects a list, got %T", fd.key, op, arg)
	}
	var sample any
	if len(items) > 0 {
		sample = items[0]
	}
	expr, col, err := f.operand(fd, sample)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(items))
	for i, item := range items {
		v, err := literal(item)
		if err != nil {
			return nil, err
		}
		if values[i], err = f.bind(col, v); err != nil {
			return nil, err
		}
	}
	if op == "in" {
		return sq.Eq{expr: values}, nil
	}
	return sq.NotEq{expr: values}, nil
}

func (f *Forge) identity(fd field, op string, arg any) (sq.Sqlizer, error) {
	expr, _, err := f.operand(fd, arg)
	if err != nil {
		return nil, err
	}
	var rhs string
	switch v := arg.(type) {
	case nil:
		rhs = "NULL"
	case bool:
		rhs = "FALSE"
		if v {
			rhs = "TRUE"
		}
	default:
		return nil, apperr.Validation("field %q: *%s expects null or a boolean, got %T", fd.key, op, arg)
	}
	if op == "isnot" {
		return sq.Expr(expr + " IS NOT " + rhs), nil
	}
	return sq.Expr(expr + " IS " + rhs), nil
}

func (f *Forge) between(fd field, arg any) (sq.Sqlizer, error) {
	bounds, ok := arg.([]any)
	if !ok || len(bounds) != 2 {
		return nil, apperr.Validation("field %q: *between expects a list of two values", fd.key)
	}
	lo, err := literal(bounds[0])
	if err != nil {
		return nil, err
	}
	hi, err := literal(bounds[1])
	if err != nil {
		return nil, err
	}
	expr, col, err := f.operand(fd, lo)
	if err != nil {
		return nil, err
	}
	loArg, err := f.bind(col, lo)
	if err != nil {
		return nil, err
	}
	hiArg, err := f.bind(col, hi)
	if err != nil {
		return nil, err
	}
	return sq.Expr(expr+" BETWEEN ? AND ?", loArg, hiArg), nil
}
