// Package repository runs CRUD, paginated queries and relationship
// mutations for one model. Every call opens its own transaction.
package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"crudforge/internal/apperr"
	"crudforge/internal/forge"
	"crudforge/internal/instrument"
	"crudforge/internal/metadata"
	"crudforge/internal/store"
)

// IdentityFunc builds the predicate selecting the row identified by id.
// table is the name (or alias) the model's table is referenced by.
type IdentityFunc func(table string, id any) (sq.Sqlizer, error)

type Hooks struct {
	// BeforeGetAll may rewrite the effective query.
	BeforeGetAll func(ctx context.Context, q *Query) error
	// AfterGetAll may inspect or amend the result.
	AfterGetAll func(ctx context.Context, result *BulkDTO) error
}

type Options struct {
	// Name labels metrics and error messages. Defaults to the model name.
	Name         string
	ViewKeys     []string
	Defaults     map[string]any
	IdentityFunc IdentityFunc
	Hooks        Hooks
	Metrics      *instrument.Metrics
}

type Repository struct {
	store *store.Store
	model *metadata.Model
	forge *forge.Forge
	view  []string
	opts  Options
}

func New(s *store.Store, model *metadata.Model, opts Options) *Repository {
	if opts.Name == "" {
		opts.Name = model.Name
	}
	view := opts.ViewKeys
	if len(view) == 0 {
		view = model.ColumnNames()
	}
	pk := model.PrimaryKey().Name
	if !slices.Contains(view, pk) {
		view = append([]string{pk}, view...)
	}
	return &Repository{
		store: s,
		model: model,
		forge: forge.New(model, s.Dialect, view),
		view:  view,
		opts:  opts,
	}
}

func (r *Repository) Model() *metadata.Model { return r.model }
func (r *Repository) ViewKeys() []string     { return r.view }
func (r *Repository) Forge() *forge.Forge    { return r.forge }

// SetHooks replaces the lifecycle hooks.
func (r *Repository) SetHooks(h Hooks) { r.opts.Hooks = h }

// Create inserts data merged over the configured defaults and returns the
// stored row projected onto the view keys.
func (r *Repository) Create(ctx context.Context, data map[string]any) (row map[string]any, err error) {
	defer r.observe("create", time.Now(), &err)

	merged := make(map[string]any, len(data)+len(r.opts.Defaults))
	for k, v := range r.opts.Defaults {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}

	pk := r.model.PrimaryKey()
	if pk.Generated && pk.Type == metadata.TypeUUID && r.store.Dialect.UUIDDefault() == "" {
		if _, ok := merged[pk.Name]; !ok {
			merged[pk.Name] = uuid.NewString()
		}
	}

	cols, vals, err := r.encode(merged, func(c *metadata.Column) bool {
		return !(c.PrimaryKey && c.Generated) || (c.Type == metadata.TypeUUID && r.store.Dialect.UUIDDefault() == "")
	})
	if err != nil {
		return nil, err
	}

	var sqlStr string
	var args []any
	if len(cols) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", r.model.Table, strings.Join(r.view, ", "))
	} else {
		sqlStr, args, err = r.store.Builder().Insert(r.model.Table).
			Columns(cols...).Values(vals...).
			Suffix("RETURNING " + strings.Join(r.view, ", ")).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert: %w", err)
		}
	}

	err = r.store.WithTx(ctx, func(tx store.Querier) error {
		rows, err := store.QueryRows(ctx, tx, sqlStr, args...)
		if err != nil {
			return r.dbError("insert", err)
		}
		if len(rows) == 0 {
			return apperr.NoMatchingRow(r.opts.Name, nil)
		}
		row = r.decode(rows[0])
		return nil
	})
	return row, err
}

// GetByID returns the row identified by id that also satisfies where.
func (r *Repository) GetByID(ctx context.Context, id any, where any) (row map[string]any, err error) {
	defer r.observe("get", time.Now(), &err)

	identity, err := r.identity(r.model.Table, id)
	if err != nil {
		return nil, err
	}
	preds, err := r.forge.Forge(where)
	if err != nil {
		return nil, err
	}

	q := r.store.Builder().Select(r.qualified(r.view)...).From(r.model.Table).
		Where(identity).Where(sq.And(preds)).Limit(1)

	err = r.store.WithTx(ctx, func(tx store.Querier) error {
		rows, err := store.Select(ctx, tx, q)
		if err != nil {
			return r.dbError("select", err)
		}
		if len(rows) == 0 {
			return apperr.NoMatchingRow(r.opts.Name, id)
		}
		row = r.decode(rows[0])
		return nil
	})
	return row, err
}

// Update applies data to the row identified by id and returns the result.
func (r *Repository) Update(ctx context.Context, id any, data map[string]any) (row map[string]any, err error) {
	defer r.observe("update", time.Now(), &err)

	identity, err := r.identity(r.model.Table, id)
	if err != nil {
		return nil, err
	}
	cols, vals, err := r.encode(data, func(c *metadata.Column) bool { return !c.PrimaryKey })
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return r.GetByID(ctx, id, nil)
	}

	b := r.store.Builder().Update(r.model.Table).Where(identity).
		Suffix("RETURNING " + strings.Join(r.view, ", "))
	for i, c := range cols {
		b = b.Set(c, vals[i])
	}

	err = r.store.WithTx(ctx, func(tx store.Querier) error {
		rows, err := store.Select(ctx, tx, b)
		if err != nil {
			return r.dbError("update", err)
		}
		if len(rows) == 0 {
			return apperr.NoMatchingRow(r.opts.Name, id)
		}
		row = r.decode(rows[0])
		return nil
	})
	return row, err
}

// Delete removes the row identified by id and returns it as it was.
func (r *Repository) Delete(ctx context.Context, id any) (row map[string]any, err error) {
	defer r.observe("delete", time.Now(), &err)

	identity, err := r.identity(r.model.Table, id)
	if err != nil {
		return nil, err
	}

	err = r.store.WithTx(ctx, func(tx store.Querier) error {
		rows, err := store.Select(ctx, tx, r.store.Builder().Select(r.qualified(r.view)...).
			From(r.model.Table).Where(identity).Limit(1))
		if err != nil {
			return r.dbError("select", err)
		}
		if len(rows) == 0 {
			return apperr.NoMatchingRow(r.opts.Name, id)
		}

		n, err := store.Run(ctx, tx, r.store.Builder().Delete(r.model.Table).Where(identity))
		if err != nil {
			return r.dbError("delete", err)
		}
		if n == 0 {
			return apperr.NoMatchingRow(r.opts.Name, id)
		}
		row = r.decode(rows[0])
		return nil
	})
	return row, err
}

// identity resolves the predicate for id against table.
func (r *Repository) identity(table string, id any) (sq.Sqlizer, error) {
	if r.opts.IdentityFunc != nil {
		return r.opts.IdentityFunc(table, id)
	}
	pk := r.model.PrimaryKey()
	v, err := pk.Coerce(id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperr.Validation("%s: id is required", r.opts.Name)
	}
	enc, err := r.store.Dialect.EncodeValue(pk.Type, v)
	if err != nil {
		return nil, err
	}
	return sq.Eq{table + "." + pk.Name: enc}, nil
}

// encode validates keys of data against the model, coerces and encodes
// values. allowed filters which columns may be written.
func (r *Repository) encode(data map[string]any, allowed func(*metadata.Column) bool) ([]string, []any, error) {
	cols := make([]string, 0, len(data))
	for _, c := range r.model.Columns {
		if _, ok := data[c.Name]; ok {
			cols = append(cols, c.Name)
		}
	}
	if len(cols) != len(data) {
		for k := range data {
			if !r.model.HasColumn(k) {
				return nil, nil, apperr.Validation("unknown field %q", k)
			}
		}
	}

	vals := make([]any, len(cols))
	for i, name := range cols {
		c := r.model.Column(name)
		if !allowed(c) {
			return nil, nil, apperr.Validation("field %q is not writable", name)
		}
		v, err := c.Coerce(data[name])
		if err != nil {
			return nil, nil, err
		}
		if v == nil && !c.Nullable {
			return nil, nil, apperr.Validation("field %q may not be null", name)
		}
		if vals[i], err = r.store.Dialect.EncodeValue(c.Type, v); err != nil {
			return nil, nil, apperr.Validation("field %q: %v", name, err)
		}
	}
	return cols, vals, nil
}

func (r *Repository) decode(row map[string]any) map[string]any {
	for k, v := range row {
		if c := r.model.Column(k); c != nil {
			row[k] = r.store.Dialect.DecodeValue(c.Type, v)
		}
	}
	return row
}

func (r *Repository) qualified(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = r.model.Table + "." + c
	}
	return out
}

// dbError turns constraint violations into integrity errors and wraps the rest.
func (r *Repository) dbError(op string, err error) error {
	if apperr.From(err) != nil {
		return err
	}
	mapped := store.MapError(r.store.Dialect, err)
	switch {
	case errors.Is(mapped, store.ErrUniqueViolation):
		return apperr.Integrity(err, true)
	case errors.Is(mapped, store.ErrConstraintViolation):
		return apperr.Integrity(err, false)
	}
	return fmt.Errorf("%s %s: %w", op, r.opts.Name, err)
}

func (r *Repository) observe(op string, start time.Time, err *error) {
	r.opts.Metrics.ObserveRepository(r.opts.Name, op, start, *err)
}
