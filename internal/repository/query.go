package repository

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
	"crudforge/internal/store"
)

// parentAlias names the owning table in relationship joins so that
// self-referential relationships stay unambiguous.
const parentAlias = "_parent"

// Query is the effective configuration of a paginated read.
type Query struct {
	Page    int      // 1-indexed
	Limit   int      // page size, >= 1
	Columns []string // projection; the primary key is always included
	Sort    []string // "field asc|desc" tokens
	Where   any      // filter expression, see package forge
}

// BulkDTO is the paginated result of GetAll and GetAllRelations.
type BulkDTO struct {
	TotalPages   int64            `json:"total_pages"`
	TotalRecords int64            `json:"total_records"`
	Page         int              `json:"page"`
	Limit        int              `json:"limit"`
	Data         []map[string]any `json:"data"`
}

// TotalPages returns ceil(records / limit).
func TotalPages(records int64, limit int) int64 {
	if limit <= 0 {
		return 0
	}
	l := int64(limit)
	return (records + l - 1) / l
}

// GetAll returns one page of the filtered, sorted rows.
func (r *Repository) GetAll(ctx context.Context, q Query) (result *BulkDTO, err error) {
	defer r.observe("list", time.Now(), &err)

	if h := r.opts.Hooks.BeforeGetAll; h != nil {
		if err := h(ctx, &q); err != nil {
			return nil, err
		}
	}

	base := r.store.Builder().Select().From(r.model.Table)
	result, err = r.page(ctx, base, q, nil)
	if err != nil {
		return nil, err
	}

	if h := r.opts.Hooks.AfterGetAll; h != nil {
		if err := h(ctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GetAllRelations returns one page of target rows reachable from the row id
// through rel. r owns rel; target is the repository of rel.Target.
func (r *Repository) GetAllRelations(ctx context.Context, id any, rel *metadata.Relationship, target *Repository, q Query) (result *BulkDTO, err error) {
	defer r.observe("relations", time.Now(), &err)

	identity, err := r.identity(parentAlias, id)
	if err != nil {
		return nil, err
	}

	tt := target.model.Table
	parent := r.model.Table + " AS " + parentAlias
	base := target.store.Builder().Select().From(tt)
	switch rel.Direction {
	case metadata.ManyToOne:
		base = base.Join(parent + " ON " + parentAlias + "." + rel.LocalColumn + " = " + tt + "." + rel.RemoteColumn)
	case metadata.OneToMany:
		base = base.Join(parent + " ON " + tt + "." + rel.RemoteColumn + " = " + parentAlias + "." + rel.LocalColumn)
	case metadata.ManyToMany:
		jt := rel.JoinTable
		base = base.
			Join(jt + " ON " + jt + "." + rel.JoinRemoteColumn + " = " + tt + "." + rel.RemoteColumn).
			Join(parent + " ON " + parentAlias + "." + rel.LocalColumn + " = " + jt + "." + rel.JoinLocalColumn)
	default:
		return nil, apperr.RelationshipConfig("relationship %s has unknown direction %q", rel.Name, rel.Direction)
	}
	base = base.Where(identity)

	exists := func(ctx context.Context, tx store.Querier) error {
		own, err := r.identity(r.model.Table, id)
		if err != nil {
			return err
		}
		n, err := store.Count(ctx, tx, r.store.Builder().Select("COUNT(*)").From(r.model.Table).Where(own))
		if err != nil {
			return r.dbError("select", err)
		}
		if n == 0 {
			return apperr.NoMatchingRow(r.opts.Name, id)
		}
		return nil
	}
	return target.page(ctx, base, q, exists)
}

// page runs the count and data queries derived from base inside one
// transaction. precheck, when set, runs first in the same transaction.
func (r *Repository) page(ctx context.Context, base sq.SelectBuilder, q Query, precheck func(context.Context, store.Querier) error) (*BulkDTO, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		return nil, apperr.Validation("limit must be at least 1")
	}
	if q.Page-1 > math.MaxInt/q.Limit {
		return nil, apperr.Validation("page %d is out of range for limit %d", q.Page, q.Limit)
	}

	cols, err := r.projection(q.Columns)
	if err != nil {
		return nil, err
	}
	order, err := r.ordering(q.Sort)
	if err != nil {
		return nil, err
	}
	preds, err := r.forge.Forge(q.Where)
	if err != nil {
		return nil, err
	}

	filtered := base.Where(sq.And(preds))
	count := filtered.Columns("COUNT(*)")
	data := filtered.Columns(r.qualified(cols)...).
		OrderBy(order...).
		Limit(uint64(q.Limit)).
		Offset(uint64((q.Page - 1) * q.Limit))

	result := &BulkDTO{Page: q.Page, Limit: q.Limit, Data: []map[string]any{}}
	err = r.store.WithTx(ctx, func(tx store.Querier) error {
		if precheck != nil {
			if err := precheck(ctx, tx); err != nil {
				return err
			}
		}
		total, err := store.Count(ctx, tx, count)
		if err != nil {
			return r.dbError("count", err)
		}
		rows, err := store.Select(ctx, tx, data)
		if err != nil {
			return r.dbError("select", err)
		}
		for _, row := range rows {
			result.Data = append(result.Data, r.decode(row))
		}
		result.TotalRecords = total
		result.TotalPages = TotalPages(total, q.Limit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repository) projection(columns []string) ([]string, error) {
	if len(columns) == 0 {
		return r.view, nil
	}
	pk := r.model.PrimaryKey().Name
	cols := []string{pk}
	for _, c := range columns {
		if !slices.Contains(r.view, c) {
			return nil, apperr.Validation("unknown column %q", c)
		}
		if !slices.Contains(cols, c) {
			cols = append(cols, c)
		}
	}
	return cols, nil
}

// ordering parses "field asc|desc" tokens. Without tokens rows are ordered
// by primary key so pages are stable.
func (r *Repository) ordering(tokens []string) ([]string, error) {
	var order []string
	for _, tok := range tokens {
		parts := strings.Fields(tok)
		if len(parts) == 0 || len(parts) > 2 {
			return nil, apperr.Validation("invalid sort %q", tok)
		}
		if !slices.Contains(r.view, parts[0]) {
			return nil, apperr.Validation("unknown sort field %q", parts[0])
		}
		dir := "ASC"
		if len(parts) == 2 {
			switch strings.ToLower(parts[1]) {
			case "asc":
			case "desc":
				dir = "DESC"
			default:
				return nil, apperr.Validation("invalid sort direction %q", parts[1])
			}
		}
		order = append(order, r.model.Table+"."+parts[0]+" "+dir)
	}
	pk := r.model.Table + "." + r.model.PrimaryKey().Name
	hasPK := false
	for _, o := range order {
		if strings.HasPrefix(o, pk+" ") {
			hasPK = true
		}
	}
	if !hasPK {
		order = append(order, pk+" ASC")
	}
	return order, nil
}
