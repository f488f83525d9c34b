package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"

	"crudforge/internal/apperr"
	"crudforge/internal/logger"
	"crudforge/internal/metadata"
	"crudforge/internal/store"
)

// RelationResult reports the outcome of a replace-all relationship write.
type RelationResult struct {
	Linked       int64 `json:"linked"`
	Cleared      int64 `json:"cleared"`
	ClearSkipped bool  `json:"clear_skipped,omitempty"`
}

// SetManyManyRelations replaces the join rows of id with links to ids.
// Existing links are deleted and the requested ids validated in one
// transaction; the valid subset is inserted in a second one. Ids with no
// matching target row are dropped without error. The two steps are not
// atomic: concurrent writers to the same relation may interleave.
func (r *Repository) SetManyManyRelations(ctx context.Context, id any, rel *metadata.Relationship, target *Repository, ids []any) (result RelationResult, err error) {
	defer r.observe("set_many_many", time.Now(), &err)

	if rel.Direction != metadata.ManyToMany {
		return result, apperr.RelationshipConfig("relationship %s is %s, not many_to_many", rel.Name, rel.Direction)
	}
	remote := target.model.Column(rel.RemoteColumn)
	requested := coerceAll(r.store.Dialect, remote, ids)

	var local any
	var valid []any
	err = r.store.WithTx(ctx, func(tx store.Querier) error {
		var err error
		if local, err = r.localValue(ctx, tx, id, rel.LocalColumn); err != nil {
			return err
		}

		cleared, err := store.Run(ctx, tx, r.store.Builder().Delete(rel.JoinTable).
			Where(sq.Eq{rel.JoinLocalColumn: local}))
		if err != nil {
			return r.dbError("clear links", err)
		}
		result.Cleared = cleared

		if len(requested) == 0 {
			return nil
		}
		rows, err := store.Select(ctx, tx, r.store.Builder().
			Select(target.model.Table+"."+rel.RemoteColumn).
			From(target.model.Table).
			Where(sq.Eq{target.model.Table + "." + rel.RemoteColumn: requested}))
		if err != nil {
			return target.dbError("validate ids", err)
		}
		for _, row := range rows {
			valid = append(valid, row[rel.RemoteColumn])
		}
		return nil
	})
	if err != nil || len(valid) == 0 {
		return result, err
	}

	err = r.store.WithTx(ctx, func(tx store.Querier) error {
		// a concurrent replace-all may have linked some of these already
		ins := r.store.Builder().Insert(rel.JoinTable).Columns(rel.JoinLocalColumn, rel.JoinRemoteColumn).
			Suffix("ON CONFLICT DO NOTHING")
		for _, v := range valid {
			ins = ins.Values(local, v)
		}
		n, err := store.Run(ctx, tx, ins)
		if err != nil {
			return r.dbError("link", err)
		}
		result.Linked = n
		return nil
	})
	return result, err
}

// SetOneManyRelations re-points the target rows of rel so that exactly the
// rows whose primary key is in ids reference id. Rows currently pointing at
// id are cleared first; when the remote column is not nullable the clear is
// skipped and reported through ClearSkipped.
func (r *Repository) SetOneManyRelations(ctx context.Context, id any, rel *metadata.Relationship, target *Repository, ids []any) (result RelationResult, err error) {
	defer r.observe("set_one_many", time.Now(), &err)

	if rel.Direction != metadata.OneToMany {
		return result, apperr.RelationshipConfig("relationship %s is %s, not one_to_many", rel.Name, rel.Direction)
	}
	tpk := target.model.PrimaryKey()
	requested := coerceAll(r.store.Dialect, tpk, ids)
	table := target.model.Table

	err = r.store.WithTx(ctx, func(tx store.Querier) error {
		local, err := r.localValue(ctx, tx, id, rel.LocalColumn)
		if err != nil {
			return err
		}

		if rel.RemoteNullable {
			unlink := r.store.Builder().Update(table).
				Set(rel.RemoteColumn, nil).
				Where(sq.Eq{rel.RemoteColumn: local})
			if len(requested) > 0 {
				unlink = unlink.Where(sq.NotEq{tpk.Name: requested})
			}
			n, err := store.Run(ctx, tx, unlink)
			if err != nil {
				return target.dbError("clear", err)
			}
			result.Cleared = n
		} else {
			result.ClearSkipped = true
			logger.FromContext(ctx).WithField("relationship", rel.Name).
				Warnf("%s.%s is not nullable; existing rows keep pointing at %v", table, rel.RemoteColumn, id)
		}

		if len(requested) == 0 {
			return nil
		}
		n, err := store.Run(ctx, tx, r.store.Builder().Update(table).
			Set(rel.RemoteColumn, local).
			Where(sq.Eq{tpk.Name: requested}))
		if err != nil {
			return target.dbError("repoint", err)
		}
		result.Linked = n
		return nil
	})
	return result, err
}

// localValue fetches column of the row identified by id.
func (r *Repository) localValue(ctx context.Context, tx store.Querier, id any, column string) (any, error) {
	identity, err := r.identity(r.model.Table, id)
	if err != nil {
		return nil, err
	}
	rows, err := store.Select(ctx, tx, r.store.Builder().
		Select(r.model.Table+"."+column).From(r.model.Table).Where(identity).Limit(1))
	if err != nil {
		return nil, r.dbError("select", err)
	}
	if len(rows) == 0 {
		return nil, apperr.NoMatchingRow(r.opts.Name, id)
	}
	return rows[0][column], nil
}

// coerceAll coerces and encodes ids for col, dropping malformed and
// duplicate values.
func coerceAll(d store.Dialect, col *metadata.Column, ids []any) []any {
	out := make([]any, 0, len(ids))
	seen := make(map[any]bool, len(ids))
	for _, id := range ids {
		v, err := col.Coerce(id)
		if err != nil || v == nil {
			continue
		}
		enc, err := d.EncodeValue(col.Type, v)
		if err != nil || seen[enc] {
			continue
		}
		seen[enc] = true
		out = append(out, enc)
	}
	return out
}
