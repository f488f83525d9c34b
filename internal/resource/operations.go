package resource

import (
	"context"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
	"crudforge/internal/repository"
)

func (r *Resource) schemas() (*ResolvedSchemas, error) {
	s := r.Schemas()
	if s == nil {
		return nil, apperr.NotReady()
	}
	return s, nil
}

// List returns one page of records. q.Limit is clamped to the resource limits.
func (r *Resource) List(ctx context.Context, q repository.Query) (*repository.BulkDTO, error) {
	if err := r.Authorize(ctx, ActionList, nil, nil); err != nil {
		return nil, err
	}
	q.Limit = r.Limit(q.Limit)
	return r.repo.GetAll(ctx, q)
}

func (r *Resource) Get(ctx context.Context, id any, where any) (map[string]any, error) {
	if err := r.Authorize(ctx, ActionGet, id, nil); err != nil {
		return nil, err
	}
	return r.repo.GetByID(ctx, id, where)
}

// Create validates data against the create schema before inserting it.
func (r *Resource) Create(ctx context.Context, data map[string]any) (map[string]any, error) {
	s, err := r.schemas()
	if err != nil {
		return nil, err
	}
	if err := r.Authorize(ctx, ActionCreate, nil, data); err != nil {
		return nil, err
	}
	if err := s.Create.Validate(data); err != nil {
		return nil, err
	}
	return r.repo.Create(ctx, data)
}

func (r *Resource) Update(ctx context.Context, id any, data map[string]any) (map[string]any, error) {
	s, err := r.schemas()
	if err != nil {
		return nil, err
	}
	if err := r.Authorize(ctx, ActionUpdate, id, data); err != nil {
		return nil, err
	}
	if err := s.Update.Validate(data); err != nil {
		return nil, err
	}
	return r.repo.Update(ctx, id, data)
}

func (r *Resource) Delete(ctx context.Context, id any) (map[string]any, error) {
	if err := r.Authorize(ctx, ActionDelete, id, nil); err != nil {
		return nil, err
	}
	return r.repo.Delete(ctx, id)
}

func (r *Resource) relation(name string) (*RelationshipConfig, error) {
	if r.Schemas() == nil {
		return nil, apperr.NotReady()
	}
	rc, ok := r.Relation(name)
	if !ok {
		return nil, apperr.UnknownResource(r.plural + "/" + name)
	}
	return rc, nil
}

// Related returns one page of records reachable from id through the
// relationship called name. The foreign resource's list policies apply too.
func (r *Resource) Related(ctx context.Context, id any, name string, q repository.Query) (*repository.BulkDTO, *RelationshipConfig, error) {
	rc, err := r.relation(name)
	if err != nil {
		return nil, nil, err
	}
	if err := r.Authorize(ctx, ActionRelations, id, nil); err != nil {
		return nil, nil, err
	}
	if err := rc.Foreign.Authorize(ctx, ActionList, nil, nil); err != nil {
		return nil, nil, err
	}
	q.Limit = rc.Foreign.Limit(q.Limit)
	if rc.Direction == metadata.ManyToOne {
		q.Page, q.Limit = 1, 1
	}
	result, err := r.repo.GetAllRelations(ctx, id, rc.rel, rc.Foreign.repo, q)
	return result, rc, err
}

// SetRelations replaces the targets of a one_to_many or many_to_many
// relationship with ids.
func (r *Resource) SetRelations(ctx context.Context, id any, name string, ids []any) (repository.RelationResult, error) {
	rc, err := r.relation(name)
	if err != nil {
		return repository.RelationResult{}, err
	}
	if err := r.Authorize(ctx, ActionUpdate, id, map[string]any{name: ids}); err != nil {
		return repository.RelationResult{}, err
	}
	switch rc.Direction {
	case metadata.ManyToMany:
		return r.repo.SetManyManyRelations(ctx, id, rc.rel, rc.Foreign.repo, ids)
	case metadata.OneToMany:
		return r.repo.SetOneManyRelations(ctx, id, rc.rel, rc.Foreign.repo, ids)
	}
	return repository.RelationResult{}, apperr.Validation("relationship %s is %s and cannot be replaced", name, rc.Direction)
}

// Single wraps row in the single-record envelope and adds its links.
func (r *Resource) Single(base string, row map[string]any) map[string]any {
	if row != nil {
		row["links"] = r.Links(base, row[r.PrimaryKey()])
	}
	return map[string]any{r.name: row, "meta": nil}
}

// ListEnvelope wraps a page in the list envelope.
func (r *Resource) ListEnvelope(base string, result *repository.BulkDTO) map[string]any {
	for _, row := range result.Data {
		row["links"] = r.Links(base, row[r.PrimaryKey()])
	}
	return map[string]any{
		r.plural: result.Data,
		"meta": map[string]any{
			"page":    result.Page,
			"limit":   result.Limit,
			"pages":   result.TotalPages,
			"records": result.TotalRecords,
		},
	}
}
