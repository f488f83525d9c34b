// Package resource turns models into configured CRUD resources and resolves
// their relationships once every resource has been registered.
package resource

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync/atomic"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
	"crudforge/internal/repository"
	"crudforge/internal/store"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100
)

type Options struct {
	// Name is the singular name used in envelopes. Defaults to the model name.
	Name string
	// Plural names the route segment and the list envelope key.
	// Defaults to Name + "s".
	Plural string
	// IDType overrides the id type advertised to clients; defaults to the
	// primary key column type.
	IDType       string
	CreateSchema *Schema
	UpdateSchema *Schema
	ViewKeys     []string
	Defaults     map[string]any
	Policies     map[Action][]Guard
	Disabled     []Action
	DefaultLimit int
	MaxLimit     int
	IdentityFunc repository.IdentityFunc
	Hooks        repository.Hooks
	Repository   repository.Options
}

// RelationshipConfig is a model relationship bound to the resource that
// serves its target.
type RelationshipConfig struct {
	Name             string             `json:"name"`
	Direction        metadata.Direction `json:"direction"`
	LocalColumn      string             `json:"local_column"`
	RemoteColumn     string             `json:"remote_column"`
	JoinTable        string             `json:"join_table,omitempty"`
	JoinLocalColumn  string             `json:"join_local_column,omitempty"`
	JoinRemoteColumn string             `json:"join_remote_column,omitempty"`
	RemoteNullable   bool               `json:"remote_nullable"`
	Foreign          *Resource          `json:"-"`

	rel *metadata.Relationship
}

// Relationship returns the underlying model relationship.
func (rc *RelationshipConfig) Relationship() *metadata.Relationship { return rc.rel }

// resolved is swapped in as a whole at the end of phase 1 so readers never
// see a half-built resource.
type resolved struct {
	relations map[string]*RelationshipConfig
	schemas   *ResolvedSchemas
}

type Resource struct {
	name   string
	plural string
	idType string
	model  *metadata.Model
	repo   *repository.Repository
	opts   Options

	state atomic.Pointer[resolved]
}

// New builds a resource for model. It is not usable until a Registry has
// resolved it.
func New(s *store.Store, model *metadata.Model, opts Options) (*Resource, error) {
	if model == nil {
		return nil, fmt.Errorf("resource: nil model")
	}
	if opts.Name == "" {
		opts.Name = model.Name
	}
	if opts.Plural == "" {
		opts.Plural = opts.Name + "s"
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = max(MaxLimit, opts.DefaultLimit)
	}
	if !metadata.IsIdentifier(opts.Name) || !metadata.IsIdentifier(opts.Plural) {
		return nil, fmt.Errorf("resource %s: invalid name or plural %q", opts.Name, opts.Plural)
	}
	for _, k := range opts.ViewKeys {
		if !model.HasColumn(k) {
			return nil, fmt.Errorf("resource %s: view key %q is not a column", opts.Name, k)
		}
	}
	for k := range opts.Defaults {
		if !model.HasColumn(k) {
			return nil, fmt.Errorf("resource %s: default %q is not a column", opts.Name, k)
		}
	}

	ro := opts.Repository
	ro.Name = opts.Name
	ro.ViewKeys = opts.ViewKeys
	ro.Defaults = opts.Defaults
	ro.IdentityFunc = opts.IdentityFunc
	ro.Hooks = opts.Hooks

	idType := opts.IDType
	if idType == "" {
		idType = model.PrimaryKey().Type
	}

	return &Resource{
		name:   opts.Name,
		plural: opts.Plural,
		idType: idType,
		model:  model,
		repo:   repository.New(s, model, ro),
		opts:   opts,
	}, nil
}

func (r *Resource) Name() string                       { return r.name }
func (r *Resource) Plural() string                     { return r.plural }
func (r *Resource) IDType() string                     { return r.idType }
func (r *Resource) Model() *metadata.Model             { return r.model }
func (r *Resource) Repository() *repository.Repository { return r.repo }
func (r *Resource) PrimaryKey() string                 { return r.model.PrimaryKey().Name }
func (r *Resource) ViewKeys() []string                 { return r.repo.ViewKeys() }

// IsResolved reports whether the resource has been through phase 1 at least once.
func (r *Resource) IsResolved() bool { return r.state.Load() != nil }

// Relations returns the resolved relationships keyed by name, or nil before
// resolution.
func (r *Resource) Relations() map[string]*RelationshipConfig {
	if st := r.state.Load(); st != nil {
		return st.relations
	}
	return nil
}

// Relation returns the resolved relationship called name.
func (r *Resource) Relation(name string) (*RelationshipConfig, bool) {
	rc, ok := r.Relations()[name]
	return rc, ok
}

// RelationNames returns the resolved relationship names, sorted.
func (r *Resource) RelationNames() []string {
	rels := r.Relations()
	names := make([]string, 0, len(rels))
	for n := range rels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the derived shapes, or nil before resolution.
func (r *Resource) Schemas() *ResolvedSchemas {
	if st := r.state.Load(); st != nil {
		return st.schemas
	}
	return nil
}

// IsDisabled reports whether action has been switched off.
func (r *Resource) IsDisabled(action Action) bool {
	return slices.Contains(r.opts.Disabled, action)
}

// Limit clamps a requested page size to the resource limits. Zero selects
// the default.
func (r *Resource) Limit(requested int) int {
	switch {
	case requested <= 0:
		return r.opts.DefaultLimit
	case requested > r.opts.MaxLimit:
		return r.opts.MaxLimit
	}
	return requested
}

// Authorize checks that action is enabled and that every guard registered
// for it passes.
func (r *Resource) Authorize(ctx context.Context, action Action, id any, data map[string]any) error {
	if r.IsDisabled(action) {
		return apperr.Disabled(r.name, string(action))
	}
	guards := r.opts.Policies[action]
	if len(guards) == 0 {
		return nil
	}
	req := &Request{
		User:     metadata.UserFrom(ctx),
		Action:   action,
		Resource: r.name,
		ID:       id,
		Data:     data,
	}
	for _, g := range guards {
		if err := g.Check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Links returns the relationship URLs of the record id, rooted at base.
func (r *Resource) Links(base string, id any) map[string]string {
	names := r.RelationNames()
	links := make(map[string]string, len(names))
	for _, n := range names {
		links[n] = fmt.Sprintf("%s/%s/%v/%s", base, r.plural, id, n)
	}
	return links
}

// resolve builds the relationship configs and schemas of r against the
// resources registered for each model. Nothing is published until the
// registry commits the result.
func (r *Resource) resolve(byModel map[string]*Resource) (*resolved, error) {
	graph, err := r.model.RelationshipGraph()
	if err != nil {
		return nil, err
	}

	relations := make(map[string]*RelationshipConfig, len(graph))
	for _, rel := range graph {
		foreign, ok := byModel[rel.Target]
		if !ok {
			return nil, apperr.RelationshipConfig(
				"resource %s: relationship %s targets model %s, which has no registered resource",
				r.name, rel.Name, rel.Target)
		}
		relations[rel.Name] = &RelationshipConfig{
			Name:             rel.Name,
			Direction:        rel.Direction,
			LocalColumn:      rel.LocalColumn,
			RemoteColumn:     rel.RemoteColumn,
			JoinTable:        rel.JoinTable,
			JoinLocalColumn:  rel.JoinLocalColumn,
			JoinRemoteColumn: rel.JoinRemoteColumn,
			RemoteNullable:   rel.RemoteNullable,
			Foreign:          foreign,
			rel:              rel,
		}
	}

	schemas := &ResolvedSchemas{
		Create:   r.opts.CreateSchema,
		Update:   r.opts.UpdateSchema,
		View:     viewSchema(r.name, r.model, r.repo.ViewKeys()),
		singular: r.name,
		plural:   r.plural,
	}
	if schemas.Create == nil {
		schemas.Create = createSchema(r.name, r.model, r.opts.Defaults)
	}
	if schemas.Update == nil {
		schemas.Update = updateSchema(r.name, r.model)
	}
	for _, s := range []*Schema{schemas.Create, schemas.Update} {
		if err := s.check(r.model); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.name, err)
		}
		if err := s.compile(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.name, err)
		}
	}
	for n := range relations {
		schemas.links = append(schemas.links, n)
	}
	sort.Strings(schemas.links)

	return &resolved{relations: relations, schemas: schemas}, nil
}
