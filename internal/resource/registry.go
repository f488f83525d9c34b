package resource

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crudforge/internal/apperr"
	"crudforge/internal/instrument"
	"crudforge/internal/logger"
	"crudforge/internal/metadata"
	"crudforge/internal/store"
)

type State int

const (
	StateEmpty State = iota
	StateRegistering
	StateResolvingSchemas
	StateResolvingRoutes
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateRegistering:
		return "registering"
	case StateResolvingSchemas:
		return "resolving_schemas"
	case StateResolvingRoutes:
		return "resolving_routes"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RouteBinder publishes the endpoints of a resolved resource. Bind may be
// called again for the same resource on a later pass.
type RouteBinder interface {
	Bind(r *Resource) error
}

type RegistryOptions struct {
	// Quiescence is how long the registry waits after the last registration
	// before resolving.
	Quiescence time.Duration
	Metrics    *instrument.Metrics
}

// Registry owns every resource of the process and resolves them in two
// phases: schemas for all resources first, then routes.
type Registry struct {
	catalog *metadata.Catalog
	binder  RouteBinder
	opts    RegistryOptions

	// passMu serializes resolution passes.
	passMu sync.Mutex

	mu         sync.RWMutex
	resources  []*Resource
	byName     map[string]*Resource
	state      State
	seq        uint64
	timer      *time.Timer
	err        error
	generation uint64
}

func NewRegistry(catalog *metadata.Catalog, binder RouteBinder, opts RegistryOptions) *Registry {
	return &Registry{
		catalog: catalog,
		binder:  binder,
		opts:    opts,
		byName:  make(map[string]*Resource),
	}
}

// New builds a resource for the catalog model called model and registers it.
func (reg *Registry) New(s *store.Store, model string, opts Options) (*Resource, error) {
	m := reg.catalog.Model(model)
	if m == nil {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	r, err := New(s, m, opts)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds r and schedules a resolution pass after the quiescence
// window. Registrations arriving while a pass is pending push it back; only
// one pass runs per burst.
func (reg *Registry) Register(r *Resource) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, key := range []string{r.name, r.plural} {
		if other, ok := reg.byName[key]; ok {
			return fmt.Errorf("resource %s: name %q already used by %s", r.name, key, other.name)
		}
	}
	reg.resources = append(reg.resources, r)
	reg.byName[r.name] = r
	reg.byName[r.plural] = r
	reg.state = StateRegistering
	reg.err = nil

	reg.seq++
	seq := reg.seq
	if reg.timer != nil {
		reg.timer.Stop()
	}
	reg.timer = time.AfterFunc(reg.opts.Quiescence, func() { reg.fire(seq) })
	return nil
}

func (reg *Registry) fire(seq uint64) {
	reg.mu.RLock()
	current := seq == reg.seq
	reg.mu.RUnlock()
	if !current {
		return
	}
	if err := reg.resolve(context.Background()); err != nil {
		logger.Default().WithField("component", "registry").WithError(err).Error("resource resolution failed")
	}
}

// Finalize cancels any pending pass and resolves synchronously.
func (reg *Registry) Finalize(ctx context.Context) error {
	reg.mu.Lock()
	if reg.timer != nil {
		reg.timer.Stop()
	}
	reg.seq++
	reg.mu.Unlock()
	return reg.resolve(ctx)
}

// resolve runs one pass over a snapshot of the registered resources. A pass
// that is overtaken by a newer registration does not mark the registry
// ready; the newer registration's own pass will.
func (reg *Registry) resolve(ctx context.Context) (err error) {
	reg.passMu.Lock()
	defer reg.passMu.Unlock()

	reg.mu.Lock()
	seq := reg.seq
	resources := slices.Clone(reg.resources)
	reg.mu.Unlock()

	rlog := logger.FromContext(ctx).WithFields(logrus.Fields{"component": "registry", "resources": len(resources)})
	start := time.Now()
	defer func() {
		reg.opts.Metrics.ResolutionPass(err)

		reg.mu.Lock()
		defer reg.mu.Unlock()
		if seq != reg.seq {
			return
		}
		if err != nil {
			reg.state = StateFailed
			reg.err = err
			return
		}
		reg.state = StateReady
		reg.generation++
		rlog.WithField("elapsed", time.Since(start)).Infof("resources ready (generation %d)", reg.generation)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	reg.setState(seq, StateResolvingSchemas)
	if err := reg.catalog.Configure(); err != nil {
		return apperr.RelationshipConfig("configure models: %v", err)
	}

	byModel := make(map[string]*Resource, len(resources))
	for _, r := range resources {
		if _, dup := byModel[r.model.Name]; !dup {
			byModel[r.model.Name] = r
		}
	}

	// Phase 1: every resource's relationships and schemas, published only
	// once all of them succeeded.
	results := make([]*resolved, len(resources))
	for i, r := range resources {
		res, err := r.resolve(byModel)
		if err != nil {
			return err
		}
		results[i] = res
	}
	for i, r := range resources {
		r.state.Store(results[i])
	}

	// Phase 2: routes.
	reg.setState(seq, StateResolvingRoutes)
	if reg.binder == nil {
		return nil
	}
	for _, r := range resources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := reg.binder.Bind(r); err != nil {
			return fmt.Errorf("bind %s: %w", r.name, err)
		}
		rlog.WithField("resource", r.plural).Debug("routes bound")
	}
	return nil
}

func (reg *Registry) setState(seq uint64, s State) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if seq == reg.seq {
		reg.state = s
	}
}

// IsReady reports whether every registered resource finished both
// resolution phases.
func (reg *Registry) IsReady() bool {
	return reg.State() == StateReady
}

func (reg *Registry) State() State {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.state
}

// Err returns the error of the last failed pass, if it is still current.
func (reg *Registry) Err() error {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.err
}

// Generation counts successful resolution passes.
func (reg *Registry) Generation() uint64 {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.generation
}

// Resource looks a resource up by its name or plural.
func (reg *Registry) Resource(name string) (*Resource, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byName[name]
	return r, ok
}

// ByModel returns the first resource registered for model.
func (reg *Registry) ByModel(model string) (*Resource, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, r := range reg.resources {
		if r.model.Name == model {
			return r, true
		}
	}
	return nil, false
}

// All returns the resources in registration order.
func (reg *Registry) All() []*Resource {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return slices.Clone(reg.resources)
}
