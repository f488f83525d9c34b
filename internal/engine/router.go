package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"crudforge/internal/instrument"
	"crudforge/internal/resource"
)

// Router is the route table behind the dynamic /:resource routes. The
// registry binds every resource into it once resolution succeeds; a
// re-triggered pass simply binds them again.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*resource.Resource
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]*resource.Resource)}
}

// Bind implements resource.RouteBinder.
func (rt *Router) Bind(r *resource.Resource) error {
	if r == nil {
		return fmt.Errorf("bind: nil resource")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if prev, ok := rt.routes[r.Plural()]; ok && prev != r {
		return fmt.Errorf("bind %s: route already served by %s", r.Plural(), prev.Name())
	}
	rt.routes[r.Plural()] = r
	return nil
}

// Lookup returns the resource served under segment.
func (rt *Router) Lookup(segment string) (*resource.Resource, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.routes[segment]
	return r, ok
}

// Bound returns the bound route segments, sorted.
func (rt *Router) Bound() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.routes))
	for seg := range rt.routes {
		out = append(out, seg)
	}
	sort.Strings(out)
	return out
}

// RegisterDynamicRoutes mounts the resource routes under the handler's base
// path. middleware runs before every resource route.
func RegisterDynamicRoutes(app fiber.Router, h *Handler, middleware ...fiber.Handler) {
	api := app.Group(h.basePath, middleware...)

	api.Get("/:resource", h.List)
	api.Post("/:resource", h.Create)
	api.Get("/:resource/:id", h.GetByID)
	api.Put("/:resource/:id", h.Update)
	api.Patch("/:resource/:id", h.Update)
	api.Delete("/:resource/:id", h.Delete)
	api.Get("/:resource/:id/:relation", h.Related)
	api.Put("/:resource/:id/:relation", h.SetRelations)
}

// RegisterHealthRoutes mounts /health, /ready and, when m is set, /metrics.
func RegisterHealthRoutes(app fiber.Router, h *Handler, m *instrument.Metrics) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}
}
