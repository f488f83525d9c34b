// Package admin exposes read-only introspection of the resource registry:
// resources, their derived schemas and resolved relationships.
package admin

import (
	"sort"

	"github.com/gofiber/fiber/v2"

	"crudforge/internal/apperr"
	"crudforge/internal/resource"
)

type Handler struct {
	registry *resource.Registry
}

func NewHandler(reg *resource.Registry) *Handler {
	return &Handler{registry: reg}
}

// RegisterAdminRoutes mounts the admin routes at prefix, typically
// "/api/_admin". middleware should include authentication and RequireAdmin.
func RegisterAdminRoutes(app fiber.Router, prefix string, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group(prefix, middleware...)

	admin.Get("/registry", h.Registry)
	admin.Get("/resources", h.ListResources)
	admin.Get("/resources/:name", h.GetResource)
	admin.Get("/relations", h.ListRelations)
}

type resourceSummary struct {
	Name      string            `json:"name"`
	Plural    string            `json:"plural"`
	Model     string            `json:"model"`
	Table     string            `json:"table"`
	IDType    string            `json:"id_type"`
	ViewKeys  []string          `json:"view_keys"`
	Disabled  []resource.Action `json:"disabled"`
	Relations []string          `json:"relations"`
	Resolved  bool              `json:"resolved"`
}

func summarize(r *resource.Resource) resourceSummary {
	s := resourceSummary{
		Name:      r.Name(),
		Plural:    r.Plural(),
		Model:     r.Model().Name,
		Table:     r.Model().Table,
		IDType:    r.IDType(),
		ViewKeys:  r.ViewKeys(),
		Disabled:  []resource.Action{},
		Relations: r.RelationNames(),
		Resolved:  r.IsResolved(),
	}
	for _, a := range resource.Actions() {
		if r.IsDisabled(a) {
			s.Disabled = append(s.Disabled, a)
		}
	}
	return s
}

// Registry reports the resolution state.
func (h *Handler) Registry(c *fiber.Ctx) error {
	body := fiber.Map{
		"state":      h.registry.State().String(),
		"ready":      h.registry.IsReady(),
		"generation": h.registry.Generation(),
		"resources":  len(h.registry.All()),
	}
	if err := h.registry.Err(); err != nil {
		body["error"] = err.Error()
	}
	return c.JSON(fiber.Map{"data": body})
}

func (h *Handler) ListResources(c *fiber.Ctx) error {
	all := h.registry.All()
	rows := make([]resourceSummary, 0, len(all))
	for _, r := range all {
		rows = append(rows, summarize(r))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return c.JSON(fiber.Map{"data": rows})
}

// GetResource returns the summary plus the derived schemas of one resource,
// looked up by name or plural.
func (h *Handler) GetResource(c *fiber.Ctx) error {
	name := c.Params("name")
	r, ok := h.registry.Resource(name)
	if !ok {
		return apperr.UnknownResource(name)
	}
	body := fiber.Map{"resource": summarize(r)}
	if s := r.Schemas(); s != nil {
		body["schemas"] = fiber.Map{
			"create": s.Create.JSONSchema(),
			"update": s.Update.JSONSchema(),
			"view":   s.View.JSONSchema(),
			"single": s.Single(),
			"list":   s.List(),
		}
	}
	return c.JSON(fiber.Map{"data": body})
}

type relationRow struct {
	Resource string `json:"resource"`
	*resource.RelationshipConfig
	Foreign string `json:"foreign"`
}

func (h *Handler) ListRelations(c *fiber.Ctx) error {
	var rows []relationRow
	for _, r := range h.registry.All() {
		for _, name := range r.RelationNames() {
			rc, _ := r.Relation(name)
			rows = append(rows, relationRow{Resource: r.Name(), RelationshipConfig: rc, Foreign: rc.Foreign.Name()})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Resource != rows[j].Resource {
			return rows[i].Resource < rows[j].Resource
		}
		return rows[i].Name < rows[j].Name
	})
	if rows == nil {
		rows = []relationRow{}
	}
	return c.JSON(fiber.Map{"data": rows})
}
