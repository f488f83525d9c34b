package engine

import (
	"github.com/gofiber/fiber/v2"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
	"crudforge/internal/resource"
)

type Handler struct {
	registry *resource.Registry
	router   *Router
	basePath string
}

func NewHandler(reg *resource.Registry, rt *Router, basePath string) *Handler {
	return &Handler{registry: reg, router: rt, basePath: basePath}
}

// List handles GET /:resource
func (h *Handler) List(c *fiber.Ctx) error {
	res, err := h.resolveResource(c)
	if err != nil {
		return err
	}
	q, err := ParseQueryParams(c)
	if err != nil {
		return err
	}
	result, err := res.List(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.JSON(res.ListEnvelope(h.basePath, result))
}

// GetByID handles GET /:resource/:id. A where parameter narrows the lookup.
func (h *Handler) GetByID(c *fiber.Ctx) error {
	res, err := h.resolveResource(c)
	if err != nil {
		return err
	}
	q, err := ParseQueryParams(c)
	if err != nil {
		return err
	}
	row, err := res.Get(c.UserContext(), c.Params("id"), q.Where)
	if err != nil {
		return err
	}
	return c.JSON(res.Single(h.basePath, row))
}

// Create handles POST /:resource
func (h *Handler) Create(c *fiber.Ctx) error {
	res, err := h.resolveResource(c)
	if err != nil {
		return err
	}
	data, err := parseBody(c)
	if err != nil {
		return err
	}
	row, err := res.Create(c.UserContext(), data)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res.Single(h.basePath, row))
}

// Update handles PUT and PATCH /:resource/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	res, err := h.resolveResource(c)
	if err != nil {
		return err
	}
	data, err := parseBody(c)
	if err != nil {
		return err
	}
	row, err := res.Update(c.UserContext(), c.Params("id"), data)
	if err != nil {
		return err
	}
	return c.JSON(res.Single(h.basePath, row))
}

// Delete handles DELETE /:resource/:id and returns the deleted record.
func (h *Handler) Delete(c *fiber.Ctx) error {
	res, err := h.resolveResource(c)
	if err != nil {
		return err
	}
	row, err := res.Delete(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(res.Single(h.basePath, row))
}

// Related handles GET /:resource/:id/:relation. A many_to_one relation
// answers with the single parent record.
func (h *Handler) Related(c *fiber.Ctx) error {
	res, err := h.resolveResource(c)
	if err != nil {
		return err
	}
	q, err := ParseQueryParams(c)
	if err != nil {
		return err
	}
	result, rc, err := res.Related(c.UserContext(), c.Params("id"), c.Params("relation"), q)
	if err != nil {
		return err
	}
	if rc.Direction == metadata.ManyToOne {
		if len(result.Data) == 0 {
			return apperr.NoMatchingRow(rc.Foreign.Name(), nil)
		}
		return c.JSON(rc.Foreign.Single(h.basePath, result.Data[0]))
	}
	return c.JSON(rc.Foreign.ListEnvelope(h.basePath, result))
}

// SetRelations handles PUT /:resource/:id/:relation with {"ids": [...]}.
func (h *Handler) SetRelations(c *fiber.Ctx) error {
	res, err := h.resolveResource(c)
	if err != nil {
		return err
	}
	ids, err := parseRelationIDs(c)
	if err != nil {
		return err
	}
	result, err := res.SetRelations(c.UserContext(), c.Params("id"), c.Params("relation"), ids)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": result, "meta": nil})
}

// Health always answers 200 and reports readiness alongside.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "ready": h.registry.IsReady()})
}

// Ready answers 503 until the registry has resolved every resource.
func (h *Handler) Ready(c *fiber.Ctx) error {
	if !h.registry.IsReady() {
		body := fiber.Map{"status": h.registry.State().String()}
		if err := h.registry.Err(); err != nil {
			body["error"] = err.Error()
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(fiber.Map{"status": "ready", "generation": h.registry.Generation()})
}

func (h *Handler) resolveResource(c *fiber.Ctx) (*resource.Resource, error) {
	if !h.registry.IsReady() {
		return nil, apperr.NotReady()
	}
	name := c.Params("resource")
	res, ok := h.router.Lookup(name)
	if !ok {
		return nil, apperr.UnknownResource(name)
	}
	return res, nil
}
