// Package gateway serves the registered resources over GraphQL.
package gateway

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"

	"crudforge/internal/apperr"
	"crudforge/internal/logger"
	"crudforge/internal/resource"
)

type RequestBody struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName"`
}

type Gateway struct {
	registry *resource.Registry

	mu         sync.Mutex
	schema     *graphql.Schema
	generation uint64
}

func New(reg *resource.Registry) *Gateway {
	return &Gateway{registry: reg}
}

// Schema returns the schema for the current registry generation, building
// it on first use after every successful resolution pass.
func (g *Gateway) Schema() (*graphql.Schema, error) {
	if !g.registry.IsReady() {
		return nil, apperr.NotReady()
	}
	gen := g.registry.Generation()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.schema != nil && g.generation == gen {
		return g.schema, nil
	}
	schema, err := buildSchema(g.registry.All())
	if err != nil {
		return nil, err
	}
	logger.Default().WithField("component", "gateway").WithField("generation", gen).Debug("graphql schema built")
	g.schema, g.generation = &schema, gen
	return g.schema, nil
}

// Execute runs one GraphQL request.
func (g *Gateway) Execute(ctx context.Context, body RequestBody) (*graphql.Result, error) {
	schema, err := g.Schema()
	if err != nil {
		return nil, err
	}
	return graphql.Do(graphql.Params{
		Schema:         *schema,
		RequestString:  body.Query,
		VariableValues: body.Variables,
		OperationName:  body.OperationName,
		Context:        ctx,
	}), nil
}

// Handler serves POST {"query", "variables", "operationName"} and GET ?query=.
func (g *Gateway) Handler(c *fiber.Ctx) error {
	var body RequestBody
	if c.Method() == fiber.MethodGet {
		body.Query = c.Query("query")
		body.OperationName = c.Query("operationName")
	} else if err := c.BodyParser(&body); err != nil {
		return apperr.Validation("invalid graphql request: %v", err)
	}
	if body.Query == "" {
		return apperr.Validation("graphql request has no query")
	}
	result, err := g.Execute(c.UserContext(), body)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// Register mounts the gateway at path.
func Register(router fiber.Router, path string, g *Gateway, middleware ...fiber.Handler) {
	handlers := append(append([]fiber.Handler{}, middleware...), g.Handler)
	router.Get(path, handlers...)
	router.Post(path, handlers...)
}

// codedError exposes the AppError code to GraphQL clients as an extension.
type codedError struct {
	*apperr.AppError
}

func (e codedError) Extensions() map[string]interface{} {
	ext := map[string]interface{}{"code": e.Code}
	if len(e.Details) > 0 {
		ext["details"] = e.Details
	}
	return ext
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if appErr := apperr.From(err); appErr != nil {
		return codedError{appErr}
	}
	return err
}
