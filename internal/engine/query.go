package engine

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"crudforge/internal/apperr"
	"crudforge/internal/forge"
	"crudforge/internal/repository"
)

// ParseQueryParams reads where, page, limit, sort and columns. sort and
// columns may repeat and may hold comma-separated lists. A zero Limit means
// the resource default.
func ParseQueryParams(c *fiber.Ctx) (repository.Query, error) {
	q := repository.Query{Page: 1}

	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, apperr.Validation("page must be a positive integer, got %q", raw)
		}
		q.Page = n
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, apperr.Validation("limit must be a positive integer, got %q", raw)
		}
		q.Limit = n
	}

	q.Sort = multi(c, "sort")
	q.Columns = multi(c, "columns")

	where, err := forge.ParseWhere(c.Query("where"))
	if err != nil {
		return q, err
	}
	q.Where = where
	return q, nil
}

func multi(c *fiber.Ctx, key string) []string {
	var out []string
	for _, raw := range c.Context().QueryArgs().PeekMulti(key) {
		for _, tok := range strings.Split(string(raw), ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// parseBody decodes the request body as a JSON object.
func parseBody(c *fiber.Ctx) (map[string]any, error) {
	body := c.Body()
	if len(body) == 0 {
		return nil, apperr.Validation("request body is required")
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperr.Validation("invalid JSON body: %v", err)
	}
	if data == nil {
		return nil, apperr.Validation("request body must be a JSON object")
	}
	return data, nil
}

type relationsBody struct {
	IDs []any `json:"ids"`
}

func parseRelationIDs(c *fiber.Ctx) ([]any, error) {
	var body relationsBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return nil, apperr.Validation("invalid JSON body: %v", err)
	}
	if body.IDs == nil {
		return nil, apperr.Validation(`body must be {"ids": [...]}`)
	}
	return body.IDs, nil
}
