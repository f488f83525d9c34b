package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crudforge/internal/apperr"
	"crudforge/internal/config"
	"crudforge/internal/metadata"
	"crudforge/internal/resource"
	"crudforge/internal/store"
)

func testModels() []*metadata.Model {
	return []*metadata.Model{
		{
			Name:  "author",
			Table: "authors",
			Columns: []metadata.Column{
				{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "name", Type: metadata.TypeString},
				{Name: "meta", Type: metadata.TypeJSON, Nullable: true},
			},
			Relationships: []*metadata.Relationship{
				{Name: "books", Target: "book", Direction: metadata.OneToMany},
			},
		},
		{
			Name:  "book",
			Table: "books",
			Columns: []metadata.Column{
				{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "title", Type: metadata.TypeString},
				{Name: "author_id", Type: metadata.TypeInt, Nullable: true},
			},
			Relationships: []*metadata.Relationship{
				{Name: "author", Target: "author", Direction: metadata.ManyToOne},
			},
		},
	}
}

type testEnv struct {
	store    *store.Store
	registry *resource.Registry
	gateway  *Gateway
	app      *fiber.App
}

func newTestEnv(t *testing.T, bookOpts resource.Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Name:   "gateway_" + uuid.NewString()[:8],
		Path:   ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := metadata.NewCatalog()
	require.NoError(t, c.Add(testModels()...))
	require.NoError(t, store.NewMigrator(s).Migrate(ctx, c))

	reg := resource.NewRegistry(c, nil, resource.RegistryOptions{Quiescence: time.Hour})
	_, err = reg.New(s, "author", resource.Options{})
	require.NoError(t, err)
	_, err = reg.New(s, "book", bookOpts)
	require.NoError(t, err)

	g := New(reg)
	app := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if appErr := apperr.From(err); appErr != nil {
				return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
			}
			return c.SendStatus(500)
		},
	})
	Register(app, "/graphql", g)
	return &testEnv{store: s, registry: reg, gateway: g, app: app}
}

type gqlResponse struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message    string         `json:"message"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

func (e *testEnv) post(t *testing.T, query string, vars map[string]any) (int, gqlResponse) {
	t.Helper()
	raw, err := json.Marshal(RequestBody{Query: query, Variables: vars})
	require.NoError(t, err)
	req, _ := http.NewRequest("POST", "/graphql", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var out gqlResponse
	if resp.StatusCode == 200 {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return resp.StatusCode, out
}

func TestGateway_NotReady(t *testing.T) {
	env := newTestEnv(t, resource.Options{})
	status, _ := env.post(t, `{ authors { records } }`, nil)
	assert.Equal(t, 503, status)
}

func TestGateway_CRUD(t *testing.T) {
	env := newTestEnv(t, resource.Options{})
	require.NoError(t, env.registry.Finalize(context.Background()))

	status, res := env.post(t, `mutation($data: JSON!) { createAuthor(data: $data) { id name meta } }`,
		map[string]any{"data": map[string]any{"name": "ann", "meta": map[string]any{"k": 1}}})
	require.Equal(t, 200, status)
	require.Empty(t, res.Errors)
	created := res.Data["createAuthor"].(map[string]any)
	assert.EqualValues(t, 1, created["id"])
	assert.Equal(t, map[string]any{"k": float64(1)}, created["meta"])

	_, res = env.post(t, `mutation { createBook(data: {title: "go", author_id: 1}) { id title author { name } } }`, nil)
	require.Empty(t, res.Errors)
	book := res.Data["createBook"].(map[string]any)
	assert.Equal(t, "ann", book["author"].(map[string]any)["name"])

	_, res = env.post(t, `{ author(id: 1) { name books { records items { title } } } }`, nil)
	require.Empty(t, res.Errors)
	author := res.Data["author"].(map[string]any)
	books := author["books"].(map[string]any)
	assert.EqualValues(t, 1, books["records"])
	assert.Equal(t, "go", books["items"].([]any)[0].(map[string]any)["title"])

	_, res = env.post(t, `mutation { updateAuthor(id: 1, data: {name: "bob"}) { name } }`, nil)
	require.Empty(t, res.Errors)
	assert.Equal(t, "bob", res.Data["updateAuthor"].(map[string]any)["name"])

	_, res = env.post(t, `{ authors(limit: 10, where: "{\"name\": \"bob\"}", sort: ["id desc"]) { page limit pages records items { name } } }`, nil)
	require.Empty(t, res.Errors)
	page := res.Data["authors"].(map[string]any)
	assert.EqualValues(t, 1, page["records"])
	assert.EqualValues(t, 10, page["limit"])

	_, res = env.post(t, `mutation { deleteBook(id: 1) { title } }`, nil)
	require.Empty(t, res.Errors)

	_, res = env.post(t, `{ book(id: 1) { title } }`, nil)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "NOT_FOUND", res.Errors[0].Extensions["code"])
}

func TestGateway_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, resource.Options{})
	require.NoError(t, env.registry.Finalize(context.Background()))

	_, res := env.post(t, `mutation { createAuthor(data: {nickname: "x"}) { id } }`, nil)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "VALIDATION_FAILED", res.Errors[0].Extensions["code"])

	_, res = env.post(t, `{ authors(where: "{\"color\": 1}") { records } }`, nil)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "color")

	status, _ := env.post(t, "", nil)
	assert.Equal(t, 400, status)
}

func TestGateway_DisabledActionsAreOmitted(t *testing.T) {
	env := newTestEnv(t, resource.Options{Disabled: []resource.Action{resource.ActionDelete}})
	require.NoError(t, env.registry.Finalize(context.Background()))

	schema, err := env.gateway.Schema()
	require.NoError(t, err)
	fields := schema.MutationType().Fields()
	assert.Contains(t, fields, "deleteAuthor")
	assert.NotContains(t, fields, "deleteBook")
	assert.Contains(t, fields, "createBook")
}

func TestGateway_RebuildsOnNewGeneration(t *testing.T) {
	env := newTestEnv(t, resource.Options{})
	require.NoError(t, env.registry.Finalize(context.Background()))

	first, err := env.gateway.Schema()
	require.NoError(t, err)
	again, err := env.gateway.Schema()
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, env.registry.Finalize(context.Background()))
	rebuilt, err := env.gateway.Schema()
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
}
