package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crudforge/internal/config"
	"crudforge/internal/instrument"
	"crudforge/internal/metadata"
	"crudforge/internal/resource"
	"crudforge/internal/store"
)

type testEnv struct {
	app      *fiber.App
	registry *resource.Registry
	router   *Router
	store    *store.Store
}

func testModels() []*metadata.Model {
	return []*metadata.Model{
		{
			Name:  "author",
			Table: "authors",
			Columns: []metadata.Column{
				{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "name", Type: metadata.TypeString, Unique: true},
				{Name: "rating", Type: metadata.TypeInt, Nullable: true},
			},
			Relationships: []*metadata.Relationship{
				{Name: "books", Target: "book", Direction: metadata.OneToMany},
				{Name: "tags", Target: "tag", Direction: metadata.ManyToMany},
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
		{
			Name:  "tag",
			Table: "tags",
			Columns: []metadata.Column{
				{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "label", Type: metadata.TypeString},
			},
		},
	}
}

// newTestEnv migrates the test models into a fresh in-memory database and
// registers a resource per model. opts overrides the options of a model.
func newTestEnv(t *testing.T, quiescence time.Duration, opts map[string]resource.Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Name:   "engine_" + uuid.NewString()[:8],
		Path:   ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := metadata.NewCatalog()
	require.NoError(t, c.Add(testModels()...))
	require.NoError(t, store.NewMigrator(s).Migrate(ctx, c))

	metrics := instrument.New()
	rt := NewRouter()
	reg := resource.NewRegistry(c, rt, resource.RegistryOptions{Quiescence: quiescence, Metrics: metrics})
	for _, m := range c.Models() {
		o := opts[m.Name]
		o.Repository.Metrics = metrics
		_, err := reg.New(s, m.Name, o)
		require.NoError(t, err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	h := NewHandler(reg, rt, "/api")
	RegisterHealthRoutes(app, h, metrics)
	RegisterDynamicRoutes(app, h)

	return &testEnv{app: app, registry: reg, router: rt, store: s}
}

func readyEnv(t *testing.T, opts map[string]resource.Options) *testEnv {
	t.Helper()
	env := newTestEnv(t, time.Hour, opts)
	require.NoError(t, env.registry.Finalize(context.Background()))
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestEngine_EndToEnd(t *testing.T) {
	env := readyEnv(t, nil)

	status, body := env.do(t, "POST", "/api/authors", map[string]any{"name": "ann", "rating": 4})
	require.Equal(t, 201, status, body)
	author := body["author"].(map[string]any)
	assert.Equal(t, "ann", author["name"])
	assert.Nil(t, body["meta"])
	links := author["links"].(map[string]any)
	assert.Equal(t, "/api/authors/1/books", links["books"])
	assert.Equal(t, "/api/authors/1/tags", links["tags"])

	status, body = env.do(t, "GET", "/api/authors", nil)
	require.Equal(t, 200, status)
	assert.Len(t, body["authors"], 1)
	meta := body["meta"].(map[string]any)
	assert.EqualValues(t, 1, meta["page"])
	assert.EqualValues(t, 25, meta["limit"])
	assert.EqualValues(t, 1, meta["pages"])
	assert.EqualValues(t, 1, meta["records"])

	status, body = env.do(t, "PATCH", "/api/authors/1", map[string]any{"rating": nil})
	require.Equal(t, 200, status, body)
	assert.Nil(t, body["author"].(map[string]any)["rating"])

	status, body = env.do(t, "DELETE", "/api/authors/1", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, "ann", body["author"].(map[string]any)["name"])

	status, body = env.do(t, "GET", "/api/authors/1", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	status, body = env.do(t, "GET", "/api/authors", nil)
	require.Equal(t, 200, status)
	assert.Empty(t, body["authors"])
}

func TestEngine_NotReady(t *testing.T) {
	env := newTestEnv(t, time.Hour, nil)

	status, body := env.do(t, "GET", "/api/tags", nil)
	assert.Equal(t, 503, status)
	assert.Equal(t, "NOT_READY", errorCode(body))

	status, body = env.do(t, "GET", "/health", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, false, body["ready"])
	status, _ = env.do(t, "GET", "/ready", nil)
	assert.Equal(t, 503, status)

	require.NoError(t, env.registry.Finalize(context.Background()))
	assert.Equal(t, []string{"authors", "books", "tags"}, env.router.Bound())

	status, _ = env.do(t, "GET", "/api/tags", nil)
	assert.Equal(t, 200, status)
	status, body = env.do(t, "GET", "/health", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["ready"])
	status, _ = env.do(t, "GET", "/ready", nil)
	assert.Equal(t, 200, status)
}

func TestEngine_DebouncedResolution(t *testing.T) {
	env := newTestEnv(t, 10*time.Millisecond, nil)
	require.Eventually(t, env.registry.IsReady, time.Second, 5*time.Millisecond)

	status, _ := env.do(t, "GET", "/api/books", nil)
	assert.Equal(t, 200, status)
}

func TestEngine_UnknownResource(t *testing.T) {
	env := readyEnv(t, nil)

	status, body := env.do(t, "GET", "/api/ghosts", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "UNKNOWN_RESOURCE", errorCode(body))

	status, body = env.do(t, "GET", "/api/authors/1/ghosts", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "UNKNOWN_RESOURCE", errorCode(body))
}

func TestEngine_QueryParams(t *testing.T) {
	env := readyEnv(t, nil)
	for _, label := range []string{"a", "b", "c"} {
		status, _ := env.do(t, "POST", "/api/tags", map[string]any{"label": label})
		require.Equal(t, 201, status)
	}

	labels := func(body map[string]any) []string {
		var out []string
		for _, row := range body["tags"].([]any) {
			out = append(out, row.(map[string]any)["label"].(string))
		}
		return out
	}

	status, body := env.do(t, "GET", "/api/tags?limit=2&sort=label%20desc", nil)
	require.Equal(t, 200, status, body)
	assert.Equal(t, []string{"c", "b"}, labels(body))
	assert.EqualValues(t, 2, body["meta"].(map[string]any)["pages"])

	status, body = env.do(t, "GET", "/api/tags?limit=2&page=2&sort=label%20desc", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, []string{"a"}, labels(body))

	where := url.QueryEscape(`{"label":{"*in":["a","c"]}}`)
	status, body = env.do(t, "GET", "/api/tags?where="+where, nil)
	require.Equal(t, 200, status, body)
	assert.Equal(t, []string{"a", "c"}, labels(body))

	status, body = env.do(t, "GET", "/api/tags?columns=label", nil)
	require.Equal(t, 200, status)
	row := body["tags"].([]any)[0].(map[string]any)
	assert.Contains(t, row, "id")
	assert.Contains(t, row, "label")

	status, body = env.do(t, "GET", "/api/tags/2?where="+url.QueryEscape(`{"label":"z"}`), nil)
	assert.Equal(t, 404, status)

	for _, q := range []string{
		"page=0",
		"page=184467440737095518&limit=100",
		"limit=abc",
		"sort=color",
		"columns=color",
		"where=" + url.QueryEscape(`{"color":"red"}`),
		"where=" + url.QueryEscape(`{"label":`),
	} {
		status, body = env.do(t, "GET", "/api/tags?"+q, nil)
		assert.Equal(t, 400, status, q)
		assert.Equal(t, "VALIDATION_FAILED", errorCode(body), q)
	}
}

func TestEngine_WriteErrors(t *testing.T) {
	env := readyEnv(t, nil)

	status, body := env.do(t, "POST", "/api/authors", map[string]any{"name": "ann", "nickname": "a"})
	assert.Equal(t, 400, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
	details := body["error"].(map[string]any)["details"].([]any)
	assert.Equal(t, "nickname", details[0].(map[string]any)["field"])

	status, body = env.do(t, "POST", "/api/authors", `{"name":`)
	assert.Equal(t, 400, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, _ = env.do(t, "POST", "/api/authors", map[string]any{"name": "ann"})
	require.Equal(t, 201, status)
	status, body = env.do(t, "POST", "/api/authors", map[string]any{"name": "ann"})
	assert.Equal(t, 409, status)
	assert.Equal(t, "CONFLICT", errorCode(body))

	status, body = env.do(t, "PUT", "/api/authors/99", map[string]any{"name": "bob"})
	assert.Equal(t, 404, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	status, _ = env.do(t, "DELETE", "/api/authors/abc", nil)
	assert.Equal(t, 400, status)
}

func TestEngine_Relations(t *testing.T) {
	env := readyEnv(t, nil)
	env.do(t, "POST", "/api/authors", map[string]any{"name": "ann"})
	for _, label := range []string{"a", "b", "c"} {
		env.do(t, "POST", "/api/tags", map[string]any{"label": label})
		env.do(t, "POST", "/api/books", map[string]any{"title": label})
	}

	status, body := env.do(t, "PUT", "/api/authors/1/tags", map[string]any{"ids": []any{1, 999, 3}})
	require.Equal(t, 200, status, body)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["linked"])

	status, body = env.do(t, "GET", "/api/authors/1/tags", nil)
	require.Equal(t, 200, status)
	assert.Len(t, body["tags"], 2)
	assert.EqualValues(t, 2, body["meta"].(map[string]any)["records"])

	status, body = env.do(t, "PUT", "/api/authors/1/books", map[string]any{"ids": []any{2, 3}})
	require.Equal(t, 200, status, body)

	status, body = env.do(t, "GET", "/api/books/3/author", nil)
	require.Equal(t, 200, status, body)
	assert.Equal(t, "ann", body["author"].(map[string]any)["name"])

	status, body = env.do(t, "GET", "/api/books/1/author", nil)
	assert.Equal(t, 404, status)

	status, body = env.do(t, "PUT", "/api/books/1/author", map[string]any{"ids": []any{1}})
	assert.Equal(t, 400, status)

	status, body = env.do(t, "PUT", "/api/authors/1/tags", map[string]any{"tags": []any{1}})
	assert.Equal(t, 400, status)

	status, body = env.do(t, "GET", "/api/authors/42/books", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestEngine_DisabledAndPolicies(t *testing.T) {
	env := readyEnv(t, map[string]resource.Options{
		"tag": {
			Disabled: []resource.Action{resource.ActionDelete},
			Policies: map[resource.Action][]resource.Guard{
				resource.ActionCreate: {resource.RequireRoles("editor")},
			},
		},
	})

	status, body := env.do(t, "POST", "/api/tags", map[string]any{"label": "x"})
	assert.Equal(t, 401, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body = env.do(t, "DELETE", "/api/tags/1", nil)
	assert.Equal(t, 405, status)
	assert.Equal(t, "ENDPOINT_DISABLED", errorCode(body))
}

func TestEngine_Metrics(t *testing.T) {
	env := readyEnv(t, nil)
	env.do(t, "GET", "/api/tags", nil)

	req, _ := http.NewRequest("GET", "/metrics", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(raw), `crudforge_repository_operations_total{op="list",resource="tag",status="ok"} 1`)
	assert.Contains(t, string(raw), `crudforge_registry_resolution_passes_total{status="ok"} 1`)
}
