package admin

import (
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

func newApp(t *testing.T) (*fiber.App, *resource.Registry) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Name:   "admin_" + uuid.NewString()[:8],
		Path:   ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := metadata.NewCatalog()
	require.NoError(t, c.Add(
		&metadata.Model{
			Name:  "post",
			Table: "posts",
			Columns: []metadata.Column{
				{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "title", Type: metadata.TypeString},
			},
			Relationships: []*metadata.Relationship{
				{Name: "comments", Target: "comment", Direction: metadata.OneToMany},
			},
		},
		&metadata.Model{
			Name:  "comment",
			Table: "comments",
			Columns: []metadata.Column{
				{Name: "id", Type: metadata.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "post_id", Type: metadata.TypeInt, Nullable: true},
			},
		},
	))
	require.NoError(t, store.NewMigrator(s).Migrate(ctx, c))

	reg := resource.NewRegistry(c, nil, resource.RegistryOptions{Quiescence: time.Hour})
	_, err = reg.New(s, "post", resource.Options{Disabled: []resource.Action{resource.ActionDelete}})
	require.NoError(t, err)
	_, err = reg.New(s, "comment", resource.Options{})
	require.NoError(t, err)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if appErr := apperr.From(err); appErr != nil {
				return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
			}
			return c.SendStatus(500)
		},
	})
	RegisterAdminRoutes(app, "/api/_admin", NewHandler(reg))
	return app, reg
}

func getJSON(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest("GET", path, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func TestAdmin_Introspection(t *testing.T) {
	app, reg := newApp(t)

	status, body := getJSON(t, app, "/api/_admin/registry")
	require.Equal(t, 200, status)
	assert.Equal(t, "registering", body["data"].(map[string]any)["state"])

	require.NoError(t, reg.Finalize(context.Background()))

	status, body = getJSON(t, app, "/api/_admin/registry")
	require.Equal(t, 200, status)
	assert.Equal(t, true, body["data"].(map[string]any)["ready"])

	status, body = getJSON(t, app, "/api/_admin/resources")
	require.Equal(t, 200, status)
	rows := body["data"].([]any)
	require.Len(t, rows, 2)
	post := rows[1].(map[string]any)
	assert.Equal(t, "post", post["name"])
	assert.Equal(t, []any{"delete"}, post["disabled"])
	assert.Equal(t, []any{"comments"}, post["relations"])

	status, body = getJSON(t, app, "/api/_admin/resources/posts")
	require.Equal(t, 200, status)
	schemas := body["data"].(map[string]any)["schemas"].(map[string]any)
	create := schemas["create"].(map[string]any)
	assert.Equal(t, []any{"title"}, create["required"])
	assert.Contains(t, schemas["list"].(map[string]any)["properties"], "posts")

	status, body = getJSON(t, app, "/api/_admin/relations")
	require.Equal(t, 200, status)
	rels := body["data"].([]any)
	require.Len(t, rels, 1)
	rel := rels[0].(map[string]any)
	assert.Equal(t, "comments", rel["name"])
	assert.Equal(t, "comment", rel["foreign"])
	assert.Equal(t, "post_id", rel["remote_column"])

	status, body = getJSON(t, app, "/api/_admin/resources/ghost")
	assert.Equal(t, 404, status)
}
