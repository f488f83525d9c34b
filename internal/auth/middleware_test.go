package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
)

const secret = "test-secret"

func testApp(secret string, extra ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if appErr := apperr.From(err); appErr != nil {
				return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
			}
			return c.SendStatus(500)
		},
	})
	handlers := append([]fiber.Handler{AuthMiddleware(secret)}, extra...)
	handlers = append(handlers, func(c *fiber.Ctx) error {
		user := metadata.UserFrom(c.UserContext())
		if user == nil {
			return c.JSON(fiber.Map{"anonymous": true})
		}
		if GetUser(c) != user {
			return c.SendStatus(500)
		}
		return c.JSON(fiber.Map{"id": user.ID, "roles": user.Roles})
	})
	app.Get("/me", handlers...)
	return app
}

func get(t *testing.T, app *fiber.App, header string) int {
	t.Helper()
	req, _ := http.NewRequest("GET", "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateAccessToken("u1", []string{"editor"}, secret, 0)
	require.NoError(t, err)

	claims, err := ParseAccessToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, []string{"editor"}, claims.Roles)

	_, err = ParseAccessToken(token, "other-secret")
	assert.Error(t, err)

	expired, err := GenerateAccessToken("u1", nil, secret, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Second)
	_, err = ParseAccessToken(expired, secret)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	app := testApp(secret)
	token, err := GenerateAccessToken("u1", []string{"editor"}, secret, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 200, get(t, app, ""), "anonymous passes")
	assert.Equal(t, 200, get(t, app, "Bearer "+token))
	assert.Equal(t, 401, get(t, app, "Bearer nonsense"))
	assert.Equal(t, 401, get(t, app, "Basic abc"))
}

func TestAuthMiddleware_NoSecret(t *testing.T) {
	app := testApp("")
	assert.Equal(t, 200, get(t, app, "Bearer anything"))
}

func TestRequireAuth(t *testing.T) {
	app := testApp(secret, RequireAuth())
	token, err := GenerateAccessToken("u1", nil, secret, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 401, get(t, app, ""))
	assert.Equal(t, 200, get(t, app, "Bearer "+token))
}

func TestRequireAdmin(t *testing.T) {
	app := testApp(secret, RequireAdmin())
	admin, err := GenerateAccessToken("root", []string{"admin"}, secret, time.Minute)
	require.NoError(t, err)
	editor, err := GenerateAccessToken("u1", []string{"editor"}, secret, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 401, get(t, app, ""))
	assert.Equal(t, 403, get(t, app, "Bearer "+editor))
	assert.Equal(t, 200, get(t, app, "Bearer "+admin))
}
