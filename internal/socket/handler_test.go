package socket

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
	"crudforge/internal/pubsub"
)

func TestIdentity(t *testing.T) {
	user := &metadata.UserContext{ID: "u1"}

	id, err := identity(user, "", false)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	id, err = identity(user, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = identity(user, "someone-else", true)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	id, err = identity(nil, "guest", true)
	require.NoError(t, err)
	assert.Equal(t, "guest", id)

	id, err = identity(nil, "u1", false)
	require.NoError(t, err)
	assert.Empty(t, id, "anonymous identities are ignored unless trusted")
}

func TestRegister_RefusesForeignClientID(t *testing.T) {
	m := NewManager(pubsub.NewMemory(), Options{})
	t.Cleanup(func() { m.Close() })

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if appErr := apperr.From(err); appErr != nil {
				return c.SendStatus(appErr.Status)
			}
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.SendStatus(fe.Code)
			}
			return c.SendStatus(fiber.StatusInternalServerError)
		},
	})
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user", &metadata.UserContext{ID: "u1"})
		return c.Next()
	})
	Register(app, "/ws", m)

	req := httptest.NewRequest("GET", "/ws?client_id=u2", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
