package socket

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
)

// Register mounts the websocket endpoint at path. Clients may pick their
// socket id with ?id=. An authenticated user's id is the connection's
// identity; a differing ?client_id= is refused. Anonymous clients may name
// an identity only when the manager trusts client ids.
func Register(router fiber.Router, path string, m *Manager) {
	router.Use(path, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		user, _ := c.Locals("user").(*metadata.UserContext)
		clientID, err := identity(user, c.Query("client_id"), m.opts.TrustClientID)
		if err != nil {
			return err
		}
		c.Locals("socket_id", c.Query("id"))
		c.Locals("client_id", clientID)
		c.Locals("socket_user", user)
		return c.Next()
	})
	router.Get(path, Handler(m))
}

// identity picks the client identity of a new connection.
func identity(user *metadata.UserContext, requested string, trust bool) (string, error) {
	switch {
	case user != nil:
		if requested != "" && requested != user.ID {
			return "", apperr.Forbidden("client_id does not match the authenticated user")
		}
		return user.ID, nil
	case trust:
		return requested, nil
	}
	return "", nil
}

// Handler serves one upgraded connection for its whole lifetime.
func Handler(m *Manager) fiber.Handler {
	return websocket.New(func(ws *websocket.Conn) {
		id, _ := ws.Locals("socket_id").(string)
		clientID, _ := ws.Locals("client_id").(string)
		user, _ := ws.Locals("socket_user").(*metadata.UserContext)

		conn, err := m.Connect(ws, ConnectOptions{ID: id, ClientID: clientID, User: user})
		if err != nil {
			m.log.WithError(err).Debug("connection refused")
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
			_ = ws.Close()
			return
		}
		_ = m.Serve(context.Background(), conn)
	})
}
