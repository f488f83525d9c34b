package logger

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLogger_Reuses(t *testing.T) {
	ctx, first := ContextWithLogger(context.Background())
	require.Contains(t, first.Data, requestIDKey)

	same, second := ContextWithLogger(ctx)
	assert.Equal(t, ctx, same)
	assert.Equal(t, first, second)
}

func TestContextWithIdentity(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), "user-1")
	rlog := FromContext(ctx)
	assert.Equal(t, "user-1", rlog.Data[identityKey])
	assert.Contains(t, rlog.Data, requestIDKey)
}

func TestFromContext_Default(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()).Data)
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware())
	var seen any
	app.Get("/", func(c *fiber.Ctx) error {
		seen = Ctx(c).Data[requestIDKey]
		return c.SendStatus(fiber.StatusNoContent)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(fiber.HeaderXRequestID, "abc")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Header.Get(fiber.HeaderXRequestID))
	assert.Equal(t, "abc", seen)
}

func TestMiddleware_LogsFinalStatus(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusTeapot).SendString(err.Error())
		},
	})
	app.Use(Middleware())
	app.Get("/fail", func(c *fiber.Ctx) error { return errors.New("boom") })

	resp, err := app.Test(httptest.NewRequest("GET", "/fail", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTeapot, resp.StatusCode)

	var entry *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "request" {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, fiber.StatusTeapot, entry.Data["status"])
	assert.Equal(t, "/fail", entry.Data["path"])
	assert.Contains(t, entry.Data, "latency")
}
