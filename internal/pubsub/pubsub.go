// Package pubsub carries opaque payloads between instances over a named
// channel, either in process or through an external broker.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crudforge/internal/config"
)

var (
	// ErrTimeout is returned by Subscription.Next when nothing arrived in time.
	ErrTimeout = errors.New("pubsub: read timeout")
	ErrClosed  = errors.New("pubsub: closed")
)

type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

type Subscription interface {
	// Next blocks until a payload arrives, timeout elapses (ErrTimeout) or
	// ctx is done.
	Next(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(cfg config.PubSubConfig) (PubSub, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.Address), nil
	case "nats":
		return NewNATS(cfg.Address)
	case "kafka":
		return NewKafka(splitAddresses(cfg.Address)), nil
	}
	return nil, fmt.Errorf("unknown pubsub driver %q", cfg.Driver)
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
