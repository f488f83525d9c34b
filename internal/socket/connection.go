package socket

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"

	"crudforge/internal/metadata"
)

// outboundQueue is the number of frames buffered per connection before a
// sender has to wait for the client to catch up.
const outboundQueue = 256

var (
	errConnectionGone = errors.New("socket: connection closed")
	ErrSlowConsumer   = errors.New("socket: outbound queue full")
)

// Socket is the transport under a Connection. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// writeDeadliner is implemented by transports that support write
// deadlines, *websocket.Conn included.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDisconnecting
	StateKilled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnecting:
		return "disconnecting"
	case StateKilled:
		return "killed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Connection struct {
	ID       string
	ClientID string
	// User is the authenticated user behind the connection, nil when
	// anonymous.
	User *metadata.UserContext

	socket    Socket
	writeMu   sync.Mutex
	out       chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once

	mu    sync.RWMutex
	rooms map[string]struct{}
}

func newConnection(id string, opts ConnectOptions, s Socket) *Connection {
	c := &Connection{
		ID:       id,
		ClientID: opts.ClientID,
		User:     opts.User,
		socket:   s,
		out:      make(chan []byte, outboundQueue),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// transition moves the connection from one of from to to and reports
// whether it did.
func (c *Connection) transition(to State, from ...State) bool {
	for _, f := range from {
		if c.state.CompareAndSwap(int32(f), int32(to)) {
			return true
		}
	}
	return false
}

func (c *Connection) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns the joined rooms, sorted.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

func (c *Connection) join(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// IsAdmin reports whether the connection belongs to an admin user.
func (c *Connection) IsAdmin() bool {
	return c.User != nil && c.User.IsAdmin()
}

// send writes one text frame. Writes are serialized per connection and
// bounded by timeout when the transport supports deadlines.
func (c *Connection) send(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d, ok := c.socket.(writeDeadliner); ok && timeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// enqueue hands data to the connection's writer, waiting at most timeout
// for room in the queue.
func (c *Connection) enqueue(data []byte, timeout time.Duration) error {
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errConnectionGone
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errConnectionGone
	case <-timer.C:
		return ErrSlowConsumer
	}
}

func (c *Connection) closeSocket() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.socket.Close()
	})
}
