// Package socket tracks websocket connections and their room membership.
// Every message that mutates or targets connections is published on a
// pubsub channel and applied by each instance to its local connections.
package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"crudforge/internal/instrument"
	"crudforge/internal/logger"
	"crudforge/internal/metadata"
	"crudforge/internal/pubsub"
)

var (
	ErrClosed      = errors.New("socket: manager closed")
	ErrDuplicateID = errors.New("socket: id already connected")
	ErrMalformed   = errors.New("socket: malformed message")
)

type Options struct {
	Channel     string
	ReadTimeout time.Duration
	// WriteTimeout bounds one frame write and the wait for room in a
	// connection's outbound queue. A client that cannot keep up within it
	// is disconnected.
	WriteTimeout time.Duration
	// TrustClientID lets anonymous connections pick their identity with
	// ?client_id=. Authenticated connections always use the user id.
	TrustClientID bool
	// ClientIdentity maps a connection to the stable identity used by client
	// routing and kill. Defaults to Connection.ClientID.
	ClientIdentity func(*Connection) string
	// NotifyDisconnect broadcasts a "disconnected" message when a client
	// goes away on its own.
	NotifyDisconnect bool
	// Accept may veto a message received from a client before it is
	// published.
	Accept  func(c *Connection, m *Message) bool
	Metrics *instrument.Metrics
}

type ConnectOptions struct {
	ID       string
	ClientID string
	User     *metadata.UserContext
}

type Manager struct {
	ps   pubsub.PubSub
	opts Options
	log  *logrus.Entry

	mu    sync.RWMutex
	conns map[string]*Connection

	accepting atomic.Bool
	stop      atomic.Bool
	sub       pubsub.Subscription
	loopDone  chan struct{}
	closeOnce sync.Once
}

func NewManager(ps pubsub.PubSub, opts Options) *Manager {
	if opts.Channel == "" {
		opts.Channel = "crudforge.sockets"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ClientIdentity == nil {
		opts.ClientIdentity = func(c *Connection) string { return c.ClientID }
	}
	m := &Manager{
		ps:    ps,
		opts:  opts,
		log:   logger.Default().WithField("component", "socket"),
		conns: make(map[string]*Connection),
	}
	m.accepting.Store(true)
	return m
}

// Start subscribes to the channel and runs the read loop in the background.
// A subscribe failure is logged and returned; the manager still accepts
// connections but only sees messages it never publishes.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.ps.Subscribe(ctx, m.opts.Channel)
	if err != nil {
		m.opts.Metrics.PubSubError("subscribe")
		m.log.WithError(err).Error("pubsub subscribe failed, socket fan-out disabled")
		return fmt.Errorf("subscribe %s: %w", m.opts.Channel, err)
	}
	m.sub = sub
	m.loopDone = make(chan struct{})
	go m.readLoop(ctx)
	return nil
}

// readLoop polls the subscription so it notices the stop flag within one
// read timeout.
func (m *Manager) readLoop(ctx context.Context) {
	defer close(m.loopDone)
	defer m.sub.Close()
	for !m.stop.Load() {
		payload, err := m.sub.Next(ctx, m.opts.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, pubsub.ErrTimeout):
			continue
		case errors.Is(err, pubsub.ErrClosed), ctx.Err() != nil:
			return
		default:
			m.opts.Metrics.PubSubError("receive")
			m.log.WithError(err).Warn("pubsub receive failed")
			select {
			case <-time.After(m.opts.ReadTimeout):
			case <-ctx.Done():
				return
			}
			continue
		}

		msg, err := decode(payload)
		if err != nil || !msg.valid() {
			m.log.WithField("payload", string(payload)).Debug("dropping malformed pubsub message")
			continue
		}
		m.apply(ctx, msg)
	}
}

// Connect registers socket as an open connection.
func (m *Manager) Connect(s Socket, opts ConnectOptions) (*Connection, error) {
	if !m.accepting.Load() {
		return nil, ErrClosed
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := newConnection(id, opts, s)

	m.mu.Lock()
	if _, exists := m.conns[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	m.conns[id] = c
	m.mu.Unlock()

	c.setState(StateOpen)
	m.opts.Metrics.ConnectionOpened()

	hello, _ := encode(&Message{Route: RouteControl, Type: TypeConnected, Target: id,
		Data: map[string]any{"id": id, "client_id": m.opts.ClientIdentity(c)}})
	if err := c.send(hello, m.opts.WriteTimeout); err != nil {
		m.drop(c, StateDisconnecting)
		return nil, fmt.Errorf("greet %s: %w", id, err)
	}
	go m.writeLoop(c)
	return c, nil
}

// writeLoop drains the outbound queue of c until the connection closes.
func (m *Manager) writeLoop(c *Connection) {
	for {
		select {
		case data := <-c.out:
			if err := c.send(data, m.opts.WriteTimeout); err != nil {
				if m.drop(c, StateDisconnecting) {
					m.log.WithError(err).WithField("socket", c.ID).Debug("write failed, connection dropped")
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// Serve runs the read loop of c until the client disconnects, the
// connection is killed or ctx is done. Unparsable JSON terminates the
// connection; JSON that is not a valid envelope is ignored.
func (m *Manager) Serve(ctx context.Context, c *Connection) error {
	stop := context.AfterFunc(ctx, func() { m.kill(c) })
	defer stop()

	rlog := m.log.WithField("socket", c.ID)
	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			switch c.State() {
			case StateKilled, StateClosed:
				return nil
			}
			m.disconnect(ctx, c)
			rlog.WithError(err).Debug("client disconnected")
			return nil
		}

		if !json.Valid(data) {
			m.kill(c)
			rlog.Debug("malformed frame, closing connection")
			return ErrMalformed
		}
		msg, err := decode(data)
		if err != nil || !msg.valid() {
			rlog.Debug("ignoring message without a valid envelope")
			continue
		}
		msg.Sender = c.ID
		if m.opts.Accept != nil && !m.opts.Accept(c, msg) {
			continue
		}
		if err := m.Publish(ctx, msg); err != nil {
			rlog.WithError(err).Warn("publish failed")
		}
	}
}

// Publish sends msg to every instance, this one included.
func (m *Manager) Publish(ctx context.Context, msg *Message) error {
	payload, err := encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := m.ps.Publish(ctx, m.opts.Channel, payload); err != nil {
		m.opts.Metrics.PubSubError("publish")
		m.log.WithError(err).WithField("route", msg.Route).Error("pubsub publish failed")
		return err
	}
	return nil
}

func (m *Manager) Broadcast(ctx context.Context, typ string, data any) error {
	return m.Publish(ctx, &Message{Route: RouteBroadcast, Type: typ, Data: data})
}

func (m *Manager) SendRoom(ctx context.Context, room, typ string, data any) error {
	return m.Publish(ctx, &Message{Route: RouteRoom, Type: typ, Target: room, Data: data})
}

// SendClient targets a socket id or a client identity.
func (m *Manager) SendClient(ctx context.Context, target, typ string, data any) error {
	return m.Publish(ctx, &Message{Route: RouteClient, Type: typ, Target: target, Data: data})
}

// Control publishes an administrative operation such as join_room or kill.
func (m *Manager) Control(ctx context.Context, typ, target string, data any) error {
	return m.Publish(ctx, &Message{Route: RouteControl, Type: typ, Target: target, Data: data})
}

// Connection returns the local connection with the given socket id.
func (m *Manager) Connection(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Len returns the number of local connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close stops accepting connections, waits for the read loop to notice the
// stop flag and closes every local connection.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.accepting.Store(false)
		m.stop.Store(true)
		if m.loopDone != nil {
			<-m.loopDone
		}
		for _, c := range m.snapshot(func(*Connection) bool { return true }) {
			m.drop(c, StateKilled)
		}
	})
	return nil
}

// apply routes msg to local connections. Targets that do not exist here
// are ignored.
func (m *Manager) apply(ctx context.Context, msg *Message) {
	m.opts.Metrics.SocketMessage(string(msg.Route))

	switch msg.Route {
	case RouteBroadcast:
		m.fanOut(ctx, msg, m.snapshot(func(*Connection) bool { return true }))
	case RouteRoom:
		room := msg.Target
		m.fanOut(ctx, msg, m.snapshot(func(c *Connection) bool { return c.InRoom(room) }))
	case RouteClient:
		m.fanOut(ctx, msg, m.matching(msg.Target))
	case RouteControl:
		m.control(ctx, msg)
	}
}

func (m *Manager) control(ctx context.Context, msg *Message) {
	target := msg.Target
	if target == "" {
		target = msg.Sender
	}

	switch msg.Type {
	case ControlJoinRoom:
		room, ok := roomOf(msg)
		if !ok {
			return
		}
		for _, c := range m.matching(target) {
			c.join(room)
		}
	case ControlLeaveRoom:
		room, ok := roomOf(msg)
		if !ok {
			return
		}
		for _, c := range m.matching(target) {
			c.leave(room)
		}
	case ControlKill:
		for _, c := range m.matching(target) {
			m.kill(c)
		}
	case ControlKillRoom:
		room := msg.room()
		for _, c := range m.snapshot(func(c *Connection) bool { return c.InRoom(room) }) {
			m.kill(c)
		}
	case ControlWhoami:
		for _, c := range m.matching(msg.Sender) {
			reply := &Message{Route: RouteControl, Type: ControlWhoami, Target: c.ID, Data: map[string]any{
				"id":        c.ID,
				"client_id": m.opts.ClientIdentity(c),
				"rooms":     c.Rooms(),
			}}
			m.fanOut(ctx, reply, []*Connection{c})
		}
	default:
		m.log.WithField("type", msg.Type).Debug("unknown control message")
	}
}

// roomOf reads the room of a join/leave message from data.room only, since
// Target names the connection.
func roomOf(msg *Message) (string, bool) {
	if d, ok := msg.Data.(map[string]any); ok {
		if r, ok := d["room"].(string); ok && r != "" {
			return r, true
		}
	}
	return "", false
}

// fanOut queues msg on every connection concurrently. A connection whose
// queue stays full for WriteTimeout is dropped; the others are unaffected.
func (m *Manager) fanOut(_ context.Context, msg *Message, conns []*Connection) {
	if len(conns) == 0 {
		return
	}
	payload, err := encode(msg)
	if err != nil {
		m.log.WithError(err).Error("encode message")
		return
	}

	p := pool.New().WithErrors()
	for _, c := range conns {
		p.Go(func() error {
			err := c.enqueue(payload, m.opts.WriteTimeout)
			switch {
			case err == nil, errors.Is(err, errConnectionGone):
				return nil
			case errors.Is(err, ErrSlowConsumer):
				m.drop(c, StateDisconnecting)
			}
			return fmt.Errorf("send to %s: %w", c.ID, err)
		})
	}
	if err := p.Wait(); err != nil {
		m.log.WithError(err).WithField("route", msg.Route).Warn("fan-out incomplete")
	}
}

func (m *Manager) snapshot(keep func(*Connection) bool) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if c.State() == StateOpen && keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// matching returns the connections whose socket id or client identity is
// target.
func (m *Manager) matching(target string) []*Connection {
	if target == "" {
		return nil
	}
	return m.snapshot(func(c *Connection) bool {
		return c.ID == target || m.opts.ClientIdentity(c) == target
	})
}

// kill flags c as killed before closing the transport so its read loop
// sees a closed connection rather than a client disconnect.
func (m *Manager) kill(c *Connection) {
	m.drop(c, StateKilled)
}

func (m *Manager) disconnect(ctx context.Context, c *Connection) {
	if !m.drop(c, StateDisconnecting) || !m.opts.NotifyDisconnect {
		return
	}
	_ = m.Broadcast(ctx, TypeDisconnected, map[string]any{"id": c.ID, "client_id": m.opts.ClientIdentity(c)})
}

// drop moves c through state to Closed, unlinks it and closes its socket.
// It reports false when c was already on its way out.
func (m *Manager) drop(c *Connection, state State) bool {
	if !c.transition(state, StateOpen, StateConnecting) {
		return false
	}
	m.mu.Lock()
	if m.conns[c.ID] == c {
		delete(m.conns, c.ID)
	}
	m.mu.Unlock()

	c.closeSocket()
	m.opts.Metrics.ConnectionClosed()
	c.setState(StateClosed)
	return true
}

// OwnTargetsOnly is an Options.Accept policy: a client may join, leave or
// kill only its own connections unless it is an admin, and only admins may
// kill a room.
func OwnTargetsOnly(c *Connection, msg *Message) bool {
	if msg.Route != RouteControl || c.IsAdmin() {
		return true
	}
	switch msg.Type {
	case ControlKillRoom:
		return false
	case ControlJoinRoom, ControlLeaveRoom, ControlKill:
		return msg.Target == "" || msg.Target == c.ID || (c.ClientID != "" && msg.Target == c.ClientID)
	}
	return true
}
