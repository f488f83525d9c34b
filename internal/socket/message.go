package socket

import (
	"github.com/goccy/go-json"
)

type Route string

const (
	RouteBroadcast Route = "broadcast"
	RouteRoom      Route = "room"
	RouteClient    Route = "client"
	RouteControl   Route = "control"
)

// Control message types.
const (
	ControlJoinRoom  = "join_room"
	ControlLeaveRoom = "leave_room"
	ControlKill      = "kill"
	ControlKillRoom  = "kill_room"
	ControlWhoami    = "whoami"
)

// Types the manager emits itself.
const (
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
)

// Message is the envelope exchanged with clients and between instances.
// For room messages Target is the room; for client and control messages it
// is a socket id or client identity.
type Message struct {
	Route  Route  `json:"route"`
	Type   string `json:"type"`
	Sender string `json:"sender,omitempty"`
	Target string `json:"target,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func (m *Message) valid() bool {
	switch m.Route {
	case RouteBroadcast, RouteControl:
		return m.Type != ""
	case RouteRoom, RouteClient:
		return m.Type != "" && m.Target != ""
	}
	return false
}

// room returns data.room, falling back to Target.
func (m *Message) room() string {
	if d, ok := m.Data.(map[string]any); ok {
		if r, ok := d["room"].(string); ok && r != "" {
			return r
		}
	}
	return m.Target
}

func encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
