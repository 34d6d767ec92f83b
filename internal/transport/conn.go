package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keepmind9/obhub/pkg/constants"
)

// Role is the logical endpoint a remote peer connects as.
type Role string

const (
	// RoleUniversal carries both events and API traffic.
	RoleUniversal Role = "Universal"
	// RoleEvent carries inbound events only.
	RoleEvent Role = "Event"
	// RoleAPI carries outbound API calls only.
	RoleAPI Role = "API"
)

// ParseRole maps the X-Client-Role header value to a Role.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUniversal, RoleEvent, RoleAPI:
		return Role(s), true
	default:
		return "", false
	}
}

// Connection is one live websocket session attributed to a bot identity.
type Connection struct {
	ID         string
	Role       Role
	SelfID     int64
	RemoteAddr string

	conn     *websocket.Conn
	writeMu  sync.Mutex
	lastPong atomic.Int64 // unix nanoseconds of the last liveness signal
}

// Touch records a liveness signal (websocket pong or heartbeat meta-event).
func (c *Connection) Touch() {
	c.lastPong.Store(time.Now().UnixNano())
}

// LastPong returns the time of the last liveness signal.
func (c *Connection) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// WriteText sends one text frame. Writes are serialized per connection and
// carry a deadline.
func (c *Connection) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a websocket ping control frame.
func (c *Connection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.WriteTimeout))
}

// Close tears down the underlying socket. The read loop observes the close
// and unregisters the connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}
