// Package transport owns the reverse-websocket server side of obhub: it
// accepts role-multiplexed connections from remote bot clients, validates
// their handshake, supervises liveness with pings, and exposes send and
// broadcast primitives to the rest of the runtime.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/keepmind9/obhub/internal/logger"
	"github.com/keepmind9/obhub/pkg/constants"
)

// ErrConnectionNotFound is returned by Send when the target connection is
// not (or no longer) registered.
var ErrConnectionNotFound = errors.New("transport: connection not found")

// Config carries the listener and handshake settings for a Manager.
type Config struct {
	Host             string
	Port             int
	UniversalPath    string
	EventPath        string
	APIPath          string
	AccessToken      string
	HeartbeatTimeout time.Duration
}

// PathFor returns the request path configured for a role.
func (c Config) PathFor(role Role) string {
	switch role {
	case RoleEvent:
		return c.EventPath
	case RoleAPI:
		return c.APIPath
	default:
		return c.UniversalPath
	}
}

// FrameHandler receives every inbound text frame together with the
// connection it arrived on.
type FrameHandler func(conn *Connection, data []byte)

// OpenHandler is notified after a connection passed the handshake.
type OpenHandler func(conn *Connection)

// CloseHandler is notified after a connection is unregistered. abnormal is
// true for anything but a clean websocket close.
type CloseHandler func(conn *Connection, abnormal bool)

// Manager accepts, registers, and supervises connections.
type Manager struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Connection

	onFrame FrameHandler
	onOpen  OpenHandler
	onClose CloseHandler

	listener net.Listener
	server   *http.Server
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager. Handlers must be set before Start.
func NewManager(cfg Config) *Manager {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = constants.DefaultHeartbeatTimeout
	}
	return &Manager{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: constants.HandshakeTimeout,
			ReadBufferSize:   constants.ReadBufferSize,
			WriteBufferSize:  constants.WriteBufferSize,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Connection),
		done:  make(chan struct{}),
	}
}

// OnFrame sets the inbound frame handler.
func (m *Manager) OnFrame(h FrameHandler) { m.onFrame = h }

// OnOpen sets the connection-opened notification handler.
func (m *Manager) OnOpen(h OpenHandler) { m.onOpen = h }

// OnClose sets the connection-closed notification handler.
func (m *Manager) OnClose(h CloseHandler) { m.onClose = h }

// Start binds the listener and begins accepting connections and running
// heartbeat supervision. A port that is already bound surfaces here.
func (m *Manager) Start() error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	m.listener = listener
	m.server = &http.Server{Handler: http.HandlerFunc(m.handleUpgrade)}

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err).Error("transport-server-stopped")
		}
	}()
	go m.heartbeatLoop()

	logger.WithField("address", listener.Addr().String()).Info("transport-listening")
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop shuts the listener down and closes every live connection.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.done)
		if m.server != nil {
			err = m.server.Shutdown(ctx)
		}
		for _, c := range m.Connections() {
			_ = c.Close()
		}
	})
	return err
}

// handleUpgrade validates the two routing headers, the role-specific path,
// and the access token. Any failure closes the socket without registering a
// connection and without emitting events.
func (m *Manager) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	role, ok := ParseRole(r.Header.Get("X-Client-Role"))
	if !ok {
		logger.WithFields(logrus.Fields{
			"remote": r.RemoteAddr,
			"role":   r.Header.Get("X-Client-Role"),
		}).Warn("handshake-rejected-unknown-role")
		http.Error(w, "unknown client role", http.StatusForbidden)
		return
	}

	selfID, err := strconv.ParseInt(r.Header.Get("X-Self-ID"), 10, 64)
	if err != nil {
		logger.WithField("remote", r.RemoteAddr).Warn("handshake-rejected-missing-self-id")
		http.Error(w, "missing self id", http.StatusForbidden)
		return
	}

	if r.URL.Path != m.cfg.PathFor(role) {
		logger.WithFields(logrus.Fields{
			"remote": r.RemoteAddr,
			"role":   role,
			"path":   r.URL.Path,
		}).Warn("handshake-rejected-path-mismatch")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if !m.authorized(r) {
		logger.WithFields(logrus.Fields{
			"remote": r.RemoteAddr,
			"role":   role,
		}).Warn("handshake-rejected-bad-token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithField("error", err).Warn("websocket-upgrade-failed")
		return
	}

	c := &Connection{
		ID:         uuid.NewString(),
		Role:       role,
		SelfID:     selfID,
		RemoteAddr: r.RemoteAddr,
		conn:       ws,
	}
	c.Touch()
	ws.SetReadLimit(constants.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.Touch()
		return nil
	})

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"conn_id": c.ID,
		"role":    role,
		"self_id": selfID,
		"remote":  c.RemoteAddr,
	}).Info("connection-registered")

	_ = c.Ping()

	if m.onOpen != nil {
		go m.onOpen(c)
	}
	go m.readLoop(c)
}

// authorized checks the access token when one is configured. Both the
// "Token" and "Bearer" prefixes are accepted.
func (m *Manager) authorized(r *http.Request) bool {
	if m.cfg.AccessToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	auth = strings.TrimPrefix(auth, "Token ")
	auth = strings.TrimPrefix(auth, "Bearer ")
	return auth == m.cfg.AccessToken
}

// readLoop pumps frames off one connection until it dies, then unregisters
// it and fires the closed notification.
func (m *Manager) readLoop(c *Connection) {
	abnormal := true
	for {
		t, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				abnormal = false
			}
			break
		}
		if t != websocket.TextMessage {
			continue
		}
		if m.onFrame != nil {
			m.onFrame(c, data)
		}
	}
	m.drop(c, abnormal)
}

// drop removes a connection from the table. A connection missing from the
// table is an invariant violation; the socket is discarded and the service
// keeps running.
func (m *Manager) drop(c *Connection, abnormal bool) {
	m.mu.Lock()
	_, registered := m.conns[c.ID]
	delete(m.conns, c.ID)
	m.mu.Unlock()

	_ = c.Close()

	if !registered {
		logger.WithFields(logrus.Fields{
			"conn_id": c.ID,
			"remote":  c.RemoteAddr,
		}).Error("connection-removal-invariant-violated-discarding-socket")
		return
	}

	logger.WithFields(logrus.Fields{
		"conn_id":  c.ID,
		"role":     c.Role,
		"self_id":  c.SelfID,
		"abnormal": abnormal,
	}).Info("connection-closed")

	if m.onClose != nil {
		go m.onClose(c, abnormal)
	}
}

// heartbeatLoop pings every connection on a fixed interval and force-closes
// connections whose last liveness signal is staler than the timeout.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			for _, c := range m.Connections() {
				if time.Since(c.LastPong()) > m.cfg.HeartbeatTimeout {
					logger.WithFields(logrus.Fields{
						"conn_id":   c.ID,
						"self_id":   c.SelfID,
						"last_pong": c.LastPong(),
					}).Warn("heartbeat-timeout-closing-connection")
					_ = c.Close()
					continue
				}
				_ = c.Ping()
			}
		}
	}
}

// Get looks a live connection up by id.
func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Connections returns a snapshot of all live connections.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Send writes one text frame to a specific connection.
func (m *Manager) Send(connID string, data []byte) error {
	c, ok := m.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	return c.WriteText(data)
}

// Broadcast writes one text frame to every Event and Universal connection.
// Write failures are logged per connection; the connection's own read loop
// handles teardown.
func (m *Manager) Broadcast(data []byte) {
	for _, c := range m.Connections() {
		if c.Role != RoleEvent && c.Role != RoleUniversal {
			continue
		}
		if err := c.WriteText(data); err != nil {
			logger.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"error":   err,
			}).Warn("broadcast-write-failed")
		}
	}
}
