// Package constants defines shared constants used across obhub.
package constants

import "time"

const (
	// WriteTimeout is the deadline applied to every websocket write.
	WriteTimeout = 15 * time.Second

	// HandshakeTimeout is the maximum time allowed for a websocket upgrade.
	HandshakeTimeout = 10 * time.Second

	// ReadBufferSize is the websocket read buffer size in bytes.
	ReadBufferSize = 4096

	// WriteBufferSize is the websocket write buffer size in bytes.
	WriteBufferSize = 4096

	// DefaultHeartbeatTimeout is used when the config omits heartbeat_timeout.
	DefaultHeartbeatTimeout = 15 * time.Second

	// DefaultAPITimeout is used when the config omits api_timeout.
	DefaultAPITimeout = 30 * time.Second

	// MaxMessageSize is the maximum inbound frame size in bytes.
	// Frames above this limit close the connection.
	MaxMessageSize = 4 * 1024 * 1024
)
