// Package api correlates outbound API calls with their response frames.
//
// Every call is tagged with a fresh echo id and suspended on a channel until
// the matching response arrives or the deadline elapses. Responses with no
// matching pending call are dropped silently, which makes duplicate and late
// frames safe.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keepmind9/obhub/internal/logger"
	"github.com/keepmind9/obhub/internal/protocol"
	"github.com/keepmind9/obhub/pkg/constants"
)

// ErrTimeout is returned when no response arrives before the deadline.
var ErrTimeout = errors.New("api: call timed out")

// Sender delivers an encoded request frame to a specific connection.
type Sender interface {
	Send(connID string, data []byte) error
}

// Caller tracks in-flight API calls keyed by echo id.
type Caller struct {
	sender Sender

	mu      sync.Mutex
	pending map[string]chan *protocol.APIResponse
}

// NewCaller creates a Caller that sends through the given transport.
func NewCaller(sender Sender) *Caller {
	return &Caller{
		sender:  sender,
		pending: make(map[string]chan *protocol.APIResponse),
	}
}

// Call sends an API request over connID and suspends the caller until the
// response carrying the same echo arrives, the timeout elapses, or ctx is
// cancelled. The pending entry is removed exactly once on every path: by
// HandleResponse when it claims the call, or here otherwise.
func (c *Caller) Call(ctx context.Context, connID, action string, params interface{}, timeout time.Duration) (*protocol.APIResponse, error) {
	if timeout <= 0 {
		timeout = constants.DefaultAPITimeout
	}

	echo := uuid.NewString()
	ch := make(chan *protocol.APIResponse, 1)

	c.mu.Lock()
	c.pending[echo] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(protocol.APIRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		c.remove(echo)
		return nil, fmt.Errorf("api: marshal request: %w", err)
	}
	if err := c.sender.Send(connID, payload); err != nil {
		c.remove(echo)
		return nil, fmt.Errorf("api: send request: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"conn_id": connID,
		"action":  action,
		"echo":    echo,
	}).Debug("api-request-sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		if !c.remove(echo) {
			// HandleResponse won the race; the response is already
			// committed to the buffered channel.
			return <-ch, nil
		}
		logger.WithFields(logrus.Fields{
			"action":  action,
			"echo":    echo,
			"timeout": timeout,
		}).Warn("api-call-timed-out")
		return nil, ErrTimeout
	case <-ctx.Done():
		if !c.remove(echo) {
			return <-ch, nil
		}
		return nil, ctx.Err()
	}
}

// remove deletes a pending entry and reports whether it was still present.
func (c *Caller) remove(echo string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[echo]
	delete(c.pending, echo)
	return ok
}

// HandleResponse resolves the pending call carrying the response's echo.
// Returns false when no call is pending for that echo; the frame is dropped
// with no side effect.
func (c *Caller) HandleResponse(resp *protocol.APIResponse) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.Echo]
	if ok {
		delete(c.pending, resp.Echo)
	}
	c.mu.Unlock()

	if !ok {
		logger.WithField("echo", resp.Echo).Debug("unmatched-api-response-dropped")
		return false
	}
	ch <- resp
	return true
}

// PendingCount returns the number of in-flight calls.
func (c *Caller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
