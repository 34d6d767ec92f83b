package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keepmind9/obhub/internal/api"
	"github.com/keepmind9/obhub/internal/command"
	"github.com/keepmind9/obhub/internal/logger"
	"github.com/keepmind9/obhub/internal/protocol"
	"github.com/keepmind9/obhub/internal/transport"
)

// Subscriber receives classified events after command processing, as long
// as the event's continue-chain flag is still set.
type Subscriber func(ev *protocol.Event)

// Service is the process-scoped runtime instance. It owns the transport,
// the API correlator, the command registry/engine, and the continuation
// sessions, and routes every inbound frame through them.
type Service struct {
	config    *Config
	transport *transport.Manager
	caller    *api.Caller
	registry  *command.Registry
	engine    *command.Engine
	sessions  *command.SessionManager

	subMu       sync.RWMutex
	subscribers map[protocol.EventKind][]Subscriber
}

// NewService wires a Service from configuration. Static commands are
// registered by the embedding program through Registry before Run.
func NewService(config *Config) *Service {
	tm := transport.NewManager(transport.Config{
		Host:             config.Server.Host,
		Port:             config.Server.Port,
		UniversalPath:    config.Server.UniversalPath,
		EventPath:        config.Server.EventPath,
		APIPath:          config.Server.APIPath,
		AccessToken:      config.Server.AccessToken,
		HeartbeatTimeout: config.HeartbeatTimeout(),
	})

	s := &Service{
		config:      config,
		transport:   tm,
		caller:      api.NewCaller(tm),
		registry:    command.NewRegistry(),
		sessions:    command.NewSessionManager(),
		subscribers: make(map[protocol.EventKind][]Subscriber),
	}
	s.engine = command.NewEngine(s.registry, command.EngineConfig{
		Superusers:      config.Security.Superusers,
		ReplyOnError:    config.Commands.ReplyOnError,
		PropagateErrors: config.Commands.PropagateErrors,
	})
	s.engine.SetReplier(s)

	tm.OnFrame(s.handleFrame)
	tm.OnOpen(s.handleOpen)
	tm.OnClose(s.handleClose)
	return s
}

// Registry exposes the command registry for static and dynamic
// registration.
func (s *Service) Registry() *command.Registry {
	return s.registry
}

// Sessions exposes the continuation-session manager.
func (s *Service) Sessions() *command.SessionManager {
	return s.sessions
}

// Transport exposes the transport manager.
func (s *Service) Transport() *transport.Manager {
	return s.transport
}

// Subscribe registers an external subscriber for one event kind.
func (s *Service) Subscribe(kind protocol.EventKind, sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[kind] = append(s.subscribers[kind], sub)
}

// Run starts the transport and blocks until ctx is cancelled, then shuts
// the service down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.transport.Start(); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"host": s.config.Server.Host,
		"port": s.config.Server.Port,
	}).Info("obhub-service-started")

	<-ctx.Done()
	return s.Stop()
}

// Stop tears the transport down, closing every live connection.
func (s *Service) Stop() error {
	logger.Info("stopping-obhub-service")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.transport.Stop(ctx)
}

// handleOpen fires the connection-opened notification.
func (s *Service) handleOpen(c *transport.Connection) {
	logger.WithFields(logrus.Fields{
		"conn_id": c.ID,
		"role":    c.Role,
		"self_id": c.SelfID,
	}).Info("bot-connection-opened")
}

// handleClose fires the connection-closed notification with the role and
// identity of the departed peer.
func (s *Service) handleClose(c *transport.Connection, abnormal bool) {
	entry := logger.WithFields(logrus.Fields{
		"conn_id":  c.ID,
		"role":     c.Role,
		"self_id":  c.SelfID,
		"abnormal": abnormal,
	})
	if abnormal {
		entry.Warn("bot-connection-lost")
	} else {
		entry.Info("bot-connection-closed")
	}
}

// handleFrame dispatches every inbound frame on its own goroutine. Frames
// from the same connection may therefore be processed out of arrival
// order; the protocol carries no ordering requirement across events.
func (s *Service) handleFrame(c *transport.Connection, data []byte) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"conn_id": c.ID,
					"panic":   r,
				}).Error("frame-dispatch-panic-recovered")
			}
		}()
		s.dispatchFrame(c, data)
	}()
}

func (s *Service) dispatchFrame(c *transport.Connection, data []byte) {
	switch protocol.Sniff(data) {
	case protocol.FrameAPIResponse:
		resp, err := protocol.ParseResponse(data)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"error":   err,
			}).Debug("malformed-api-response-dropped")
			return
		}
		s.caller.HandleResponse(resp)

	case protocol.FrameHeartbeat:
		c.Touch()

	case protocol.FrameEvent:
		ev, err := protocol.ParseEvent(c.ID, data)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"error":   err,
			}).Warn("malformed-event-dropped")
			return
		}
		if ev.SelfID == 0 {
			ev.SelfID = c.SelfID
		}
		s.dispatchEvent(context.Background(), ev)

	default:
		logger.WithField("conn_id", c.ID).Debug("unknown-frame-dropped")
	}
}

// dispatchEvent runs the event pipeline: continuation sessions first, then
// the command engine, then external subscribers, honoring the event's
// continue-chain flag at every stage.
func (s *Service) dispatchEvent(ctx context.Context, ev *protocol.Event) {
	if ev.Kind == protocol.KindMessage {
		if s.config.IsBlocked(ev.UserID) {
			logger.WithField("user_id", ev.UserID).Debug("blocked-user-message-dropped")
			return
		}

		// Stage 0: a matched waiting session consumes the frame; both the
		// command engine and external subscribers are skipped.
		if s.sessions.Offer(ev) {
			return
		}

		if !s.config.Commands.Disabled {
			if err := s.engine.Dispatch(ctx, ev); err != nil {
				logger.WithFields(logrus.Fields{
					"user_id": ev.UserID,
					"error":   err,
				}).Error("command-error-propagated")
			}
		}
		if !ev.Propagating() {
			return
		}
	}

	if ev.Kind == protocol.KindMeta && ev.SubType == "connect" {
		logger.WithFields(logrus.Fields{
			"conn_id": ev.ConnID,
			"self_id": ev.SelfID,
		}).Info("bot-lifecycle-connect")
	}

	s.notify(ev)
}

// notify delivers the event to the subscribers registered for its kind.
func (s *Service) notify(ev *protocol.Event) {
	s.subMu.RLock()
	subs := make([]Subscriber, len(s.subscribers[ev.Kind]))
	copy(subs, s.subscribers[ev.Kind])
	s.subMu.RUnlock()

	for _, sub := range subs {
		if !ev.Propagating() {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(logrus.Fields{
						"kind":  ev.Kind,
						"panic": r,
					}).Error("subscriber-panic-recovered")
				}
			}()
			sub(ev)
		}()
	}
}

// CallAPI issues an API call over a specific connection using the
// configured call timeout.
func (s *Service) CallAPI(ctx context.Context, connID, action string, params interface{}) (*protocol.APIResponse, error) {
	return s.caller.Call(ctx, connID, action, params, s.config.APITimeout())
}

// Reply sends a text message back to the chat an event originated from.
// It also serves the engine's error mirroring (command.Replier).
func (s *Service) Reply(ev *protocol.Event, text string) error {
	action := "send_private_msg"
	params := map[string]interface{}{
		"user_id": ev.UserID,
		"message": text,
	}
	if ev.Source == protocol.SourceGroup {
		action = "send_group_msg"
		params = map[string]interface{}{
			"group_id": ev.GroupID,
			"message":  text,
		}
	}
	_, err := s.CallAPI(context.Background(), ev.ConnID, action, params)
	return err
}

// WaitFor suspends the caller until the next message from the event's
// source identity matches spec, or the timeout elapses.
func (s *Service) WaitFor(ev *protocol.Event, spec command.WaitSpec) (*protocol.Event, error) {
	return s.sessions.Wait(command.IdentityOf(ev), spec)
}
