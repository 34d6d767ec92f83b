package command

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/keepmind9/obhub/internal/logger"
	"github.com/keepmind9/obhub/internal/protocol"
)

// Replier mirrors a command failure back to the chat that triggered it.
type Replier interface {
	Reply(ev *protocol.Event, text string) error
}

// EngineConfig carries the engine's global behavior flags.
type EngineConfig struct {
	// Superusers are sender ids that outrank every group role and pass
	// superuser-only filters.
	Superusers []int64

	// ReplyOnError mirrors handler failures to the originating chat as a
	// formatted error message.
	ReplyOnError bool

	// PropagateErrors surfaces handler failures to the caller of Dispatch
	// instead of swallowing them after logging.
	PropagateErrors bool
}

// Engine evaluates dynamic then static command matching for message events.
// Continuation sessions are stage 0 and run in the dispatcher before the
// engine is consulted.
type Engine struct {
	registry *Registry
	cfg      EngineConfig
	replier  Replier
}

// NewEngine creates an Engine over a registry.
func NewEngine(registry *Registry, cfg EngineConfig) *Engine {
	return &Engine{registry: registry, cfg: cfg}
}

// SetReplier installs the reply sink used when ReplyOnError is set.
func (g *Engine) SetReplier(r Replier) {
	g.replier = r
}

// Dispatch runs the dynamic table then the static table against a
// message-class event: filter, sort by priority descending, iterate matches
// invoking each handler. The cycle stops when a handler clears the event's
// continue-chain flag or fails. The returned error is non-nil only when
// PropagateErrors is configured.
func (g *Engine) Dispatch(ctx context.Context, ev *protocol.Event) error {
	if ev.Kind != protocol.KindMessage {
		return nil
	}

	for _, table := range [][]*entry{g.registry.dynamicSorted(), g.registry.staticSorted()} {
		for _, e := range table {
			if !g.admits(e, ev) {
				continue
			}
			if !e.matches(ev) {
				continue
			}

			if err := g.invoke(ctx, e, ev); err != nil {
				g.handleFailure(ctx, e, ev, err)
				if g.cfg.PropagateErrors {
					return err
				}
				return nil
			}
			if !ev.Propagating() {
				return nil
			}
		}
	}
	return nil
}

// admits applies the filter predicate shared by both tables, before the
// match spec is ever tested.
func (g *Engine) admits(e *entry, ev *protocol.Event) bool {
	if e.GroupName != "" && !g.registry.GroupEnabled(e.GroupName) {
		return false
	}
	if e.Source != ev.Source {
		return false
	}
	if e.SuperuserOnly && !g.isSuperuser(ev.UserID) {
		g.logPermissionViolation(e, ev, "superuser-only")
		return false
	}
	if containsID(e.BlockedUsers, ev.UserID) {
		return false
	}

	switch ev.Source {
	case protocol.SourceGroup:
		if containsID(e.BlockedGroups, ev.GroupID) {
			return false
		}
		if len(e.AllowedGroups) > 0 && !containsID(e.AllowedGroups, ev.GroupID) {
			return false
		}
		if len(e.AllowedUsers) > 0 && !containsID(e.AllowedUsers, ev.UserID) {
			return false
		}
		if g.roleLevel(ev) < e.requiredPermission() {
			g.logPermissionViolation(e, ev, "insufficient-role")
			return false
		}
	case protocol.SourcePrivate:
		if len(e.AllowedUsers) > 0 && !containsID(e.AllowedUsers, ev.UserID) {
			return false
		}
	}
	return true
}

func (e *entry) requiredPermission() protocol.Role {
	if e.Permission == 0 {
		return protocol.RoleMember
	}
	return e.Permission
}

// roleLevel computes the sender's effective permission level. Superusers
// outrank every group role.
func (g *Engine) roleLevel(ev *protocol.Event) protocol.Role {
	if g.isSuperuser(ev.UserID) {
		return protocol.RoleSuperuser
	}
	if ev.SenderRole == 0 {
		return protocol.RoleMember
	}
	return ev.SenderRole
}

func (g *Engine) isSuperuser(userID int64) bool {
	return containsID(g.cfg.Superusers, userID)
}

func (g *Engine) logPermissionViolation(e *entry, ev *protocol.Event, reason string) {
	logger.WithFields(logrus.Fields{
		"command": e.Name,
		"user_id": ev.UserID,
		"group":   ev.GroupID,
		"reason":  reason,
	}).Warn("command-permission-violation")
}

// invoke runs one handler with panic isolation.
func (g *Engine) invoke(ctx context.Context, e *entry, ev *protocol.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command: handler panic: %v", r)
		}
	}()
	return e.Handler(ctx, ev)
}

// handleFailure routes a handler failure: log, optional reply to the
// originating chat, optional descriptor-specific error handler.
func (g *Engine) handleFailure(ctx context.Context, e *entry, ev *protocol.Event, err error) {
	logger.WithFields(logrus.Fields{
		"command": e.Name,
		"user_id": ev.UserID,
		"error":   err,
	}).Error("command-handler-failed")

	if e.OnError != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(logrus.Fields{
						"command": e.Name,
						"panic":   r,
					}).Error("command-error-handler-panic-recovered")
				}
			}()
			e.OnError(ctx, ev, err)
		}()
	}

	if g.cfg.ReplyOnError && g.replier != nil {
		if replyErr := g.replier.Reply(ev, fmt.Sprintf("command failed: %v", err)); replyErr != nil {
			logger.WithFields(logrus.Fields{
				"command": e.Name,
				"error":   replyErr,
			}).Warn("failed-to-mirror-command-error")
		}
	}
}
