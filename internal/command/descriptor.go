// Package command implements obhub's command-dispatch engine: descriptor
// registration (static and dynamic tables with group enable flags),
// priority-ordered matching with permission and source filtering, and the
// one-shot continuation sessions that wait for the next matching message
// from a specific sender.
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/keepmind9/obhub/internal/protocol"
)

// Handler executes a matched command. Clearing the event's continue-chain
// flag (Event.StopPropagation) halts further handler and subscriber
// delivery; returning an error aborts the dispatch cycle for this event.
type Handler func(ctx context.Context, ev *protocol.Event) error

// ErrorHandler receives a failure raised by this descriptor's Handler.
type ErrorHandler func(ctx context.Context, ev *protocol.Event, err error)

// Descriptor is a registrable routing rule. Descriptors are immutable after
// registration; dynamic ones can only be removed.
type Descriptor struct {
	// Name is a label used in logs only.
	Name string

	// Expressions is the match spec: the descriptor matches when ANY
	// expression matches the message's raw text. Expressions are compiled
	// at registration; invalid patterns reject the descriptor.
	Expressions []string

	// Predicate is the alternative match spec, evaluated over the full
	// event. A descriptor needs Expressions or a Predicate (or both; either
	// matching suffices).
	Predicate func(ev *protocol.Event) bool

	// Priority orders matching within a table, higher first. Ties execute
	// in implementation-defined order; callers must not rely on tie order.
	Priority int

	// AutoPriority makes RegisterDynamic assign (current max dynamic
	// priority)+1, or 0 when the dynamic table is empty. Ignored for
	// static registration.
	AutoPriority bool

	// Source is the message source kind this descriptor accepts.
	Source protocol.SourceKind

	// Permission is the minimum sender role for group-sourced events.
	// Zero means member.
	Permission protocol.Role

	// GroupName bundles the descriptor into a toggleable command group.
	// Empty means the descriptor cannot be toggled.
	GroupName string

	// SuperuserOnly restricts the descriptor to configured superusers.
	SuperuserOnly bool

	AllowedGroups []int64
	BlockedGroups []int64
	AllowedUsers  []int64
	BlockedUsers  []int64

	Handler Handler

	// OnError, when set, receives failures raised by Handler in addition
	// to the engine's own error handling.
	OnError ErrorHandler
}

// entry is a registered descriptor with its compiled match spec.
type entry struct {
	Descriptor
	id       string // dynamic table only
	seq      int    // static registration order, for stable tie iteration
	compiled []*regexp.Regexp
	key      string // duplicate-detection key; empty for predicate-only specs
}

func compileDescriptor(d Descriptor) (*entry, error) {
	if d.Handler == nil {
		return nil, errors.New("command: descriptor has no handler")
	}
	if len(d.Expressions) == 0 && d.Predicate == nil {
		return nil, errors.New("command: descriptor needs expressions or a predicate")
	}
	e := &entry{Descriptor: d}
	for _, expr := range d.Expressions {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("command: compile expression %q: %w", expr, err)
		}
		e.compiled = append(e.compiled, re)
	}
	// The duplicate-detection key is the source kind plus the expression
	// set: two rules with the same expressions but different source kinds
	// can never shadow each other. Predicate-only specs are not comparable
	// and skip the duplicate check.
	if len(d.Expressions) > 0 {
		e.key = string(d.Source) + "\x01" + strings.Join(d.Expressions, "\x00")
	}
	return e, nil
}

// matches tests the match spec against an already-filtered event.
func (e *entry) matches(ev *protocol.Event) bool {
	for _, re := range e.compiled {
		if re.MatchString(ev.RawText) {
			return true
		}
	}
	if e.Predicate != nil {
		return e.Predicate(ev)
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
