// Package protocol defines the wire envelope of the OneBot-style protocol
// terminated by obhub: frame classification, the typed event taxonomy, and
// the message-content variant (plain text or structured segment list).
//
// Only the fields the runtime routes and filters on are modeled here; the
// rest of every payload stays opaque and is preserved in Event.Raw.
package protocol

import "strings"

// EventKind is the top-level discriminator of an inbound event frame.
type EventKind string

const (
	KindMessage EventKind = "message"
	KindNotice  EventKind = "notice"
	KindRequest EventKind = "request"
	KindMeta    EventKind = "meta_event"
)

// SourceKind distinguishes direct messages from group messages.
type SourceKind string

const (
	SourcePrivate SourceKind = "private"
	SourceGroup   SourceKind = "group"
)

// Role is a sender's permission level inside a group, ordered ascending.
// Superuser outranks every group role and is assigned from configuration,
// never from the wire.
type Role int

const (
	RoleMember Role = iota + 1
	RoleAdmin
	RoleOwner
	RoleSuperuser
)

// ParseRole maps the wire representation of a sender role. Unknown or empty
// values fall back to member.
func ParseRole(s string) Role {
	switch s {
	case "owner":
		return RoleOwner
	case "admin":
		return RoleAdmin
	default:
		return RoleMember
	}
}

// Segment is one element of a structured message.
type Segment struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Content is the message body variant: exactly one of plain text or an
// ordered segment sequence.
type Content struct {
	text       string
	segments   []Segment
	structured bool
}

// TextContent builds the plain-text case.
func TextContent(text string) Content {
	return Content{text: text}
}

// SegmentContent builds the structured case.
func SegmentContent(segments []Segment) Content {
	return Content{segments: segments, structured: true}
}

// Structured reports whether the content is a segment sequence.
func (c Content) Structured() bool {
	return c.structured
}

// Text returns the plain-text case body. Empty for structured content.
func (c Content) Text() string {
	return c.text
}

// Segments returns the structured case body. Nil for plain text.
func (c Content) Segments() []Segment {
	return c.segments
}

// Plain flattens the content to text: the text case verbatim, or the
// concatenation of all text segments of the structured case.
func (c Content) Plain() string {
	if !c.structured {
		return c.text
	}
	var b strings.Builder
	for _, seg := range c.segments {
		if seg.Type != "text" {
			continue
		}
		if t, ok := seg.Data["text"].(string); ok {
			b.WriteString(t)
		}
	}
	return b.String()
}

// Event is one classified inbound frame.
//
// The zero value propagates; StopPropagation clears the continue-chain flag,
// halting further handler and subscriber delivery for this event.
type Event struct {
	Kind    EventKind
	ConnID  string
	SelfID  int64
	Time    int64
	SubType string

	// Message-class fields. Zero for other kinds.
	Source     SourceKind
	MessageID  int64
	UserID     int64
	GroupID    int64
	SenderRole Role
	RawText    string
	Content    Content

	// Raw is the unmodified frame for collaborators that need fields this
	// core does not model.
	Raw []byte

	stopped bool
}

// StopPropagation clears the continue-chain flag for this event.
func (e *Event) StopPropagation() {
	e.stopped = true
}

// Propagating reports whether the event should still be delivered to
// further handlers and subscribers.
func (e *Event) Propagating() bool {
	return !e.stopped
}
