package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// FrameKind is the coarse classification of an inbound frame.
type FrameKind int

const (
	// FrameEvent is a pushed event (message/notice/request/meta-event).
	FrameEvent FrameKind = iota
	// FrameAPIResponse carries an echo and answers an outbound API call.
	FrameAPIResponse
	// FrameHeartbeat is a meta-event heartbeat; it feeds liveness tracking
	// instead of the event path.
	FrameHeartbeat
	// FrameUnknown matches no known shape and is dropped.
	FrameUnknown
)

// APIRequest is the outbound API call envelope.
type APIRequest struct {
	Action string      `json:"action"`
	Params interface{} `json:"params,omitempty"`
	Echo   string      `json:"echo,omitempty"`
}

// APIResponse is the inbound answer to an APIRequest, correlated by echo.
type APIResponse struct {
	Status  string          `json:"status"`
	RetCode int64           `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}

// Ok reports whether the remote side executed the call successfully.
func (r *APIResponse) Ok() bool {
	return r.Status == "ok"
}

// Sniff classifies a frame by its top-level discriminator without a full
// parse. A frame with a post_type is an event (heartbeats split off); a
// frame with an echo and no post_type is an API response.
func Sniff(data []byte) FrameKind {
	if gjson.GetBytes(data, "post_type").Exists() {
		if gjson.GetBytes(data, "meta_event_type").String() == "heartbeat" {
			return FrameHeartbeat
		}
		return FrameEvent
	}
	if gjson.GetBytes(data, "echo").Exists() {
		return FrameAPIResponse
	}
	return FrameUnknown
}

// ParseResponse decodes an API response frame.
func ParseResponse(data []byte) (*APIResponse, error) {
	var resp APIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("protocol: parse api response: %w", err)
	}
	if resp.Echo == "" {
		return nil, fmt.Errorf("protocol: api response without echo")
	}
	return &resp, nil
}

// ParseEvent decodes a pushed event frame and attributes it to the
// connection it arrived on.
func ParseEvent(connID string, data []byte) (*Event, error) {
	postType := gjson.GetBytes(data, "post_type").String()
	kind := EventKind(postType)
	switch kind {
	case KindMessage, KindNotice, KindRequest, KindMeta:
	default:
		return nil, fmt.Errorf("protocol: unknown post_type %q", postType)
	}

	ev := &Event{
		Kind:   kind,
		ConnID: connID,
		SelfID: gjson.GetBytes(data, "self_id").Int(),
		Time:   gjson.GetBytes(data, "time").Int(),
		Raw:    data,
	}

	switch kind {
	case KindMessage:
		ev.SubType = gjson.GetBytes(data, "sub_type").String()
		messageType := gjson.GetBytes(data, "message_type").String()
		switch SourceKind(messageType) {
		case SourcePrivate, SourceGroup:
			ev.Source = SourceKind(messageType)
		default:
			return nil, fmt.Errorf("protocol: unknown message_type %q", messageType)
		}
		ev.MessageID = gjson.GetBytes(data, "message_id").Int()
		ev.UserID = gjson.GetBytes(data, "user_id").Int()
		ev.GroupID = gjson.GetBytes(data, "group_id").Int()
		ev.SenderRole = ParseRole(gjson.GetBytes(data, "sender.role").String())
		ev.RawText = gjson.GetBytes(data, "raw_message").String()

		content, err := parseContent(gjson.GetBytes(data, "message"))
		if err != nil {
			return nil, err
		}
		ev.Content = content
		if ev.RawText == "" {
			ev.RawText = content.Plain()
		}
	case KindNotice:
		ev.SubType = gjson.GetBytes(data, "notice_type").String()
		ev.UserID = gjson.GetBytes(data, "user_id").Int()
		ev.GroupID = gjson.GetBytes(data, "group_id").Int()
	case KindRequest:
		ev.SubType = gjson.GetBytes(data, "request_type").String()
		ev.UserID = gjson.GetBytes(data, "user_id").Int()
		ev.GroupID = gjson.GetBytes(data, "group_id").Int()
	case KindMeta:
		ev.SubType = gjson.GetBytes(data, "sub_type").String()
		if ev.SubType == "" {
			ev.SubType = gjson.GetBytes(data, "meta_event_type").String()
		}
	}

	return ev, nil
}

// parseContent decodes the dynamically-typed message field: a string is the
// plain-text case, an array is the structured segment case.
func parseContent(res gjson.Result) (Content, error) {
	switch {
	case !res.Exists():
		return TextContent(""), nil
	case res.IsArray():
		var segments []Segment
		if err := json.Unmarshal([]byte(res.Raw), &segments); err != nil {
			return Content{}, fmt.Errorf("protocol: parse message segments: %w", err)
		}
		return SegmentContent(segments), nil
	case res.Type == gjson.String:
		return TextContent(res.String()), nil
	default:
		return Content{}, fmt.Errorf("protocol: message field is neither string nor array")
	}
}
