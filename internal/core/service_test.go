package core

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepmind9/obhub/internal/command"
	"github.com/keepmind9/obhub/internal/protocol"
)

func testServiceConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          0,
			UniversalPath: "/",
			EventPath:     "/event",
			APIPath:       "/api",
			APITimeout:    "2s",
		},
	}
}

func privateEvent(userID int64, text string) *protocol.Event {
	return &protocol.Event{
		Kind:    protocol.KindMessage,
		ConnID:  "conn-1",
		Source:  protocol.SourcePrivate,
		UserID:  userID,
		RawText: text,
	}
}

func TestDispatchEvent_CommandInvoked(t *testing.T) {
	svc := NewService(testServiceConfig())

	invoked := make(chan int64, 1)
	svc.Registry().RegisterStatic(command.Descriptor{
		Name:        "hello",
		Expressions: []string{`^/hello$`},
		Source:      protocol.SourcePrivate,
		Handler: func(ctx context.Context, ev *protocol.Event) error {
			invoked <- ev.UserID
			return nil
		},
	})

	svc.dispatchEvent(context.Background(), privateEvent(7, "/hello"))

	select {
	case userID := <-invoked:
		assert.Equal(t, int64(7), userID)
	default:
		t.Fatal("command handler not invoked")
	}
}

func TestDispatchEvent_BlockedUserDropped(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Security.BlockedUsers = []int64{9}
	svc := NewService(cfg)

	var invoked, notified bool
	svc.Registry().RegisterStatic(command.Descriptor{
		Expressions: []string{`.*`},
		Source:      protocol.SourcePrivate,
		Handler: func(ctx context.Context, ev *protocol.Event) error {
			invoked = true
			return nil
		},
	})
	svc.Subscribe(protocol.KindMessage, func(ev *protocol.Event) { notified = true })

	svc.dispatchEvent(context.Background(), privateEvent(9, "/anything"))

	assert.False(t, invoked)
	assert.False(t, notified)
}

func TestDispatchEvent_SessionConsumesBeforeEngine(t *testing.T) {
	svc := NewService(testServiceConfig())

	var invoked, notified bool
	svc.Registry().RegisterStatic(command.Descriptor{
		Expressions: []string{`.*`},
		Source:      protocol.SourcePrivate,
		Handler: func(ctx context.Context, ev *protocol.Event) error {
			invoked = true
			return nil
		},
	})
	svc.Subscribe(protocol.KindMessage, func(ev *protocol.Event) { notified = true })

	waitDone := make(chan *protocol.Event, 1)
	go func() {
		ev, _ := svc.WaitFor(privateEvent(7, ""), command.WaitSpec{Timeout: time.Second})
		waitDone <- ev
	}()
	require.Eventually(t, func() bool { return svc.Sessions().WaitingCount() == 1 }, time.Second, 5*time.Millisecond)

	svc.dispatchEvent(context.Background(), privateEvent(7, "the follow-up"))

	select {
	case got := <-waitDone:
		require.NotNil(t, got)
		assert.Equal(t, "the follow-up", got.RawText)
	case <-time.After(time.Second):
		t.Fatal("waiting session not resolved")
	}
	assert.False(t, invoked, "command engine must not see a consumed frame")
	assert.False(t, notified, "subscribers must not see a consumed frame")
}

func TestDispatchEvent_StopPropagationSkipsSubscribers(t *testing.T) {
	svc := NewService(testServiceConfig())

	svc.Registry().RegisterStatic(command.Descriptor{
		Expressions: []string{`^/quiet$`},
		Source:      protocol.SourcePrivate,
		Handler: func(ctx context.Context, ev *protocol.Event) error {
			ev.StopPropagation()
			return nil
		},
	})

	var notified bool
	svc.Subscribe(protocol.KindMessage, func(ev *protocol.Event) { notified = true })

	svc.dispatchEvent(context.Background(), privateEvent(7, "/quiet"))
	assert.False(t, notified)
}

func TestDispatchEvent_SubscribersByKind(t *testing.T) {
	svc := NewService(testServiceConfig())

	var mu sync.Mutex
	var got []protocol.EventKind
	record := func(kind protocol.EventKind) Subscriber {
		return func(ev *protocol.Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, kind)
		}
	}
	svc.Subscribe(protocol.KindNotice, record(protocol.KindNotice))
	svc.Subscribe(protocol.KindRequest, record(protocol.KindRequest))

	svc.dispatchEvent(context.Background(), &protocol.Event{Kind: protocol.KindNotice, SubType: "poke"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []protocol.EventKind{protocol.KindNotice}, got)
}

func TestDispatchEvent_SubscriberStopHaltsLaterSubscribers(t *testing.T) {
	svc := NewService(testServiceConfig())

	var calls []string
	svc.Subscribe(protocol.KindNotice, func(ev *protocol.Event) {
		calls = append(calls, "first")
		ev.StopPropagation()
	})
	svc.Subscribe(protocol.KindNotice, func(ev *protocol.Event) {
		calls = append(calls, "second")
	})

	svc.dispatchEvent(context.Background(), &protocol.Event{Kind: protocol.KindNotice})
	assert.Equal(t, []string{"first"}, calls)
}

func TestDispatchEvent_SubscriberPanicRecovered(t *testing.T) {
	svc := NewService(testServiceConfig())

	var reached bool
	svc.Subscribe(protocol.KindNotice, func(ev *protocol.Event) { panic("bad subscriber") })
	svc.Subscribe(protocol.KindNotice, func(ev *protocol.Event) { reached = true })

	assert.NotPanics(t, func() {
		svc.dispatchEvent(context.Background(), &protocol.Event{Kind: protocol.KindNotice})
	})
	assert.True(t, reached, "a panicking subscriber must not starve the rest")
}

func TestDispatchEvent_CommandsDisabled(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Commands.Disabled = true
	svc := NewService(cfg)

	var invoked bool
	svc.Registry().RegisterStatic(command.Descriptor{
		Expressions: []string{`.*`},
		Source:      protocol.SourcePrivate,
		Handler: func(ctx context.Context, ev *protocol.Event) error {
			invoked = true
			return nil
		},
	})

	var notified bool
	svc.Subscribe(protocol.KindMessage, func(ev *protocol.Event) { notified = true })

	svc.dispatchEvent(context.Background(), privateEvent(7, "/cmd"))
	assert.False(t, invoked)
	assert.True(t, notified, "subscribers still run when commands are disabled")
}

// startService runs the transport and returns a connected Universal peer.
func startService(t *testing.T, svc *Service) *websocket.Conn {
	t.Helper()
	require.NoError(t, svc.Transport().Start())
	t.Cleanup(func() { _ = svc.Stop() })

	header := http.Header{}
	header.Set("X-Client-Role", "Universal")
	header.Set("X-Self-ID", "10001")
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+svc.Transport().Addr()+"/", header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestService_EndToEndCommandReply(t *testing.T) {
	svc := NewService(testServiceConfig())
	svc.Registry().RegisterStatic(command.Descriptor{
		Name:        "ping",
		Expressions: []string{`^/ping$`},
		Source:      protocol.SourcePrivate,
		Handler: func(ctx context.Context, ev *protocol.Event) error {
			return svc.Reply(ev, "pong")
		},
	})

	ws := startService(t, svc)

	frame := `{"post_type":"message","message_type":"private","user_id":7,"message_id":1,"raw_message":"/ping","message":"/ping"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))

	// The handler replies through the API path on the same connection.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var req protocol.APIRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "send_private_msg", req.Action)
	require.NotEmpty(t, req.Echo)

	params, ok := req.Params.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(7), params["user_id"])
	assert.Equal(t, "pong", params["message"])

	// Complete the call so the handler goroutine unblocks.
	resp := `{"status":"ok","retcode":0,"data":{"message_id":99},"echo":"` + req.Echo + `"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(resp)))
}

func TestService_ReplyToGroup(t *testing.T) {
	svc := NewService(testServiceConfig())
	ws := startService(t, svc)

	require.Eventually(t, func() bool { return svc.Transport().Count() == 1 }, time.Second, 5*time.Millisecond)
	connID := svc.Transport().Connections()[0].ID

	done := make(chan error, 1)
	go func() {
		done <- svc.Reply(&protocol.Event{
			Kind:    protocol.KindMessage,
			ConnID:  connID,
			Source:  protocol.SourceGroup,
			UserID:  7,
			GroupID: 42,
		}, "heard you")
	}()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var req protocol.APIRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "send_group_msg", req.Action)
	params, ok := req.Params.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), params["group_id"])

	resp := `{"status":"ok","retcode":0,"echo":"` + req.Echo + `"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(resp)))
	require.NoError(t, <-done)
}

func TestService_HeartbeatTouchesConnection(t *testing.T) {
	svc := NewService(testServiceConfig())
	ws := startService(t, svc)

	require.Eventually(t, func() bool { return svc.Transport().Count() == 1 }, time.Second, 5*time.Millisecond)
	conn := svc.Transport().Connections()[0]
	before := conn.LastPong()

	time.Sleep(10 * time.Millisecond)
	hb := `{"post_type":"meta_event","meta_event_type":"heartbeat","interval":5000}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(hb)))

	assert.Eventually(t, func() bool { return conn.LastPong().After(before) }, time.Second, 5*time.Millisecond)
}

func TestService_MalformedFrameIgnored(t *testing.T) {
	svc := NewService(testServiceConfig())
	ws := startService(t, svc)

	require.Eventually(t, func() bool { return svc.Transport().Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json at all`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"mystery"}`)))

	// The connection survives junk frames.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, svc.Transport().Count())
}

func TestService_EventSelfIDFallsBackToHandshake(t *testing.T) {
	svc := NewService(testServiceConfig())

	got := make(chan int64, 1)
	svc.Subscribe(protocol.KindNotice, func(ev *protocol.Event) { got <- ev.SelfID })

	ws := startService(t, svc)
	frame := `{"post_type":"notice","notice_type":"poke","user_id":7}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))

	select {
	case selfID := <-got:
		assert.Equal(t, int64(10001), selfID)
	case <-time.After(time.Second):
		t.Fatal("notice not delivered")
	}
}
