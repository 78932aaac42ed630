package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/gordoly/E2EEApp/internal/chat"
	"github.com/gordoly/E2EEApp/internal/presence"
	"github.com/gordoly/E2EEApp/internal/wire"
)

type gatewayFixture struct {
	srv   *httptest.Server
	store *memStore
	focus *presence.FocusTracker
}

func newGatewayFixture(t *testing.T, usernames ...string) *gatewayFixture {
	t.Helper()

	st := newMemStore(usernames...)
	log := zaptest.NewLogger(t)
	reg := presence.NewRegistry()
	focus := presence.NewFocusTracker()

	rooms := NewRoomService(log, st, st, st, reg, focus, nil)
	messages := NewMessageService(log, st, st, st, reg, focus, nil)
	auth := NewTokenAuthenticator(st, time.Second)
	gw := NewGateway(log, reg, focus, rooms, messages, auth, GatewayOptions{
		StorageTimeout: time.Second,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", gw.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &gatewayFixture{srv: srv, store: st, focus: focus}
}

// dial opens an authenticated client session for username and registers a
// cleanup close.
func (fx *gatewayFixture) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws/chat?token=tok-" + username
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", username, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// awaitFrame reads frames until one carries frameType, failing on timeout.
// Frames of other types arriving first are skipped, so tests stay insensitive
// to broadcast interleaving.
func awaitFrame(t *testing.T, conn *websocket.Conn, frameType string) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %q frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, content any) {
	t.Helper()
	if err := conn.WriteJSON(wire.Frame{Type: frameType, Content: content}); err != nil {
		t.Fatalf("sending %q frame: %v", frameType, err)
	}
}

func contentSlice(t *testing.T, frame wire.Frame) []any {
	t.Helper()
	slice, ok := frame.Content.([]any)
	if !ok {
		t.Fatalf("expected array content in %q frame, got %T", frame.Type, frame.Content)
	}
	return slice
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	fx := newGatewayFixture(t, "alice")

	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws/chat"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestGatewayPresenceBroadcasts(t *testing.T) {
	fx := newGatewayFixture(t, "alice", "bob")

	alice := fx.dial(t, "alice")
	first := awaitFrame(t, alice, wire.TypeBroadcast)
	if got := contentSlice(t, first); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected [alice], got %v", got)
	}

	bob := fx.dial(t, "bob")
	second := awaitFrame(t, alice, wire.TypeBroadcast)
	if got := contentSlice(t, second); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", got)
	}
	own := awaitFrame(t, bob, wire.TypeBroadcast)
	if got := contentSlice(t, own); len(got) != 2 {
		t.Fatalf("expected both users in bob's snapshot, got %v", got)
	}

	_ = bob.Close()
	third := awaitFrame(t, alice, wire.TypeBroadcast)
	if got := contentSlice(t, third); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected snapshot to shrink to [alice], got %v", got)
	}
}

func TestGatewayFriendRequestAndMessageFlow(t *testing.T) {
	fx := newGatewayFixture(t, "alice", "bob")

	alice := fx.dial(t, "alice")
	bob := fx.dial(t, "bob")
	awaitFrame(t, alice, wire.TypeBroadcast)
	awaitFrame(t, bob, wire.TypeBroadcast)

	// alice invites bob to a direct chat.
	sendFrame(t, alice, wire.TypeCreateRoom, map[string]any{
		"receivers": []string{"bob"},
		"room_type": false,
	})

	request := awaitFrame(t, bob, wire.TypeNewRequest)
	reqContent := contentSlice(t, request)
	if reqContent[0] != "alice" {
		t.Fatalf("expected invitation from alice, got %v", reqContent)
	}
	requestID := reqContent[1].(float64)
	awaitFrame(t, alice, wire.TypeResponse)

	// bob accepts; alice learns of the resolution.
	sendFrame(t, bob, wire.TypeRequestRes, map[string]any{
		"request_id": requestID,
		"status":     1,
	})
	update := awaitFrame(t, alice, wire.TypeRequestUpdate)
	updContent := contentSlice(t, update)
	roomID := updContent[0].(float64)
	if updContent[1] != "bob" || updContent[2] != true {
		t.Fatalf("expected accepted resolution by bob, got %v", updContent)
	}

	// bob is not viewing the chat yet: the message must be stored, not
	// pushed.
	sendFrame(t, alice, wire.TypeSendMsg, map[string]any{
		"room_id":  roomID,
		"receiver": "bob",
		"message":  "ciphertext-1",
		"iv":       "iv-1",
	})
	waitFor(t, func() bool { return len(fx.store.storedMessages()) == 1 })

	// bob opens the chat; the next message arrives live.
	sendFrame(t, bob, wire.TypeJoinRoom, map[string]any{"room_id": roomID})
	waitFor(t, func() bool { return fx.focus.IsFocused("bob") })

	sendFrame(t, alice, wire.TypeSendMsg, map[string]any{
		"room_id":  roomID,
		"receiver": "bob",
		"message":  "ciphertext-2",
		"iv":       "iv-2",
	})
	live := awaitFrame(t, bob, wire.TypeNewMsg)
	msgContent := contentSlice(t, live)
	if msgContent[0] != "alice" || msgContent[2] != "ciphertext-2" || msgContent[4] != "iv-2" {
		t.Fatalf("unexpected live message content: %v", msgContent)
	}
	if len(fx.store.storedMessages()) != 1 {
		t.Fatal("live-delivered message must not be stored")
	}
}

func TestGatewayRejectsUnknownFrameType(t *testing.T) {
	fx := newGatewayFixture(t, "alice")

	alice := fx.dial(t, "alice")
	awaitFrame(t, alice, wire.TypeBroadcast)

	sendFrame(t, alice, "no_such_type", nil)
	resp := awaitFrame(t, alice, wire.TypeResponse)
	if resp.Content != "unsupported message type" {
		t.Fatalf("expected rejection text, got %v", resp.Content)
	}
}

func TestGatewayValidationErrorReachesClient(t *testing.T) {
	fx := newGatewayFixture(t, "alice")

	alice := fx.dial(t, "alice")
	awaitFrame(t, alice, wire.TypeBroadcast)

	sendFrame(t, alice, wire.TypeCreateRoom, map[string]any{
		"receivers": []string{},
		"room_type": false,
	})
	resp := awaitFrame(t, alice, wire.TypeResponse)
	if resp.Content != "no users were included in chat room creation" {
		t.Fatalf("unexpected rejection text: %v", resp.Content)
	}
}

func TestGatewayKeyChangeBroadcast(t *testing.T) {
	fx := newGatewayFixture(t, "alice", "bob")

	alice := fx.dial(t, "alice")
	bob := fx.dial(t, "bob")
	awaitFrame(t, bob, wire.TypeBroadcast)

	sendFrame(t, alice, wire.TypeKeyChange, nil)

	frame := awaitFrame(t, bob, wire.TypeUpdateKey)
	if frame.Content != "alice" {
		t.Fatalf("expected rotated username, got %v", frame.Content)
	}
}

func TestGatewayDisconnectClearsFocus(t *testing.T) {
	fx := newGatewayFixture(t, "alice")
	roomID, _ := fx.store.CreateRoom(context.Background(), "g", chat.KindGroup, "alice")

	alice := fx.dial(t, "alice")
	awaitFrame(t, alice, wire.TypeBroadcast)

	sendFrame(t, alice, wire.TypeJoinRoom, map[string]any{"room_id": roomID})
	waitFor(t, func() bool { return fx.focus.IsFocused("alice") })

	_ = alice.Close()
	waitFor(t, func() bool { return !fx.focus.IsFocused("alice") })
}

func TestGatewayReconnectStartsUnfocused(t *testing.T) {
	fx := newGatewayFixture(t, "alice", "bob")
	ctx := context.Background()
	roomID, _ := fx.store.CreateRoom(ctx, "", chat.KindDirect, "alice")
	_ = fx.store.AddMember(ctx, roomID, "bob")

	first := fx.dial(t, "bob")
	awaitFrame(t, first, wire.TypeBroadcast)
	sendFrame(t, first, wire.TypeJoinRoom, map[string]any{"room_id": roomID})
	waitFor(t, func() bool { return fx.focus.IsFocused("bob") })

	// A replacement connection starts over: no focus carries across, even
	// while the old socket is still open.
	second := fx.dial(t, "bob")
	awaitFrame(t, second, wire.TypeBroadcast)
	waitFor(t, func() bool { return !fx.focus.IsFocused("bob") })

	// The stale socket's teardown must not disturb the fresh session.
	_ = first.Close()
	time.Sleep(100 * time.Millisecond)
	if fx.focus.IsFocused("bob") {
		t.Fatal("focus must not reappear after the old socket dies")
	}

	// With bob unfocused, a message routes to storage, not to the socket.
	alice := fx.dial(t, "alice")
	awaitFrame(t, alice, wire.TypeBroadcast)
	sendFrame(t, alice, wire.TypeSendMsg, map[string]any{
		"room_id":  roomID,
		"receiver": "bob",
		"message":  "ciphertext",
		"iv":       "iv-1",
	})
	waitFor(t, func() bool { return len(fx.store.storedMessages()) == 1 })
}

func TestGatewayLastConnectWins(t *testing.T) {
	fx := newGatewayFixture(t, "alice", "bob")

	observer := fx.dial(t, "bob")
	awaitFrame(t, observer, wire.TypeBroadcast)

	first := fx.dial(t, "alice")
	awaitFrame(t, observer, wire.TypeBroadcast)

	// A second connection for the same user replaces the first handle.
	second := fx.dial(t, "alice")

	// Closing the stale first socket must not knock alice offline.
	_ = first.Close()
	time.Sleep(100 * time.Millisecond)

	sendFrame(t, observer, wire.TypeCreateRoom, map[string]any{
		"receivers": []string{"alice"},
		"room_type": false,
	})
	request := awaitFrame(t, second, wire.TypeNewRequest)
	if got := contentSlice(t, request); got[0] != "bob" {
		t.Fatalf("expected invitation routed to the newer connection, got %v", got)
	}
}

// waitFor polls cond until it holds or the deadline passes. Used for effects
// that have no acknowledgement frame.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
