package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/rokoss21/enigmo-sub000/internal/config"
	"github.com/rokoss21/enigmo-sub000/internal/protocol"
	"github.com/rokoss21/enigmo-sub000/internal/registry"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := config.Config{
		ListenAddress: "127.0.0.1:0",
		LogLevel:      "debug",
		Auth: config.AuthConfig{
			TokenTTL:        time.Hour,
			TimestampWindow: 5 * time.Minute,
		},
		Limits: config.LimitsConfig{MaxFrameBytes: 1 << 20},
	}
	srv := New(cfg, zaptest.NewLogger(t))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type testClient struct {
	conn   *websocket.Conn
	userID string
	priv   ed25519.PrivateKey
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("send %v frame: %v", frame["type"], err)
	}
}

// expectFrame reads until an envelope of the wanted type arrives, skipping
// presence broadcasts and other interleaved traffic.
func expectFrame(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		if frame["type"] == want {
			return frame
		}
	}
}

func registerAndAuth(t *testing.T, url, nickname string) *testClient {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	conn := dialWS(t, url)

	sendFrame(t, conn, map[string]any{
		"type":                "register",
		"publicSigningKey":    base64.StdEncoding.EncodeToString(pub),
		"publicEncryptionKey": base64.StdEncoding.EncodeToString(pub),
		"nickname":            nickname,
	})
	reply := expectFrame(t, conn, "register_success")
	userID, _ := reply["userId"].(string)
	if userID == "" {
		t.Fatalf("register_success without userId: %v", reply)
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	sendFrame(t, conn, map[string]any{
		"type":      "auth",
		"userId":    userID,
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ts))),
		"timestamp": ts,
	})
	authReply := expectFrame(t, conn, "auth_success")
	if token, _ := authReply["token"].(string); !strings.HasPrefix(token, "token_"+userID+"_") {
		t.Fatalf("auth_success with unexpected token: %v", authReply)
	}

	return &testClient{conn: conn, userID: userID, priv: priv}
}

func TestEndToEndMessaging(t *testing.T) {
	_, url := startTestServer(t)

	alice := registerAndAuth(t, url, "alice")
	bob := registerAndAuth(t, url, "bob")

	sendFrame(t, alice.conn, map[string]any{
		"type":             "send_message",
		"receiverId":       bob.userID,
		"encryptedContent": "opaque-ciphertext",
		"signature":        "opaque-signature",
	})

	sent := expectFrame(t, alice.conn, "message_sent")
	sentMsg, _ := sent["message"].(map[string]any)
	msgID, _ := sentMsg["id"].(string)
	if msgID == "" {
		t.Fatalf("message_sent without message id: %v", sent)
	}
	if sentMsg["status"] != "delivered" {
		t.Fatalf("expected delivered snapshot for an online receiver, got %v", sentMsg["status"])
	}

	pushed := expectFrame(t, bob.conn, "new_message")
	pushedMsg, _ := pushed["message"].(map[string]any)
	if pushedMsg["id"] != msgID {
		t.Fatalf("pushed id %v does not match sent id %s", pushedMsg["id"], msgID)
	}
	if pushedMsg["encryptedContent"] != "opaque-ciphertext" {
		t.Fatalf("payload mismatch: %v", pushedMsg["encryptedContent"])
	}

	sendFrame(t, bob.conn, map[string]any{
		"type":        "get_history",
		"otherUserId": alice.userID,
	})
	history := expectFrame(t, bob.conn, "message_history")
	messages, _ := history["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected exactly one message in history, got %d", len(messages))
	}
	first, _ := messages[0].(map[string]any)
	if first["encryptedContent"] != "opaque-ciphertext" {
		t.Fatalf("history content mismatch: %v", first)
	}

	// only the receiver may mark the message read
	sendFrame(t, alice.conn, map[string]any{"type": "mark_read", "messageId": msgID})
	if reply := expectFrame(t, alice.conn, "message_marked_read"); reply["success"] != false {
		t.Fatalf("sender mark_read must fail, got %v", reply)
	}
	sendFrame(t, bob.conn, map[string]any{"type": "mark_read", "messageId": msgID})
	if reply := expectFrame(t, bob.conn, "message_marked_read"); reply["success"] != true {
		t.Fatalf("receiver mark_read must succeed, got %v", reply)
	}
}

func TestAuthenticationGate(t *testing.T) {
	_, url := startTestServer(t)
	conn := dialWS(t, url)

	sendFrame(t, conn, map[string]any{"type": "get_users"})
	reply := expectFrame(t, conn, "error")
	if msg, _ := reply["message"].(string); !strings.Contains(msg, "authentication required") {
		t.Fatalf("expected authentication required error, got %v", reply)
	}

	// ping is allowed before auth and the loop survives malformed frames
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	expectFrame(t, conn, "error")

	sendFrame(t, conn, map[string]any{"type": "ping"})
	expectFrame(t, conn, "pong")
}

func TestRegisterDuplicateRejected(t *testing.T) {
	_, url := startTestServer(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	register := map[string]any{
		"type":                "register",
		"publicSigningKey":    base64.StdEncoding.EncodeToString(pub),
		"publicEncryptionKey": "enc-key",
	}

	first := dialWS(t, url)
	sendFrame(t, first, register)
	expectFrame(t, first, "register_success")

	second := dialWS(t, url)
	sendFrame(t, second, register)
	reply := expectFrame(t, second, "error")
	if msg, _ := reply["message"].(string); !strings.Contains(msg, "already registered") {
		t.Fatalf("expected duplicate rejection, got %v", reply)
	}
}

func TestAuthRejectsBadSignature(t *testing.T) {
	_, url := startTestServer(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	conn := dialWS(t, url)
	sendFrame(t, conn, map[string]any{
		"type":                "register",
		"publicSigningKey":    base64.StdEncoding.EncodeToString(pub),
		"publicEncryptionKey": "enc-key",
	})
	reply := expectFrame(t, conn, "register_success")
	userID, _ := reply["userId"].(string)

	ts := time.Now().UTC().Format(time.RFC3339)
	sendFrame(t, conn, map[string]any{
		"type":      "auth",
		"userId":    userID,
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(wrongPriv, []byte(ts))),
		"timestamp": ts,
	})
	expectFrame(t, conn, "error")

	// still unauthenticated
	sendFrame(t, conn, map[string]any{"type": "get_users"})
	expectFrame(t, conn, "error")
}

func TestGetUsersExcludesCaller(t *testing.T) {
	_, url := startTestServer(t)

	alice := registerAndAuth(t, url, "alice")
	bob := registerAndAuth(t, url, "bob")

	sendFrame(t, alice.conn, map[string]any{"type": "get_users"})
	reply := expectFrame(t, alice.conn, "users")
	users, _ := reply["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("expected exactly one other user, got %v", reply)
	}
	entry, _ := users[0].(map[string]any)
	if entry["id"] != bob.userID || entry["isOnline"] != true {
		t.Fatalf("expected bob online, got %v", entry)
	}
}

func TestAddToChat(t *testing.T) {
	_, url := startTestServer(t)

	alice := registerAndAuth(t, url, "alice")
	bob := registerAndAuth(t, url, "bob")

	sendFrame(t, alice.conn, map[string]any{"type": "add_to_chat", "target_user_id": alice.userID})
	expectFrame(t, alice.conn, "error")

	sendFrame(t, alice.conn, map[string]any{"type": "add_to_chat", "target_user_id": "nope"})
	expectFrame(t, alice.conn, "error")

	sendFrame(t, alice.conn, map[string]any{"type": "add_to_chat", "target_user_id": bob.userID})
	added := expectFrame(t, alice.conn, "chat_added")
	snapshot, _ := added["user"].(map[string]any)
	if snapshot["id"] != bob.userID {
		t.Fatalf("expected bob's presence snapshot, got %v", added)
	}
	notified := expectFrame(t, bob.conn, "added_to_chat")
	if notified["userId"] != alice.userID {
		t.Fatalf("expected notification naming alice, got %v", notified)
	}
}

func TestPresenceBroadcastOverWire(t *testing.T) {
	_, url := startTestServer(t)

	alice := registerAndAuth(t, url, "alice")
	bob := registerAndAuth(t, url, "bob")
	carol := registerAndAuth(t, url, "carol")

	for _, c := range []*testClient{alice, bob} {
		update := expectPresence(t, c.conn, carol.userID, true)
		if update["nickname"] != "carol" {
			t.Fatalf("expected carol's nickname in update, got %v", update)
		}
	}

	carol.conn.Close()
	for _, c := range []*testClient{alice, bob} {
		expectPresence(t, c.conn, carol.userID, false)
	}
}

// expectPresence waits for a user_status_update about a specific user.
func expectPresence(t *testing.T, conn *websocket.Conn, userID string, online bool) map[string]any {
	t.Helper()
	for {
		frame := expectFrame(t, conn, "user_status_update")
		if frame["userId"] == userID && frame["isOnline"] == online {
			return frame
		}
	}
}

func TestCallRelayScenario(t *testing.T) {
	srv, url := startTestServer(t)

	alice := registerAndAuth(t, url, "alice")
	bob := registerAndAuth(t, url, "bob")
	callID := "call-x"

	sendFrame(t, alice.conn, map[string]any{
		"type": "call_initiate", "call_id": callID, "to": bob.userID, "offer": "sdp-offer",
	})
	ring := expectFrame(t, bob.conn, "call_initiate")
	if ring["from"] != alice.userID || ring["offer"] != "sdp-offer" {
		t.Fatalf("unexpected relayed initiate: %v", ring)
	}
	session, ok := srv.dispatcher.calls.get(callID)
	if !ok || session.Status != callInitiated {
		t.Fatalf("expected tracked session in initiated state, got %+v ok=%v", session, ok)
	}

	sendFrame(t, bob.conn, map[string]any{
		"type": "call_accept", "call_id": callID, "answer": "sdp-answer",
	})
	accepted := expectFrame(t, alice.conn, "call_accept")
	if accepted["answer"] != "sdp-answer" {
		t.Fatalf("unexpected relayed accept: %v", accepted)
	}
	session, _ = srv.dispatcher.calls.get(callID)
	if session.Status != callRinging {
		t.Fatalf("expected ringing after accept, got %s", session.Status)
	}

	sendFrame(t, bob.conn, map[string]any{
		"type": "call_candidate", "call_id": callID, "candidate": "ice-1",
	})
	candidate := expectFrame(t, alice.conn, "call_candidate")
	if candidate["candidate"] != "ice-1" {
		t.Fatalf("unexpected relayed candidate: %v", candidate)
	}
	session, _ = srv.dispatcher.calls.get(callID)
	if session.Status != callRinging {
		t.Fatalf("candidate must not change status, got %s", session.Status)
	}

	sendFrame(t, alice.conn, map[string]any{
		"type": "call_restart", "call_id": callID, "offer": "sdp-offer-2",
	})
	expectFrame(t, bob.conn, "call_restart")
	sendFrame(t, bob.conn, map[string]any{
		"type": "call_restart_answer", "call_id": callID, "answer": "sdp-answer-2",
	})
	expectFrame(t, alice.conn, "call_restart_answer")

	sendFrame(t, alice.conn, map[string]any{"type": "call_end", "call_id": callID})
	expectFrame(t, bob.conn, "call_end")
	if _, ok := srv.dispatcher.calls.get(callID); ok {
		t.Fatalf("expected session removed after call_end")
	}

	// signals for the dead call id are silent no-ops; the loop stays alive
	sendFrame(t, bob.conn, map[string]any{
		"type": "call_accept", "call_id": callID, "answer": "sdp-late",
	})
	sendFrame(t, bob.conn, map[string]any{
		"type": "call_candidate", "call_id": callID, "candidate": "ice-late",
	})
	sendFrame(t, bob.conn, map[string]any{"type": "ping"})
	expectFrame(t, bob.conn, "pong")
}

// recordingChannel collects envelopes sent by the server side directly,
// for tests that drive the dispatcher loop without a real websocket.
type recordingChannel struct {
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (c *recordingChannel) Send(v any) error {
	env, ok := v.(protocol.Envelope)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return nil
}

func (c *recordingChannel) waitFor(t *testing.T, envType string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, env := range c.frames {
			if env.Type == envType {
				c.mu.Unlock()
				return env
			}
		}
		c.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %s envelope arrived", envType)
	return protocol.Envelope{}
}

// scriptedConn feeds raw frames to a dispatcher loop and closes it on demand.
type scriptedConn struct {
	ch   *recordingChannel
	in   chan []byte
	done chan struct{}
}

func runScriptedConn(srv *Server) *scriptedConn {
	c := &scriptedConn{
		ch:   &recordingChannel{},
		in:   make(chan []byte, 8),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		srv.dispatcher.Run(c.ch, func() ([]byte, error) {
			data, ok := <-c.in
			if !ok {
				return nil, io.EOF
			}
			return data, nil
		})
	}()
	return c
}

func (c *scriptedConn) deliver(t *testing.T, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal %v frame: %v", frame["type"], err)
	}
	c.in <- data
}

// closeAndWait ends the read loop and blocks until the deferred cleanup ran.
func (c *scriptedConn) closeAndWait(t *testing.T) {
	t.Helper()
	close(c.in)
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher loop did not exit")
	}
}

func newIdentity(t *testing.T) (string, string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(pub)
	return registry.DeriveUserID(encoded), encoded, priv
}

func authFrame(userID string, priv ed25519.PrivateKey) map[string]any {
	ts := time.Now().UTC().Format(time.RFC3339)
	return map[string]any{
		"type":      "auth",
		"userId":    userID,
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ts))),
		"timestamp": ts,
	}
}

func TestStaleConnectionCloseKeepsLiveBinding(t *testing.T) {
	srv, _ := startTestServer(t)

	userID, signingKey, priv := newIdentity(t)
	first := runScriptedConn(srv)
	first.deliver(t, map[string]any{
		"type":                "register",
		"publicSigningKey":    signingKey,
		"publicEncryptionKey": "enc-key",
	})
	first.ch.waitFor(t, "register_success")
	first.deliver(t, authFrame(userID, priv))
	first.ch.waitFor(t, "auth_success")

	// reconnect: the second channel supersedes the first
	second := runScriptedConn(srv)
	second.deliver(t, authFrame(userID, priv))
	second.ch.waitFor(t, "auth_success")

	first.closeAndWait(t)

	if !srv.users.IsOnline(userID) {
		t.Fatal("closing the superseded connection must not flip the user offline")
	}
	if !srv.users.Send(userID, protocol.NewEnvelope(protocol.TypePong, nil)) {
		t.Fatal("delivery to the live connection must still succeed")
	}
	second.ch.waitFor(t, protocol.TypePong)

	second.closeAndWait(t)
	if srv.users.IsOnline(userID) {
		t.Fatal("closing the live connection must flip the user offline")
	}
}

func TestReauthOnAuthenticatedConnectionRejected(t *testing.T) {
	srv, _ := startTestServer(t)

	aliceID, aliceKey, alicePriv := newIdentity(t)
	bobID, bobKey, bobPriv := newIdentity(t)
	if _, err := srv.users.Register(bobID, bobKey, "enc-key", "bob"); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	conn := runScriptedConn(srv)
	conn.deliver(t, map[string]any{
		"type":                "register",
		"publicSigningKey":    aliceKey,
		"publicEncryptionKey": "enc-key",
	})
	conn.ch.waitFor(t, "register_success")
	conn.deliver(t, authFrame(aliceID, alicePriv))
	conn.ch.waitFor(t, "auth_success")

	// a second auth, even with valid credentials, has no place in the
	// connection state machine
	conn.deliver(t, authFrame(bobID, bobPriv))
	reply := conn.ch.waitFor(t, "error")
	if msg, _ := reply.Fields["message"].(string); !strings.Contains(msg, "already authenticated") {
		t.Fatalf("expected already-authenticated rejection, got %v", reply.Fields)
	}

	if srv.users.IsOnline(bobID) {
		t.Fatal("rejected re-auth must not bring the second user online")
	}
	if !srv.users.Send(aliceID, protocol.NewEnvelope(protocol.TypePong, nil)) {
		t.Fatal("original binding must survive the rejected re-auth")
	}

	conn.closeAndWait(t)
}

func TestMessageToOfflineUserQueuedNotPushed(t *testing.T) {
	srv, url := startTestServer(t)

	alice := registerAndAuth(t, url, "alice")
	bob := registerAndAuth(t, url, "bob")
	bobID := bob.userID
	bob.conn.Close()

	// wait until the server has processed bob's disconnect
	expectPresence(t, alice.conn, bobID, false)

	sendFrame(t, alice.conn, map[string]any{
		"type":             "send_message",
		"receiverId":       bobID,
		"encryptedContent": "for-later",
		"signature":        "sig",
	})
	sent := expectFrame(t, alice.conn, "message_sent")
	msg, _ := sent["message"].(map[string]any)
	if msg["status"] != "sent" {
		t.Fatalf("expected queued message to stay at sent, got %v", msg["status"])
	}

	stats := srv.router.GetMessageStats()
	if stats.QueuedOffline != 1 {
		t.Fatalf("expected one offline-queued message, got %+v", stats)
	}
}
