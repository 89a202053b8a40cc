// mockclient exercises the live wire protocol end to end: it registers an
// ed25519 identity, authenticates with a signed timestamp, and either sends
// one encrypted-looking payload to a peer or waits to receive one.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rokoss21/enigmo-sub000/internal/registry"
)

type clientConfig struct {
	serverURL    string
	role         string
	nickname     string
	payload      string
	timeout      time.Duration
	identitySeed string
	peerSeed     string
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock client failed: %v", err)
	}
	log.Printf("mock client role %s completed", cfg.role)
}

func parseConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.serverURL, "server", "ws://127.0.0.1:8080/ws", "Gateway WebSocket URL")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this client (sender|receiver)")
	flag.StringVar(&cfg.nickname, "nickname", "", "Optional nickname to register")
	flag.StringVar(&cfg.identitySeed, "identity-seed", "", "Seed for deterministic identity generation")
	flag.StringVar(&cfg.peerSeed, "peer-seed", "", "Seed for the peer identity (sender only)")
	flag.StringVar(&cfg.payload, "payload", "bW9jay1jaXBoZXJ0ZXh0", "Opaque payload to relay")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}
	if cfg.identitySeed == "" {
		cfg.identitySeed = "mock-" + cfg.role
	}
	if cfg.peerSeed == "" {
		cfg.peerSeed = "mock-" + peerRole(cfg.role)
	}
	return cfg
}

func run(cfg clientConfig) error {
	pub, priv := deriveKey(cfg.identitySeed)
	signingKey := base64.StdEncoding.EncodeToString(pub)
	userID := registry.DeriveUserID(signingKey)

	conn, _, err := websocket.DefaultDialer.Dial(cfg.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(cfg.timeout))

	if err := send(conn, map[string]any{
		"type":                "register",
		"publicSigningKey":    signingKey,
		"publicEncryptionKey": base64.StdEncoding.EncodeToString(randomKey()),
		"nickname":            cfg.nickname,
	}); err != nil {
		return err
	}
	// a repeat run re-registers the same identity; the rejection is expected
	if _, err := expect(conn, "register_success", "error"); err != nil {
		return err
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	if err := send(conn, map[string]any{
		"type":      "auth",
		"userId":    userID,
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ts))),
		"timestamp": ts,
	}); err != nil {
		return err
	}
	if _, err := expect(conn, "auth_success"); err != nil {
		return err
	}
	log.Printf("authenticated as %s", userID)

	switch cfg.role {
	case "receiver":
		return receiveOne(conn)
	default:
		peerPub, _ := deriveKey(cfg.peerSeed)
		peerID := registry.DeriveUserID(base64.StdEncoding.EncodeToString(peerPub))
		return sendOne(conn, priv, peerID, cfg.payload)
	}
}

func sendOne(conn *websocket.Conn, priv ed25519.PrivateKey, peerID, payload string) error {
	if err := send(conn, map[string]any{"type": "ping"}); err != nil {
		return err
	}
	if _, err := expect(conn, "pong"); err != nil {
		return err
	}

	if err := send(conn, map[string]any{
		"type":             "send_message",
		"receiverId":       peerID,
		"encryptedContent": payload,
		"signature":        base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(payload))),
	}); err != nil {
		return err
	}
	frame, err := expect(conn, "message_sent")
	if err != nil {
		return err
	}
	log.Printf("message sent: %v", frame["message"])
	return nil
}

func receiveOne(conn *websocket.Conn) error {
	frame, err := expect(conn, "new_message")
	if err != nil {
		return err
	}
	msg, _ := frame["message"].(map[string]any)
	id, _ := msg["id"].(string)
	log.Printf("received message %s", id)

	if err := send(conn, map[string]any{"type": "mark_read", "messageId": id}); err != nil {
		return err
	}
	if _, err := expect(conn, "message_marked_read"); err != nil {
		return err
	}
	return nil
}

func send(conn *websocket.Conn, frame map[string]any) error {
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %v frame: %w", frame["type"], err)
	}
	return nil
}

// expect reads frames until one of the wanted types arrives, skipping
// presence broadcasts and other chatter.
func expect(conn *websocket.Conn, types ...string) (map[string]any, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		frameType, _ := frame["type"].(string)
		for _, want := range types {
			if frameType == want {
				return frame, nil
			}
		}
		if frameType == "error" {
			return nil, fmt.Errorf("server error: %v", frame["message"])
		}
	}
}

func deriveKey(seed string) (ed25519.PublicKey, ed25519.PrivateKey) {
	sum := sha256.Sum256([]byte(seed))
	priv := ed25519.NewKeyFromSeed(sum[:])
	return priv.Public().(ed25519.PublicKey), priv
}

func peerRole(role string) string {
	if role == "sender" {
		return "receiver"
	}
	return "sender"
}

func randomKey() []byte {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return key
}
