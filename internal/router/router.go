// Package router implements the message routing and delivery pipeline:
// identity assignment, the global and per-user logs, the per-conversation
// cache, offline queuing, and best-effort immediate delivery.
package router

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rokoss21/enigmo-sub000/internal/protocol"
)

// MessageStatus is the delivery lifecycle of one message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// MessageType classifies the opaque payload for the clients' benefit.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeVoice  MessageType = "voice"
	TypeVideo  MessageType = "video"
	TypeSystem MessageType = "system"
)

// Message is one routed ciphertext. Content and signature are opaque to the
// server; only status is ever mutated after creation.
type Message struct {
	ID               string            `json:"id"`
	SenderID         string            `json:"senderId"`
	ReceiverID       string            `json:"receiverId"`
	EncryptedContent string            `json:"encryptedContent"`
	Signature        string            `json:"signature"`
	Type             MessageType       `json:"type"`
	Timestamp        time.Time         `json:"timestamp"`
	Status           MessageStatus     `json:"status"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes the message store.
type Stats struct {
	TotalMessages     int `json:"totalMessages"`
	DeliveredMessages int `json:"deliveredMessages"`
	ReadMessages      int `json:"readMessages"`
	QueuedOffline     int `json:"queuedOffline"`
}

// Delivery is the slice of the connection registry the router needs to push
// messages to online receivers.
type Delivery interface {
	IsOnline(id string) bool
	Send(id string, v any) bool
}

// Metrics receives routing outcome counts; a nil implementation is allowed.
type Metrics interface {
	MessageRouted(delivered bool)
	DeliveryFailed()
	OfflineQueued(depth int)
}

// Router owns the message stores. Every mutating operation runs inside one
// mutex so that log append, cache update, and the delivery attempt of a
// single send cannot interleave with a concurrent send.
type Router struct {
	log      *zap.Logger
	delivery Delivery
	metrics  Metrics

	mu       sync.Mutex
	messages []*Message
	byID     map[string]*Message
	byUser   map[string][]*Message
	convs    map[string][]*Message
	offline  map[string][]*Message

	nowFn func() time.Time
}

// New builds a router that delivers through the given registry slice.
func New(log *zap.Logger, delivery Delivery, metrics Metrics) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		log:      log,
		delivery: delivery,
		metrics:  metrics,
		byID:     make(map[string]*Message),
		byUser:   make(map[string][]*Message),
		convs:    make(map[string][]*Message),
		offline:  make(map[string][]*Message),
		nowFn:    time.Now,
	}
}

// ConversationKey joins the two participant ids sorted lexicographically.
func ConversationKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// SendMessage assigns identity and ordering metadata, persists the message
// to the global log, both per-user logs and the conversation cache, then
// attempts immediate delivery. Delivery is fire-and-forget: a failed push
// leaves the message at status sent and is never reported to the sender.
// Receivers that are offline get the message queued, but the queue is never
// drained on reconnect; history remains the only way to observe those
// messages (deliberate ephemeral-mode policy).
func (r *Router) SendMessage(senderID, receiverID, encryptedContent, signature string,
	msgType MessageType, metadata map[string]string) Message {

	if msgType == "" {
		msgType = TypeText
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	msg := &Message{
		ID:               fmt.Sprintf("msg_%d_%06d", now.UnixMicro(), randomSuffix()),
		SenderID:         senderID,
		ReceiverID:       receiverID,
		EncryptedContent: encryptedContent,
		Signature:        signature,
		Type:             msgType,
		Timestamp:        now,
		Status:           StatusSent,
		Metadata:         cloneMetadata(metadata),
	}

	r.messages = append(r.messages, msg)
	r.byID[msg.ID] = msg
	r.byUser[senderID] = append(r.byUser[senderID], msg)
	if receiverID != senderID {
		r.byUser[receiverID] = append(r.byUser[receiverID], msg)
	}
	key := ConversationKey(senderID, receiverID)
	r.convs[key] = append(r.convs[key], msg)

	if r.delivery != nil && r.delivery.IsOnline(receiverID) {
		env := protocol.NewEnvelope(protocol.TypeNewMessage, map[string]any{
			"message": *msg,
		})
		if r.delivery.Send(receiverID, env) {
			msg.Status = StatusDelivered
			r.observeRouted(true)
		} else {
			r.observeRouted(false)
			r.observeDeliveryFailure()
		}
	} else {
		r.offline[receiverID] = append(r.offline[receiverID], msg)
		r.observeRouted(false)
		r.observeOfflineDepth()
	}

	return *msg
}

// GetMessageHistory returns the conversation between two users in ascending
// timestamp order, optionally filtered to messages strictly before a cutoff,
// truncated to the most recent limit entries. Serves from the conversation
// cache when present and rebuilds it from the global log otherwise.
func (r *Router) GetMessageHistory(userA, userB string, limit int, before *time.Time) []Message {
	if limit <= 0 {
		limit = 50
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := ConversationKey(userA, userB)
	cached, ok := r.convs[key]
	if !ok {
		cached = r.rebuildConversationLocked(key, userA, userB)
	}

	filtered := make([]Message, 0, len(cached))
	for _, msg := range cached {
		if before != nil && !msg.Timestamp.Before(*before) {
			continue
		}
		filtered = append(filtered, *msg)
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// GetUserMessages returns every message involving the user, newest first.
func (r *Router) GetUserMessages(userID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, 0, len(r.byUser[userID]))
	for i := len(r.messages) - 1; i >= 0; i-- {
		msg := r.messages[i]
		if msg.SenderID == userID || msg.ReceiverID == userID {
			out = append(out, *msg)
		}
	}
	return out
}

// MarkMessageAsRead flips a message to read. Only the receiver may do so;
// unknown ids and any other caller get false. The conversation cache entry
// for the pair is invalidated so stale read-state is never served.
func (r *Router) MarkMessageAsRead(messageID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[messageID]
	if !ok || msg.ReceiverID != userID {
		return false
	}
	msg.Status = StatusRead
	delete(r.convs, ConversationKey(msg.SenderID, msg.ReceiverID))
	return true
}

// GetMessageStats counts messages by delivery outcome.
func (r *Router) GetMessageStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{TotalMessages: len(r.messages)}
	for _, msg := range r.messages {
		switch msg.Status {
		case StatusDelivered:
			stats.DeliveredMessages++
		case StatusRead:
			stats.ReadMessages++
		}
	}
	for _, queued := range r.offline {
		stats.QueuedOffline += len(queued)
	}
	return stats
}

// rebuildConversationLocked rescans the global log for the pair; the cache
// must always be reconstructible from it.
func (r *Router) rebuildConversationLocked(key, userA, userB string) []*Message {
	rebuilt := make([]*Message, 0)
	for _, msg := range r.messages {
		if (msg.SenderID == userA && msg.ReceiverID == userB) ||
			(msg.SenderID == userB && msg.ReceiverID == userA) {
			rebuilt = append(rebuilt, msg)
		}
	}
	r.convs[key] = rebuilt
	return rebuilt
}

func (r *Router) observeRouted(delivered bool) {
	if r.metrics == nil {
		return
	}
	r.metrics.MessageRouted(delivered)
}

func (r *Router) observeDeliveryFailure() {
	if r.metrics == nil {
		return
	}
	r.metrics.DeliveryFailed()
}

func (r *Router) observeOfflineDepth() {
	if r.metrics == nil {
		return
	}
	depth := 0
	for _, queued := range r.offline {
		depth += len(queued)
	}
	r.metrics.OfflineQueued(depth)
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}

func randomSuffix() uint32 {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(raw[:]) % 1000000
}
