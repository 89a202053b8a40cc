// Package registry owns user identities, presence, and the binding between a
// user and its live connection channel. All shared state is encapsulated
// behind the Registry methods; callers never touch the maps directly.
package registry

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/rokoss21/enigmo-sub000/internal/protocol"
)

var (
	// ErrUserExists rejects a second registration for the same identity.
	ErrUserExists = errors.New("user already registered")
	// ErrUserNotFound reports an unknown user id.
	ErrUserNotFound = errors.New("user not found")
)

// User is a registered identity. Key material is opaque to the server and
// carried verbatim; only the auth service ever decodes the signing key.
type User struct {
	ID                  string    `json:"id"`
	Nickname            string    `json:"nickname,omitempty"`
	PublicSigningKey    string    `json:"publicSigningKey"`
	PublicEncryptionKey string    `json:"publicEncryptionKey"`
	IsOnline            bool      `json:"isOnline"`
	LastSeen            time.Time `json:"lastSeen"`
}

// Channel is one live duplex connection's outbound half. Implementations
// must be safe for concurrent Send calls.
type Channel interface {
	Send(v any) error
}

// Stats summarizes the user population.
type Stats struct {
	TotalUsers   int `json:"totalUsers"`
	OnlineUsers  int `json:"onlineUsers"`
	OfflineUsers int `json:"offlineUsers"`
}

// DeriveUserID hashes a public signing key into a stable user identity.
func DeriveUserID(publicSigningKey string) string {
	sum := blake2b.Sum256([]byte(publicSigningKey))
	return hex.EncodeToString(sum[:16])
}

// Registry tracks users, presence, and channel bindings.
type Registry struct {
	log *zap.Logger

	mu        sync.RWMutex
	users     map[string]*User
	channels  map[string]Channel
	byChannel map[Channel]string

	nowFn func() time.Time
}

// New builds an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:       log,
		users:     make(map[string]*User),
		channels:  make(map[string]Channel),
		byChannel: make(map[Channel]string),
		nowFn:     time.Now,
	}
}

// Register stores a new offline user. A second registration for the same id
// fails without touching the first user's keys.
func (r *Registry) Register(id, publicSigningKey, publicEncryptionKey, nickname string) (User, error) {
	if id == "" {
		return User{}, errors.New("user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[id]; exists {
		return User{}, ErrUserExists
	}
	user := &User{
		ID:                  id,
		Nickname:            nickname,
		PublicSigningKey:    publicSigningKey,
		PublicEncryptionKey: publicEncryptionKey,
		LastSeen:            r.nowFn(),
	}
	r.users[id] = user
	r.log.Info("user registered", zap.String("user_id", id))
	return *user, nil
}

// Authenticate marks the user online and refreshes lastSeen.
func (r *Registry) Authenticate(id string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	user.IsOnline = true
	user.LastSeen = r.nowFn()
	return *user, nil
}

// Get fetches a user snapshot by id.
func (r *Registry) Get(id string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return User{}, false
	}
	return *user, true
}

// Connect binds a channel to a user id, flips presence to online, and
// broadcasts the transition to every other connected channel. A new channel
// for the same id supersedes tracking for the old one; the old channel is
// not closed here.
func (r *Registry) Connect(id string, ch Channel) {
	r.mu.Lock()
	user, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("connect for unknown user", zap.String("user_id", id))
		return
	}
	if old, bound := r.channels[id]; bound {
		delete(r.byChannel, old)
	}
	r.channels[id] = ch
	r.byChannel[ch] = id
	user.IsOnline = true
	user.LastSeen = r.nowFn()
	snapshot := *user
	targets := r.otherChannelsLocked(id)
	r.mu.Unlock()

	r.log.Info("user connected", zap.String("user_id", id))
	r.broadcastStatus(snapshot, targets)
}

// Disconnect removes the user's channel binding, flips presence offline,
// and broadcasts the transition. Unknown ids are a no-op.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	user, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if ch, bound := r.channels[id]; bound {
		delete(r.byChannel, ch)
		delete(r.channels, id)
	}
	user.IsOnline = false
	user.LastSeen = r.nowFn()
	snapshot := *user
	targets := r.otherChannelsLocked(id)
	r.mu.Unlock()

	r.log.Info("user disconnected", zap.String("user_id", id))
	r.broadcastStatus(snapshot, targets)
}

// DisconnectByChannel resolves the bound user for a channel and disconnects
// it. Unbound channels are a no-op.
func (r *Registry) DisconnectByChannel(ch Channel) {
	r.mu.RLock()
	id, ok := r.byChannel[ch]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.Disconnect(id)
}

// Send serializes and writes an envelope to the user's bound channel. A
// write failure disconnects the user; no channel means immediate failure.
func (r *Registry) Send(id string, v any) bool {
	r.mu.RLock()
	ch, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := ch.Send(v); err != nil {
		r.log.Warn("channel write failed", zap.String("user_id", id), zap.Error(err))
		r.Disconnect(id)
		return false
	}
	return true
}

// IsOnline reports whether the user currently has presence.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	return ok && user.IsOnline
}

// OnlineUsers lists snapshots of every online user.
func (r *Registry) OnlineUsers() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, 0, len(r.channels))
	for _, user := range r.users {
		if user.IsOnline {
			out = append(out, *user)
		}
	}
	return out
}

// GetStats returns total/online/offline counts.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := 0
	for _, user := range r.users {
		if user.IsOnline {
			online++
		}
	}
	return Stats{
		TotalUsers:   len(r.users),
		OnlineUsers:  online,
		OfflineUsers: len(r.users) - online,
	}
}

type boundChannel struct {
	id string
	ch Channel
}

func (r *Registry) otherChannelsLocked(excludeID string) []boundChannel {
	targets := make([]boundChannel, 0, len(r.channels))
	for id, ch := range r.channels {
		if id == excludeID {
			continue
		}
		targets = append(targets, boundChannel{id: id, ch: ch})
	}
	return targets
}

// broadcastStatus fans a presence envelope out to the given channels. A
// failed write disconnects that channel only; the loop always completes.
func (r *Registry) broadcastStatus(user User, targets []boundChannel) {
	if len(targets) == 0 {
		return
	}
	env := protocol.NewEnvelope(protocol.TypeUserStatusUpdate, map[string]any{
		"userId":   user.ID,
		"nickname": user.Nickname,
		"isOnline": user.IsOnline,
		"lastSeen": user.LastSeen.UTC().Format(time.RFC3339Nano),
	})
	for _, target := range targets {
		if err := target.ch.Send(env); err != nil {
			r.log.Warn("presence broadcast failed",
				zap.String("user_id", target.id), zap.Error(err))
			r.Disconnect(target.id)
		}
	}
}
