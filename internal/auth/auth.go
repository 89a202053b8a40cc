// Package auth issues bearer tokens and verifies public-key
// challenge-response signatures with a freshness window.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rokoss21/enigmo-sub000/internal/registry"
)

const tokenPrefix = "token_"

// UserDirectory is the slice of the connection registry the auth service
// needs: key lookup and presence activation.
type UserDirectory interface {
	Get(id string) (registry.User, bool)
	Authenticate(id string) (registry.User, error)
}

// Options tunes token lifetime and the signed-timestamp freshness window.
type Options struct {
	TokenTTL        time.Duration
	TimestampWindow time.Duration
}

// Service validates tokens and timestamp signatures against registered keys.
type Service struct {
	log             *zap.Logger
	users           UserDirectory
	tokenTTL        time.Duration
	timestampWindow time.Duration
	nowFn           func() time.Time
}

// NewService wires the auth service to the user directory.
func NewService(log *zap.Logger, users UserDirectory, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Service{
		log:             log,
		users:           users,
		tokenTTL:        opts.TokenTTL,
		timestampWindow: opts.TimestampWindow,
		nowFn:           time.Now,
	}
	if svc.tokenTTL <= 0 {
		svc.tokenTTL = time.Hour
	}
	if svc.timestampWindow <= 0 {
		svc.timestampWindow = 5 * time.Minute
	}
	return svc
}

// GenerateToken mints a bearer token of the form
// token_<userId>_<micros>_<6-digit random>. The microsecond timestamp plus
// the random suffix keeps two tokens for the same user distinct.
func (s *Service) GenerateToken(userID string) string {
	return fmt.Sprintf("%s%s_%d_%06d", tokenPrefix, userID, s.nowFn().UnixMicro(), randomSuffix())
}

// IsValidToken checks structure, the 6-digit numeric suffix, freshness, and
// that the referenced user exists. Parse failures return false, never panic.
func (s *Service) IsValidToken(token string) bool {
	userID, issued, ok := s.parseToken(token)
	if !ok {
		return false
	}
	if s.nowFn().Sub(issued) > s.tokenTTL {
		return false
	}
	_, exists := s.users.Get(userID)
	return exists
}

// AuthenticateUserByToken resolves a valid token to its user.
func (s *Service) AuthenticateUserByToken(token string) (registry.User, bool) {
	userID, issued, ok := s.parseToken(token)
	if !ok {
		return registry.User{}, false
	}
	if s.nowFn().Sub(issued) > s.tokenTTL {
		return registry.User{}, false
	}
	return s.users.Get(userID)
}

// VerifySignature checks a base64 signature over the UTF-8 bytes of message
// against the user's registered public signing key. Any decode or lookup
// failure returns false.
func (s *Service) VerifySignature(userID, message, signatureBase64 string) bool {
	user, ok := s.users.Get(userID)
	if !ok {
		return false
	}
	key, err := base64.StdEncoding.DecodeString(user.PublicSigningKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), []byte(message), sig)
}

// AuthenticateUser verifies a signed timestamp and, on success, activates
// the user's presence. Timestamps older than the freshness window are
// rejected; future timestamps are accepted as-is.
func (s *Service) AuthenticateUser(userID, signatureBase64, timestamp string) bool {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		s.log.Debug("unparsable auth timestamp",
			zap.String("user_id", userID), zap.String("timestamp", timestamp))
		return false
	}
	if s.nowFn().Sub(ts) > s.timestampWindow {
		s.log.Debug("auth timestamp outside freshness window", zap.String("user_id", userID))
		return false
	}
	if !s.VerifySignature(userID, timestamp, signatureBase64) {
		s.log.Debug("auth signature rejected", zap.String("user_id", userID))
		return false
	}
	if _, err := s.users.Authenticate(userID); err != nil {
		return false
	}
	return true
}

// CanAuthenticate reports whether the user id is registered at all.
func (s *Service) CanAuthenticate(userID string) bool {
	_, ok := s.users.Get(userID)
	return ok
}

// parseToken splits token_<userId>_<micros>_<suffix>. User ids may contain
// underscores, so the id is reassembled from the middle segments; the full
// token therefore needs at least four underscore-delimited segments.
func (s *Service) parseToken(token string) (userID string, issued time.Time, ok bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", time.Time{}, false
	}
	parts := strings.Split(token, "_")
	if len(parts) < 4 {
		return "", time.Time{}, false
	}

	suffix := parts[len(parts)-1]
	if len(suffix) != 6 {
		return "", time.Time{}, false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return "", time.Time{}, false
		}
	}

	micros, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}

	userID = strings.Join(parts[1:len(parts)-2], "_")
	if userID == "" {
		return "", time.Time{}, false
	}
	return userID, time.UnixMicro(micros), true
}

func randomSuffix() uint32 {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand never fails on supported platforms
		return 0
	}
	return binary.BigEndian.Uint32(raw[:]) % 1000000
}
