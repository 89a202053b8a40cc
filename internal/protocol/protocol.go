// Package protocol defines the typed JSON envelopes exchanged over a client
// connection. Every inbound frame carries a "type" tag; Decode maps the tag
// to a closed set of request variants with per-variant field validation so
// malformed commands are rejected before they reach a handler.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound envelope types.
const (
	TypeRegister          = "register"
	TypeAuth              = "auth"
	TypeSendMessage       = "send_message"
	TypeGetHistory        = "get_history"
	TypeMarkRead          = "mark_read"
	TypeGetUsers          = "get_users"
	TypeAddToChat         = "add_to_chat"
	TypePing              = "ping"
	TypeCallInitiate      = "call_initiate"
	TypeCallAccept        = "call_accept"
	TypeCallCandidate     = "call_candidate"
	TypeCallRestart       = "call_restart"
	TypeCallRestartAnswer = "call_restart_answer"
	TypeCallEnd           = "call_end"
)

// Outbound envelope types.
const (
	TypeError             = "error"
	TypeRegisterSuccess   = "register_success"
	TypeAuthSuccess       = "auth_success"
	TypeMessageSent       = "message_sent"
	TypeNewMessage        = "new_message"
	TypeMessageHistory    = "message_history"
	TypeMessageMarkedRead = "message_marked_read"
	TypeUsers             = "users"
	TypeChatAdded         = "chat_added"
	TypeAddedToChat       = "added_to_chat"
	TypePong              = "pong"
	TypeUserStatusUpdate  = "user_status_update"
)

// ErrUnknownType reports an envelope whose type tag is outside the command set.
var ErrUnknownType = errors.New("unknown envelope type")

// Request is one decoded inbound envelope variant.
type Request interface {
	RequestType() string
	Validate() error
}

// RegisterRequest creates a new user identity.
type RegisterRequest struct {
	PublicSigningKey    string `json:"publicSigningKey"`
	PublicEncryptionKey string `json:"publicEncryptionKey"`
	Nickname            string `json:"nickname,omitempty"`
}

func (r *RegisterRequest) RequestType() string { return TypeRegister }

func (r *RegisterRequest) Validate() error {
	if r.PublicSigningKey == "" {
		return errors.New("publicSigningKey is required")
	}
	if r.PublicEncryptionKey == "" {
		return errors.New("publicEncryptionKey is required")
	}
	return nil
}

// AuthRequest proves key possession by signing the raw timestamp string.
type AuthRequest struct {
	UserID    string `json:"userId"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

func (r *AuthRequest) RequestType() string { return TypeAuth }

func (r *AuthRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("userId is required")
	}
	if r.Signature == "" {
		return errors.New("signature is required")
	}
	if r.Timestamp == "" {
		return errors.New("timestamp is required")
	}
	return nil
}

// SendMessageRequest routes an opaque ciphertext to another user.
type SendMessageRequest struct {
	ReceiverID       string            `json:"receiverId"`
	EncryptedContent string            `json:"encryptedContent"`
	Signature        string            `json:"signature"`
	MessageType      string            `json:"messageType,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (r *SendMessageRequest) RequestType() string { return TypeSendMessage }

func (r *SendMessageRequest) Validate() error {
	if r.ReceiverID == "" {
		return errors.New("receiverId is required")
	}
	if r.EncryptedContent == "" {
		return errors.New("encryptedContent is required")
	}
	if r.Signature == "" {
		return errors.New("signature is required")
	}
	return nil
}

// HistoryRequest fetches a conversation slice, optionally before a cutoff.
type HistoryRequest struct {
	OtherUserID string `json:"otherUserId"`
	Limit       int    `json:"limit,omitempty"`
	Before      string `json:"before,omitempty"`
}

func (r *HistoryRequest) RequestType() string { return TypeGetHistory }

func (r *HistoryRequest) Validate() error {
	if r.OtherUserID == "" {
		return errors.New("otherUserId is required")
	}
	if r.Limit < 0 {
		return errors.New("limit cannot be negative")
	}
	if r.Before != "" {
		if _, err := time.Parse(time.RFC3339, r.Before); err != nil {
			return fmt.Errorf("invalid before timestamp: %w", err)
		}
	}
	return nil
}

// BeforeTime parses the optional cutoff; Validate must have passed first.
func (r *HistoryRequest) BeforeTime() *time.Time {
	if r.Before == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, r.Before)
	if err != nil {
		return nil
	}
	return &t
}

// MarkReadRequest flips a received message to read.
type MarkReadRequest struct {
	MessageID string `json:"messageId"`
}

func (r *MarkReadRequest) RequestType() string { return TypeMarkRead }

func (r *MarkReadRequest) Validate() error {
	if r.MessageID == "" {
		return errors.New("messageId is required")
	}
	return nil
}

// GetUsersRequest lists online users other than the caller.
type GetUsersRequest struct{}

func (r *GetUsersRequest) RequestType() string { return TypeGetUsers }
func (r *GetUsersRequest) Validate() error     { return nil }

// AddToChatRequest notifies a target user and returns its presence snapshot.
type AddToChatRequest struct {
	TargetUserID string `json:"target_user_id"`
}

func (r *AddToChatRequest) RequestType() string { return TypeAddToChat }

func (r *AddToChatRequest) Validate() error {
	if r.TargetUserID == "" {
		return errors.New("target_user_id is required")
	}
	return nil
}

// PingRequest is answered with a pong at any auth state.
type PingRequest struct{}

func (r *PingRequest) RequestType() string { return TypePing }
func (r *PingRequest) Validate() error     { return nil }

// CallSignal carries one call-signaling envelope. Kind is the concrete
// call_* type tag; the payload fields are opaque SDP/candidate text relayed
// verbatim to the other party.
type CallSignal struct {
	Kind      string `json:"-"`
	CallID    string `json:"call_id"`
	To        string `json:"to,omitempty"`
	Offer     string `json:"offer,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

func (r *CallSignal) RequestType() string { return r.Kind }

func (r *CallSignal) Validate() error {
	if r.CallID == "" {
		return errors.New("call_id is required")
	}
	switch r.Kind {
	case TypeCallInitiate:
		if r.To == "" {
			return errors.New("to is required")
		}
		if r.Offer == "" {
			return errors.New("offer is required")
		}
	case TypeCallAccept:
		if r.Answer == "" {
			return errors.New("answer is required")
		}
	case TypeCallCandidate:
		if r.Candidate == "" {
			return errors.New("candidate is required")
		}
	}
	return nil
}

// Decode parses a raw frame into its typed request variant and validates it.
func Decode(data []byte) (Request, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var req Request
	switch tag.Type {
	case TypeRegister:
		req = &RegisterRequest{}
	case TypeAuth:
		req = &AuthRequest{}
	case TypeSendMessage:
		req = &SendMessageRequest{}
	case TypeGetHistory:
		req = &HistoryRequest{}
	case TypeMarkRead:
		req = &MarkReadRequest{}
	case TypeGetUsers:
		req = &GetUsersRequest{}
	case TypeAddToChat:
		req = &AddToChatRequest{}
	case TypePing:
		req = &PingRequest{}
	case TypeCallInitiate, TypeCallAccept, TypeCallCandidate,
		TypeCallRestart, TypeCallRestartAnswer, TypeCallEnd:
		req = &CallSignal{Kind: tag.Type}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag.Type)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag.Type, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Envelope is one outbound frame: the merge of {type, timestamp} with
// type-specific fields.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Fields    map[string]any
}

// MarshalJSON flattens Fields next to the type and timestamp keys.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// NewEnvelope stamps an outbound frame with the current time.
func NewEnvelope(envType string, fields map[string]any) Envelope {
	return Envelope{Type: envType, Timestamp: time.Now(), Fields: fields}
}

// NewError builds the uniform error envelope.
func NewError(message string) Envelope {
	return NewEnvelope(TypeError, map[string]any{"message": message})
}
