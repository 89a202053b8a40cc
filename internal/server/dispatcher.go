package server

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rokoss21/enigmo-sub000/internal/auth"
	"github.com/rokoss21/enigmo-sub000/internal/protocol"
	"github.com/rokoss21/enigmo-sub000/internal/registry"
	"github.com/rokoss21/enigmo-sub000/internal/router"
)

// routeError maps a handler failure to an error envelope. Non-fatal errors
// keep the connection open.
type routeError struct {
	code string
	msg  string
}

func (e *routeError) Error() string { return e.msg }

// connState is the per-connection dispatcher state. The only transition is
// unauthenticated -> authenticated; the only way back is disconnect.
type connState struct {
	connID string
	ch     registry.Channel
	userID string
	authed bool
}

// Dispatcher is the per-connection receive loop: it decodes envelopes,
// enforces pre-authentication gating, and type-dispatches to the registry,
// auth service, message router, or the call registry it owns.
type Dispatcher struct {
	log     *zap.Logger
	users   *registry.Registry
	auth    *auth.Service
	router  *router.Router
	calls   *callRegistry
	metrics *serverMetrics
}

// NewDispatcher wires the dispatcher's collaborators.
func NewDispatcher(log *zap.Logger, users *registry.Registry, authSvc *auth.Service, msgRouter *router.Router, metrics *serverMetrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		log:     log,
		users:   users,
		auth:    authSvc,
		router:  msgRouter,
		calls:   newCallRegistry(),
		metrics: metrics,
	}
}

// ActiveCalls reports the number of tracked call sessions.
func (d *Dispatcher) ActiveCalls() int {
	return d.calls.active()
}

// Run drives the receive loop for one connection until the reader fails or
// closes. Every frame is handled to completion before the next read; nothing
// a handler returns escapes the loop.
func (d *Dispatcher) Run(ch registry.Channel, read func() ([]byte, error)) {
	state := &connState{connID: uuid.NewString(), ch: ch}
	log := d.log.With(zap.String("conn_id", state.connID))
	log.Debug("connection opened")

	d.metrics.connOpened()
	defer func() {
		d.metrics.connClosed()
		// Unbind by channel, not by user id: a reconnect may have
		// superseded this channel, and the live binding must survive
		// the stale connection's close.
		d.users.DisconnectByChannel(state.ch)
		log.Debug("connection closed", zap.String("user_id", state.userID))
	}()

	for {
		data, err := read()
		if err != nil {
			return
		}
		d.handleFrame(log, state, data)
	}
}

func (d *Dispatcher) handleFrame(log *zap.Logger, state *connState, data []byte) {
	start := time.Now()

	req, err := protocol.Decode(data)
	if err != nil {
		code := "validation"
		if errors.Is(err, protocol.ErrUnknownType) {
			code = "unknown_type"
		}
		d.metrics.recordError(code)
		d.respond(state, protocol.NewError(err.Error()))
		return
	}

	op := req.RequestType()
	if !state.authed && !preAuthAllowed(op) {
		d.metrics.recordError("auth_required")
		d.respond(state, protocol.NewError("authentication required"))
		return
	}

	if rerr := d.route(log, state, req); rerr != nil {
		d.metrics.recordError(rerr.code)
		d.respond(state, protocol.NewError(rerr.msg))
	}
	d.metrics.observeLatency(op, time.Since(start))
}

// preAuthAllowed lists the envelope types accepted before authentication.
func preAuthAllowed(op string) bool {
	switch op {
	case protocol.TypeRegister, protocol.TypeAuth, protocol.TypePing:
		return true
	}
	return false
}

func (d *Dispatcher) route(log *zap.Logger, state *connState, req protocol.Request) *routeError {
	switch req := req.(type) {
	case *protocol.RegisterRequest:
		return d.handleRegister(state, req)
	case *protocol.AuthRequest:
		return d.handleAuth(log, state, req)
	case *protocol.SendMessageRequest:
		return d.handleSendMessage(state, req)
	case *protocol.HistoryRequest:
		return d.handleHistory(state, req)
	case *protocol.MarkReadRequest:
		return d.handleMarkRead(state, req)
	case *protocol.GetUsersRequest:
		return d.handleGetUsers(state)
	case *protocol.AddToChatRequest:
		return d.handleAddToChat(state, req)
	case *protocol.PingRequest:
		d.respond(state, protocol.NewEnvelope(protocol.TypePong, nil))
		return nil
	case *protocol.CallSignal:
		return d.handleCallSignal(log, state, req)
	default:
		return &routeError{code: "unknown_type", msg: "unsupported envelope"}
	}
}

func (d *Dispatcher) handleRegister(state *connState, req *protocol.RegisterRequest) *routeError {
	id := registry.DeriveUserID(req.PublicSigningKey)
	user, err := d.users.Register(id, req.PublicSigningKey, req.PublicEncryptionKey, req.Nickname)
	if err != nil {
		if errors.Is(err, registry.ErrUserExists) {
			return &routeError{code: "user_exists", msg: "user already registered"}
		}
		return &routeError{code: "validation", msg: err.Error()}
	}
	d.respond(state, protocol.NewEnvelope(protocol.TypeRegisterSuccess, map[string]any{
		"userId":   user.ID,
		"nickname": user.Nickname,
	}))
	return nil
}

func (d *Dispatcher) handleAuth(log *zap.Logger, state *connState, req *protocol.AuthRequest) *routeError {
	if state.authed {
		return &routeError{code: "auth_failed", msg: "connection already authenticated"}
	}
	if !d.auth.AuthenticateUser(req.UserID, req.Signature, req.Timestamp) {
		return &routeError{code: "auth_failed", msg: "authentication failed"}
	}
	state.userID = req.UserID
	state.authed = true
	d.users.Connect(req.UserID, state.ch)
	log.Info("connection authenticated", zap.String("user_id", req.UserID))

	d.respond(state, protocol.NewEnvelope(protocol.TypeAuthSuccess, map[string]any{
		"userId": req.UserID,
		"token":  d.auth.GenerateToken(req.UserID),
	}))
	return nil
}

func (d *Dispatcher) handleSendMessage(state *connState, req *protocol.SendMessageRequest) *routeError {
	msg := d.router.SendMessage(state.userID, req.ReceiverID, req.EncryptedContent,
		req.Signature, router.MessageType(req.MessageType), req.Metadata)
	d.respond(state, protocol.NewEnvelope(protocol.TypeMessageSent, map[string]any{
		"message": msg,
	}))
	return nil
}

func (d *Dispatcher) handleHistory(state *connState, req *protocol.HistoryRequest) *routeError {
	messages := d.router.GetMessageHistory(state.userID, req.OtherUserID, req.Limit, req.BeforeTime())
	d.respond(state, protocol.NewEnvelope(protocol.TypeMessageHistory, map[string]any{
		"otherUserId": req.OtherUserID,
		"messages":    messages,
	}))
	return nil
}

func (d *Dispatcher) handleMarkRead(state *connState, req *protocol.MarkReadRequest) *routeError {
	ok := d.router.MarkMessageAsRead(req.MessageID, state.userID)
	d.respond(state, protocol.NewEnvelope(protocol.TypeMessageMarkedRead, map[string]any{
		"messageId": req.MessageID,
		"success":   ok,
	}))
	return nil
}

func (d *Dispatcher) handleGetUsers(state *connState) *routeError {
	online := d.users.OnlineUsers()
	users := make([]map[string]any, 0, len(online))
	for _, user := range online {
		if user.ID == state.userID {
			continue
		}
		users = append(users, presenceSnapshot(user))
	}
	d.respond(state, protocol.NewEnvelope(protocol.TypeUsers, map[string]any{
		"users": users,
	}))
	return nil
}

func (d *Dispatcher) handleAddToChat(state *connState, req *protocol.AddToChatRequest) *routeError {
	if req.TargetUserID == state.userID {
		return &routeError{code: "validation", msg: "cannot add yourself to a chat"}
	}
	target, ok := d.users.Get(req.TargetUserID)
	if !ok {
		return &routeError{code: "not_found", msg: "user not found"}
	}
	if target.IsOnline {
		d.users.Send(target.ID, protocol.NewEnvelope(protocol.TypeAddedToChat, map[string]any{
			"userId": state.userID,
		}))
	}
	d.respond(state, protocol.NewEnvelope(protocol.TypeChatAdded, map[string]any{
		"user": presenceSnapshot(target),
	}))
	return nil
}

func (d *Dispatcher) handleCallSignal(log *zap.Logger, state *connState, req *protocol.CallSignal) *routeError {
	switch req.Kind {
	case protocol.TypeCallInitiate:
		if _, exists := d.calls.get(req.CallID); !exists {
			d.metrics.callStarted()
		}
		d.calls.initiate(req.CallID, state.userID, req.To, req.Offer)
		log.Info("call initiated", zap.String("call_id", req.CallID), zap.String("callee", req.To))
		d.relay(state.userID, req.To, req.Kind, map[string]any{
			"call_id": req.CallID,
			"offer":   req.Offer,
		})

	case protocol.TypeCallAccept:
		session, ok := d.calls.accept(req.CallID, req.Answer)
		if !ok {
			return nil
		}
		d.relayToPeer(state.userID, session, req.Kind, map[string]any{
			"call_id": req.CallID,
			"answer":  req.Answer,
		})

	case protocol.TypeCallCandidate:
		session, ok := d.calls.get(req.CallID)
		if !ok {
			return nil
		}
		d.relayToPeer(state.userID, session, req.Kind, map[string]any{
			"call_id":   req.CallID,
			"candidate": req.Candidate,
		})

	case protocol.TypeCallRestart:
		session, ok := d.calls.updateOffer(req.CallID, req.Offer)
		if !ok {
			return nil
		}
		d.relayToPeer(state.userID, session, req.Kind, map[string]any{
			"call_id": req.CallID,
			"offer":   req.Offer,
		})

	case protocol.TypeCallRestartAnswer:
		session, ok := d.calls.updateAnswer(req.CallID, req.Answer)
		if !ok {
			return nil
		}
		d.relayToPeer(state.userID, session, req.Kind, map[string]any{
			"call_id": req.CallID,
			"answer":  req.Answer,
		})

	case protocol.TypeCallEnd:
		session, ok := d.calls.end(req.CallID)
		if !ok {
			return nil
		}
		d.metrics.callEnded()
		log.Info("call ended", zap.String("call_id", req.CallID))
		d.relayToPeer(state.userID, session, req.Kind, map[string]any{
			"call_id": req.CallID,
		})
	}
	return nil
}

// relayToPeer forwards a signaling payload to the other party of a session.
// Senders outside the session and offline peers are silently dropped.
func (d *Dispatcher) relayToPeer(senderID string, session callSession, kind string, fields map[string]any) {
	peer, ok := session.peerOf(senderID)
	if !ok {
		return
	}
	d.relay(senderID, peer, kind, fields)
}

func (d *Dispatcher) relay(senderID, targetID, kind string, fields map[string]any) {
	fields["from"] = senderID
	d.users.Send(targetID, protocol.NewEnvelope(kind, fields))
}

func (d *Dispatcher) respond(state *connState, env protocol.Envelope) {
	if err := state.ch.Send(env); err != nil {
		d.log.Debug("response write failed",
			zap.String("conn_id", state.connID), zap.Error(err))
	}
}

func presenceSnapshot(user registry.User) map[string]any {
	return map[string]any{
		"id":       user.ID,
		"nickname": user.Nickname,
		"isOnline": user.IsOnline,
		"lastSeen": user.LastSeen.UTC().Format(time.RFC3339Nano),
	}
}
