package server

import (
	"sync"
	"time"
)

type callStatus string

const (
	callInitiated callStatus = "initiated"
	callRinging   callStatus = "ringing"
)

// callSession is the server's record of an in-progress call's signaling
// state; the media path never touches the server.
type callSession struct {
	CallID    string
	CallerID  string
	CalleeID  string
	Status    callStatus
	Offer     string
	Answer    string
	StartedAt time.Time
}

// callRegistry stores active call sessions keyed by call id. Operations on
// unknown ids are silent no-ops so a stray signal can never take the
// dispatcher down.
type callRegistry struct {
	mu       sync.Mutex
	sessions map[string]*callSession
}

func newCallRegistry() *callRegistry {
	return &callRegistry{sessions: make(map[string]*callSession)}
}

// initiate records a new session; re-initiating an existing call id
// replaces the previous session.
func (c *callRegistry) initiate(callID, callerID, calleeID, offer string) callSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	session := &callSession{
		CallID:    callID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    callInitiated,
		Offer:     offer,
		StartedAt: time.Now(),
	}
	c.sessions[callID] = session
	return *session
}

// accept stores the answer and moves the session to ringing.
func (c *callRegistry) accept(callID, answer string) (callSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[callID]
	if !ok {
		return callSession{}, false
	}
	session.Status = callRinging
	session.Answer = answer
	return *session, true
}

// updateOffer keeps the most recent offer without touching status.
func (c *callRegistry) updateOffer(callID, offer string) (callSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[callID]
	if !ok {
		return callSession{}, false
	}
	if offer != "" {
		session.Offer = offer
	}
	return *session, true
}

// updateAnswer keeps the most recent answer without touching status.
func (c *callRegistry) updateAnswer(callID, answer string) (callSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[callID]
	if !ok {
		return callSession{}, false
	}
	if answer != "" {
		session.Answer = answer
	}
	return *session, true
}

// get returns a session snapshot.
func (c *callRegistry) get(callID string) (callSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[callID]
	if !ok {
		return callSession{}, false
	}
	return *session, true
}

// end removes the session from the active registry.
func (c *callRegistry) end(callID string) (callSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[callID]
	if !ok {
		return callSession{}, false
	}
	delete(c.sessions, callID)
	return *session, true
}

// active counts sessions currently tracked.
func (c *callRegistry) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// peerOf resolves the other party of a call for a participant; returns
// false when the user is not part of the session.
func (s callSession) peerOf(userID string) (string, bool) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, true
	case s.CalleeID:
		return s.CallerID, true
	default:
		return "", false
	}
}
