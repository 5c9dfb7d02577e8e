// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/holdfast-systems/holdfast/lib/clock"
	"github.com/holdfast-systems/holdfast/lib/schema/event"
	"github.com/holdfast-systems/holdfast/lib/schema/task"
	"github.com/holdfast-systems/holdfast/lib/store"
)

// DeadlineChecker evaluates one task's deadline on behalf of a
// client control frame. The engine implements it.
type DeadlineChecker interface {
	SweepTask(ctx context.Context, taskID, callerID string) (*task.Task, error)
}

// Params collects the hub's collaborators and tuning knobs.
type Params struct {
	// VerifyKey is the Ed25519 public key identity tokens must be
	// signed with.
	VerifyKey ed25519.PublicKey

	// Store resolves the presence-broadcast audience: every user
	// linked to the subject by a verifier relationship.
	Store *store.Store

	Clock  clock.Clock
	Logger *slog.Logger

	// AuthTimeout bounds how long a fresh connection may sit
	// unauthenticated before it is force-closed.
	AuthTimeout time.Duration

	// SendBuffer is the per-session outbound frame buffer. A session
	// that falls this far behind starts dropping frames.
	SendBuffer int
}

const (
	defaultAuthTimeout = 10 * time.Second
	defaultSendBuffer  = 64
)

// Hub is the presence registry and fan-out path. It implements the
// engine's event sink.
type Hub struct {
	verifyKey   ed25519.PublicKey
	store       *store.Store
	clock       clock.Clock
	logger      *slog.Logger
	authTimeout time.Duration
	sendBuffer  int

	// mu guards the user map only. Session-set mutations go through
	// the per-entry mutex so unrelated users never serialize.
	mu    sync.RWMutex
	users map[string]*userEntry

	sessions sync.WaitGroup
}

// userEntry is one user's live session set.
type userEntry struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New builds a hub. Zero AuthTimeout and SendBuffer take defaults.
func New(p Params) *Hub {
	authTimeout := p.AuthTimeout
	if authTimeout == 0 {
		authTimeout = defaultAuthTimeout
	}
	sendBuffer := p.SendBuffer
	if sendBuffer == 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		verifyKey:   p.VerifyKey,
		store:       p.Store,
		clock:       p.Clock,
		logger:      p.Logger.With("component", "hub"),
		authTimeout: authTimeout,
		sendBuffer:  sendBuffer,
		users:       make(map[string]*userEntry),
	}
}

// Serve accepts connections on the listener and runs one session per
// connection until ctx is cancelled. checker handles inbound deadline
// control frames. Blocks until the context ends and every live
// session has drained.
func (h *Hub) Serve(ctx context.Context, listener net.Listener, checker DeadlineChecker) error {
	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	h.logger.Info("hub listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			h.logger.Error("accept failed", "error", err)
			continue
		}

		h.sessions.Add(1)
		go func() {
			defer h.sessions.Done()
			h.handleConnection(ctx, conn, checker)
		}()
	}

	h.sessions.Wait()
	return nil
}

// SendToUser delivers an event to every live session of the target
// user. Best-effort: no sessions means the event is dropped silently,
// and a session whose buffer is full skips this frame.
func (h *Hub) SendToUser(userID string, evt event.Event) {
	h.mu.RLock()
	entry := h.users[userID]
	h.mu.RUnlock()
	if entry == nil {
		return
	}

	frame, err := encodeFrame(evt)
	if err != nil {
		h.logger.Error("encoding event frame",
			"type", evt.EventType(), "error", err)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	for sess := range entry.sessions {
		sess.trySend(frame)
	}
}

// Online reports whether the user has at least one live session.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	entry := h.users[userID]
	h.mu.RUnlock()
	if entry == nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.sessions) > 0
}

// register adds an authenticated session to its user's entry and
// reports whether it is the user's first live session.
func (h *Hub) register(sess *session) (first bool) {
	h.mu.Lock()
	entry := h.users[sess.userID]
	if entry == nil {
		entry = &userEntry{sessions: make(map[*session]struct{})}
		h.users[sess.userID] = entry
	}
	h.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	first = len(entry.sessions) == 0
	entry.sessions[sess] = struct{}{}
	return first
}

// unregister removes a session and reports whether it was the user's
// last live session. Empty entries stay in the map; a reconnecting
// user reuses them and they cost one pointer each.
func (h *Hub) unregister(sess *session) (last bool) {
	h.mu.RLock()
	entry := h.users[sess.userID]
	h.mu.RUnlock()
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, ok := entry.sessions[sess]; !ok {
		return false
	}
	delete(entry.sessions, sess)
	return len(entry.sessions) == 0
}

// broadcastPresence tells everyone linked to userID by a verifier
// relationship that the user went online or offline.
func (h *Hub) broadcastPresence(ctx context.Context, userID string, online bool) {
	audience, err := h.store.RelatedUsers(ctx, userID)
	if err != nil {
		h.logger.Error("resolving presence audience",
			"user", userID, "error", err)
		return
	}
	evt := event.UserStatus{UserID: userID, Online: online}
	for _, watcher := range audience {
		h.SendToUser(watcher, evt)
	}
}

// outboundFrame is the wire envelope for every event the hub writes.
type outboundFrame struct {
	Type    string      `json:"type"`
	Payload event.Event `json:"payload"`
}

// encodeFrame serializes one event into its wire frame, newline
// terminated so clients can split frames without a JSON parser that
// tracks value boundaries.
func encodeFrame(evt event.Event) ([]byte, error) {
	data, err := json.Marshal(outboundFrame{Type: evt.EventType(), Payload: evt})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s frame: %w", evt.EventType(), err)
	}
	return append(data, '\n'), nil
}
