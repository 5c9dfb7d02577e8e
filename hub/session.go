// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/holdfast-systems/holdfast/lib/identity"
)

// Inbound frame types. AUTH must be the first frame on a connection;
// CHECK_DEADLINE is the only control frame accepted afterwards.
const (
	frameAuth          = "AUTH"
	frameCheckDeadline = "CHECK_DEADLINE"
)

// inboundFrame is the decoded shape of every frame a client sends,
// one JSON object per line. Token is set on AUTH frames (base64 of
// the raw signed token); TaskID on CHECK_DEADLINE frames.
type inboundFrame struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

// maxFrameSize bounds a single inbound frame. Control frames are
// tiny; 64 KB leaves room for future frame shapes without letting a
// client exhaust memory.
const maxFrameSize = 64 * 1024

// writeTimeout bounds one outbound frame write. A session that cannot
// take a frame in this window is dead weight and gets closed.
const writeTimeout = 10 * time.Second

// session is one live authenticated connection. Created on successful
// AUTH, destroyed on disconnect or forced close. The outbound channel
// is owned by the writer goroutine; trySend never blocks on it.
type session struct {
	conn     net.Conn
	userID   string
	outbound chan []byte
	closed   chan struct{}
}

// trySend queues a frame without blocking. Returns false when the
// buffer is full or the session is closing; the frame is dropped and
// the client reconciles on reconnect.
func (s *session) trySend(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// handleConnection runs one connection's full lifecycle: authenticate
// the first frame within the auth deadline, register the session,
// pump outbound frames, and read control frames until the client
// disconnects or the context ends.
func (h *Hub) handleConnection(ctx context.Context, conn net.Conn, checker DeadlineChecker) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)

	// The connection stays unauthenticated until a valid token
	// arrives. Anything else closes it.
	conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	token, err := h.authenticate(scanner)
	if err != nil {
		h.logger.Debug("connection rejected",
			"remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	sess := &session{
		conn:     conn,
		userID:   token.Subject,
		outbound: make(chan []byte, h.sendBuffer),
		closed:   make(chan struct{}),
	}

	if first := h.register(sess); first {
		h.broadcastPresence(ctx, sess.userID, true)
	}
	h.logger.Info("session opened",
		"user", sess.userID,
		"remote", conn.RemoteAddr().String())

	defer func() {
		if last := h.unregister(sess); last {
			h.broadcastPresence(ctx, sess.userID, false)
		}
		h.logger.Info("session closed", "user", sess.userID)
	}()

	// Force the blocking read loop off the wire on shutdown.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readerDone:
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop()
	}()

	h.readLoop(ctx, sess, scanner, checker)

	// Stop the writer: the closed channel covers the idle case, the
	// immediate write deadline covers a frame mid-write.
	close(sess.closed)
	sess.conn.SetWriteDeadline(time.Now())
	<-writerDone
}

// authenticate reads and verifies the mandatory first frame.
func (h *Hub) authenticate(scanner *bufio.Scanner) (*identity.Token, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("connection closed before authentication")
	}
	var frame inboundFrame
	if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
		return nil, errors.New("malformed first frame: " + err.Error())
	}
	if frame.Type != frameAuth {
		return nil, errors.New("first frame must authenticate")
	}
	raw, err := base64.StdEncoding.DecodeString(frame.Token)
	if err != nil {
		return nil, errors.New("token is not valid base64")
	}
	return identity.VerifyAt(h.verifyKey, raw, h.clock.Now())
}

// readLoop consumes control frames until the connection drops or the
// context is cancelled. Control failures are logged, never written
// back: the outbound union is closed and the engine's own event
// emissions carry the state the client needs.
func (h *Hub) readLoop(ctx context.Context, sess *session, scanner *bufio.Scanner, checker DeadlineChecker) {
	for scanner.Scan() {
		var frame inboundFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			h.logger.Debug("malformed frame", "user", sess.userID, "error", err)
			continue
		}

		switch frame.Type {
		case frameCheckDeadline:
			if frame.TaskID == "" {
				h.logger.Debug("deadline check without task id", "user", sess.userID)
				continue
			}
			if _, err := checker.SweepTask(ctx, frame.TaskID, sess.userID); err != nil {
				h.logger.Debug("deadline check failed",
					"user", sess.userID, "task_id", frame.TaskID, "error", err)
			}
		default:
			h.logger.Debug("unknown inbound frame",
				"user", sess.userID, "type", frame.Type)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		h.logger.Debug("read failed", "user", sess.userID, "error", err)
	}
}

// writeLoop drains the outbound channel onto the wire. Exits when the
// session is closed or a write fails, which in turn ends the read
// loop through the closed connection.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(frame); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
