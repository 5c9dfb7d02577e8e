// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/holdfast-systems/holdfast/lib/clock"
	"github.com/holdfast-systems/holdfast/lib/identity"
	"github.com/holdfast-systems/holdfast/lib/schema/event"
	"github.com/holdfast-systems/holdfast/lib/schema/task"
	"github.com/holdfast-systems/holdfast/lib/sqlitepool"
	"github.com/holdfast-systems/holdfast/lib/store"
	"github.com/holdfast-systems/holdfast/lib/testutil"
)

var hubStart = time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

// stubChecker records deadline-check control frames.
type stubChecker struct {
	calls chan checkCall
}

type checkCall struct {
	TaskID   string
	CallerID string
}

func (c *stubChecker) SweepTask(_ context.Context, taskID, callerID string) (*task.Task, error) {
	c.calls <- checkCall{TaskID: taskID, CallerID: callerID}
	return &task.Task{ID: taskID}, nil
}

type hubFixture struct {
	hub     *Hub
	store   *store.Store
	clock   *clock.FakeClock
	checker *stubChecker
	addr    string
	signKey ed25519.PrivateKey
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "hub.db"),
		PoolSize:  2,
		OnConnect: store.Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}

	clk := clock.Fake(hubStart)
	st := store.New(pool)
	h := New(Params{
		VerifyKey:   public,
		Store:       st,
		Clock:       clk,
		Logger:      slog.New(slog.DiscardHandler),
		AuthTimeout: time.Second,
		SendBuffer:  16,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	checker := &stubChecker{calls: make(chan checkCall, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(ctx, listener, checker)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &hubFixture{
		hub:     h,
		store:   st,
		clock:   clk,
		checker: checker,
		addr:    listener.Addr().String(),
		signKey: private,
	}
}

func (f *hubFixture) mintToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	raw, err := identity.Mint(f.signKey, &identity.Token{
		Subject:   subject,
		ID:        "tok-" + subject,
		IssuedAt:  f.clock.Now().Unix(),
		ExpiresAt: f.clock.Now().Add(ttl).Unix(),
	})
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// wireFrame is the client-side view of one outbound frame.
type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// testClient is one connected session under test. Frames read off the
// wire land on the frames channel, which closes on disconnect.
type testClient struct {
	conn   net.Conn
	frames chan wireFrame
}

func (f *hubFixture) dial(t *testing.T, firstFrame inboundFrame) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	data, err := json.Marshal(firstFrame)
	if err != nil {
		t.Fatalf("marshaling first frame: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("writing first frame: %v", err)
	}

	client := &testClient{conn: conn, frames: make(chan wireFrame, 32)}
	go func() {
		defer close(client.frames)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var frame wireFrame
			if json.Unmarshal(scanner.Bytes(), &frame) == nil {
				client.frames <- frame
			}
		}
	}()
	return client
}

// sessionCount reports the number of live sessions registered for
// subject.
func (f *hubFixture) sessionCount(subject string) int {
	f.hub.mu.RLock()
	entry := f.hub.users[subject]
	f.hub.mu.RUnlock()
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.sessions)
}

// connect dials and authenticates as subject, then waits until the
// hub registers the session so later broadcasts cannot race past it.
func (f *hubFixture) connect(t *testing.T, subject string) *testClient {
	t.Helper()
	before := f.sessionCount(subject)
	client := f.dial(t, inboundFrame{Type: frameAuth, Token: f.mintToken(t, subject, 24*time.Hour)})
	waitFor(t, func() bool { return f.sessionCount(subject) > before }, "session for %s never registered", subject)
	return client
}

func (f *hubFixture) send(t *testing.T, client *testClient, frame inboundFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshaling frame: %v", err)
	}
	if _, err := client.conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func waitFor(t *testing.T, condition func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// expectClosed asserts the server drops the connection without
// delivering any frame.
func expectClosed(t *testing.T, client *testClient) {
	t.Helper()
	select {
	case frame, ok := <-client.frames:
		if ok {
			t.Fatalf("got frame %+v, want connection close", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
}

func TestRejectsInvalidToken(t *testing.T) {
	f := newHubFixture(t)

	forged, err := identity.Mint(ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)), &identity.Token{
		Subject:   "mallory",
		ID:        "tok-forged",
		IssuedAt:  hubStart.Unix(),
		ExpiresAt: hubStart.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("minting forged token: %v", err)
	}

	client := f.dial(t, inboundFrame{Type: frameAuth, Token: base64.StdEncoding.EncodeToString(forged)})
	expectClosed(t, client)
	if f.hub.Online("mallory") {
		t.Error("forged token registered a session")
	}
}

func TestRejectsExpiredToken(t *testing.T) {
	f := newHubFixture(t)
	client := f.dial(t, inboundFrame{Type: frameAuth, Token: f.mintToken(t, "alice", 0)})
	expectClosed(t, client)
}

func TestRejectsNonAuthFirstFrame(t *testing.T) {
	f := newHubFixture(t)
	client := f.dial(t, inboundFrame{Type: frameCheckDeadline, TaskID: "task-1"})
	expectClosed(t, client)

	select {
	case call := <-f.checker.calls:
		t.Errorf("unauthenticated control frame reached the checker: %+v", call)
	default:
	}
}

func TestSendToUserFansOutToAllSessions(t *testing.T) {
	f := newHubFixture(t)
	phone := f.connect(t, "alice")
	laptop := f.connect(t, "alice")

	f.hub.SendToUser("alice", event.TaskUpdated{Task: task.Task{ID: "task-1"}})

	for _, client := range []*testClient{phone, laptop} {
		frame := testutil.RequireReceive(t, client.frames, 2*time.Second, "task update frame")
		if frame.Type != event.TypeTaskUpdated {
			t.Errorf("frame type = %s", frame.Type)
		}
		var payload struct {
			Task task.Task `json:"task"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if payload.Task.ID != "task-1" {
			t.Errorf("task id = %s", payload.Task.ID)
		}
	}
}

func TestSendToUserWithoutSessionsDropsSilently(t *testing.T) {
	f := newHubFixture(t)
	// Must not panic or block.
	f.hub.SendToUser("nobody", event.TaskUpdated{Task: task.Task{ID: "task-1"}})
}

func TestPresenceBroadcast(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	// victor verifies for alice, so each is in the other's presence
	// audience.
	if err := f.store.AddVerifierRelationship(ctx, "alice", "victor", hubStart); err != nil {
		t.Fatalf("AddVerifierRelationship: %v", err)
	}

	watcher := f.connect(t, "victor")

	phone := f.connect(t, "alice")
	frame := testutil.RequireReceive(t, watcher.frames, 2*time.Second, "online broadcast")
	if frame.Type != event.TypeUserStatus {
		t.Fatalf("frame type = %s", frame.Type)
	}
	var status event.UserStatus
	if err := json.Unmarshal(frame.Payload, &status); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if status.UserID != "alice" || !status.Online {
		t.Errorf("status = %+v", status)
	}

	// A second device does not re-announce.
	laptop := f.connect(t, "alice")
	select {
	case frame := <-watcher.frames:
		t.Fatalf("second session broadcast presence: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}

	// Closing one of two sessions keeps alice online.
	phone.conn.Close()
	select {
	case frame := <-watcher.frames:
		t.Fatalf("partial disconnect broadcast presence: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
	if !f.hub.Online("alice") {
		t.Error("alice offline with a live session remaining")
	}

	// Closing the last session goes offline.
	laptop.conn.Close()
	frame = testutil.RequireReceive(t, watcher.frames, 2*time.Second, "offline broadcast")
	if err := json.Unmarshal(frame.Payload, &status); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if status.UserID != "alice" || status.Online {
		t.Errorf("status = %+v", status)
	}
}

func TestCheckDeadlineControlFrame(t *testing.T) {
	f := newHubFixture(t)
	client := f.connect(t, "alice")

	f.send(t, client, inboundFrame{Type: frameCheckDeadline, TaskID: "task-9"})

	call := testutil.RequireReceive(t, f.checker.calls, 2*time.Second, "deadline check call")
	if call.TaskID != "task-9" || call.CallerID != "alice" {
		t.Errorf("call = %+v", call)
	}
}

func TestUnknownControlFrameIgnored(t *testing.T) {
	f := newHubFixture(t)
	client := f.connect(t, "alice")

	f.send(t, client, inboundFrame{Type: "NONSENSE"})
	f.send(t, client, inboundFrame{Type: frameCheckDeadline, TaskID: "task-9"})

	// The session survived the unknown frame.
	call := testutil.RequireReceive(t, f.checker.calls, 2*time.Second, "deadline check call")
	if call.TaskID != "task-9" {
		t.Errorf("call = %+v", call)
	}
}

func TestGracefulShutdownClosesSessions(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "hub.db"),
		PoolSize:  2,
		OnConnect: store.Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	defer pool.Close()

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	clk := clock.Fake(hubStart)
	h := New(Params{
		VerifyKey: public,
		Store:     store.New(pool),
		Clock:     clk,
		Logger:    slog.New(slog.DiscardHandler),
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- h.Serve(ctx, listener, &stubChecker{calls: make(chan checkCall, 1)})
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	raw, err := identity.Mint(private, &identity.Token{
		Subject:   "alice",
		ID:        "tok-alice",
		IssuedAt:  clk.Now().Unix(),
		ExpiresAt: clk.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	data, _ := json.Marshal(inboundFrame{Type: frameAuth, Token: base64.StdEncoding.EncodeToString(raw)})
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("writing auth frame: %v", err)
	}
	waitFor(t, func() bool { return h.Online("alice") }, "session never registered")

	cancel()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "Serve return"); err != nil {
		t.Errorf("Serve returned %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("read after shutdown = %v, want EOF", err)
	}
}
