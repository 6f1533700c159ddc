package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"posestream-go/internal/types"
)

type poseServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

func newPoseServer(t *testing.T) *poseServer {
	t.Helper()
	ps := &poseServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.accepted.Add(1)
		ps.conns <- conn
		// Drain so close frames from the relay are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *poseServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *poseServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("server saw no connection")
		return nil
	}
}

func poseJSON(t *testing.T, rmse float64, event any) []byte {
	t.Helper()
	points := make([]map[string]float64, types.JointCount)
	for i := range points {
		points[i] = map[string]float64{"x": float64(i), "y": 1, "z": 2}
	}
	msg := map[string]any{
		"3D_points":    points,
		"rmse":         rmse,
		"capture_time": "2024-01-01_10-00-00.000",
	}
	if event != nil {
		msg["event_name"] = event
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quietRelay(opts ...Option) *Relay {
	return New(append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

func TestTakeObservesOnlyLatest(t *testing.T) {
	ps := newPoseServer(t)
	r := quietRelay()
	if err := r.Start(context.Background(), ps.url()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	conn := ps.next(t)

	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, poseJSON(t, float64(i), nil)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, "five decoded updates", func() bool { return r.Stats().Decoded == 5 })

	got := r.Take()
	if got == nil || got.RMSE != 4 {
		t.Fatalf("expected last update (rmse 4), got %+v", got)
	}
	if r.Take() != nil {
		t.Fatalf("mailbox should be empty after take")
	}
	if s := r.Stats(); s.Superseded != 4 {
		t.Fatalf("expected 4 superseded updates, got %d", s.Superseded)
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	ps := newPoseServer(t)
	r := quietRelay()
	if err := r.Start(context.Background(), ps.url()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	conn := ps.next(t)

	_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"3D_points":[],"rmse":1,"capture_time":"x"}`))
	_ = conn.WriteMessage(websocket.TextMessage, poseJSON(t, 0.25, "Jump"))

	waitFor(t, "valid update after bad ones", func() bool { return r.Stats().Decoded == 1 })
	s := r.Stats()
	if s.Failed != 2 || !s.Connected {
		t.Fatalf("unexpected stats: %+v", s)
	}
	got := r.Take()
	if got == nil || got.EventName != "Jump" {
		t.Fatalf("unexpected update: %+v", got)
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	ps := newPoseServer(t)
	r := quietRelay()
	ctx := context.Background()
	if err := r.Start(ctx, ps.url()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	ps.next(t)
	if err := r.Start(ctx, ps.url()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if n := ps.accepted.Load(); n != 1 {
		t.Fatalf("expected one connection, got %d", n)
	}
}

func TestStopHidesPendingUpdates(t *testing.T) {
	ps := newPoseServer(t)
	r := quietRelay()
	ctx := context.Background()
	if err := r.Start(ctx, ps.url()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := ps.next(t)
	_ = conn.WriteMessage(websocket.TextMessage, poseJSON(t, 1, nil))
	waitFor(t, "decoded update", func() bool { return r.Stats().Decoded == 1 })

	_ = r.Stop()
	if r.Take() != nil {
		t.Fatalf("update observed after stop")
	}
	if r.Running() {
		t.Fatalf("relay still running after stop")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if err := r.Start(ctx, ps.url()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer r.Stop()
	ps.next(t)
	if n := ps.accepted.Load(); n != 2 {
		t.Fatalf("expected reconnect, accepted=%d", n)
	}
}

func TestRemoteCloseEndsSession(t *testing.T) {
	ps := newPoseServer(t)
	r := quietRelay()
	if err := r.Start(context.Background(), ps.url()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := ps.next(t)
	done := r.Done()
	_ = conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay reader did not exit after remote close")
	}
	waitFor(t, "relay detached", func() bool { return !r.Running() })
}

func TestDialFailure(t *testing.T) {
	r := quietRelay()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Start(ctx, "ws://127.0.0.1:1/pose"); err == nil {
		t.Fatalf("expected dial error")
	}
	if r.Running() || r.Take() != nil {
		t.Fatalf("failed start left state behind")
	}
}

func TestStopCancelsPendingDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	r := quietRelay()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- r.Start(ctx, "ws://"+ln.Addr().String()+"/pose") }()

	var held net.Conn
	select {
	case held = <-accepted:
		defer held.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("dial never reached the listener")
	}
	waitFor(t, "pending dial", r.Connecting)
	if r.Running() {
		t.Fatalf("relay running before handshake")
	}

	start := time.Now()
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Stop waited for the pending dial: %v", elapsed)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending Start never returned")
	}
	if r.Running() || r.Connecting() {
		t.Fatalf("stopped dial left state behind")
	}

	ps := newPoseServer(t)
	if err := r.Start(context.Background(), ps.url()); err != nil {
		t.Fatalf("start after cancelled dial: %v", err)
	}
	defer r.Stop()
	ps.next(t)
}

type memRecorder struct {
	mu      sync.Mutex
	records []types.PoseUpdate
}

func (m *memRecorder) RecordPose(update types.PoseUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, update)
	return nil
}

func (m *memRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *memNotifier) Notify(update types.PoseUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, update.EventName)
}

func TestRecorderAndNotifier(t *testing.T) {
	ps := newPoseServer(t)
	rec := &memRecorder{}
	notes := &memNotifier{}
	r := quietRelay(WithRecorder(rec), WithNotifier(notes))
	if err := r.Start(context.Background(), ps.url()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	conn := ps.next(t)

	_ = conn.WriteMessage(websocket.TextMessage, poseJSON(t, 0.1, "None"))
	_ = conn.WriteMessage(websocket.TextMessage, poseJSON(t, 0.2, "Fall-down"))
	waitFor(t, "two records", func() bool { return rec.len() == 2 })

	rec.mu.Lock()
	decoded := rec.records[1]
	rec.mu.Unlock()
	if decoded.EventName != "Fall-down" || decoded.Joints[14].X != 14 {
		t.Fatalf("unexpected recorded update: %+v", decoded)
	}

	notes.mu.Lock()
	defer notes.mu.Unlock()
	if len(notes.events) != 1 || notes.events[0] != "Fall-down" {
		t.Fatalf("unexpected notifications: %v", notes.events)
	}
}
