package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"posestream-go/internal/mailbox"
	"posestream-go/internal/metrics"
	"posestream-go/internal/types"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Hub is one websocket endpoint that fans every published payload out to all
// connected clients. Clients only receive; anything they send is discarded.
// Each client has its own writer holding at most one pending payload, so a
// slow client misses intermediate payloads instead of stalling the hub.
type Hub struct {
	name        string
	messageType int
	replay      bool
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*client
	latest  []byte

	published atomic.Uint64
	dropped   atomic.Uint64
}

type client struct {
	conn    *websocket.Conn
	pending mailbox.Mailbox[[]byte]
	wake    chan struct{}
	done    chan struct{}
}

// offer queues payload for the writer and reports whether it replaced one
// the writer had not sent yet.
func (c *client) offer(payload []byte) bool {
	superseded := c.pending.Put(&payload)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return superseded
}

// NewHub creates a hub sending messageType frames. With replay set, a client
// that connects receives the last published payload right away.
func NewHub(name string, messageType int, replay bool, logger zerolog.Logger) *Hub {
	return &Hub{
		name:        name,
		messageType: messageType,
		replay:      replay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]*client),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &client{conn: conn, wake: make(chan struct{}, 1), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[conn] = c
	n := len(h.clients)
	if h.replay && h.latest != nil {
		c.offer(h.latest)
	}
	h.mu.Unlock()
	metrics.SetClients(h.name, n)
	h.logger.Info().Str("hub", h.name).Str("remote", r.RemoteAddr).Int("clients", n).Msg("client connected")

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer close(c.done)
	defer h.removeClient(c.conn)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only goroutine calling WriteMessage on c.conn.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	defer h.removeClient(c.conn)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.wake:
			payload := c.pending.Take()
			if payload == nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(h.messageType, *payload); err != nil {
				h.logger.Debug().Err(err).Str("hub", h.name).Msg("client write failed")
				return
			}
		}
	}
}

// Publish hands payload to every client writer without waiting for any
// socket write.
func (h *Hub) Publish(payload []byte) {
	h.mu.Lock()
	if h.replay {
		h.latest = payload
	}
	for _, c := range h.clients {
		if c.offer(payload) {
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()
	h.published.Add(1)
}

// Broadcast publishes every payload from messages until ctx is done or the
// channel closes.
func (h *Hub) Broadcast(ctx context.Context, messages <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-messages:
			if !ok {
				return
			}
			h.Publish(payload)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Dropped counts payloads a slow client never received because a newer one
// replaced them.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]*client)
	h.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	for conn := range clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
		_ = conn.Close()
	}
	metrics.SetClients(h.name, 0)
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	_, known := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	conn.Close()
	if known {
		metrics.SetClients(h.name, n)
		h.logger.Debug().Str("hub", h.name).Int("clients", n).Msg("client removed")
	}
}

// Server is the edge broadcast server: pose JSON on /pose, raw image bytes
// on /stream.
type Server struct {
	Pose   *Hub
	Stream *Hub

	statusFn func() map[string]any
	logger   zerolog.Logger

	mu        sync.Mutex
	lastFrame frameStatus
	frames    atomic.Uint64
}

type frameStatus struct {
	Camera     string    `json:"camera"`
	Exact      string    `json:"exact_timestamp"`
	Slotted    string    `json:"slotted_timestamp"`
	ImageBytes int       `json:"image_bytes"`
	ReceivedAt time.Time `json:"received_at"`
}

// New creates a server. statusFn may be nil; its fields are merged into
// the /status payload.
func New(statusFn func() map[string]any, logger zerolog.Logger) *Server {
	return &Server{
		Pose:     NewHub("pose", websocket.TextMessage, false, logger),
		Stream:   NewHub("stream", websocket.BinaryMessage, true, logger),
		statusFn: statusFn,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/pose", s.Pose)
	mux.Handle("/stream", s.Stream)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ForwardFrames publishes the image bytes of every received frame to /stream.
func (s *Server) ForwardFrames(ctx context.Context, frames <-chan types.CaptureFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.frames.Add(1)
			s.mu.Lock()
			s.lastFrame = frameStatus{
				Camera:     frame.CameraName,
				Exact:      frame.ExactTimestamp,
				Slotted:    frame.SlottedTimestamp,
				ImageBytes: len(frame.Image),
				ReceivedAt: time.Now(),
			}
			s.mu.Unlock()
			s.Stream.Publish(frame.Image)
		}
	}
}

// Run serves on port until ctx is done.
func Run(ctx context.Context, port int, srv *Server) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Pose.Close()
		srv.Stream.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	srv.logger.Info().Int("port", port).Msg("edge server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if s.statusFn != nil {
		for k, v := range s.statusFn() {
			payload[k] = v
		}
	}
	s.mu.Lock()
	last := s.lastFrame
	s.mu.Unlock()
	payload["pose_clients"] = s.Pose.Clients()
	payload["stream_clients"] = s.Stream.Clients()
	payload["poses_published"] = s.Pose.Published()
	payload["stream_dropped"] = s.Stream.Dropped()
	payload["frames_forwarded"] = s.frames.Load()
	if last.Camera != "" {
		payload["last_frame"] = last
	}
	_ = json.NewEncoder(w).Encode(payload)
}
