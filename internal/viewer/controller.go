// Package viewer runs the visualisation sessions of one viewer process: at
// most one pose surface fed by a relay and a render loop, and any number of
// raw image surfaces.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"posestream-go/internal/imagestream"
	"posestream-go/internal/relay"
	"posestream-go/internal/render"
	"posestream-go/internal/types"
)

var (
	ErrNoSession      = errors.New("viewer: no pose session")
	ErrConnecting     = errors.New("viewer: pose session is connecting")
	ErrUnknownSurface = imagestream.ErrUnknownSurface
)

type Options struct {
	Host       string
	PosePort   int
	StreamPort int
	PosePath   string
	StreamPath string
	Refresh    time.Duration
	Location   *time.Location
	LogEvery   int
	Dialer     *websocket.Dialer
	Recorder   relay.Recorder
	Notifier   relay.Notifier
	Clock      func() time.Time
}

type poseSession struct {
	id        string
	surfaceID string
	url       string
	started   time.Time
	relay     *relay.Relay
	loop      *render.Loop
	scene     *StateScene
	overlay   *TextOverlay
	cancel    context.CancelFunc
	done      chan struct{}
}

// SessionInfo describes the pose session a start request ended up with.
type SessionInfo struct {
	Session string    `json:"session"`
	Surface string    `json:"surface"`
	URL     string    `json:"url"`
	Started time.Time `json:"started"`
	Reused  bool      `json:"reused"`
}

type Controller struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	pose     *poseSession
	dialing  *relay.Relay
	streams  *imagestream.Set
	surfaces map[string]*SnapshotSurface
}

func NewController(opts Options, logger zerolog.Logger) *Controller {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PosePath == "" {
		opts.PosePath = "/pose"
	}
	if opts.StreamPath == "" {
		opts.StreamPath = "/stream"
	}
	return &Controller{
		opts:     opts,
		logger:   logger,
		streams:  imagestream.NewSet(opts.Dialer, opts.StreamPath, logger),
		surfaces: make(map[string]*SnapshotSurface),
	}
}

func (c *Controller) endpoint(host string, port, defaultPort int) (string, int) {
	if host == "" {
		host = c.opts.Host
	}
	if port == 0 {
		port = defaultPort
	}
	return host, port
}

// StartPose connects the pose surface to host:port and starts its render
// loop. While a session is connected this is a no-op that reports the
// running session. A session whose connection has ended is replaced.
func (c *Controller) StartPose(ctx context.Context, surfaceID, host string, port int) (SessionInfo, error) {
	host, port = c.endpoint(host, port, c.opts.PosePort)
	url := imagestream.URL(host, port, c.opts.PosePath)

	c.mu.Lock()
	if c.dialing != nil {
		c.mu.Unlock()
		return SessionInfo{}, ErrConnecting
	}
	ended := c.pose
	if ended != nil {
		if ended.relay.Running() {
			c.mu.Unlock()
			return ended.info(true), nil
		}
		c.pose = nil
	}
	r := relay.New(
		relay.WithDialer(c.opts.Dialer),
		relay.WithLogger(c.logger),
		relay.WithLogEvery(c.opts.LogEvery),
		relay.WithRecorder(c.opts.Recorder),
		relay.WithNotifier(c.opts.Notifier),
	)
	c.dialing = r
	c.mu.Unlock()

	if ended != nil {
		c.logger.Info().Str("session", ended.id).Msg("replacing ended pose session")
		_ = ended.stop()
	}

	err := r.Start(ctx, url)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialing != r {
		// StopPose ran during the dial and has already stopped r.
		if err == nil {
			err = relay.ErrStopped
		}
		return SessionInfo{}, err
	}
	c.dialing = nil
	if err != nil {
		return SessionInfo{}, err
	}

	s := &poseSession{
		id:        uuid.NewString(),
		surfaceID: surfaceID,
		url:       url,
		started:   c.opts.Clock(),
		relay:     r,
		scene:     &StateScene{},
		overlay:   &TextOverlay{},
		done:      make(chan struct{}),
	}
	s.loop = render.NewLoop(r, s.scene, s.overlay,
		render.WithClock(c.opts.Clock),
		render.WithLocation(c.opts.Location),
		render.WithLogEvery(c.opts.LogEvery),
		render.WithLogger(c.logger.With().Str("session", s.id).Logger()),
	)
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.loop.Run(loopCtx, c.opts.Refresh)
	}()

	c.pose = s
	c.logger.Info().Str("session", s.id).Str("surface", surfaceID).Str("url", url).Msg("pose session started")
	return s.info(false), nil
}

// StopPose ends the pose session. Nothing received afterwards is rendered.
// Stopping without a session is a no-op.
func (c *Controller) StopPose() (bool, error) {
	c.mu.Lock()
	s, dialing := c.pose, c.dialing
	c.pose, c.dialing = nil, nil
	c.mu.Unlock()
	if dialing != nil {
		_ = dialing.Stop()
	}
	if s == nil {
		return dialing != nil, nil
	}
	err := s.stop()
	c.logger.Info().Str("session", s.id).Uint64("iterations", s.loop.Iterations()).Uint64("applied", s.loop.Applied()).Msg("pose session stopped")
	return true, err
}

func (s *poseSession) stop() error {
	err := s.relay.Stop()
	s.cancel()
	<-s.done
	return err
}

func (s *poseSession) info(reused bool) SessionInfo {
	return SessionInfo{Session: s.id, Surface: s.surfaceID, URL: s.url, Started: s.started, Reused: reused}
}

// PoseView reports what the pose surface currently shows.
func (c *Controller) PoseView() (types.PoseView, relay.Stats, error) {
	c.mu.Lock()
	s := c.pose
	c.mu.Unlock()
	if s == nil {
		return types.PoseView{}, relay.Stats{}, ErrNoSession
	}
	state, applied, redraws := s.scene.Snapshot()
	return types.PoseView{
		Type:    "pose",
		Surface: s.surfaceID,
		Session: s.id,
		State:   state,
		Overlay: s.overlay.Text(),
		Updates: applied,
		Redraws: redraws,
	}, s.relay.Stats(), nil
}

// StartStream opens the image channel of surfaceID, replacing any channel it
// had.
func (c *Controller) StartStream(ctx context.Context, surfaceID, host string, port int) error {
	if surfaceID == "" {
		return fmt.Errorf("viewer: surface id is required")
	}
	host, port = c.endpoint(host, port, c.opts.StreamPort)
	return c.streams.Open(ctx, surfaceID, host, port, c.surface(surfaceID))
}

// CloseStreams closes every image channel.
func (c *Controller) CloseStreams() {
	c.streams.CloseAll()
}

// ReopenStream reconnects surfaceID if its channel is closed.
func (c *Controller) ReopenStream(ctx context.Context, surfaceID, host string, port int) error {
	host, port = c.endpoint(host, port, c.opts.StreamPort)
	return c.streams.Reopen(ctx, surfaceID, host, port)
}

func (c *Controller) StreamStats() []imagestream.ChannelStats {
	return c.streams.Stats()
}

// Snapshot returns the PNG of the last frame drawn on surfaceID.
func (c *Controller) Snapshot(surfaceID string) ([]byte, imagestream.Frame, error) {
	c.mu.Lock()
	surface, ok := c.surfaces[surfaceID]
	c.mu.Unlock()
	if !ok {
		return nil, imagestream.Frame{}, fmt.Errorf("%w: %s", ErrUnknownSurface, surfaceID)
	}
	return surface.PNG()
}

func (c *Controller) surface(id string) *SnapshotSurface {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.surfaces[id]
	if !ok {
		s = &SnapshotSurface{}
		c.surfaces[id] = s
	}
	return s
}

// Close stops every session.
func (c *Controller) Close() error {
	_, err := c.StopPose()
	c.CloseStreams()
	return err
}
