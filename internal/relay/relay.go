// Package relay owns the pose websocket of one visualisation session. A
// background goroutine reads and decodes messages and leaves only the newest
// decoded update for the render loop to take.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"posestream-go/internal/logging"
	"posestream-go/internal/mailbox"
	"posestream-go/internal/metrics"
	"posestream-go/internal/types"
)

const (
	maxMessageBytes = 1 << 20
	closeWait       = time.Second
)

// Recorder persists every decoded update.
type Recorder interface {
	RecordPose(update types.PoseUpdate) error
}

// Notifier is told about updates that carry an event label.
type Notifier interface {
	Notify(update types.PoseUpdate)
}

// ErrStopped is returned by Start when Stop ran while the dial was pending.
var ErrStopped = errors.New("relay: stopped while connecting")

type Option func(*Relay)

func WithDialer(d *websocket.Dialer) Option {
	return func(r *Relay) { r.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

func WithNotifier(n Notifier) Option {
	return func(r *Relay) { r.notifier = n }
}

// WithLogEvery throttles per-message decode failure logs.
func WithLogEvery(n int) Option {
	return func(r *Relay) { r.decodeLog = logging.NewEveryN(n) }
}

type Stats struct {
	Connected  bool   `json:"connected"`
	Received   uint64 `json:"received"`
	Decoded    uint64 `json:"decoded"`
	Failed     uint64 `json:"failed"`
	Superseded uint64 `json:"superseded"`
}

type Relay struct {
	dialer    *websocket.Dialer
	logger    zerolog.Logger
	recorder  Recorder
	notifier  Notifier
	decodeLog *logging.EveryN

	mu   sync.Mutex
	conn *websocket.Conn
	url  string
	done chan struct{}

	// dialing is set while Start dials without holding mu. Stop bumps gen
	// so a dial that finishes afterwards is discarded.
	dialing context.CancelFunc
	gen     uint64

	// Each connection gets its own mailbox; Stop detaches it so nothing
	// decoded by a closed connection can be taken afterwards.
	box atomic.Pointer[mailbox.Mailbox[types.PoseUpdate]]

	received   atomic.Uint64
	decoded    atomic.Uint64
	failed     atomic.Uint64
	superseded atomic.Uint64
}

func New(opts ...Option) *Relay {
	r := &Relay{
		dialer:    websocket.DefaultDialer,
		logger:    log.Logger,
		decodeLog: logging.NewEveryN(1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start opens the pose connection. Calling Start while a connection is open
// or being dialed is a no-op.
func (r *Relay) Start(ctx context.Context, url string) error {
	r.mu.Lock()
	if r.conn != nil || r.dialing != nil {
		r.mu.Unlock()
		r.logger.Debug().Str("url", url).Msg("relay already started")
		return nil
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.dialing = cancel
	gen := r.gen
	r.mu.Unlock()

	conn, _, err := r.dialer.DialContext(dialCtx, url, nil)

	r.mu.Lock()
	r.dialing = nil
	if r.gen != gen {
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("%w: %s", ErrStopped, url)
	}
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("relay: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	box := &mailbox.Mailbox[types.PoseUpdate]{}
	done := make(chan struct{})
	r.conn = conn
	r.url = url
	r.done = done
	r.box.Store(box)
	r.mu.Unlock()
	r.logger.Info().Str("url", url).Msg("relay connected")

	go r.receive(conn, url, box, done)
	return nil
}

// Stop closes the connection if one is open and waits for the reader to exit.
// A pending dial is cancelled and its Start returns ErrStopped.
func (r *Relay) Stop() error {
	r.mu.Lock()
	conn, done, url := r.conn, r.done, r.url
	r.conn = nil
	r.box.Store(nil)
	r.gen++
	if r.dialing != nil {
		r.dialing()
		r.dialing = nil
	}
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait),
	)
	err := conn.Close()
	<-done
	r.logger.Info().Str("url", url).Msg("relay stopped")
	return err
}

// Connecting reports whether a Start is dialing.
func (r *Relay) Connecting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialing != nil
}

// Take returns the newest undelivered update and clears it, or nil.
func (r *Relay) Take() *types.PoseUpdate {
	box := r.box.Load()
	if box == nil {
		return nil
	}
	return box.Take()
}

// Done is closed when the current connection's reader exits.
func (r *Relay) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Relay) Stats() Stats {
	return Stats{
		Connected:  r.Running(),
		Received:   r.received.Load(),
		Decoded:    r.decoded.Load(),
		Failed:     r.failed.Load(),
		Superseded: r.superseded.Load(),
	}
}

func (r *Relay) receive(conn *websocket.Conn, url string, box *mailbox.Mailbox[types.PoseUpdate], done chan struct{}) {
	defer close(done)
	defer r.detach(conn)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			r.logClosed(url, err)
			return
		}
		r.received.Add(1)

		update, err := DecodePose(payload)
		if err != nil {
			r.failed.Add(1)
			metrics.RecordRelayMessage("decode_error")
			if r.decodeLog.Allow() {
				r.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("relay dropped message")
			}
			continue
		}
		r.decoded.Add(1)
		metrics.RecordRelayMessage("ok")

		if r.recorder != nil {
			if err := r.recorder.RecordPose(update); err != nil {
				r.logger.Warn().Err(err).Msg("relay record failed")
			}
		}
		if r.notifier != nil && update.HasEvent() {
			r.notifier.Notify(update)
		}
		if box.Put(&update) {
			r.superseded.Add(1)
			metrics.RecordRelaySuperseded()
		}
	}
}

// detach forgets conn after its reader exits on its own, so a later Start
// can reconnect.
func (r *Relay) detach(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == conn {
		r.conn = nil
		_ = conn.Close()
	}
}

func (r *Relay) logClosed(url string, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, net.ErrClosed):
		r.logger.Info().Str("url", url).Msg("relay connection closed")
	default:
		r.logger.Warn().Err(err).Str("url", url).Msg("relay connection error")
	}
}
