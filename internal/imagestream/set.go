package imagestream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownSurface = errors.New("imagestream: unknown surface")
	ErrSuperseded     = errors.New("imagestream: open superseded")
)

// URL builds the websocket endpoint for host and port.
func URL(host string, port int, path string) string {
	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	return fmt.Sprintf("ws://%s:%d%s", host, port, path)
}

// Set owns the image channels of one viewer, keyed by surface id. Dials run
// without holding the set lock, so one unresponsive edge never blocks the
// other surfaces.
type Set struct {
	dialer *websocket.Dialer
	logger zerolog.Logger
	path   string

	mu       sync.Mutex
	channels map[string]*Channel
	surfaces map[string]Surface
	pending  map[string]*pendingDial
}

type pendingDial struct {
	cancel context.CancelFunc
}

func NewSet(dialer *websocket.Dialer, path string, logger zerolog.Logger) *Set {
	return &Set{
		dialer:   dialer,
		logger:   logger,
		path:     path,
		channels: make(map[string]*Channel),
		surfaces: make(map[string]Surface),
		pending:  make(map[string]*pendingDial),
	}
}

// Open connects surfaceID to host:port, replacing any channel or pending
// dial the surface had.
func (s *Set) Open(ctx context.Context, surfaceID, host string, port int, surface Surface) error {
	s.mu.Lock()
	old := s.channels[surfaceID]
	delete(s.channels, surfaceID)
	if p := s.pending[surfaceID]; p != nil {
		p.cancel()
	}
	p, dialCtx := s.begin(ctx, surfaceID)
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return s.connect(dialCtx, p, surfaceID, URL(host, port, s.path), surface)
}

// Reopen connects surfaceID only if it has neither an open channel nor a
// dial in progress. The surface must have been opened before.
func (s *Set) Reopen(ctx context.Context, surfaceID, host string, port int) error {
	s.mu.Lock()
	if ch := s.channels[surfaceID]; ch != nil && !ch.Closed() {
		s.mu.Unlock()
		return nil
	}
	if s.pending[surfaceID] != nil {
		s.mu.Unlock()
		return nil
	}
	surface, ok := s.surfaces[surfaceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSurface, surfaceID)
	}
	p, dialCtx := s.begin(ctx, surfaceID)
	s.mu.Unlock()

	return s.connect(dialCtx, p, surfaceID, URL(host, port, s.path), surface)
}

// begin registers a pending dial for surfaceID. Callers hold s.mu.
func (s *Set) begin(ctx context.Context, surfaceID string) (*pendingDial, context.Context) {
	dialCtx, cancel := context.WithCancel(ctx)
	p := &pendingDial{cancel: cancel}
	s.pending[surfaceID] = p
	return p, dialCtx
}

// connect dials outside the lock and installs the channel unless p was
// cancelled or replaced meanwhile.
func (s *Set) connect(ctx context.Context, p *pendingDial, surfaceID, url string, surface Surface) error {
	ch, err := Open(ctx, s.dialer, surfaceID, url, surface, s.logger)

	s.mu.Lock()
	current := s.pending[surfaceID] == p
	if current {
		delete(s.pending, surfaceID)
	}
	if err == nil && current {
		s.channels[surfaceID] = ch
		s.surfaces[surfaceID] = surface
	}
	s.mu.Unlock()
	p.cancel()

	switch {
	case !current:
		if ch != nil {
			_ = ch.Close()
		}
		return fmt.Errorf("%w: %s", ErrSuperseded, surfaceID)
	case err != nil:
		return err
	}
	return nil
}

// CloseAll closes every open channel and cancels pending dials. Surfaces are
// remembered for Reopen.
func (s *Set) CloseAll() {
	s.mu.Lock()
	channels := s.channels
	s.channels = make(map[string]*Channel)
	for id, p := range s.pending {
		p.cancel()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for id, ch := range channels {
		if err := ch.Close(); err != nil {
			s.logger.Debug().Err(err).Str("surface", id).Msg("image channel close")
		}
	}
}

// Pending reports whether surfaceID has a dial in progress.
func (s *Set) Pending(surfaceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[surfaceID] != nil
}

// IsOpen reports whether surfaceID currently has an open channel.
func (s *Set) IsOpen(surfaceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[surfaceID]
	return ch != nil && !ch.Closed()
}

func (s *Set) Stats() []ChannelStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelStats, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Surface < out[j].Surface })
	return out
}

// Surfaces lists every surface id the set has opened, open or not.
func (s *Set) Surfaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.surfaces))
	for id := range s.surfaces {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
