package viewer

import (
	"bytes"
	"errors"
	"image/png"
	"sync"

	"posestream-go/internal/imagestream"
	"posestream-go/internal/types"
)

var ErrNoFrame = errors.New("viewer: no frame received yet")

// StateScene keeps the geometry a renderer would draw.
type StateScene struct {
	mu      sync.Mutex
	state   types.RenderState
	applied uint64
	redraws uint64
}

func (s *StateScene) Apply(state types.RenderState) {
	s.mu.Lock()
	s.state = state
	s.applied++
	s.mu.Unlock()
}

func (s *StateScene) Redraw() {
	s.mu.Lock()
	s.redraws++
	s.mu.Unlock()
}

func (s *StateScene) Snapshot() (state types.RenderState, applied, redraws uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.applied, s.redraws
}

type TextOverlay struct {
	mu   sync.Mutex
	text string
}

func (o *TextOverlay) Show(text string) {
	o.mu.Lock()
	o.text = text
	o.mu.Unlock()
}

func (o *TextOverlay) Text() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.text
}

// SnapshotSurface holds the last frame drawn on an image surface.
type SnapshotSurface struct {
	mu     sync.Mutex
	frame  imagestream.Frame
	frames uint64
}

func (s *SnapshotSurface) Draw(frame imagestream.Frame) {
	s.mu.Lock()
	s.frame = frame
	s.frames++
	s.mu.Unlock()
}

func (s *SnapshotSurface) Latest() (imagestream.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.frames > 0
}

// PNG encodes the last frame.
func (s *SnapshotSurface) PNG() ([]byte, imagestream.Frame, error) {
	frame, ok := s.Latest()
	if !ok || frame.Image == nil {
		return nil, frame, ErrNoFrame
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame.Image); err != nil {
		return nil, frame, err
	}
	return buf.Bytes(), frame, nil
}
