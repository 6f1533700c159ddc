// Package render drives the per-frame consumer side: take the newest pose if
// one is waiting, rebuild the scene geometry, report delay, and redraw.
package render

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"posestream-go/internal/logging"
	"posestream-go/internal/metrics"
	"posestream-go/internal/types"
)

// Source hands over the newest undelivered pose, or nil.
type Source interface {
	Take() *types.PoseUpdate
}

// Scene is the 3D view. Neither method may block.
type Scene interface {
	Apply(state types.RenderState)
	Redraw()
}

// Overlay shows the status line above the scene.
type Overlay interface {
	Show(text string)
}

// Project converts a pose into scene geometry. The x axis is mirrored to
// match the viewer's handedness.
func Project(update types.PoseUpdate) types.RenderState {
	var state types.RenderState
	for i, j := range update.Joints {
		state.Joints[i] = types.Vec3{X: -j.X, Y: j.Y, Z: j.Z}
	}
	for i, pair := range types.BoneTopology {
		state.Bones[i] = types.Bone{Start: state.Joints[pair[0]], End: state.Joints[pair[1]]}
	}
	return state
}

// FormatOverlay renders the status line. The event clause is omitted when the
// label is empty or "None".
func FormatOverlay(rmse, delaySeconds float64, event string) string {
	text := fmt.Sprintf("RMSE: %.1f cm / Delay: %.3f s", rmse*100, delaySeconds)
	if event != "" && event != types.NoEvent {
		text += " / Event: " + event
	}
	return text
}

type Option func(*Loop)

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithLocation sets the zone capture times are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(l *Loop) { l.loc = loc }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithLogEvery throttles bad capture time diagnostics.
func WithLogEvery(n int) Option {
	return func(l *Loop) { l.delayLog = logging.NewEveryN(n) }
}

type Loop struct {
	source   Source
	scene    Scene
	overlay  Overlay
	now      func() time.Time
	loc      *time.Location
	logger   zerolog.Logger
	delayLog *logging.EveryN

	iterations atomic.Uint64
	applied    atomic.Uint64
	badTimes   atomic.Uint64
}

func NewLoop(source Source, scene Scene, overlay Overlay, opts ...Option) *Loop {
	l := &Loop{
		source:   source,
		scene:    scene,
		overlay:  overlay,
		now:      time.Now,
		loc:      time.Local,
		logger:   log.Logger,
		delayLog: logging.NewEveryN(1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Step runs one iteration and reports whether a new pose was applied.
// The redraw happens whether or not a pose arrived.
func (l *Loop) Step() bool {
	applied := l.processLatest()
	l.scene.Redraw()
	l.iterations.Add(1)
	metrics.RecordRenderIteration(applied)
	return applied
}

func (l *Loop) processLatest() bool {
	update := l.source.Take()
	if update == nil {
		return false
	}
	l.scene.Apply(Project(*update))

	delay, err := Delay(update.CaptureTime, l.now(), l.loc)
	if err != nil {
		l.badTimes.Add(1)
		if l.delayLog.Allow() {
			l.logger.Warn().Err(err).Str("capture_time", update.CaptureTime).
				Uint64("bad_total", l.badTimes.Load()).Msg("delay unavailable")
		}
		delay = 0
	} else {
		metrics.RecordRenderDelay(delay)
	}
	l.overlay.Show(FormatOverlay(update.RMSE, delay, update.EventName))
	l.applied.Add(1)
	return true
}

// Run steps the loop once per refresh until ctx is done.
func (l *Loop) Run(ctx context.Context, refresh time.Duration) {
	if refresh <= 0 {
		refresh = time.Second / 60
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Step()
		}
	}
}

func (l *Loop) Iterations() uint64 {
	return l.iterations.Load()
}

func (l *Loop) Applied() uint64 {
	return l.applied.Load()
}

// BadCaptureTimes counts applied poses whose delay could not be computed.
func (l *Loop) BadCaptureTimes() uint64 {
	return l.badTimes.Load()
}
