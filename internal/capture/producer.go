package capture

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"posestream-go/internal/metrics"
	"posestream-go/internal/types"
)

// Producer grabs a frame on a fixed interval and fans it out to every sink.
//
// Ticks are not phase-locked to anything. If a tick fires while the previous
// one is still writing, time.Ticker drops it, so a slow sink lowers the
// effective rate instead of queueing frames.
type Producer struct {
	Camera   string
	Interval time.Duration
	Source   Source
	Sinks    []Sink
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Run captures until ctx is done.
func (p *Producer) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one capture and returns the number of sinks that failed.
func (p *Producer) Tick(ctx context.Context) int {
	image, err := p.Source.Grab(ctx)
	if err != nil {
		p.Logger.Warn().Err(err).Str("camera", p.Camera).Msg("capture grab failed")
		return len(p.Sinks)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	at := now()
	exact, slotted := Stamp(at, p.Interval)
	frame := types.CaptureFrame{
		CameraName:       p.Camera,
		ExactTimestamp:   exact,
		SlottedTimestamp: slotted,
		CapturedAt:       at,
		Image:            image,
	}

	failed := 0
	for _, sink := range p.Sinks {
		start := time.Now()
		err := sink.Write(ctx, frame)
		metrics.RecordCaptureWrite(sink.Name(), err)
		if err != nil {
			failed++
			p.Logger.Warn().Err(err).Str("sink", sink.Name()).Str("camera", p.Camera).Msg("frame dropped")
			continue
		}
		p.Logger.Debug().
			Str("sink", sink.Name()).
			Str("camera", p.Camera).
			Str("exact", exact).
			Int("image_bytes", len(image)).
			Dur("took", time.Since(start)).
			Msg("frame written")
	}
	return failed
}
