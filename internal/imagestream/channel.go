// Package imagestream receives undelimited binary image frames, one
// websocket per display surface, and draws each frame as it arrives.
package imagestream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"posestream-go/internal/logging"
	"posestream-go/internal/metrics"
)

const maxImageBytes = 32 << 20

// Frame is one decoded image ready to draw.
type Frame struct {
	Image  image.Image
	Format string
	Bytes  int
	Label  string
	At     time.Time
}

// Surface is the drawing target of one channel. Draw must not block.
type Surface interface {
	Draw(frame Frame)
}

// RxLabel is the byte-count overlay drawn on each frame.
func RxLabel(n int) string {
	return fmt.Sprintf("Rx Data: %d bytes", n)
}

type ChannelStats struct {
	Surface  string `json:"surface"`
	URL      string `json:"url"`
	Open     bool   `json:"open"`
	Received uint64 `json:"received"`
	Drawn    uint64 `json:"drawn"`
	Failed   uint64 `json:"failed"`
}

// Channel is one open image connection bound to one surface.
type Channel struct {
	surfaceID string
	url       string
	conn      *websocket.Conn
	surface   Surface
	logger    zerolog.Logger
	decodeLog *logging.EveryN
	done      chan struct{}

	closed   atomic.Bool
	received atomic.Uint64
	drawn    atomic.Uint64
	failed   atomic.Uint64
}

// Open dials url and starts drawing frames onto surface.
func Open(ctx context.Context, dialer *websocket.Dialer, surfaceID, url string, surface Surface, logger zerolog.Logger) (*Channel, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("imagestream: dial %s for %s: %w", url, surfaceID, err)
	}
	conn.SetReadLimit(maxImageBytes)
	c := &Channel{
		surfaceID: surfaceID,
		url:       url,
		conn:      conn,
		surface:   surface,
		logger:    logger.With().Str("surface", surfaceID).Logger(),
		decodeLog: logging.NewEveryN(30),
		done:      make(chan struct{}),
	}
	c.logger.Info().Str("url", url).Msg("image channel connected")
	go c.receive()
	return c, nil
}

// Close shuts the connection and waits for the reader to exit.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		<-c.done
		return nil
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.conn.Close()
	<-c.done
	c.logger.Info().Msg("image channel closed")
	return err
}

// Closed reports whether the channel was closed by either side.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Surface:  c.surfaceID,
		URL:      c.url,
		Open:     !c.closed.Load(),
		Received: c.received.Load(),
		Drawn:    c.drawn.Load(),
		Failed:   c.failed.Load(),
	}
}

func (c *Channel) receive() {
	defer close(c.done)
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Swap(true) {
				_ = c.conn.Close()
				c.logClosed(err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			metrics.RecordImageMessage("ignored")
			continue
		}
		c.received.Add(1)
		c.handle(payload)
	}
}

func (c *Channel) handle(payload []byte) {
	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		c.failed.Add(1)
		metrics.RecordImageMessage("decode_error")
		if c.decodeLog.Allow() {
			c.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("image decode failed")
		}
		return
	}
	c.surface.Draw(Frame{
		Image:  img,
		Format: format,
		Bytes:  len(payload),
		Label:  RxLabel(len(payload)),
		At:     time.Now(),
	})
	c.drawn.Add(1)
	metrics.RecordImageMessage("ok")
	c.logger.Debug().Int("bytes", len(payload)).Str("format", format).Msg("image drawn")
}

func (c *Channel) logClosed(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		c.logger.Info().Msg("image channel closed by peer")
		return
	}
	c.logger.Warn().Err(err).Msg("image channel error")
}
