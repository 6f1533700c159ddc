package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"posestream-go/internal/output"
	"posestream-go/internal/types"
	"posestream-go/internal/wire"
)

// Sink is one destination of a captured frame. Sinks are independent: the
// producer calls each one whether or not the others failed.
type Sink interface {
	Name() string
	Write(ctx context.Context, frame types.CaptureFrame) error
}

var ErrNotConnected = errors.New("capture: sink not connected")

// NetSink streams wire messages over one TCP connection. A failed write drops
// the frame and the connection; the next Write dials again.
type NetSink struct {
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	logger       zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func NewNetSink(addr string, logger zerolog.Logger) *NetSink {
	return &NetSink{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		logger:       logger,
	}
}

func (s *NetSink) Name() string { return "net" }

func (s *NetSink) Write(ctx context.Context, frame types.CaptureFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		dialer := net.Dialer{Timeout: s.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", s.Addr)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNotConnected, s.Addr, err)
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		s.conn = conn
		s.logger.Info().Str("addr", s.Addr).Msg("capture stream connected")
	}
	if s.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}
	n, err := wire.WriteMessage(s.conn, frame)
	if err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("capture: write %s after %d bytes: %w", s.Addr, n, err)
	}
	return nil
}

func (s *NetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// ZMQSink pushes one wire message per ZMQ message.
type ZMQSink struct {
	endpoint string
	socket   *zmq4.Socket
	mu       sync.Mutex
}

func NewZMQSink(endpoint string, sendTimeout time.Duration) (*ZMQSink, error) {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, err
	}
	// Do not queue frames for a consumer that is not there.
	if err := socket.SetSndhwm(1); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetSndtimeo(sendTimeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &ZMQSink{endpoint: endpoint, socket: socket}, nil
}

func (s *ZMQSink) Name() string { return "zmq" }

func (s *ZMQSink) Write(_ context.Context, frame types.CaptureFrame) error {
	msg, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.socket.SendBytes(msg, 0); err != nil {
		return fmt.Errorf("capture: zmq send %s: %w", s.endpoint, err)
	}
	return nil
}

func (s *ZMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket.Close()
}

// FileSink persists each frame under Dir.
type FileSink struct {
	Dir string
}

func (s FileSink) Name() string { return "file" }

func (s FileSink) Write(_ context.Context, frame types.CaptureFrame) error {
	_, err := output.WriteCapture(s.Dir, frame)
	return err
}
