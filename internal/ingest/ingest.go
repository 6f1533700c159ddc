package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"posestream-go/internal/logging"
	"posestream-go/internal/metrics"
	"posestream-go/internal/types"
	"posestream-go/internal/wire"
)

var decodeFailures atomic.Uint64

// DecodeFailures counts messages dropped by any receiver in this process.
func DecodeFailures() uint64 {
	return decodeFailures.Load()
}

type options struct {
	logger   zerolog.Logger
	logEvery int
	buffer   int
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithLogEvery logs only every nth decode failure.
func WithLogEvery(n int) Option { return func(o *options) { o.logEvery = n } }

func WithBuffer(n int) Option { return func(o *options) { o.buffer = n } }

func newOptions(opts []Option) options {
	o := options{logger: log.Logger, logEvery: 1, buffer: 16}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buffer < 0 {
		o.buffer = 0
	}
	return o
}

// Listen accepts producer connections on addr and emits every decoded frame.
// The channel closes after ctx is done and every connection has ended.
func Listen(ctx context.Context, addr string, limits wire.Limits, opts ...Option) (<-chan types.CaptureFrame, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return Serve(ctx, ln, limits, opts...), nil
}

// Serve is Listen on an existing listener, which it takes ownership of.
func Serve(ctx context.Context, ln net.Listener, limits wire.Limits, opts ...Option) <-chan types.CaptureFrame {
	o := newOptions(opts)
	out := make(chan types.CaptureFrame, o.buffer)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		mu.Lock()
		for conn := range conns {
			_ = conn.Close()
		}
		mu.Unlock()
	}()

	go func() {
		defer close(out)
		defer wg.Wait()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				o.logger.Warn().Err(err).Msg("ingest accept failed")
				continue
			}
			mu.Lock()
			if ctx.Err() != nil {
				mu.Unlock()
				_ = conn.Close()
				return
			}
			conns[conn] = struct{}{}
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(conns, conn)
					mu.Unlock()
					_ = conn.Close()
				}()
				readConn(ctx, conn, limits, out, o.logger)
			}()
		}
	}()
	return out
}

// readConn reads messages until the peer closes or sends something that
// breaks framing. There is no way to find the next message boundary after a
// framing error, so the connection is dropped.
func readConn(ctx context.Context, conn net.Conn, limits wire.Limits, out chan<- types.CaptureFrame, logger zerolog.Logger) {
	remote := conn.RemoteAddr().String()
	logger.Info().Str("remote", remote).Msg("producer connected")
	count := 0
	for {
		msg, err := wire.ReadMessage(conn, limits)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil, errors.Is(err, net.ErrClosed):
				logger.Info().Str("remote", remote).Int("messages", count).Msg("producer disconnected")
			default:
				decodeFailures.Add(1)
				metrics.RecordIngest("tcp", "framing_error")
				logger.Warn().Err(err).Str("remote", remote).Int("messages", count).Msg("dropping producer connection")
			}
			return
		}
		count++
		metrics.RecordIngest("tcp", "ok")
		select {
		case <-ctx.Done():
			return
		case out <- msg.Frame():
		}
	}
}

// Stream binds a ZMQ PULL socket at endpoint. Each ZMQ message carries exactly
// one wire message; a message that does not decode is dropped on its own.
func Stream(ctx context.Context, endpoint string, limits wire.Limits, opts ...Option) (<-chan types.CaptureFrame, error) {
	o := newOptions(opts)
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	every := logging.NewEveryN(o.logEvery)
	out := make(chan types.CaptureFrame, o.buffer)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				if every.Allow() {
					o.logger.Warn().Err(err).Uint64("count", every.Count()).Msg("ingest recv error")
				}
				continue
			}

			frame, ok := decodeFrame(msg, limits, o.logger, every)
			if !ok {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
	}()

	return out, nil
}

func decodeFrame(msg []byte, limits wire.Limits, logger zerolog.Logger, every *logging.EveryN) (types.CaptureFrame, bool) {
	decoded, err := wire.Decode(msg, limits)
	if err != nil {
		decodeFailures.Add(1)
		metrics.RecordIngest("zmq", "decode_error")
		if every.Allow() {
			logger.Warn().Err(err).Int("bytes", len(msg)).Uint64("count", every.Count()).Msg("ingest decode skipped message")
		}
		return types.CaptureFrame{}, false
	}
	metrics.RecordIngest("zmq", "ok")
	return decoded.Frame(), true
}
