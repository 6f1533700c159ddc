package capture

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"posestream-go/internal/types"
	"posestream-go/internal/wire"
)

func TestStampSlotsHalfSeconds(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	cases := []struct {
		ms      int
		exact   string
		slotted string
	}{
		{0, "2024-03-01_12-30-45.000", "2024-03-01_12-30-45.0"},
		{499, "2024-03-01_12-30-45.499", "2024-03-01_12-30-45.0"},
		{500, "2024-03-01_12-30-45.500", "2024-03-01_12-30-45.5"},
		{987, "2024-03-01_12-30-45.987", "2024-03-01_12-30-45.5"},
	}
	for _, tc := range cases {
		at := base.Add(time.Duration(tc.ms) * time.Millisecond)
		exact, slotted := Stamp(at, 500*time.Millisecond)
		if exact != tc.exact || slotted != tc.slotted {
			t.Fatalf("Stamp(+%dms) = %q %q, want %q %q", tc.ms, exact, slotted, tc.exact, tc.slotted)
		}
	}
}

func TestStampOneSecondInterval(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 45, 750*int(time.Millisecond), time.UTC)
	_, slotted := Stamp(at, time.Second)
	if slotted != "2024-03-01_12-30-45.0" {
		t.Fatalf("unexpected slot %q", slotted)
	}
}

func TestPatternSourceEncodesJPEG(t *testing.T) {
	src := NewPatternSource(64, 48)
	first, err := src.Grab(context.Background())
	if err != nil {
		t.Fatalf("grab: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(first))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("unexpected bounds %v", b)
	}
	second, err := src.Grab(context.Background())
	if err != nil {
		t.Fatalf("grab: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatalf("expected the pattern to move between grabs")
	}
}

type fixedSource []byte

func (f fixedSource) Grab(context.Context) ([]byte, error) { return f, nil }

type recordingSink struct {
	name   string
	err    error
	frames []types.CaptureFrame
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, frame types.CaptureFrame) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func TestTickIsolatesSinkFailures(t *testing.T) {
	broken := &recordingSink{name: "net", err: errors.New("connection refused")}
	healthy := &recordingSink{name: "file"}
	at := time.Date(2024, 3, 1, 12, 30, 45, 620*int(time.Millisecond), time.UTC)
	p := &Producer{
		Camera:   "cam0",
		Interval: 500 * time.Millisecond,
		Source:   fixedSource("jpeg"),
		Sinks:    []Sink{broken, healthy},
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return at },
	}

	if failed := p.Tick(context.Background()); failed != 1 {
		t.Fatalf("expected one failed sink, got %d", failed)
	}
	if len(healthy.frames) != 1 {
		t.Fatalf("healthy sink got %d frames", len(healthy.frames))
	}
	got := healthy.frames[0]
	if got.CameraName != "cam0" || got.ExactTimestamp != "2024-03-01_12-30-45.620" || got.SlottedTimestamp != "2024-03-01_12-30-45.5" {
		t.Fatalf("unexpected frame %+v", got)
	}
	if string(got.Image) != "jpeg" {
		t.Fatalf("unexpected image %q", got.Image)
	}
}

func TestNetSinkStreamsAndRedials(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan wire.Message, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			msg, err := wire.ReadMessage(conn, wire.DefaultLimits())
			if err == nil {
				received <- msg
			}
			// One message per connection forces the sink to re-dial.
			conn.Close()
		}
	}()

	sink := NewNetSink(ln.Addr().String(), zerolog.Nop())
	defer sink.Close()
	frame := types.CaptureFrame{CameraName: "cam0", ExactTimestamp: "e", SlottedTimestamp: "s", Image: []byte{1, 2, 3}}

	if err := sink.Write(context.Background(), frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Header.CameraName != "cam0" || !bytes.Equal(msg.Image, []byte{1, 2, 3}) {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	// Writes to the closed connection fail at some point; after that the
	// sink dials a new connection on its own.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = sink.Write(context.Background(), frame)
		select {
		case <-received:
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("sink never reconnected")
}

func TestNetSinkDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	sink := NewNetSink(addr, zerolog.Nop())
	sink.DialTimeout = 200 * time.Millisecond
	err = sink.Write(context.Background(), types.CaptureFrame{CameraName: "cam0"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink := FileSink{Dir: dir}
	frame := types.CaptureFrame{CameraName: "cam1", SlottedTimestamp: "2024-03-01_12-30-45.5", Image: []byte("img")}
	if err := sink.Write(context.Background(), frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "cam1", "cam1_ScreenShot_2024-03-01_12-30-45.5.jpg"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "img" {
		t.Fatalf("unexpected content %q", data)
	}
}
