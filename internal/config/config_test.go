package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"posestream-go/internal/wire"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	if err := DefaultProducerConfig().Validate(); err != nil {
		t.Fatalf("producer defaults: %v", err)
	}
	if err := DefaultEdgeConfig().Validate(); err != nil {
		t.Fatalf("edge defaults: %v", err)
	}
	if err := DefaultViewerConfig().Validate(); err != nil {
		t.Fatalf("viewer defaults: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
camera = "front"
interval = "250ms"
zmq_endpoint = "tcp://edge:9001"
`)
	cfg := DefaultProducerConfig()
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Camera != "front" || cfg.Interval.Duration != 250*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ZMQEndpoint != "tcp://edge:9001" {
		t.Fatalf("unexpected endpoint %q", cfg.ZMQEndpoint)
	}
	if cfg.Width != 640 || cfg.TCPAddr != "127.0.0.1:9000" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "port = 1\nbogus = true\n")
	cfg := DefaultEdgeConfig()
	err := Load(path, &cfg)
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, `refresh = "soon"`)
	cfg := DefaultViewerConfig()
	if err := Load(path, &cfg); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultEdgeConfig()
	cfg.Port = 0
	cfg.Transport = "udp"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "port 0") || !strings.Contains(msg, `"udp"`) {
		t.Fatalf("missing problems in %q", msg)
	}
}

func TestProducerNeedsASink(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.TCPAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error without sinks")
	}
	cfg.OutputDir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("file sink alone should be valid: %v", err)
	}
}

func TestProducerCameraMustFitHeader(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Camera = strings.Repeat("c", 1100)
	if err := cfg.Validate(); !errors.Is(err, wire.ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
	cfg.Camera = "cam\xff"
	if err := cfg.Validate(); !errors.Is(err, wire.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
	cfg.Camera = strings.Repeat("c", 100)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("100 byte camera name should fit: %v", err)
	}
}

func TestEdgeHeaderBoundCoversProducers(t *testing.T) {
	cfg := DefaultEdgeConfig()
	cfg.MaxHeaderBytes = 512
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "max_header_bytes 512") {
		t.Fatalf("expected header bound error, got %v", err)
	}
}

func TestViewerLocation(t *testing.T) {
	cfg := DefaultViewerConfig()
	loc, err := cfg.Location()
	if err != nil || loc != time.Local {
		t.Fatalf("expected local zone, got %v %v", loc, err)
	}
	cfg.TimeZone = "UTC"
	if loc, err := cfg.Location(); err != nil || loc.String() != "UTC" {
		t.Fatalf("expected UTC, got %v %v", loc, err)
	}
	cfg.TimeZone = "Nowhere/Special"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected bad zone to fail validation")
	}
}

func TestSetFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Int("port", 1, "")
	fs.String("host", "", "")
	if err := fs.Parse([]string{"-port", "9"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	set := SetFlags(fs)
	if !set["port"] || set["host"] {
		t.Fatalf("unexpected set flags %v", set)
	}
}
