package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"posestream-go/internal/capture"
	"posestream-go/internal/config"
	"posestream-go/internal/logging"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Optional TOML config file")
		camera      = flag.String("camera", "", "Camera name written into every header")
		interval    = flag.Duration("interval", 0, "Capture interval (at most 1s)")
		width       = flag.Int("width", 0, "Test card width in pixels")
		height      = flag.Int("height", 0, "Test card height in pixels")
		tcpAddr     = flag.String("tcp-addr", "", "Edge TCP address; empty disables the TCP sink")
		zmqEndpoint = flag.String("zmq-endpoint", "", "Edge ZMQ PULL endpoint; empty disables the ZMQ sink")
		outputDir   = flag.String("output-dir", "", "Directory for per-camera capture files; empty disables")
		logLevel    = flag.String("log-level", "", "trace|debug|info|warn|error|disabled")
	)
	flag.Parse()

	cfg := config.DefaultProducerConfig()
	if *configPath != "" {
		if err := config.Load(*configPath, &cfg); err != nil {
			boot := logging.Init("capture-producer", "info")
			boot.Fatal().Err(err).Msg("config")
		}
	}
	set := config.SetFlags(flag.CommandLine)
	if set["camera"] {
		cfg.Camera = *camera
	}
	if set["interval"] {
		cfg.Interval.Duration = *interval
	}
	if set["width"] {
		cfg.Width = *width
	}
	if set["height"] {
		cfg.Height = *height
	}
	if set["tcp-addr"] {
		cfg.TCPAddr = *tcpAddr
	}
	if set["zmq-endpoint"] {
		cfg.ZMQEndpoint = *zmqEndpoint
	}
	if set["output-dir"] {
		cfg.OutputDir = *outputDir
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}

	logger := logging.Init("capture-producer", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sinks []capture.Sink
	if cfg.TCPAddr != "" {
		sink := capture.NewNetSink(cfg.TCPAddr, logger)
		defer sink.Close()
		sinks = append(sinks, sink)
	}
	if cfg.ZMQEndpoint != "" {
		sink, err := capture.NewZMQSink(cfg.ZMQEndpoint, cfg.Interval.Duration)
		if err != nil {
			logger.Fatal().Err(err).Str("endpoint", cfg.ZMQEndpoint).Msg("zmq sink")
		}
		defer sink.Close()
		sinks = append(sinks, sink)
	}
	if cfg.OutputDir != "" {
		sinks = append(sinks, capture.FileSink{Dir: cfg.OutputDir})
	}

	producer := &capture.Producer{
		Camera:   cfg.Camera,
		Interval: cfg.Interval.Duration,
		Source:   capture.NewPatternSource(cfg.Width, cfg.Height),
		Sinks:    sinks,
		Logger:   logger,
		Now:      time.Now,
	}
	logger.Info().
		Str("camera", cfg.Camera).
		Dur("interval", cfg.Interval.Duration).
		Int("sinks", len(sinks)).
		Msg("capture started")
	producer.Run(ctx)
	logger.Info().Msg("capture stopped")
}
