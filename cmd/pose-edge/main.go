package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"posestream-go/internal/config"
	"posestream-go/internal/ingest"
	"posestream-go/internal/logging"
	"posestream-go/internal/metrics"
	"posestream-go/internal/server"
	"posestream-go/internal/simulator"
	"posestream-go/internal/types"
	"posestream-go/internal/wire"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Optional TOML config file")
		port           = flag.Int("port", 0, "HTTP/websocket port")
		transport      = flag.String("transport", "", "Frame ingest transport: tcp, zmq or none")
		listenAddr     = flag.String("listen-addr", "", "TCP address producers connect to")
		zmqEndpoint    = flag.String("zmq-endpoint", "", "ZMQ PULL endpoint to bind")
		poseRate       = flag.Float64("pose-rate", -1, "Simulated poses per second on /pose; 0 disables")
		ingestLogEvery = flag.Int("ingest-log-every", 0, "Log every Nth ingest decode error")
		logLevel       = flag.String("log-level", "", "trace|debug|info|warn|error|disabled")
	)
	flag.Parse()

	cfg := config.DefaultEdgeConfig()
	if *configPath != "" {
		if err := config.Load(*configPath, &cfg); err != nil {
			boot := logging.Init("pose-edge", "info")
			boot.Fatal().Err(err).Msg("config")
		}
	}
	set := config.SetFlags(flag.CommandLine)
	if set["port"] {
		cfg.Port = *port
	}
	if set["transport"] {
		cfg.Transport = *transport
	}
	if set["listen-addr"] {
		cfg.ListenAddr = *listenAddr
	}
	if set["zmq-endpoint"] {
		cfg.ZMQEndpoint = *zmqEndpoint
	}
	if set["pose-rate"] {
		cfg.PoseRate = *poseRate
	}
	if set["ingest-log-every"] {
		cfg.IngestLogEvery = *ingestLogEvery
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}

	logger := logging.Init("pose-edge", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	metrics.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limits := wire.Limits{MaxHeaderBytes: cfg.MaxHeaderBytes, MaxImageBytes: cfg.MaxImageBytes}
	opts := []ingest.Option{ingest.WithLogger(logger), ingest.WithLogEvery(cfg.IngestLogEvery)}

	var (
		frames <-chan types.CaptureFrame
		err    error
	)
	switch cfg.Transport {
	case "tcp":
		frames, err = ingest.Listen(ctx, cfg.ListenAddr, limits, opts...)
		logger.Info().Str("addr", cfg.ListenAddr).Msg("accepting producers over tcp")
	case "zmq":
		frames, err = ingest.Stream(ctx, cfg.ZMQEndpoint, limits, opts...)
		logger.Info().Str("endpoint", cfg.ZMQEndpoint).Msg("pulling frames over zmq")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("transport", cfg.Transport).Msg("failed to start ingest")
	}

	statusFn := func() map[string]any {
		return map[string]any{
			"transport":              cfg.Transport,
			"pose_rate":              cfg.PoseRate,
			"ingest_decode_failures": ingest.DecodeFailures(),
		}
	}
	srv := server.New(statusFn, logger)
	if frames != nil {
		go srv.ForwardFrames(ctx, frames)
	}

	if cfg.PoseRate > 0 {
		poses := make(chan []byte, 1)
		go func() {
			defer close(poses)
			for update := range simulator.Stream(ctx, cfg.PoseRate, time.Local) {
				payload, err := simulator.PoseMessage(update)
				if err != nil {
					logger.Warn().Err(err).Msg("pose encode failed")
					continue
				}
				if update.HasEvent() {
					logger.Debug().Str("event", update.EventName).Str("capture_time", update.CaptureTime).Msg("simulated event")
				}
				select {
				case <-ctx.Done():
					return
				case poses <- payload:
				}
			}
		}()
		go srv.Pose.Broadcast(ctx, poses)
		logger.Info().Float64("rate", cfg.PoseRate).Msg("simulating poses")
	}

	go func() {
		every := cfg.StatusEvery.Duration
		if every <= 0 {
			return
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info().
					Int("pose_clients", srv.Pose.Clients()).
					Int("stream_clients", srv.Stream.Clients()).
					Uint64("poses_published", srv.Pose.Published()).
					Uint64("frames_published", srv.Stream.Published()).
					Uint64("decode_failures", ingest.DecodeFailures()).
					Msg("edge stats")
			}
		}
	}()

	if err := server.Run(ctx, cfg.Port, srv); err != nil {
		logger.Error().Err(err).Msg("server stopped")
	}
}
