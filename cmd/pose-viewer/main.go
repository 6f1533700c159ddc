package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"posestream-go/internal/config"
	"posestream-go/internal/events"
	"posestream-go/internal/logging"
	"posestream-go/internal/metrics"
	"posestream-go/internal/output"
	"posestream-go/internal/viewer"
)

func main() {
	var (
		configPath = flag.String("config", "", "Optional TOML config file")
		listenAddr = flag.String("listen-addr", "", "Control API listen address")
		host       = flag.String("host", "", "Edge host serving /pose and /stream")
		posePort   = flag.Int("pose-port", 0, "Edge port of the pose websocket")
		streamPort = flag.Int("stream-port", 0, "Edge port of the image websocket")
		refresh    = flag.Duration("refresh", 0, "Render loop refresh interval")
		timeZone   = flag.String("time-zone", "", "Zone capture times are written in")
		surfaces   = flag.String("surfaces", "", "Comma separated image surface ids")
		autostart  = flag.Bool("autostart", false, "Start the pose and image sessions on launch")
		rawLogDir  = flag.String("raw-log-dir", "", "Record every decoded pose as CBOR under this directory")
		mqttBroker = flag.String("mqtt-broker", "", "Publish detected events to this MQTT broker")
		mqttTopic  = flag.String("mqtt-topic", "", "MQTT topic for events")
		logLevel   = flag.String("log-level", "", "trace|debug|info|warn|error|disabled")
	)
	flag.Parse()

	cfg := config.DefaultViewerConfig()
	if *configPath != "" {
		if err := config.Load(*configPath, &cfg); err != nil {
			boot := logging.Init("pose-viewer", "info")
			boot.Fatal().Err(err).Msg("config")
		}
	}
	set := config.SetFlags(flag.CommandLine)
	if set["listen-addr"] {
		cfg.ListenAddr = *listenAddr
	}
	if set["host"] {
		cfg.Host = *host
	}
	if set["pose-port"] {
		cfg.PosePort = *posePort
	}
	if set["stream-port"] {
		cfg.StreamPort = *streamPort
	}
	if set["refresh"] {
		cfg.Refresh.Duration = *refresh
	}
	if set["time-zone"] {
		cfg.TimeZone = *timeZone
	}
	if set["surfaces"] {
		cfg.Surfaces = splitList(*surfaces)
	}
	if set["autostart"] {
		cfg.Autostart = *autostart
	}
	if set["raw-log-dir"] {
		cfg.RawLogDir = *rawLogDir
	}
	if set["mqtt-broker"] {
		cfg.MQTTBroker = *mqttBroker
	}
	if set["mqtt-topic"] {
		cfg.MQTTTopic = *mqttTopic
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}

	logger := logging.Init("pose-viewer", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	loc, _ := cfg.Location()
	metrics.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := viewer.Options{
		Host:       cfg.Host,
		PosePort:   cfg.PosePort,
		StreamPort: cfg.StreamPort,
		PosePath:   cfg.PosePath,
		StreamPath: cfg.StreamPath,
		Refresh:    cfg.Refresh.Duration,
		Location:   loc,
		LogEvery:   cfg.LogEvery,
	}
	if cfg.RawLogDir != "" {
		writer, err := output.NewRawLogWriter(cfg.RawLogDir, "pose_cbor")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start raw log")
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn().Err(err).Msg("raw log close failed")
			}
			logger.Info().Str("path", writer.Path()).Uint64("records", writer.Records()).Msg("raw log closed")
		}()
		logger.Info().Str("path", writer.Path()).Msg("recording poses")
		opts.Recorder = writer
	}
	if cfg.MQTTBroker != "" {
		notifier, err := events.Dial(cfg.MQTTBroker, cfg.MQTTTopic, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("mqtt")
		}
		defer notifier.Close()
		opts.Notifier = notifier
	}

	controller := viewer.NewController(opts, logger)
	defer func() {
		if err := controller.Close(); err != nil {
			logger.Warn().Err(err).Msg("session close")
		}
	}()

	if cfg.Autostart {
		if _, err := controller.StartPose(ctx, "pose", "", 0); err != nil {
			logger.Error().Err(err).Msg("pose session did not start")
		}
		for _, id := range cfg.Surfaces {
			if err := controller.StartStream(ctx, id, "", 0); err != nil {
				logger.Error().Err(err).Str("surface", id).Msg("image session did not start")
			}
		}
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           viewer.NewRouter(controller, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Str("edge", cfg.Host).Msg("viewer listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server stopped")
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
