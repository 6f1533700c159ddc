package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"posestream-go/internal/wire"
)

// Duration decodes TOML strings such as "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ProducerConfig configures cmd/capture-producer.
type ProducerConfig struct {
	Camera      string   `toml:"camera"`
	Interval    Duration `toml:"interval"`
	Width       int      `toml:"width"`
	Height      int      `toml:"height"`
	TCPAddr     string   `toml:"tcp_addr"`
	ZMQEndpoint string   `toml:"zmq_endpoint"`
	OutputDir   string   `toml:"output_dir"`
	LogLevel    string   `toml:"log_level"`
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Camera:   "camera0",
		Interval: Duration{500 * time.Millisecond},
		Width:    640,
		Height:   480,
		TCPAddr:  "127.0.0.1:9000",
		LogLevel: "info",
	}
}

func (c ProducerConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Camera) == "" {
		errs = append(errs, errors.New("camera is required"))
	} else if err := wire.CheckCameraName(c.Camera); err != nil {
		errs = append(errs, fmt.Errorf("camera name: %w", err))
	}
	if c.Interval.Duration <= 0 || c.Interval.Duration > time.Second {
		errs = append(errs, fmt.Errorf("interval %s must be in (0, 1s]", c.Interval.Duration))
	}
	if c.Width < 1 || c.Height < 1 {
		errs = append(errs, fmt.Errorf("invalid image size %dx%d", c.Width, c.Height))
	}
	if c.TCPAddr == "" && c.ZMQEndpoint == "" && c.OutputDir == "" {
		errs = append(errs, errors.New("at least one of tcp_addr, zmq_endpoint or output_dir is required"))
	}
	return errors.Join(errs...)
}

// EdgeConfig configures cmd/pose-edge.
type EdgeConfig struct {
	Port           int      `toml:"port"`
	Transport      string   `toml:"transport"`
	ListenAddr     string   `toml:"listen_addr"`
	ZMQEndpoint    string   `toml:"zmq_endpoint"`
	PoseRate       float64  `toml:"pose_rate"`
	MaxHeaderBytes uint32   `toml:"max_header_bytes"`
	MaxImageBytes  int      `toml:"max_image_bytes"`
	IngestLogEvery int      `toml:"ingest_log_every"`
	StatusEvery    Duration `toml:"status_every"`
	LogLevel       string   `toml:"log_level"`
}

func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{
		Port:           20001,
		Transport:      "tcp",
		ListenAddr:     ":9000",
		ZMQEndpoint:    "tcp://*:9001",
		PoseRate:       30,
		MaxHeaderBytes: wire.MaxHeaderBytes,
		MaxImageBytes:  wire.MaxImageBytes,
		IngestLogEvery: 100,
		StatusEvery:    Duration{30 * time.Second},
		LogLevel:       "info",
	}
}

func (c EdgeConfig) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Transport {
	case "tcp":
		if c.ListenAddr == "" {
			errs = append(errs, errors.New("listen_addr is required for tcp transport"))
		}
	case "zmq":
		if c.ZMQEndpoint == "" {
			errs = append(errs, errors.New("zmq_endpoint is required for zmq transport"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.PoseRate < 0 {
		errs = append(errs, fmt.Errorf("pose_rate %.1f must not be negative", c.PoseRate))
	}
	if c.MaxHeaderBytes < wire.MaxHeaderBytes {
		errs = append(errs, fmt.Errorf("max_header_bytes %d is below the %d bytes producers may send", c.MaxHeaderBytes, wire.MaxHeaderBytes))
	}
	if c.MaxImageBytes < 1 {
		errs = append(errs, errors.New("max_image_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// ViewerConfig configures cmd/pose-viewer.
type ViewerConfig struct {
	ListenAddr string   `toml:"listen_addr"`
	Host       string   `toml:"host"`
	PosePort   int      `toml:"pose_port"`
	StreamPort int      `toml:"stream_port"`
	PosePath   string   `toml:"pose_path"`
	StreamPath string   `toml:"stream_path"`
	Refresh    Duration `toml:"refresh"`
	TimeZone   string   `toml:"time_zone"`
	Surfaces   []string `toml:"surfaces"`
	Autostart  bool     `toml:"autostart"`
	RawLogDir  string   `toml:"raw_log_dir"`
	MQTTBroker string   `toml:"mqtt_broker"`
	MQTTTopic  string   `toml:"mqtt_topic"`
	LogEvery   int      `toml:"log_every"`
	LogLevel   string   `toml:"log_level"`
}

func DefaultViewerConfig() ViewerConfig {
	return ViewerConfig{
		ListenAddr: ":8080",
		Host:       "127.0.0.1",
		PosePort:   20001,
		StreamPort: 20001,
		PosePath:   "/pose",
		StreamPath: "/stream",
		Refresh:    Duration{time.Second / 60},
		TimeZone:   "Local",
		Surfaces:   []string{"canvas1"},
		MQTTTopic:  "posestream/events",
		LogEvery:   100,
		LogLevel:   "info",
	}
}

// Location resolves TimeZone, the zone capture times are written in.
func (c ViewerConfig) Location() (*time.Location, error) {
	switch c.TimeZone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.TimeZone)
	}
}

func (c ViewerConfig) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.PosePort < 1 || c.PosePort > 65535 {
		errs = append(errs, fmt.Errorf("pose_port %d out of range", c.PosePort))
	}
	if c.StreamPort < 1 || c.StreamPort > 65535 {
		errs = append(errs, fmt.Errorf("stream_port %d out of range", c.StreamPort))
	}
	if c.Refresh.Duration <= 0 {
		errs = append(errs, errors.New("refresh must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("time_zone: %w", err))
	}
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		errs = append(errs, errors.New("mqtt_topic is required with mqtt_broker"))
	}
	return errors.Join(errs...)
}

// Load decodes the TOML file at path over cfg. Keys absent from the file keep
// the values cfg already holds. Unknown keys are an error.
func Load(path string, cfg any) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// SetFlags returns the names of flags given on the command line, so they can
// override file values while unset flags leave them alone.
func SetFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}
