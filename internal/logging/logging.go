package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "POSESTREAM_LOG_LEVEL"
	EnvLogNoColor = "POSESTREAM_LOG_NOCOLOR"
)

// Init installs the global console logger for a binary and returns it.
func Init(app string, level string) zerolog.Logger {
	return initWriter(os.Stdout, app, level)
}

func initWriter(out io.Writer, app string, level string) zerolog.Logger {
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	noColor, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor)))

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// EveryN lets one in every n calls through. Safe for concurrent use.
type EveryN struct {
	n       uint64
	counter atomic.Uint64
}

func NewEveryN(n int) *EveryN {
	if n < 1 {
		n = 1
	}
	return &EveryN{n: uint64(n)}
}

// Allow counts a call and reports whether it should be logged.
// The first call is always allowed.
func (e *EveryN) Allow() bool {
	c := e.counter.Add(1)
	return (c-1)%e.n == 0
}

// Count returns how many calls have been made.
func (e *EveryN) Count() uint64 {
	return e.counter.Load()
}
