package obs

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}
}

// SetOutput redirects log output; tests use this to capture entries.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Output(w)
}

type Fields map[string]any

func logWith(level zerolog.Level, msg string, f Fields) {
	mu.Lock()
	l := logger
	mu.Unlock()
	l.WithLevel(level).Fields(map[string]any(f)).Msg(msg)
}

func Info(msg string, f Fields)  { logWith(zerolog.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(zerolog.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zerolog.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(zerolog.DebugLevel, msg, f) }
