package obs

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	mu     sync.RWMutex
	level  = new(slog.LevelVar)
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// Setup replaces the output handler. format is "json" (default) or "text" for
// colourised console output.
func Setup(w io.Writer, format string) {
	var h slog.Handler
	switch format {
	case "text":
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.RFC3339})
	default:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
}

// Logger returns the current base logger, for libraries that want a *slog.Logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

type Fields map[string]any

func (f Fields) attrs() []any {
	out := make([]any, 0, len(f))
	for k, v := range f {
		out = append(out, slog.Any(k, v))
	}
	return out
}

func Info(msg string, f Fields)  { Logger().Info(msg, f.attrs()...) }
func Warn(msg string, f Fields)  { Logger().Warn(msg, f.attrs()...) }
func Error(msg string, f Fields) { Logger().Error(msg, f.attrs()...) }
func Debug(msg string, f Fields) { Logger().Debug(msg, f.attrs()...) }
