package ensemble

import (
	"log/slog"
	"os"
)

// logLevel backs the global logger, so the level can be adjusted at
// runtime (config reload in the daemon).
var logLevel = new(slog.LevelVar)

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Call this once at program startup before creating an
// orchestrator.
func InitLogger(level slog.Level) {
	logLevel.Set(level)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel adjusts the minimum level of the global logger without
// reinstalling the handler.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
