package logging

import (
	"log/slog"
	"os"
)

// Init builds the process logger: JSON to stdout behind a redacting handler
// so platform credentials never reach the log stream.
func Init(level slog.Level) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	handler = newRedactingHandler(handler)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
