package logging

import (
	"io"
	"log/slog"
	"strconv"
	"time"
)

// NewGCPHandler returns a JSON handler whose top-level keys follow the
// Cloud Logging structured payload conventions. Source locations are always
// recorded.
func NewGCPHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	gcpOpts := *opts
	gcpOpts.AddSource = true
	next := opts.ReplaceAttr
	gcpOpts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			a = replaceGCPAttr(a)
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	return slog.NewJSONHandler(w, &gcpOpts)
}

func replaceGCPAttr(a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.LevelKey:
		level, _ := a.Value.Any().(slog.Level)
		return slog.String("severity", severityFromLevel(level))
	case slog.MessageKey:
		return slog.Attr{Key: "message", Value: a.Value}
	case slog.TimeKey:
		return slog.String("timestamp", a.Value.Time().Format(time.RFC3339Nano))
	case slog.SourceKey:
		src, ok := a.Value.Any().(*slog.Source)
		if !ok || src == nil {
			return a
		}
		return slog.Group("logging.googleapis.com/sourceLocation",
			slog.String("file", src.File),
			slog.String("line", strconv.Itoa(src.Line)),
			slog.String("function", src.Function),
		)
	case "error", "err":
		if err, ok := a.Value.Any().(error); ok {
			return slog.Group("error", slog.String("message", err.Error()))
		}
	case "trace_id":
		return slog.Attr{Key: "logging.googleapis.com/trace", Value: a.Value}
	case "span_id":
		return slog.Attr{Key: "logging.googleapis.com/spanId", Value: a.Value}
	}
	return a
}

// severityFromLevel maps slog levels to Cloud Logging severities
func severityFromLevel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
