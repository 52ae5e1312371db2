package appctx

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// AccessLog logs one line per request with the request-scoped logger.
// Server errors log at error level, client errors at warn.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		latency := time.Since(start)
		GetLogger(r.Context()).Log(r.Context(), level, "HTTP request",
			slog.Group("httpRequest",
				slog.String("requestMethod", r.Method),
				slog.String("requestUrl", r.URL.String()),
				slog.Int("status", status),
				slog.String("responseSize", strconv.Itoa(ww.BytesWritten())),
				slog.String("userAgent", r.UserAgent()),
				slog.String("remoteIp", r.RemoteAddr),
				slog.String("latency", latency.String()),
				slog.String("protocol", r.Proto),
			),
			"status", status,
			"duration_ms", latency.Milliseconds(),
		)
	})
}
