package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/openchrome/kit"
)

func newTraceID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// TraceID assigns a random trace ID to each request. The ID travels three
// ways: in the context via kit.WithTraceID, back to the caller in the
// X-Trace-ID header, and as an attribute on a per-request logger stored
// under LoggerKey.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newTraceID()
		w.Header().Set("X-Trace-ID", id)

		log := slog.Default().With(
			"trace_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		log.Info("admin request")

		ctx := context.WithValue(kit.WithTraceID(r.Context(), id), LoggerKey, log)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default() when the
// request did not pass through TraceID.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
