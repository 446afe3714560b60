// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/clipmill/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint collapses path parameters so label cardinality stays
// bounded.
func normalizeEndpoint(path string) string {
	singleSegment := func(prefix string) bool {
		rest, ok := strings.CutPrefix(path, prefix)
		return ok && rest != "" && !strings.Contains(rest, "/")
	}
	nested := func(prefix, suffix string) bool {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok {
			return false
		}
		id, ok := strings.CutSuffix(rest, suffix)
		return ok && id != "" && !strings.Contains(id, "/")
	}

	switch {
	case singleSegment("/api/progress/"):
		return "/api/progress/:id"
	case singleSegment("/api/batches/"):
		return "/api/batches/:id"
	case nested("/api/batches/", "/items"):
		return "/api/batches/:id/items"
	case singleSegment("/api/credits/"):
		return "/api/credits/:user"
	case strings.HasPrefix(path, "/api/outputs/file/"):
		return "/api/outputs/file/*"
	default:
		return path
	}
}
