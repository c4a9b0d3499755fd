package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/metrics"
)

// ResponseTimeHeader reports server-side processing time in milliseconds.
const ResponseTimeHeader = "X-Moloch-Response-Time"

// SecurityHeaders emits the frame, content-type and transport-security
// headers on every response.
func SecurityHeaders(cfg *config.Config) func(http.Handler) http.Handler {
	frame := ""
	switch cfg.IFrame {
	case "deny":
		frame = "DENY"
	case "sameorigin":
		frame = "SAMEORIGIN"
	case "":
	default:
		frame = "ALLOW-FROM " + cfg.IFrame
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if frame != "" {
				h.Set("X-Frame-Options", frame)
			}
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-XSS-Protection", "1; mode=block")
			if cfg.HSTSHeader && cfg.IsHTTPS() {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the status code and stamps the response-time
// header at time-to-first-byte.
type statusRecorder struct {
	http.ResponseWriter
	start       time.Time
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.wroteHeader = true
		r.status = code
		r.Header().Set(ResponseTimeHeader, strconv.FormatInt(time.Since(r.start).Milliseconds(), 10))
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Instrument records response time on the wire and latency plus status in
// the Prometheus collectors. Timing uses the monotonic clock, so wall clock
// steps cannot produce negative values.
func Instrument(m *metrics.Metrics, handlerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, start: time.Now(), status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if m != nil {
				m.RequestsTotal.WithLabelValues(handlerName, statusClass(rec.status)).Inc()
				m.RequestDuration.WithLabelValues(handlerName).Observe(time.Since(rec.start).Seconds())
			}
		})
	}
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
