package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

func logger() *logrus.Entry {
	return logrus.StandardLogger().WithField("module", "http")
}

// statusWriter records the status and size of a response. It keeps Flush
// reachable so streamed exports still reach the client early.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RequestLogger logs one line per request. Query strings are left out since
// they may carry credentials.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		entry := logger().WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   status,
			"bytes":    sw.bytes,
			"duration": time.Since(start).String(),
		})
		if status >= 500 {
			entry.Warn("request failed")
			return
		}
		entry.Info("request")
	})
}
