package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/sirupsen/logrus"

	"github.com/poofware/wallet-service/internal/utils"
)

const RequestIDHeader = "X-Request-Id"

// NoCache marks every response as uncacheable. Wallet decides freshness from
// Last-Modified and the serial list, never from intermediary caches.
func NoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate, private")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

// ForceHTTPS redirects plain-HTTP requests to https. Behind a TLS-terminating
// proxy the original scheme is taken from X-Forwarded-Proto.
func ForceHTTPS(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isHTTPS(r) {
				next.ServeHTTP(w, r)
				return
			}
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})
	}
}

func isHTTPS(r *http.Request) bool {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto == "https"
	}
	return r.TLS != nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// RequestLogger tags each request with an ID and logs it once it completes.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		entry := utils.Logger.WithFields(logrus.Fields{
			"request_id":  reqID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"bytes":       rec.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("Request completed")
		} else {
			entry.Info("Request completed")
		}
	})
}

// Recoverer turns a handler panic into a 500 JSON error.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			utils.Logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"stack":  string(debug.Stack()),
			}).Error("Recovered from handler panic")
			utils.RespondErrorWithCode(
				w, http.StatusInternalServerError, utils.ErrCodeInternal,
				"An unexpected error occurred", nil, fmt.Errorf("panic: %v", rv),
			)
		}()
		next.ServeHTTP(w, r)
	})
}

// Gzip compresses JSON responses for clients that accept it. Pass bundles
// are zip archives already and are left alone.
func Gzip(next http.Handler) http.Handler {
	wrap, err := gzhttp.NewWrapper(gzhttp.ContentTypes([]string{"application/json", "text/plain"}))
	if err != nil {
		utils.Logger.WithError(err).Warn("gzip wrapper unavailable, serving uncompressed")
		return next
	}
	return wrap(next)
}
