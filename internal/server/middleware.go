package server

import (
	"net/http"
	"strconv"
	"time"

	"PariLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-Id"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency under the route pattern,
// and logs the request at debug.
func instrument(route string, metrics *observability.Metrics, log zerolog.Logger, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		rec.Header().Set(requestIDHeader, reqID)

		next(rec, r, params)

		elapsed := time.Since(start)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.QueryDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	}
}

// rateLimit rejects requests beyond the shared token bucket with 429.
// A nil limiter disables limiting.
func rateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: codeRateLimited, Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
