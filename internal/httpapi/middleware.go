package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	logx "chronos/pkg/logx"
)

// requestLogger logs one line per request; server errors at warn level.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				fields := []logx.Field{
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Int("status", status),
					logx.Int("bytes", ww.BytesWritten()),
					logx.Duration("took", time.Since(start)),
					logx.String("req_id", middleware.GetReqID(r.Context())),
					logx.String("remote", r.RemoteAddr),
				}
				if status >= 500 {
					log.Warn("http request", fields...)
					return
				}
				log.Debug("http request", fields...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// withToken accepts either:
//
//	Authorization: Bearer <token>
//
// or query param ?token=<token>. An empty token disables the check.
func withToken(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}
