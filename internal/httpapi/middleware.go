package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kernelci/kernelci-api-core/internal/apierror"
	"github.com/kernelci/kernelci-api-core/internal/auth"
)

// requestLogger logs one line per request at Info level with the method,
// path, status, duration and chi request id as fields of that single log
// call; it does not attach a request-scoped logger to the request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type principalKey struct{}

// requireAuth extracts a bearer token, verifies it, and attaches the
// resulting auth.Principal to the request context. Routes with auth "none"
// in spec §6 simply never wrap their handler with this middleware.
func requireAuth(authenticator auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			principal, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// principalFrom retrieves the Principal requireAuth attached to the
// request context. It panics if called on an unauthenticated route's
// handler, which would be a routing bug, not a client error.
func principalFrom(r *http.Request) auth.Principal {
	p, ok := r.Context().Value(principalKey{}).(auth.Principal)
	if !ok {
		panic(apierror.New(apierror.KindAuthRequired, "handler requires authentication middleware"))
	}
	return p
}
