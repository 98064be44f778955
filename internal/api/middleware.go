package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey string

const (
	subjectKey ctxKey = "subject"
	holderKey  ctxKey = "subject-holder"
)

// subjectHolder lets RequireAuth hand the subject back up to RequestLogger,
// whose request context sits above the one RequireAuth derives.
type subjectHolder struct {
	subject string
}

// SubjectFromContext returns the authenticated caller's subject claim.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

// RequireAuth accepts HS256 bearer tokens signed with secret.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			var claims jwt.RegisteredClaims
			t, err := parser.ParseWithClaims(strings.TrimPrefix(h, "Bearer "), &claims, keyFunc)
			if err != nil || !t.Valid {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if h, ok := r.Context().Value(holderKey).(*subjectHolder); ok {
				h.subject = claims.Subject
			}
			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}

// RequestLogger logs one line per request.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			holder := &subjectHolder{}
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), holderKey, holder)))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if holder.subject != "" {
				fields = append(fields, zap.String("subject", holder.subject))
			}
			log.Info("request", fields...)
		})
	}
}

// TenantLimiter throttles submissions per dashboard with a token bucket each.
// Buckets are created on first use. It is safe for concurrent use.
type TenantLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTenantLimiter returns nil when perSecond is not positive, which
// disables throttling.
func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &TenantLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *TenantLimiter) Allow(tenant string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
