package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Pinger reports whether the broker connection is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterConfig struct {
	JWTSigningKey      string
	CORSAllowedOrigins []string
}

func NewRouter(cfg RouterConfig, h *Handler, broker Pinger, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(log))
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(CORS(cfg.CORSAllowedOrigins))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := broker.Ping(r.Context()); err != nil {
			log.Warn("health check", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "broker unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		if cfg.JWTSigningKey != "" {
			r.Use(RequireAuth([]byte(cfg.JWTSigningKey)))
		}

		r.Post("/recharge", h.Recharge)
		r.Post("/withdraw", h.Withdraw)
		r.Post("/create-user", h.CreateUser)
		r.Get("/status/{jobId}", h.JobStatus)
	})

	return r
}
