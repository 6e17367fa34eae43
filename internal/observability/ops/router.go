package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/pkg/logx"
)

// Sources are the read-only views the router exposes. Nil entries are
// served as 404.
type Sources struct {
	Ready         func(ctx context.Context) error
	Metrics       *prometheus.Registry
	Connections   func() any
	Tasks         func() map[string]rtsup.Snapshot
	Housekeeping  func() any
	Notifications func() any
	Dispatch      func() any
}

func NewRouter(cfg Config, src Sources, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if src.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := src.Ready(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(cfg.Token, cfg.JWTSecret))

		if src.Metrics != nil {
			r.Handle("/metrics", promhttp.HandlerFor(src.Metrics, promhttp.HandlerOpts{Registry: src.Metrics}))
		}
		r.Mount("/debug", chimw.Profiler())

		r.Route("/v1", func(r chi.Router) {
			r.Get("/connections", jsonView(src.Connections))
			r.Get("/housekeeping", jsonView(src.Housekeeping))
			r.Get("/notifications", jsonView(src.Notifications))
			r.Get("/dispatch", jsonView(src.Dispatch))
			r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
				if src.Tasks == nil {
					http.NotFound(w, r)
					return
				}
				writeJSON(w, http.StatusOK, src.Tasks())
			})
		})
	})
	return r
}

func jsonView(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, fn())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("ops request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

// requireAuth accepts "Authorization: Bearer <token>" or ?token=<token>,
// where the token is either the static token or an HS256 JWT signed with
// secret. With neither configured every request passes.
func requireAuth(token, secret string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		if token == "" && secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				const p = "Bearer "
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got != "" && ((token != "" && got == token) || validJWT(got, secret)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func validJWT(raw, secret string) bool {
	if secret == "" {
		return false
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	return err == nil && tok.Valid
}
