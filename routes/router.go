// Package routes exposes the rendition engine over HTTP.
package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"renditiond/breakpoints"
	"renditiond/cache"
	"renditiond/descriptors"
	"renditiond/failures"
	"renditiond/logger"
	"renditiond/models"
	"renditiond/success"
	"renditiond/utils"
)

// Renditions is the engine the handlers drive. *cache.Manager implements it.
type Renditions interface {
	GetRendition(ctx context.Context, task models.RenderTask) ([]byte, error)
	PeekCachedThumbnail(task models.RenderTask) (string, bool)
	PurgeDescriptor(hash string) (int, error)
	Stats() cache.Stats
}

// Descriptors is the registry side of *descriptors.Store.
type Descriptors interface {
	Get(hash string) (models.RenditionDescriptor, bool)
	Register(ctx context.Context, req descriptors.Request) (models.RenditionDescriptor, error)
	Metadata(ctx context.Context, path string) (models.Size, error)
	Forget(hash string) bool
	Len() int
}

type FailureLedger interface {
	GetFailure(taskHash string) (*failures.FailureRecord, error)
	ListFailures() ([]failures.FailureRecord, error)
}

type SuccessLedger interface {
	ListSuccessRecords(descriptorHash string) ([]success.SuccessRecord, error)
}

type CredentialStore interface {
	StoreCredentials(key string, creds map[string]string) error
}

// Deps are the collaborators of the router. Nil ledgers and credentials
// disable the admin routes that need them.
type Deps struct {
	Renditions  Renditions
	Descriptors Descriptors
	Failures    FailureLedger
	Successes   SuccessLedger
	Credentials CredentialStore
	Gatherer    prometheus.Gatherer

	// StaticPath is the URL prefix renditions are served under.
	StaticPath string
	Planner    breakpoints.Options
	// JWT verifies admin tokens, which registration and /admin require. An
	// empty secret disables both.
	JWT utils.VerifyConfig
}

type server struct {
	Deps
	proxyWarning chan struct{}
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d, proxyWarning: make(chan struct{}, 1)}
	s.proxyWarning <- struct{}{}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", HealthHandler)
	r.Get("/version", VersionHandler)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/plan", s.planHandler)
	r.Get(d.StaticPath+"/{hash}/{filename}", s.imageHandler)

	if len(d.JWT.SecretKey) > 0 {
		r.With(s.requireAdmin).Post("/renditions", s.registerHandler)
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/stats", s.statsHandler)
			r.Get("/failures", s.failureListHandler)
			r.Get("/failures/{taskHash}", s.failureQueryHandler)
			r.Get("/success/{descriptorHash}", s.successListHandler)
			r.Delete("/descriptors/{hash}", s.purgeHandler)
			r.Put("/credentials/{key}", s.storeCredentialsHandler)
		})
	} else {
		logger.Warn("no JWT secret configured, registration and admin routes disabled")
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugf("%s %s -> %d (%d bytes, %v) id=%s", r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
			time.Since(start), middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
