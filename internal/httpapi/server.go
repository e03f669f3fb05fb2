package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/engine"
	apimw "github.com/hamed0406/webguard/internal/httpapi/middleware"
	"github.com/hamed0406/webguard/internal/repo"
	"github.com/hamed0406/webguard/internal/scheduler"
)

type Engine interface {
	RunChecks(ctx context.Context, t domain.Target, opt engine.Options) domain.Results
	AcknowledgeDefacement(ctx context.Context, t domain.Target) (int, error)
}

type ResultProcessor interface {
	ProcessResults(ctx context.Context, t domain.Target, res domain.Results) []scheduler.Alert
}

type Scheduler interface {
	Schedule(ctx context.Context, id domain.TargetID) error
	Unschedule(id domain.TargetID)
}

type TestNotifier interface {
	SendTest(ctx context.Context) error
}

type Deps struct {
	Logger          *zap.Logger
	Store           repo.Store
	Engine          Engine
	Alerter         ResultProcessor
	Scheduler       Scheduler
	Notifier        TestNotifier
	DefaultInterval time.Duration
	MinInterval     time.Duration
}

type Server struct {
	log             *zap.Logger
	store           repo.Store
	engine          Engine
	alerter         ResultProcessor
	sched           Scheduler
	notifier        TestNotifier
	defaultInterval time.Duration
	minInterval     time.Duration
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.DefaultInterval <= 0 {
		d.DefaultInterval = 300 * time.Second
	}
	if d.MinInterval <= 0 {
		d.MinInterval = scheduler.DefaultMinInterval
	}
	return &Server{
		log:             d.Logger.With(zap.String("component", "httpapi")),
		store:           d.Store,
		engine:          d.Engine,
		alerter:         d.Alerter,
		sched:           d.Scheduler,
		notifier:        d.Notifier,
		defaultInterval: d.DefaultInterval,
		minInterval:     d.MinInterval,
	}
}

type RouterOptions struct {
	Keys           apimw.Keys
	AllowedOrigins []string // empty allows all
	ManualRPM      int      // manual check and test notification, per API key
	ManualBurst    int
}

func (s *Server) Router(o RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)
	if len(o.AllowedOrigins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: o.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	public := apimw.RequireAny(o.Keys, s.log)
	admin := apimw.RequireAdmin(o.Keys, s.log)
	manual := apimw.RateLimitBy(o.ManualRPM, o.ManualBurst, apimw.ByAPIKey)

	r.Route("/api", func(r chi.Router) {
		r.With(public).Get("/targets", s.handleListTargets)
		r.With(admin).Post("/targets", s.handleAddTarget)

		r.Route("/targets/{id}", func(r chi.Router) {
			r.With(public).Get("/", s.handleGetTarget)
			r.With(admin).Patch("/", s.handlePatchTarget)
			r.With(admin).Delete("/", s.handleDeleteTarget)
			r.With(public).Get("/checks", s.handleListChecks)
			r.With(public).Get("/incidents", s.handleListIncidents)
			r.With(admin, manual).Post("/check", s.handleTriggerCheck)
			r.With(admin).Post("/false-positive", s.handleFalsePositive)
		})

		r.With(admin, manual).Post("/notifications/test", s.handleTestNotification)
		r.With(public).Get("/stats/overview", s.handleOverview)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("healthz_store_down", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}
