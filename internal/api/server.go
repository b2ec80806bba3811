// Package api exposes route optimisation and journey tracking over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"dispatchcore/internal/auth"
	"dispatchcore/internal/buildinfo"
	"dispatchcore/internal/journey"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/model"
	"dispatchcore/internal/notify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouteStore is the slice of persistence the route handlers use directly.
type RouteStore interface {
	SaveRoute(ctx context.Context, r model.Route) (model.Route, error)
	GetRoute(ctx context.Context, id string) (model.Route, error)
	Ping(ctx context.Context) error
}

type Optimizer interface {
	Optimize(ctx context.Context, routeID string, req model.OptimizeRequest) (model.OptimizeResult, model.Route, error)
	Plan(ctx context.Context, route model.Route, req model.OptimizeRequest) (model.RoutePlan, []model.Notification, error)
}

type Deps struct {
	Store     RouteStore
	Optimizer Optimizer
	Journeys  *journey.Service
	Broker    notify.Broker
	Auth      *auth.Verifier
	Log       zerolog.Logger
	// RequestTimeout bounds non-streaming requests. Zero means 30s.
	RequestTimeout time.Duration
}

type Server struct {
	store    RouteStore
	opt      Optimizer
	journeys *journey.Service
	broker   notify.Broker
	auth     *auth.Verifier
	log      zerolog.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewServer(d Deps) *Server {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	if d.Auth == nil {
		d.Auth = &auth.Verifier{Mode: "dev"}
	}
	return &Server{
		store:    d.Store,
		opt:      d.Optimizer,
		journeys: d.Journeys,
		broker:   d.Broker,
		auth:     d.Auth,
		log:      d.Log.With().Str("component", "api").Logger(),
		timeout:  d.RequestTimeout,
		now:      time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		// the websocket stream outlives any request timeout
		r.Get("/journeys/{journeyID}/eta/ws", s.etaStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Post("/optimize", s.planStateless)
			r.Post("/routes", s.createRoute)
			r.Get("/routes/{routeID}", s.getRoute)
			r.Post("/routes/{routeID}/optimize", s.optimizeRoute)
			r.Post("/routes/{routeID}/journeys", s.createJourney)

			r.Get("/journeys/{journeyID}", s.getJourney)
			r.Delete("/journeys/{journeyID}", s.deleteJourney)
			r.Post("/journeys/{journeyID}/start", s.startJourney)
			r.Post("/journeys/{journeyID}/reanchor", s.reanchorJourney)
			r.Post("/journeys/{journeyID}/finish", s.finishJourney)
			r.Post("/journeys/{journeyID}/stops/{stopID}/{action}", s.stopAction)
			r.Post("/deviations", s.deviation)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Get()})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeProblem(w, r, Problem{Status: http.StatusServiceUnavailable, Detail: "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
