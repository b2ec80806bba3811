package routing

import (
	"context"
	"fmt"
	"time"

	"dispatchcore/internal/eta"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/model"
	"dispatchcore/internal/opt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence the optimizer needs. ApplyRoutePlan must be atomic.
type Store interface {
	GetRoute(ctx context.Context, id string) (model.Route, error)
	ApplyRoutePlan(ctx context.Context, plan model.RoutePlan) (model.Route, error)
}

// Dispatcher delivers post-commit notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, items []model.Notification)
}

type Config struct {
	Gateway             GatewayConfig
	Improve             opt.ImproveOptions
	FallbackLeg         time.Duration
	FallbackDepotReturn time.Duration
}

func DefaultConfig() Config {
	return Config{
		Improve:             opt.DefaultImproveOptions(),
		FallbackLeg:         15 * time.Minute,
		FallbackDepotReturn: 15 * time.Minute,
	}
}

type Optimizer struct {
	store    Store
	gateway  *Gateway
	legs     LegProvider
	improver *opt.Improver
	dispatch Dispatcher
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

func NewOptimizer(st Store, legs LegProvider, solver ConstrainedSolver, dispatch Dispatcher, cfg Config, log zerolog.Logger) *Optimizer {
	if cfg.FallbackLeg <= 0 {
		cfg.FallbackLeg = 15 * time.Minute
	}
	if cfg.FallbackDepotReturn <= 0 {
		cfg.FallbackDepotReturn = cfg.FallbackLeg
	}
	return &Optimizer{
		store:    st,
		gateway:  NewGateway(legs, solver, cfg.Gateway, log),
		legs:     legs,
		improver: opt.NewImprover(cfg.Improve),
		dispatch: dispatch,
		cfg:      cfg,
		log:      log.With().Str("component", "optimizer").Logger(),
		now:      time.Now,
	}
}

// Optimize plans the route, applies the plan in one transaction and only then dispatches the
// resulting notifications.
func (o *Optimizer) Optimize(ctx context.Context, routeID string, req model.OptimizeRequest) (model.OptimizeResult, model.Route, error) {
	route, err := o.store.GetRoute(ctx, routeID)
	if err != nil {
		return model.OptimizeResult{}, model.Route{}, fmt.Errorf("optimize %s: %w", routeID, err)
	}
	started := time.Now()
	plan, hooks, err := o.Plan(ctx, route, req)
	mode := plan.Solver
	if mode == "" {
		mode = "unknown"
	}
	metrics.OptimizeDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.Optimizations.WithLabelValues(mode, "error").Inc()
		return model.OptimizeResult{}, model.Route{}, fmt.Errorf("optimize %s: %w", routeID, err)
	}
	updated, err := o.store.ApplyRoutePlan(ctx, plan)
	if err != nil {
		metrics.Optimizations.WithLabelValues(mode, "apply_error").Inc()
		return model.OptimizeResult{}, model.Route{}, fmt.Errorf("optimize %s: apply: %w", routeID, err)
	}
	metrics.Optimizations.WithLabelValues(mode, "ok").Inc()
	if len(plan.Excluded) > 0 {
		metrics.ExcludedStops.WithLabelValues(string(plan.Policy)).Add(float64(len(plan.Excluded)))
	}
	if o.dispatch != nil {
		o.dispatch.Dispatch(ctx, hooks)
	}
	o.log.Info().
		Str("route_id", routeID).
		Str("solver", mode).
		Int("ordered", len(plan.Assignments)).
		Int("excluded", len(plan.Excluded)).
		Bool("degraded", plan.Degraded).
		Msg("route optimized")
	return plan.Result(), updated, nil
}

// Plan computes the full mutation for route without touching storage. The only I/O is the
// collaborator calls.
func (o *Optimizer) Plan(ctx context.Context, route model.Route, req model.OptimizeRequest) (model.RoutePlan, []model.Notification, error) {
	if !req.Exclusion.Valid() {
		return model.RoutePlan{}, nil, fmt.Errorf("%w: exclusion policy must be %q or %q", ErrInvalidRequest, model.ExclusionHard, model.ExclusionSoft)
	}
	if req.Mode == "" {
		req.Mode = model.MetricDuration
	}
	if req.Mode != model.MetricDistance && req.Mode != model.MetricDuration {
		return model.RoutePlan{}, nil, fmt.Errorf("%w: mode must be distance or duration", ErrInvalidRequest)
	}
	parts, err := opt.Partition(route.OrderedStops())
	if err != nil {
		return model.RoutePlan{}, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	start := route.StartTime
	if req.StartTime != nil {
		start = *req.StartTime
	}

	var ordered OrderOutput
	if req.PreserveOrder {
		ordered = OrderOutput{Free: parts.Free, Mode: ModePreserved}
	} else {
		ordered, err = o.gateway.Order(ctx, OrderInput{
			Depot:      route.Depot,
			StartTime:  start,
			Parts:      parts,
			Windows:    route.HasWindows(),
			Metric:     req.Mode,
			AvoidTolls: req.AvoidTolls,
		})
		if err != nil {
			mode := ModeGeometry
			if route.HasWindows() || o.cfg.Gateway.PreferConstrained {
				mode = ModeConstrained
			}
			return model.RoutePlan{Solver: string(mode)}, nil, err
		}
		if ordered.Mode == ModeGeometry && len(ordered.Free) > 1 {
			from, to := parts.Anchors(route.Depot)
			imp := o.improver.Improve(from, to, ordered.Free)
			ordered.Free = imp.Order
			if imp.InitialKm > 0 {
				metrics.TwoOptGain.Observe((imp.InitialKm - imp.FinalKm) / imp.InitialKm)
			}
			o.log.Debug().Float64("initial_km", imp.InitialKm).Float64("final_km", imp.FinalKm).
				Int("iterations", imp.Iterations).Int("restarts_improved", imp.RestartsImproved).Msg("2-opt finished")
		}
	}
	if err := ctx.Err(); err != nil {
		return model.RoutePlan{Solver: string(ordered.Mode)}, nil, err
	}

	seq := parts.Sequence(ordered.Free)
	legs, distanceKm, degraded := o.finalLegs(ctx, route, seq, req.AvoidTolls)
	service := make([]time.Duration, len(seq))
	for i, s := range seq {
		service[i] = s.Service()
	}
	proj, err := eta.Project(start, legs, service)
	if err != nil {
		return model.RoutePlan{Solver: string(ordered.Mode)}, nil, fmt.Errorf("project etas: %w", err)
	}
	if proj.Clamped {
		metrics.TimeClamps.WithLabelValues("optimize").Inc()
		o.log.Warn().Str("route_id", route.ID).Int("day_offset", proj.DayOffset).Msg("route runs past midnight, times clamped to 23:59:59")
	}

	plan := model.RoutePlan{
		RouteID:          route.ID,
		BaseVersion:      route.Version,
		Policy:           req.Exclusion,
		Solver:           string(ordered.Mode),
		StartTime:        start,
		Excluded:         ordered.Excluded,
		EndArrival:       proj.EndArrival,
		DayOffset:        proj.DayOffset,
		TotalDistanceKm:  distanceKm,
		TotalDurationMin: proj.Total.Minutes(),
		Degraded:         degraded,
	}
	for i, s := range seq {
		plan.Assignments = append(plan.Assignments, model.StopAssignment{
			StopID:    s.ID,
			Order:     i + 1,
			Arrival:   proj.Stops[i].Arrival,
			Departure: proj.Stops[i].Departure,
		})
	}
	return plan, o.hooks(route, plan), nil
}

// finalLegs asks the routing collaborator for the legs of the fixed order. Failure is not fatal:
// fixed per-leg estimates are used and the plan is marked degraded.
func (o *Optimizer) finalLegs(ctx context.Context, route model.Route, seq []*model.Stop, avoidTolls bool) ([]time.Duration, float64, bool) {
	if len(seq) == 0 {
		return []time.Duration{0}, 0, false
	}
	req := geo.LegsRequest{Origin: route.Depot, Destination: route.Depot, AvoidTolls: avoidTolls}
	points := []model.GeoPoint{route.Depot}
	for _, s := range seq {
		req.Waypoints = append(req.Waypoints, s.Location)
		points = append(points, s.Location)
	}
	points = append(points, route.Depot)

	res, err := o.legs.GetLegs(ctx, req)
	if err == nil && len(res.Legs) != len(seq)+1 {
		err = fmt.Errorf("got %d legs for %d stops", len(res.Legs), len(seq))
	}
	if err != nil {
		metrics.ETAFallbacks.Inc()
		o.log.Warn().Err(err).Str("route_id", route.ID).Msg("routing provider unavailable, using fallback leg estimates")
		return eta.FallbackLegs(len(seq), o.cfg.FallbackLeg, o.cfg.FallbackDepotReturn), opt.PathKm(points), true
	}
	legs := make([]time.Duration, len(res.Legs))
	for i, l := range res.Legs {
		legs[i] = l.Duration()
	}
	return legs, res.TotalDistanceKm(), false
}

func (o *Optimizer) hooks(route model.Route, plan model.RoutePlan) []model.Notification {
	now := o.now().UTC()
	res := plan.Result()
	out := []model.Notification{{
		ID:      uuid.NewString(),
		Type:    "route.optimized",
		RouteID: route.ID,
		Data: map[string]any{
			"orderedStopIds":   res.OrderedStopIDs,
			"solver":           plan.Solver,
			"degraded":         plan.Degraded,
			"endArrival":       plan.EndArrival.String(),
			"totalDistanceKm":  plan.TotalDistanceKm,
			"totalDurationMin": plan.TotalDurationMin,
		},
		CreatedAt: now,
	}}
	if len(plan.Excluded) > 0 {
		out = append(out, model.Notification{
			ID:        uuid.NewString(),
			Type:      "route.stops_excluded",
			RouteID:   route.ID,
			Data:      map[string]any{"policy": string(plan.Policy), "excludedStops": plan.Excluded},
			CreatedAt: now,
		})
	}
	return out
}
