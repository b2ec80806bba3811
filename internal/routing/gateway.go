// Package routing decides stop order for a route and turns it into an atomic plan.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchcore/internal/geo"
	"dispatchcore/internal/model"
	"dispatchcore/internal/opt"

	"github.com/rs/zerolog"
)

var (
	// ErrSolver is fatal to an optimize request: the ordering collaborator failed or answered nonsense.
	ErrSolver = errors.New("route solver failed")
	// ErrNoFeasibleOrder means the constrained solver could not place a single stop.
	ErrNoFeasibleOrder = errors.New("no feasible order")
	// ErrInvalidRequest marks caller mistakes.
	ErrInvalidRequest = errors.New("invalid optimize request")
)

// InfeasibleError carries the solver's exclusions when nothing could be ordered.
type InfeasibleError struct {
	Excluded []model.ExcludedStop
	Message  string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("%s: %s (%d stops excluded)", ErrNoFeasibleOrder, e.Message, len(e.Excluded))
}

func (e *InfeasibleError) Unwrap() error { return ErrNoFeasibleOrder }

// LegProvider is the routing/geometry collaborator.
type LegProvider interface {
	GetLegs(ctx context.Context, req geo.LegsRequest) (geo.LegsResult, error)
}

// ConstrainedSolver orders stops under time windows.
type ConstrainedSolver interface {
	SolveWithTimeWindows(ctx context.Context, req opt.WindowRequest) (opt.WindowResult, error)
}

type SolverMode string

const (
	ModeGeometry    SolverMode = "geometry"
	ModeConstrained SolverMode = "constrained"
	ModePreserved   SolverMode = "preserved"
	ModeTrivial     SolverMode = "trivial"
)

// OrderInput is what the gateway needs to order the free stops of one route.
type OrderInput struct {
	Depot      model.GeoPoint
	StartTime  model.TimeOfDay
	Parts      opt.Partitioned
	Windows    bool
	Metric     model.Metric
	AvoidTolls bool
}

type OrderOutput struct {
	Free     []*model.Stop
	Excluded []model.ExcludedStop
	Mode     SolverMode
}

type GatewayConfig struct {
	// PreferConstrained sends window-free routes to the constrained solver too.
	PreferConstrained bool
	// EstimateSpeedKph converts estimated distance into travel time for the depot to fixed-first leg.
	EstimateSpeedKph float64
}

// Gateway adapts the external ordering collaborators to the route model.
type Gateway struct {
	legs   LegProvider
	solver ConstrainedSolver
	cfg    GatewayConfig
	log    zerolog.Logger
}

func NewGateway(legs LegProvider, solver ConstrainedSolver, cfg GatewayConfig, log zerolog.Logger) *Gateway {
	if cfg.EstimateSpeedKph <= 0 {
		cfg.EstimateSpeedKph = 40
	}
	return &Gateway{legs: legs, solver: solver, cfg: cfg, log: log.With().Str("component", "solver_gateway").Logger()}
}

// Order picks the solver mode and returns the free stops in visiting order.
func (g *Gateway) Order(ctx context.Context, in OrderInput) (OrderOutput, error) {
	if len(in.Parts.Free) == 0 {
		return OrderOutput{Mode: ModeTrivial}, nil
	}
	if in.Windows || g.cfg.PreferConstrained {
		out, err := g.constrained(ctx, in)
		if err == nil || in.Windows {
			return out, err
		}
		g.log.Warn().Err(err).Msg("constrained solver failed on window-free route, falling back to geometry")
	}
	if in.Parts.SkipOptimization() {
		return OrderOutput{Free: append([]*model.Stop(nil), in.Parts.Free...), Mode: ModeTrivial}, nil
	}
	return g.geometry(ctx, in)
}

func (g *Gateway) geometry(ctx context.Context, in OrderInput) (OrderOutput, error) {
	// the free stops run between the fixed anchors, the same path the 2-opt pass scores
	origin, dest := in.Parts.Anchors(in.Depot)
	req := geo.LegsRequest{
		Origin:        origin,
		Destination:   dest,
		OptimizeOrder: true,
		AvoidTolls:    in.AvoidTolls,
		Metric:        in.Metric,
	}
	for _, s := range in.Parts.Free {
		req.Waypoints = append(req.Waypoints, s.Location)
	}
	res, err := g.legs.GetLegs(ctx, req)
	if err != nil {
		return OrderOutput{}, fmt.Errorf("%w: geometry: %v", ErrSolver, err)
	}
	if len(res.Legs) == 0 {
		return OrderOutput{}, fmt.Errorf("%w: geometry: empty result", ErrSolver)
	}
	if !isPermutation(res.WaypointOrder, len(in.Parts.Free)) {
		return OrderOutput{}, fmt.Errorf("%w: geometry: bad waypoint order %v", ErrSolver, res.WaypointOrder)
	}
	out := OrderOutput{Mode: ModeGeometry, Free: make([]*model.Stop, 0, len(in.Parts.Free))}
	for _, idx := range res.WaypointOrder {
		out.Free = append(out.Free, in.Parts.Free[idx])
	}
	return out, nil
}

func (g *Gateway) constrained(ctx context.Context, in OrderInput) (OrderOutput, error) {
	origin, dest := in.Parts.Anchors(in.Depot)
	req := opt.WindowRequest{
		Origin:      origin,
		Destination: dest,
		StartTime:   g.originDeparture(in),
		Metric:      in.Metric,
	}
	for _, s := range in.Parts.Free {
		req.Stops = append(req.Stops, opt.WindowStop{
			ID:       s.ID,
			Location: s.Location,
			Window:   s.ResolvedWindow(),
			Service:  s.Service(),
		})
	}
	res, err := g.solver.SolveWithTimeWindows(ctx, req)
	if err != nil {
		return OrderOutput{}, fmt.Errorf("%w: constrained: %v", ErrSolver, err)
	}

	out := OrderOutput{Mode: ModeConstrained}
	placed := make([]bool, len(in.Parts.Free))
	for _, idx := range res.Order {
		if idx < 0 || idx >= len(placed) || placed[idx] {
			g.log.Warn().Int("index", idx).Msg("constrained solver returned unknown or duplicate index")
			continue
		}
		placed[idx] = true
		out.Free = append(out.Free, in.Parts.Free[idx])
	}
	for _, ex := range res.Excluded {
		if ex.Index < 0 || ex.Index >= len(placed) || placed[ex.Index] {
			continue
		}
		placed[ex.Index] = true
		reason := ex.Reason
		if reason == "" {
			reason = "excluded by solver"
		}
		out.Excluded = append(out.Excluded, model.ExcludedStop{StopID: in.Parts.Free[ex.Index].ID, Reason: reason, Conflict: ex.Conflict})
	}
	for i, ok := range placed {
		if !ok {
			out.Excluded = append(out.Excluded, model.ExcludedStop{StopID: in.Parts.Free[i].ID, Reason: "omitted by solver"})
		}
	}
	// fixed stops still give the route something to visit
	if len(out.Free) == 0 && in.Parts.First == nil && len(in.Parts.Last) == 0 {
		msg := res.Message
		if msg == "" {
			msg = "every stop was excluded"
		}
		return OrderOutput{}, &InfeasibleError{Excluded: out.Excluded, Message: msg}
	}
	return out, nil
}

// originDeparture is the time the vehicle leaves the tour origin. With a fixed-first stop that
// includes the estimated drive from the depot and its service time.
func (g *Gateway) originDeparture(in OrderInput) model.TimeOfDay {
	first := in.Parts.First
	if first == nil {
		return in.StartTime
	}
	drive := time.Duration(opt.EstimateKm(in.Depot, first.Location) / g.cfg.EstimateSpeedKph * float64(time.Hour))
	t, _ := in.StartTime.AddClamped(drive + first.Service())
	return t
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, v := range order {
		if v < 0 || v >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}
