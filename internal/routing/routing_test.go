package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchcore/internal/geo"
	"dispatchcore/internal/model"
	"dispatchcore/internal/opt"
	"dispatchcore/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tod = model.MustTimeOfDay

// stubLegs answers with fixed 10 minute, 5 km legs. order overrides the waypoint order of an
// optimize call; failFinal makes plain leg requests fail.
type stubLegs struct {
	mu        sync.Mutex
	order     []int
	failFinal bool
	calls     []geo.LegsRequest
}

func (s *stubLegs) GetLegs(_ context.Context, req geo.LegsRequest) (geo.LegsResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if !req.OptimizeOrder && s.failFinal {
		return geo.LegsResult{}, geo.ErrUnavailable
	}
	res := geo.LegsResult{}
	for i := 0; i <= len(req.Waypoints); i++ {
		res.Legs = append(res.Legs, geo.Leg{DurationSec: 600, DistanceM: 5000})
	}
	if req.OptimizeOrder {
		if s.order != nil {
			res.WaypointOrder = s.order
		} else {
			for i := range req.Waypoints {
				res.WaypointOrder = append(res.WaypointOrder, i)
			}
		}
	}
	return res, nil
}

// stubSolver returns a canned result.
type stubSolver struct {
	res opt.WindowResult
	err error
	req opt.WindowRequest
}

func (s *stubSolver) SolveWithTimeWindows(_ context.Context, req opt.WindowRequest) (opt.WindowResult, error) {
	s.req = req
	return s.res, s.err
}

type recorder struct {
	items []model.Notification
}

func (r *recorder) Dispatch(_ context.Context, items []model.Notification) {
	r.items = append(r.items, items...)
}

func (r *recorder) types() []string {
	out := []string{}
	for _, n := range r.items {
		out = append(out, n.Type)
	}
	return out
}

func window(start, end string) *model.TimeWindow {
	return &model.TimeWindow{Start: tod(start), End: tod(end)}
}

// northRoute places stops on a line north of the depot in id order.
func northRoute(stops ...model.Stop) model.Route {
	for i := range stops {
		stops[i].Location = model.GeoPoint{Lat: 40.0 + 0.01*float64(i+1), Lng: -74.0}
		if stops[i].Position == "" {
			stops[i].Position = model.PositionFree
		}
		stops[i].ServiceMinutes = 10
	}
	return model.Route{
		ID:        "r1",
		Depot:     model.GeoPoint{Lat: 40.0, Lng: -74.0},
		StartTime: tod("08:00"),
		Stops:     stops,
	}
}

func setup(t *testing.T, r model.Route, legs LegProvider, solver ConstrainedSolver) (*Optimizer, *store.Memory, *recorder) {
	t.Helper()
	st := store.NewMemory()
	_, err := st.SaveRoute(context.Background(), r)
	require.NoError(t, err)
	rec := &recorder{}
	return NewOptimizer(st, legs, solver, rec, DefaultConfig(), zerolog.Nop()), st, rec
}

func ordered(r model.Route) []string {
	out := []string{}
	for _, s := range r.OrderedStops() {
		out = append(out, s.ID)
	}
	return out
}

func TestGeometryKeepsFixedPositions(t *testing.T) {
	r := northRoute(
		model.Stop{ID: "first", Position: model.PositionFixedFirst},
		model.Stop{ID: "x"},
		model.Stop{ID: "y"},
		model.Stop{ID: "last", Position: model.PositionFixedLast},
	)
	// authored with the fixed stops swapped
	r.Stops[0], r.Stops[3] = r.Stops[3], r.Stops[0]
	legs := &stubLegs{}
	o, st, rec := setup(t, r, legs, &stubSolver{})

	res, updated, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionHard})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "x", "y", "last"}, res.OrderedStopIDs)
	assert.Equal(t, []string{"first", "x", "y", "last"}, ordered(updated))

	// geometry ordering only sees the free stops, starting from the fixed first stop
	require.NotEmpty(t, legs.calls)
	assert.True(t, legs.calls[0].OptimizeOrder)
	assert.Len(t, legs.calls[0].Waypoints, 2)
	assert.Equal(t, updated.Stop("first").Location, legs.calls[0].Origin)
	assert.Equal(t, updated.Stop("last").Location, legs.calls[0].Destination)

	stored, err := st.GetRoute(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, tod("08:10"), stored.Stop("first").EstimatedArrival)
	assert.Equal(t, tod("09:30"), stored.EndDetails.EstimatedArrival)
	assert.Equal(t, []string{"route.optimized"}, rec.types())
}

func TestHardExclusionRemovesStops(t *testing.T) {
	r := northRoute(
		model.Stop{ID: "A", TimeWindow: window("08:00", "12:00")},
		model.Stop{ID: "B", TimeWindow: window("06:00", "06:30")},
		model.Stop{ID: "C", TimeWindow: window("08:00", "12:00")},
	)
	solver := &stubSolver{res: opt.WindowResult{
		Success:  true,
		Order:    []int{0, 2},
		Excluded: []opt.WindowExclusion{{Index: 1, Reason: "window closed", Conflict: model.BoundEnd}},
	}}
	o, st, rec := setup(t, r, &stubLegs{}, solver)

	res, updated, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionHard})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, res.OrderedStopIDs)
	require.Len(t, res.ExcludedStops, 1)
	assert.Equal(t, model.ExcludedStop{StopID: "B", Reason: "window closed", Conflict: model.BoundEnd}, res.ExcludedStops[0])

	assert.Nil(t, updated.Stop("B"))
	stored, err := st.GetRoute(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, stored.Stops, 2)
	assert.Equal(t, []string{"A", "C"}, ordered(stored))
	assert.Equal(t, []string{"route.optimized", "route.stops_excluded"}, rec.types())

	// windows reach the solver resolved, with the route start as departure
	require.Len(t, solver.req.Stops, 3)
	assert.Equal(t, tod("08:00"), solver.req.StartTime)
	assert.Equal(t, tod("06:30"), solver.req.Stops[1].Window.End)
}

func TestSoftExclusionKeepsStopsAtOrderZero(t *testing.T) {
	r := northRoute(
		model.Stop{ID: "A", TimeWindow: window("08:00", "12:00")},
		model.Stop{ID: "B", TimeWindow: window("06:00", "06:30")},
		model.Stop{ID: "C", TimeWindow: window("08:00", "12:00")},
	)
	solver := &stubSolver{res: opt.WindowResult{Order: []int{2, 0}, Excluded: []opt.WindowExclusion{{Index: 1}}}}
	o, _, _ := setup(t, r, &stubLegs{}, solver)

	res, updated, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionSoft})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, res.OrderedStopIDs)

	b := updated.Stop("B")
	require.NotNil(t, b)
	assert.True(t, b.Excluded)
	assert.Equal(t, 0, b.Order)
	assert.Equal(t, "excluded by solver", b.ExclusionReason)
	assert.Equal(t, 1, updated.Stop("C").Order)
	assert.Equal(t, 2, updated.Stop("A").Order)
}

func TestEveryStopAccountedFor(t *testing.T) {
	r := northRoute(
		model.Stop{ID: "A", TimeWindow: window("08:00", "12:00")},
		model.Stop{ID: "B", TimeWindow: window("08:00", "12:00")},
		model.Stop{ID: "C", TimeWindow: window("08:00", "12:00")},
	)
	// duplicate and out-of-range indices are ignored, C is never mentioned
	solver := &stubSolver{res: opt.WindowResult{Order: []int{0, 0, 7}, Excluded: []opt.WindowExclusion{{Index: 1, Reason: "late"}}}}
	o, _, _ := setup(t, r, &stubLegs{}, solver)

	res, _, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionSoft})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.OrderedStopIDs)
	ids := []string{}
	for _, e := range res.ExcludedStops {
		ids = append(ids, e.StopID)
	}
	assert.ElementsMatch(t, []string{"B", "C"}, ids)
}

func TestNothingFeasible(t *testing.T) {
	r := northRoute(
		model.Stop{ID: "A", TimeWindow: window("06:00", "06:10")},
		model.Stop{ID: "B", TimeWindow: window("06:00", "06:10")},
	)
	solver := &stubSolver{res: opt.WindowResult{Message: "all windows closed", Excluded: []opt.WindowExclusion{{Index: 0}, {Index: 1}}}}
	o, st, rec := setup(t, r, &stubLegs{}, solver)

	_, _, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionHard})
	require.ErrorIs(t, err, ErrNoFeasibleOrder)
	var inf *InfeasibleError
	require.ErrorAs(t, err, &inf)
	assert.Len(t, inf.Excluded, 2)

	stored, err := st.GetRoute(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Empty(t, rec.items)
}

func TestFixedStopsSurviveExcludedFreeStop(t *testing.T) {
	r := model.Route{
		ID:        "r1",
		Depot:     model.GeoPoint{Lat: 0, Lng: 0},
		StartTime: tod("08:00"),
		Stops: []model.Stop{
			{ID: "A", Location: model.GeoPoint{Lat: 1, Lng: 0}, Position: model.PositionFixedFirst, ServiceMinutes: 5},
			{ID: "B", Location: model.GeoPoint{Lat: 2, Lng: 0}, Position: model.PositionFree, ServiceMinutes: 5, TimeWindow: window("09:00", "09:30")},
			{ID: "C", Location: model.GeoPoint{Lat: 3, Lng: 0}, Position: model.PositionFixedLast, ServiceMinutes: 5},
		},
	}
	o, st, rec := setup(t, r, &stubLegs{}, opt.NewWindowSolver(40, 0))

	res, updated, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionHard})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, res.OrderedStopIDs)
	require.Len(t, res.ExcludedStops, 1)
	assert.Equal(t, "B", res.ExcludedStops[0].StopID)
	assert.Equal(t, model.BoundEnd, res.ExcludedStops[0].Conflict)
	assert.NotEmpty(t, res.ExcludedStops[0].Reason)
	assert.Nil(t, updated.Stop("B"))

	stored, err := st.GetRoute(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, []string{"A", "C"}, ordered(stored))
	assert.Equal(t, []string{"route.optimized", "route.stops_excluded"}, rec.types())
}

func TestSolverFailureIsFatal(t *testing.T) {
	r := northRoute(model.Stop{ID: "A", TimeWindow: window("08:00", "12:00")}, model.Stop{ID: "B"})
	o, _, _ := setup(t, r, &stubLegs{}, &stubSolver{err: errors.New("timeout")})

	_, _, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionHard})
	assert.ErrorIs(t, err, ErrSolver)
}

func TestBadWaypointOrderIsFatal(t *testing.T) {
	r := northRoute(model.Stop{ID: "A"}, model.Stop{ID: "B"}, model.Stop{ID: "C"})
	o, st, _ := setup(t, r, &stubLegs{order: []int{0, 0, 1}}, &stubSolver{})

	_, _, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionHard})
	require.ErrorIs(t, err, ErrSolver)
	stored, err := st.GetRoute(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
}

func TestFallbackLegsMarkPlanDegraded(t *testing.T) {
	r := northRoute(model.Stop{ID: "A"}, model.Stop{ID: "B"})
	o, _, _ := setup(t, r, &stubLegs{failFinal: true}, &stubSolver{})

	res, updated, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{Exclusion: model.ExclusionHard})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	// 15 minute legs: A 08:15-08:25, B 08:40-08:50, depot 09:05
	assert.Equal(t, tod("08:15"), updated.Stop("A").EstimatedArrival)
	assert.Equal(t, tod("08:40"), updated.Stop("B").EstimatedArrival)
	assert.Equal(t, tod("09:05"), res.EndDetails.EstimatedArrival)
	assert.Greater(t, res.TotalDistanceKm, 0.0)
}

func TestPreserveOrderSkipsSolvers(t *testing.T) {
	r := northRoute(model.Stop{ID: "C"}, model.Stop{ID: "A"}, model.Stop{ID: "B"})
	legs := &stubLegs{}
	solver := &stubSolver{err: errors.New("must not be called")}
	o, _, _ := setup(t, r, legs, solver)

	res, _, err := o.Optimize(context.Background(), "r1", model.OptimizeRequest{PreserveOrder: true, Exclusion: model.ExclusionHard})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, res.OrderedStopIDs)
	for _, c := range legs.calls {
		assert.False(t, c.OptimizeOrder)
	}
}

func TestPlanRejectsBadRequests(t *testing.T) {
	r := northRoute(model.Stop{ID: "A"})
	o, _, _ := setup(t, r, &stubLegs{}, &stubSolver{})

	_, _, err := o.Plan(context.Background(), r, model.OptimizeRequest{Exclusion: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = o.Plan(context.Background(), r, model.OptimizeRequest{Exclusion: model.ExclusionHard, Mode: "scenic"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	two := northRoute(model.Stop{ID: "A", Position: model.PositionFixedFirst}, model.Stop{ID: "B", Position: model.PositionFixedFirst})
	_, _, err = o.Plan(context.Background(), two, model.OptimizeRequest{Exclusion: model.ExclusionHard})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStartTimeOverride(t *testing.T) {
	r := northRoute(model.Stop{ID: "A"})
	o, _, _ := setup(t, r, &stubLegs{}, &stubSolver{})
	start := tod("10:00")

	plan, _, err := o.Plan(context.Background(), r, model.OptimizeRequest{Exclusion: model.ExclusionHard, StartTime: &start})
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 1)
	assert.Equal(t, tod("10:10"), plan.Assignments[0].Arrival)
	assert.Equal(t, start, plan.StartTime)
	assert.InDelta(t, 30, plan.TotalDurationMin, 0.001)
}

func TestPlanDoesNotWrite(t *testing.T) {
	r := northRoute(model.Stop{ID: "A"}, model.Stop{ID: "B"})
	o, st, rec := setup(t, r, &stubLegs{}, &stubSolver{})
	stored, err := st.GetRoute(context.Background(), "r1")
	require.NoError(t, err)

	_, hooks, err := o.Plan(context.Background(), stored, model.OptimizeRequest{Exclusion: model.ExclusionHard})
	require.NoError(t, err)
	assert.NotEmpty(t, hooks)
	assert.Empty(t, rec.items)

	again, err := st.GetRoute(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, stored, again)
}

func TestCancelledContext(t *testing.T) {
	r := northRoute(model.Stop{ID: "A"}, model.Stop{ID: "B"})
	o, _, _ := setup(t, r, &stubLegs{}, &stubSolver{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, _, err := o.Optimize(ctx, "r1", model.OptimizeRequest{Exclusion: model.ExclusionHard})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
