package opt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"dispatchcore/internal/model"
)

var ErrNoStops = errors.New("no stops to solve")

// WindowStop is one free stop handed to a constrained solver.
type WindowStop struct {
	ID       string
	Location model.GeoPoint
	Window   *model.TimeWindow
	Service  time.Duration
}

// WindowRequest describes a single-vehicle tour with time windows. The vehicle leaves Origin at
// StartTime and finishes at Destination (the depot, or the first fixed-last stop).
type WindowRequest struct {
	Origin      model.GeoPoint
	Destination model.GeoPoint
	StartTime   model.TimeOfDay
	Stops       []WindowStop
	Metric      model.Metric
}

type WindowExclusion struct {
	Index    int
	Reason   string
	Conflict model.WindowBound
}

type WindowResult struct {
	Success          bool
	Order            []int
	Excluded         []WindowExclusion
	TotalDistanceKm  float64
	TotalDurationMin float64
	Message          string
}

// WindowSolver is an in-process constrained solver: cheapest feasible insertion followed by
// or-opt relocation. Travel times come from EstimateKm at SpeedKph.
type WindowSolver struct {
	SpeedKph float64
	// MaxWait limits how long the vehicle may idle before a window opens. Zero means unlimited.
	MaxWait time.Duration
}

func NewWindowSolver(speedKph float64, maxWait time.Duration) *WindowSolver {
	if speedKph <= 0 {
		speedKph = 40
	}
	return &WindowSolver{SpeedKph: speedKph, MaxWait: maxWait}
}

type schedule struct {
	km       float64
	endSec   float64
	ok       bool
	failAt   int // index into req.Stops of the first infeasible stop
	failArr  float64
	failSide model.WindowBound
}

func (s *WindowSolver) travelSec(a, b model.GeoPoint) float64 {
	return EstimateKm(a, b) / s.SpeedKph * 3600
}

// simulate walks order from the origin, waiting for windows to open and failing on late arrival.
func (s *WindowSolver) simulate(req WindowRequest, order []int) schedule {
	t := float64(req.StartTime.Seconds())
	cur := req.Origin
	sc := schedule{ok: true, failAt: -1}
	for _, idx := range order {
		st := req.Stops[idx]
		sc.km += EstimateKm(cur, st.Location)
		arr := t + s.travelSec(cur, st.Location)
		if w := st.Window; w != nil {
			ws, we := float64(w.Start.Seconds()), float64(w.End.Seconds())
			if arr < ws {
				if s.MaxWait > 0 && ws-arr > s.MaxWait.Seconds() {
					return schedule{km: sc.km, failAt: idx, failArr: arr, failSide: model.BoundStart}
				}
				arr = ws
			}
			if arr > we {
				return schedule{km: sc.km, failAt: idx, failArr: arr, failSide: model.BoundEnd}
			}
		}
		t = arr + st.Service.Seconds()
		cur = st.Location
	}
	sc.km += EstimateKm(cur, req.Destination)
	sc.endSec = t + s.travelSec(cur, req.Destination)
	return sc
}

func (s *WindowSolver) cost(req WindowRequest, sc schedule) float64 {
	if req.Metric == model.MetricDuration {
		return sc.endSec
	}
	return sc.km
}

// SolveWithTimeWindows orders the stops that can be served within their windows and explains
// every stop it leaves out.
func (s *WindowSolver) SolveWithTimeWindows(ctx context.Context, req WindowRequest) (WindowResult, error) {
	if len(req.Stops) == 0 {
		return WindowResult{}, ErrNoStops
	}
	remaining := make([]int, len(req.Stops))
	for i := range remaining {
		remaining[i] = i
	}
	// earliest deadline first breaks cost ties
	sort.SliceStable(remaining, func(a, b int) bool {
		return deadline(req.Stops[remaining[a]]) < deadline(req.Stops[remaining[b]])
	})

	var order []int
	var excluded []WindowExclusion
	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return WindowResult{}, err
		}
		bestNode, bestPos := -1, -1
		bestCost := math.MaxFloat64
		var stuck []int
		for ni, idx := range remaining {
			found := false
			for pos := 0; pos <= len(order); pos++ {
				sc := s.simulate(req, insertAt(order, idx, pos))
				if !sc.ok {
					continue
				}
				found = true
				if c := s.cost(req, sc); c+1e-6 < bestCost {
					bestCost, bestNode, bestPos = c, ni, pos
				}
			}
			if !found {
				stuck = append(stuck, ni)
			}
		}
		if bestNode == -1 {
			for _, ni := range stuck {
				excluded = append(excluded, s.explain(req, order, remaining[ni]))
			}
			break
		}
		order = insertAt(order, remaining[bestNode], bestPos)
		remaining = append(remaining[:bestNode], remaining[bestNode+1:]...)
	}

	order = s.orOpt(ctx, req, order)

	res := WindowResult{Order: order, Excluded: excluded, Success: len(order) > 0}
	if len(order) > 0 {
		sc := s.simulate(req, order)
		res.TotalDistanceKm = sc.km
		res.TotalDurationMin = (sc.endSec - float64(req.StartTime.Seconds())) / 60
	}
	switch {
	case len(order) == 0:
		res.Message = "no stop can be served within its time window"
	case len(excluded) > 0:
		res.Message = fmt.Sprintf("%d of %d stops excluded", len(excluded), len(req.Stops))
	default:
		res.Message = "all stops scheduled"
	}
	return res, nil
}

// orOpt relocates single stops while the schedule stays feasible and the cost drops.
func (s *WindowSolver) orOpt(ctx context.Context, req WindowRequest, order []int) []int {
	if len(order) < 3 {
		return order
	}
	bestCost := s.cost(req, s.simulate(req, order))
	improved := true
	for improved && ctx.Err() == nil {
		improved = false
		for i := 0; i < len(order) && !improved; i++ {
			for j := 0; j < len(order); j++ {
				if j == i {
					continue
				}
				cand := make([]int, 0, len(order))
				cand = append(cand, order[:i]...)
				cand = append(cand, order[i+1:]...)
				cand = insertAt(cand, order[i], j)
				sc := s.simulate(req, cand)
				if !sc.ok {
					continue
				}
				if c := s.cost(req, sc); c+1e-6 < bestCost {
					order, bestCost, improved = cand, c, true
					break
				}
			}
		}
	}
	return order
}

// explain finds why idx could not be placed anywhere in order.
func (s *WindowSolver) explain(req WindowRequest, order []int, idx int) WindowExclusion {
	st := req.Stops[idx]
	w := st.Window
	if w == nil {
		return WindowExclusion{Index: idx, Reason: "cannot be scheduled without breaking other stops' time windows"}
	}
	direct := float64(req.StartTime.Seconds()) + s.travelSec(req.Origin, st.Location)
	if direct > float64(w.End.Seconds()) {
		at, _ := model.ClampSeconds(int64(direct))
		return WindowExclusion{
			Index:    idx,
			Reason:   fmt.Sprintf("earliest arrival %s is after time window end %s", at, w.End),
			Conflict: model.BoundEnd,
		}
	}
	side := model.BoundEnd
	for pos := 0; pos <= len(order); pos++ {
		sc := s.simulate(req, insertAt(order, idx, pos))
		if sc.failAt == idx && sc.failSide == model.BoundStart {
			side = model.BoundStart
			break
		}
	}
	if side == model.BoundStart {
		return WindowExclusion{
			Index:    idx,
			Reason:   fmt.Sprintf("arrival would wait more than %s before time window start %s", s.MaxWait, w.Start),
			Conflict: model.BoundStart,
		}
	}
	return WindowExclusion{
		Index:    idx,
		Reason:   fmt.Sprintf("no slot within %s-%s fits between other time-windowed stops", w.Start, w.End),
		Conflict: model.BoundEnd,
	}
}

func deadline(s WindowStop) int {
	if s.Window == nil {
		return math.MaxInt32
	}
	return s.Window.End.Seconds()
}

func insertAt(order []int, idx, pos int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, idx)
	return append(out, order[pos:]...)
}
