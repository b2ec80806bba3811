package opt

import (
	"math/rand"

	"dispatchcore/internal/model"
)

// MaxRestarts caps the randomized restart passes.
const MaxRestarts = 3

type ImproveOptions struct {
	// AggressiveThresholdKm is the minimum gain for a move during the first pass.
	AggressiveThresholdKm float64 `yaml:"aggressiveThresholdKm"`
	// FineThresholdKm is the minimum gain during the fine-tuning pass.
	FineThresholdKm float64 `yaml:"fineThresholdKm"`
	// MaxIterations bounds the applied moves per pass.
	MaxIterations int   `yaml:"maxIterations"`
	Restarts      int   `yaml:"restarts"`
	Seed          int64 `yaml:"seed"`
}

func DefaultImproveOptions() ImproveOptions {
	return ImproveOptions{
		AggressiveThresholdKm: 0.05,
		FineThresholdKm:       0.001,
		MaxIterations:         500,
		Restarts:              MaxRestarts,
		Seed:                  1,
	}
}

// Improvement is the outcome of a 2-opt run over the free stops.
type Improvement struct {
	Order            []*model.Stop
	InitialKm        float64
	FinalKm          float64
	Iterations       int
	RestartsImproved int
}

// Improver runs 2-opt over free stops between two fixed anchors.
type Improver struct {
	opts ImproveOptions
}

func NewImprover(o ImproveOptions) *Improver {
	def := DefaultImproveOptions()
	if o.AggressiveThresholdKm <= 0 {
		o.AggressiveThresholdKm = def.AggressiveThresholdKm
	}
	if o.FineThresholdKm <= 0 {
		o.FineThresholdKm = def.FineThresholdKm
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = def.MaxIterations
	}
	if o.Restarts < 0 {
		o.Restarts = 0
	}
	if o.Restarts > MaxRestarts {
		o.Restarts = MaxRestarts
	}
	return &Improver{opts: o}
}

// tour holds node indices: 0 is the start anchor, n+1 the end anchor, 1..n the free stops.
type tour []int

type scanMode int

const (
	scanForward scanMode = iota
	scanBackward
	scanShuffled
)

// Improve reorders free so that the path start -> free... -> end gets shorter. The anchors
// never move. The result is deterministic for a given seed.
func (im *Improver) Improve(start, end model.GeoPoint, free []*model.Stop) Improvement {
	n := len(free)
	pts := make([]model.GeoPoint, 0, n+2)
	pts = append(pts, start)
	for _, s := range free {
		pts = append(pts, s.Location)
	}
	pts = append(pts, end)
	dist := matrix(pts)

	cur := make(tour, n+2)
	for i := range cur {
		cur[i] = i
	}
	res := Improvement{InitialKm: tourKm(dist, cur)}
	if n < 2 {
		res.Order = append([]*model.Stop(nil), free...)
		res.FinalKm = res.InitialKm
		return res
	}

	rng := rand.New(rand.NewSource(im.opts.Seed))
	res.Iterations += im.pass(dist, cur, im.opts.AggressiveThresholdKm, true, rng)
	res.Iterations += im.pass(dist, cur, im.opts.FineThresholdKm, false, rng)
	best := append(tour(nil), cur...)
	bestKm := tourKm(dist, best)

	for r := 1; r <= im.opts.Restarts; r++ {
		rrng := rand.New(rand.NewSource(im.opts.Seed + int64(r)))
		cand := append(tour(nil), best...)
		perturb(cand, rrng)
		res.Iterations += im.pass(dist, cand, im.opts.AggressiveThresholdKm, true, rrng)
		res.Iterations += im.pass(dist, cand, im.opts.FineThresholdKm, false, rrng)
		if km := tourKm(dist, cand); km+1e-9 < bestKm {
			best, bestKm = cand, km
			res.RestartsImproved++
		}
	}

	res.FinalKm = bestKm
	res.Order = make([]*model.Stop, 0, n)
	for _, idx := range best[1 : n+1] {
		res.Order = append(res.Order, free[idx-1])
	}
	return res
}

// pass applies first-improvement 2-opt moves until none beats threshold or the iteration cap is
// reached. Aggressive passes rotate the scan order between forward, backward and shuffled.
func (im *Improver) pass(dist [][]float64, t tour, threshold float64, aggressive bool, rng *rand.Rand) int {
	n := len(t) - 2
	applied := 0
	for applied < im.opts.MaxIterations {
		mode := scanForward
		if aggressive {
			mode = scanMode(applied % 3)
		}
		moved := false
		for _, i := range scanOrder(n, mode, rng) {
			for j := i + 2; j <= n; j++ {
				a, b, c, d := t[i], t[i+1], t[j], t[j+1]
				delta := dist[a][c] + dist[b][d] - dist[a][b] - dist[c][d]
				if delta < -threshold {
					reverse(t, i+1, j)
					moved = true
					break
				}
			}
			if moved {
				break
			}
		}
		if !moved {
			break
		}
		applied++
	}
	return applied
}

// scanOrder lists the first-edge indices 0..n-1 in the requested order.
func scanOrder(n int, mode scanMode, rng *rand.Rand) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	switch mode {
	case scanBackward:
		for a, b := 0, n-1; a < b; a, b = a+1, b-1 {
			idx[a], idx[b] = idx[b], idx[a]
		}
	case scanShuffled:
		rng.Shuffle(n, func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
	}
	return idx
}

// perturb applies a few random segment reversals inside the free range.
func perturb(t tour, rng *rand.Rand) {
	n := len(t) - 2
	k := n / 2
	if k > 3 {
		k = 3
	}
	for ; k > 0; k-- {
		i := 1 + rng.Intn(n)
		j := 1 + rng.Intn(n)
		if i > j {
			i, j = j, i
		}
		if i == j {
			continue
		}
		reverse(t, i, j)
	}
}

func reverse(t tour, i, j int) {
	for ; i < j; i, j = i+1, j-1 {
		t[i], t[j] = t[j], t[i]
	}
}

func matrix(pts []model.GeoPoint) [][]float64 {
	m := make([][]float64, len(pts))
	for i := range pts {
		m[i] = make([]float64, len(pts))
		for j := range pts {
			if i != j {
				m[i][j] = EstimateKm(pts[i], pts[j])
			}
		}
	}
	return m
}

func tourKm(dist [][]float64, t tour) float64 {
	total := 0.0
	for i := 0; i+1 < len(t); i++ {
		total += dist[t[i]][t[i+1]]
	}
	return total
}
