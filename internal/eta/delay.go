package eta

import (
	"errors"
	"fmt"
	"time"

	"dispatchcore/internal/model"
)

var ErrStopNotFound = errors.New("stop not in journey")

const (
	DefaultThreshold       = 5 * time.Minute
	DefaultReasonThreshold = 15 * time.Minute
)

type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerCheckout Trigger = "checkout"
)

// Shift reports what one propagation did to a journey.
type Shift struct {
	Trigger Trigger
	Delta   time.Duration
	Applied bool
	Shifted []string
	// DayOffset is the largest number of days a folded start shift crossed.
	DayOffset int
	// Clamped lists stops whose times were clamped to 23:59:59.
	Clamped []string
}

// Arrival is the delay bookkeeping produced by a check-in.
type Arrival struct {
	CumulativeMinutes int
	NewMinutes        int
	ReasonRequired    bool
}

// Propagator shifts pending stop ETAs by a single observed delta. It never reads the clock.
type Propagator struct {
	// Threshold is the smallest checkout deviation worth propagating.
	Threshold time.Duration
	// ReasonThreshold is the new delay at which a driver must give a reason.
	ReasonThreshold time.Duration
}

func NewPropagator(threshold, reasonThreshold time.Duration) Propagator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if reasonThreshold <= 0 {
		reasonThreshold = DefaultReasonThreshold
	}
	return Propagator{Threshold: threshold, ReasonThreshold: reasonThreshold}
}

// ShiftForStart anchors the journey at actual and moves every pending stop by the difference to
// the previous effective start. Results past midnight are folded into the journey's day offset.
//
// The difference is the nearest clock distance (TimeOfDay.Sub), so a start of 00:10 against a
// planned 23:50 is 20m late. Deviations of 12h or more read as the opposite direction.
func (p Propagator) ShiftForStart(j *model.Journey, actual model.TimeOfDay) Shift {
	delta := actual.Sub(j.EffectiveStart())
	a := actual
	j.ActualStartTime = &a
	sh := Shift{Trigger: TriggerStart, Delta: delta}
	if delta == 0 {
		return sh
	}
	for i := range j.Stops {
		st := &j.Stops[i]
		if st.Status != model.StopPending {
			continue
		}
		st.FreezeOriginals()
		var da, dd int
		st.EstimatedArrival, da = st.EstimatedArrival.AddFolded(delta)
		st.EstimatedDeparture, dd = st.EstimatedDeparture.AddFolded(delta)
		sh.DayOffset = max(sh.DayOffset, da, dd)
		sh.Shifted = append(sh.Shifted, st.StopID)
	}
	sh.Applied = len(sh.Shifted) > 0
	if sh.DayOffset > j.DayOffset {
		j.DayOffset = sh.DayOffset
	}
	return sh
}

// ShiftAfterCheckout propagates the departure deviation of stopID to the pending stops after it.
// checkout falls back to now when nil. Deviations under Threshold are ignored.
func (p Propagator) ShiftAfterCheckout(j *model.Journey, stopID string, checkout *model.TimeOfDay, now model.TimeOfDay) (Shift, error) {
	done := j.Stop(stopID)
	if done == nil {
		return Shift{}, fmt.Errorf("shift after %s: %w", stopID, ErrStopNotFound)
	}
	actual := now
	if checkout != nil {
		actual = *checkout
	}
	delta := actual.Sub(done.EstimatedDeparture)
	sh := Shift{Trigger: TriggerCheckout, Delta: delta}
	if delta.Abs() < p.Threshold {
		return sh, nil
	}
	for i := range j.Stops {
		st := &j.Stops[i]
		if st.Order <= done.Order || st.Status != model.StopPending {
			continue
		}
		st.FreezeOriginals()
		var oa, od model.Overflow
		st.EstimatedArrival, oa = st.EstimatedArrival.AddClamped(delta)
		st.EstimatedDeparture, od = st.EstimatedDeparture.AddClamped(delta)
		if oa == model.ClampedEndOfDay || od == model.ClampedEndOfDay {
			sh.Clamped = append(sh.Clamped, st.StopID)
		}
		sh.Shifted = append(sh.Shifted, st.StopID)
	}
	sh.Applied = len(sh.Shifted) > 0
	return sh, nil
}

// RecordArrival measures the delay at stopID against the frozen original ETA chain.
func (p Propagator) RecordArrival(j *model.Journey, stopID string, actual model.TimeOfDay) (Arrival, error) {
	st := j.Stop(stopID)
	if st == nil {
		return Arrival{}, fmt.Errorf("record arrival at %s: %w", stopID, ErrStopNotFound)
	}
	st.FreezeOriginals()
	cumulative := int(actual.Sub(st.OriginalEstimatedArrival) / time.Minute)
	prev := 0
	if ps := previousStop(j, st.Order); ps != nil {
		prev = ps.CumulativeDelayMinutes
	}
	st.CumulativeDelayMinutes = cumulative
	st.NewDelayMinutes = cumulative - prev
	st.DelayReasonRequired = time.Duration(st.NewDelayMinutes)*time.Minute >= p.ReasonThreshold
	return Arrival{
		CumulativeMinutes: st.CumulativeDelayMinutes,
		NewMinutes:        st.NewDelayMinutes,
		ReasonRequired:    st.DelayReasonRequired,
	}, nil
}

func previousStop(j *model.Journey, order int) *model.JourneyStop {
	var prev *model.JourneyStop
	for i := range j.Stops {
		st := &j.Stops[i]
		if st.Order < order && (prev == nil || st.Order > prev.Order) {
			prev = st
		}
	}
	return prev
}
