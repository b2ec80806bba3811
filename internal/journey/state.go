// Package journey runs a route for one driver on one day: stop status changes and the ETA shifts
// they cause.
package journey

import (
	"errors"
	"fmt"
	"time"

	"dispatchcore/internal/auth"
	"dispatchcore/internal/model"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrResetNotAllowed   = errors.New("reset not allowed")
	ErrForbidden         = errors.New("forbidden")
	ErrJourneyIncomplete = errors.New("journey has unfinished stops")
	ErrStopNotFound      = errors.New("stop not in journey")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrRouteNotPlanned rejects journeys over a route that has no ETAs yet.
	ErrRouteNotPlanned   = errors.New("route has not been optimized")
)

var transitions = map[model.StopStatus][]model.StopStatus{
	model.StopPending:    {model.StopInProgress, model.StopCompleted, model.StopFailed, model.StopSkipped},
	model.StopInProgress: {model.StopCompleted, model.StopFailed, model.StopSkipped},
}

// CanTransition reports whether a stop may move from one status to another through the normal
// update path. Terminal statuses have no way out.
func CanTransition(from, to model.StopStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the stop to status to or leaves it untouched.
func Transition(st *model.JourneyStop, to model.StopStatus) error {
	if !CanTransition(st.Status, to) {
		return fmt.Errorf("stop %s %s -> %s: %w", st.StopID, st.Status, to, ErrInvalidTransition)
	}
	st.Status = to
	return nil
}

// Reset force-returns a failed or in-progress stop to pending. Only the journey's driver or a
// dispatcher may do it, and only while the journey is running.
func Reset(j *model.Journey, stopID string, p auth.Principal) error {
	if !p.IsDispatcher() && (p.DriverID == "" || p.DriverID != j.DriverID) {
		return fmt.Errorf("reset stop %s: %w", stopID, ErrForbidden)
	}
	if j.Status != model.JourneyInProgress {
		return fmt.Errorf("reset stop %s: journey is %s: %w", stopID, j.Status, ErrResetNotAllowed)
	}
	st := j.Stop(stopID)
	if st == nil {
		return fmt.Errorf("reset stop %s: %w", stopID, ErrStopNotFound)
	}
	if st.Status != model.StopFailed && st.Status != model.StopInProgress {
		return fmt.Errorf("reset stop %s: stop is %s: %w", stopID, st.Status, ErrResetNotAllowed)
	}
	st.Status = model.StopPending
	st.CheckInTime = nil
	st.CheckOutTime = nil
	st.FailureReason = ""
	return nil
}

// Finish closes the journey once every stop is terminal.
func Finish(j *model.Journey, at time.Time) error {
	if j.Status == model.JourneyFinished {
		return fmt.Errorf("finish journey %s: already finished: %w", j.ID, ErrInvalidTransition)
	}
	var open []string
	for _, st := range j.Stops {
		if !st.Status.Terminal() {
			open = append(open, st.StopID)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("finish journey %s: %d open stops %v: %w", j.ID, len(open), open, ErrJourneyIncomplete)
	}
	j.Status = model.JourneyFinished
	t := at
	j.FinishedAt = &t
	return nil
}
