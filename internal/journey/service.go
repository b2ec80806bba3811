package journey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"dispatchcore/internal/auth"
	"dispatchcore/internal/eta"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence the journey service needs. UpdateJourney must be atomic.
type Store interface {
	GetRoute(ctx context.Context, id string) (model.Route, error)
	CreateJourney(ctx context.Context, j model.Journey) error
	GetJourney(ctx context.Context, id string) (model.Journey, error)
	UpdateJourney(ctx context.Context, id string, fn func(j *model.Journey) error) (model.Journey, error)
	DeleteJourney(ctx context.Context, id string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, items []model.Notification)
}

// Service applies driver events to journeys. Every operation is one read-modify-write through
// the store; notifications go out only after it commits.
type Service struct {
	store    Store
	prop     eta.Propagator
	dispatch Dispatcher
	loc      *time.Location
	log      zerolog.Logger
}

// NewService builds the service. loc is the depot time zone used to turn wall clock instants
// into times of day; nil means UTC.
func NewService(st Store, prop eta.Propagator, dispatch Dispatcher, loc *time.Location, log zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: st, prop: prop, dispatch: dispatch, loc: loc, log: log.With().Str("component", "journey").Logger()}
}

// ClockTime converts an instant into the local time of day.
func (s *Service) ClockTime(now time.Time) model.TimeOfDay { return model.FromClock(now.In(s.loc)) }

func (s *Service) Create(ctx context.Context, routeID, driverID, date string, now time.Time) (model.Journey, error) {
	if driverID == "" {
		return model.Journey{}, fmt.Errorf("create journey: driverId required: %w", ErrInvalidInput)
	}
	if date == "" {
		date = now.In(s.loc).Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		return model.Journey{}, fmt.Errorf("create journey: date %q: %w", date, ErrInvalidInput)
	}
	r, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return model.Journey{}, fmt.Errorf("create journey: %w", err)
	}
	if !r.Planned() {
		return model.Journey{}, fmt.Errorf("create journey: route %s: %w", routeID, ErrRouteNotPlanned)
	}
	j := model.NewJourney(uuid.NewString(), r, driverID, date, now.UTC())
	if err := s.store.CreateJourney(ctx, j); err != nil {
		return model.Journey{}, fmt.Errorf("create journey: %w", err)
	}
	s.log.Info().Str("journey_id", j.ID).Str("route_id", routeID).Str("driver_id", driverID).Int("stops", len(j.Stops)).Msg("journey created")
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Journey, error) {
	return s.store.GetJourney(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteJourney(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("journey_id", id).Msg("journey deleted")
	return nil
}

// Start moves a planned journey to in progress and anchors it at actual (now when nil).
func (s *Service) Start(ctx context.Context, id string, actual *model.TimeOfDay, now time.Time) (model.Journey, error) {
	at := s.pick(actual, now)
	var hooks []model.Notification
	j, err := s.store.UpdateJourney(ctx, id, func(j *model.Journey) error {
		if j.Status != model.JourneyPlanned {
			return fmt.Errorf("start journey %s: journey is %s: %w", id, j.Status, ErrInvalidTransition)
		}
		j.Status = model.JourneyInProgress
		sh := s.prop.ShiftForStart(j, at)
		hooks = append(hooks, s.event(j, "journey.started", "", now, map[string]any{"actualStartTime": at.String()}))
		hooks = append(hooks, s.shifted(j, sh, now)...)
		return nil
	})
	if err != nil {
		return model.Journey{}, err
	}
	s.emit(ctx, hooks)
	return j, nil
}

// Reanchor moves the start of a running journey. The delta is measured against the effective
// start so repeated corrections are not double counted.
func (s *Service) Reanchor(ctx context.Context, id string, actual model.TimeOfDay, now time.Time) (model.Journey, error) {
	var hooks []model.Notification
	j, err := s.store.UpdateJourney(ctx, id, func(j *model.Journey) error {
		if j.Status != model.JourneyInProgress {
			return fmt.Errorf("reanchor journey %s: journey is %s: %w", id, j.Status, ErrInvalidTransition)
		}
		sh := s.prop.ShiftForStart(j, actual)
		hooks = s.shifted(j, sh, now)
		return nil
	})
	if err != nil {
		return model.Journey{}, err
	}
	s.emit(ctx, hooks)
	return j, nil
}

func (s *Service) CheckIn(ctx context.Context, id, stopID string, at *model.TimeOfDay, now time.Time) (model.Journey, error) {
	arrived := s.pick(at, now)
	var hooks []model.Notification
	j, err := s.store.UpdateJourney(ctx, id, func(j *model.Journey) error {
		st, err := s.runningStop(j, stopID)
		if err != nil {
			return err
		}
		if err := s.transition(st, model.StopInProgress); err != nil {
			return err
		}
		st.CheckInTime = &arrived
		arr, err := s.prop.RecordArrival(j, stopID, arrived)
		if err != nil {
			return err
		}
		hooks = append(hooks, s.event(j, "stop.checked_in", stopID, now, map[string]any{
			"checkInTime":            arrived.String(),
			"newDelayMinutes":        arr.NewMinutes,
			"cumulativeDelayMinutes": arr.CumulativeMinutes,
		}))
		if arr.ReasonRequired {
			hooks = append(hooks, s.event(j, "stop.delay_reason_required", stopID, now, map[string]any{"newDelayMinutes": arr.NewMinutes}))
		}
		return nil
	})
	if err != nil {
		return model.Journey{}, err
	}
	s.emit(ctx, hooks)
	return j, nil
}

// CheckOut completes the stop and shifts the pending stops after it by the departure deviation.
func (s *Service) CheckOut(ctx context.Context, id, stopID string, at *model.TimeOfDay, now time.Time) (model.Journey, error) {
	return s.close(ctx, id, stopID, model.StopCompleted, "", at, now)
}

// Fail marks the stop failed. The time the driver leaves still moves the downstream ETAs.
func (s *Service) Fail(ctx context.Context, id, stopID, reason string, at *model.TimeOfDay, now time.Time) (model.Journey, error) {
	if reason == "" {
		return model.Journey{}, fmt.Errorf("fail stop %s: reason required: %w", stopID, ErrInvalidInput)
	}
	return s.close(ctx, id, stopID, model.StopFailed, reason, at, now)
}

func (s *Service) close(ctx context.Context, id, stopID string, to model.StopStatus, reason string, at *model.TimeOfDay, now time.Time) (model.Journey, error) {
	left := s.pick(at, now)
	nowTOD := s.ClockTime(now)
	var hooks []model.Notification
	j, err := s.store.UpdateJourney(ctx, id, func(j *model.Journey) error {
		st, err := s.runningStop(j, stopID)
		if err != nil {
			return err
		}
		if err := s.transition(st, to); err != nil {
			return err
		}
		st.CheckOutTime = &left
		data := map[string]any{"checkOutTime": left.String()}
		if to == model.StopFailed {
			st.FailureReason = reason
			data["reason"] = reason
		}
		sh, err := s.prop.ShiftAfterCheckout(j, stopID, at, nowTOD)
		if err != nil {
			return err
		}
		hooks = append(hooks, s.event(j, "stop."+string(to), stopID, now, data))
		hooks = append(hooks, s.shifted(j, sh, now)...)
		return nil
	})
	if err != nil {
		return model.Journey{}, err
	}
	s.emit(ctx, hooks)
	return j, nil
}

func (s *Service) Skip(ctx context.Context, id, stopID string, now time.Time) (model.Journey, error) {
	var hooks []model.Notification
	j, err := s.store.UpdateJourney(ctx, id, func(j *model.Journey) error {
		st, err := s.runningStop(j, stopID)
		if err != nil {
			return err
		}
		if err := s.transition(st, model.StopSkipped); err != nil {
			return err
		}
		hooks = append(hooks, s.event(j, "stop.skipped", stopID, now, nil))
		return nil
	})
	if err != nil {
		return model.Journey{}, err
	}
	s.emit(ctx, hooks)
	return j, nil
}

func (s *Service) Reset(ctx context.Context, id, stopID string, p auth.Principal) (model.Journey, error) {
	j, err := s.store.UpdateJourney(ctx, id, func(j *model.Journey) error {
		return Reset(j, stopID, p)
	})
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	metrics.StopTransitions.WithLabelValues("reset", result).Inc()
	if err != nil {
		return model.Journey{}, err
	}
	s.log.Info().Str("journey_id", id).Str("stop_id", stopID).Str("by", p.Subject).Str("role", p.Role).Msg("stop reset")
	return j, nil
}

func (s *Service) Finish(ctx context.Context, id string, now time.Time) (model.Journey, error) {
	var hooks []model.Notification
	j, err := s.store.UpdateJourney(ctx, id, func(j *model.Journey) error {
		if err := Finish(j, now.UTC()); err != nil {
			return err
		}
		counts := map[string]int{}
		for _, st := range j.Stops {
			counts[string(st.Status)]++
		}
		hooks = append(hooks, s.event(j, "journey.finished", "", now, map[string]any{"stops": counts}))
		return nil
	})
	if err != nil {
		return model.Journey{}, err
	}
	s.emit(ctx, hooks)
	return j, nil
}

// SetDelayReason records the driver's explanation and clears the prompt.
func (s *Service) SetDelayReason(ctx context.Context, id, stopID, reason string) (model.Journey, error) {
	if reason == "" {
		return model.Journey{}, fmt.Errorf("delay reason for %s: reason required: %w", stopID, ErrInvalidInput)
	}
	return s.store.UpdateJourney(ctx, id, func(j *model.Journey) error {
		st := j.Stop(stopID)
		if st == nil {
			return fmt.Errorf("delay reason for %s: %w", stopID, ErrStopNotFound)
		}
		st.DelayReason = reason
		st.DelayReasonRequired = false
		return nil
	})
}

// ApplyDeviation handles both deviation shapes: a start time, or a stop check-out time.
func (s *Service) ApplyDeviation(ctx context.Context, req model.DeviationRequest, now time.Time) (model.Journey, error) {
	switch {
	case req.JourneyID == "":
		return model.Journey{}, fmt.Errorf("deviation: journeyId required: %w", ErrInvalidInput)
	case req.ActualStartTime != nil && req.StopID != "":
		return model.Journey{}, fmt.Errorf("deviation: give either actualStartTime or stopId: %w", ErrInvalidInput)
	case req.ActualStartTime != nil:
		j, err := s.store.GetJourney(ctx, req.JourneyID)
		if err != nil {
			return model.Journey{}, err
		}
		if j.Status == model.JourneyPlanned {
			return s.Start(ctx, req.JourneyID, req.ActualStartTime, now)
		}
		return s.Reanchor(ctx, req.JourneyID, *req.ActualStartTime, now)
	case req.StopID != "":
		return s.CheckOut(ctx, req.JourneyID, req.StopID, req.ActualCheckOutTime, now)
	}
	return model.Journey{}, fmt.Errorf("deviation: nothing to apply: %w", ErrInvalidInput)
}

func (s *Service) runningStop(j *model.Journey, stopID string) (*model.JourneyStop, error) {
	if j.Status != model.JourneyInProgress {
		return nil, fmt.Errorf("journey %s is %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	st := j.Stop(stopID)
	if st == nil {
		return nil, fmt.Errorf("stop %s: %w", stopID, ErrStopNotFound)
	}
	return st, nil
}

func (s *Service) transition(st *model.JourneyStop, to model.StopStatus) error {
	err := Transition(st, to)
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	metrics.StopTransitions.WithLabelValues(string(to), result).Inc()
	return err
}

func (s *Service) pick(at *model.TimeOfDay, now time.Time) model.TimeOfDay {
	if at != nil {
		return *at
	}
	return s.ClockTime(now)
}

func (s *Service) shifted(j *model.Journey, sh eta.Shift, now time.Time) []model.Notification {
	metrics.DelayPropagations.WithLabelValues(string(sh.Trigger), strconv.FormatBool(sh.Applied)).Inc()
	if len(sh.Clamped) > 0 {
		metrics.TimeClamps.WithLabelValues("delay").Add(float64(len(sh.Clamped)))
		s.log.Warn().Str("journey_id", j.ID).Strs("stops", sh.Clamped).Msg("shifted ETAs clamped to 23:59:59")
	}
	if !sh.Applied {
		return nil
	}
	s.log.Info().Str("journey_id", j.ID).Str("trigger", string(sh.Trigger)).Dur("delta", sh.Delta).
		Int("stops", len(sh.Shifted)).Int("day_offset", sh.DayOffset).Msg("journey ETAs shifted")
	return []model.Notification{s.event(j, "journey.eta_shifted", "", now, map[string]any{
		"trigger":      string(sh.Trigger),
		"deltaMinutes": sh.Delta.Minutes(),
		"stopIds":      sh.Shifted,
		"dayOffset":    j.DayOffset,
	})}
}

func (s *Service) event(j *model.Journey, typ, stopID string, now time.Time, data map[string]any) model.Notification {
	return model.Notification{
		ID:        uuid.NewString(),
		Type:      typ,
		RouteID:   j.RouteID,
		JourneyID: j.ID,
		StopID:    stopID,
		Data:      data,
		CreatedAt: now.UTC(),
	}
}

func (s *Service) emit(ctx context.Context, hooks []model.Notification) {
	if s.dispatch != nil && len(hooks) > 0 {
		s.dispatch.Dispatch(ctx, hooks)
	}
}
