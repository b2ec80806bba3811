package api

import (
	"fmt"
	"net/http"

	"dispatchcore/internal/model"

	"github.com/go-chi/chi/v5"
)

type createJourneyInput struct {
	DriverID string `json:"driverId"`
	Date     string `json:"date,omitempty"`
}

type startInput struct {
	ActualStartTime *model.TimeOfDay `json:"actualStartTime,omitempty"`
}

type stopEventInput struct {
	Time   *model.TimeOfDay `json:"time,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

func (s *Server) createJourney(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsDispatcher() {
		s.writeError(w, r, errForbidden)
		return
	}
	var in createJourneyInput
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.journeys.Create(r.Context(), chi.URLParam(r, "routeID"), in.DriverID, in.Date, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

// authorizeJourney loads the journey and checks that the caller is its driver or a dispatcher.
func (s *Server) authorizeJourney(r *http.Request, id string) (model.Journey, error) {
	j, err := s.journeys.Get(r.Context(), id)
	if err != nil {
		return model.Journey{}, err
	}
	p := principal(r)
	if !p.IsDispatcher() && (p.DriverID == "" || p.DriverID != j.DriverID) {
		return model.Journey{}, fmt.Errorf("journey %s: %w", id, errForbidden)
	}
	return j, nil
}

func (s *Server) getJourney(w http.ResponseWriter, r *http.Request) {
	j, err := s.authorizeJourney(r, chi.URLParam(r, "journeyID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) deleteJourney(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsDispatcher() {
		s.writeError(w, r, errForbidden)
		return
	}
	if err := s.journeys.Delete(r.Context(), chi.URLParam(r, "journeyID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startJourney(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "journeyID")
	if _, err := s.authorizeJourney(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var in startInput
	if err := decodeJSON(r, &in, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.journeys.Start(r.Context(), id, in.ActualStartTime, s.now())
	s.respondJourney(w, r, j, err)
}

func (s *Server) reanchorJourney(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "journeyID")
	if _, err := s.authorizeJourney(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var in startInput
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.ActualStartTime == nil {
		s.writeError(w, r, fmt.Errorf("%w: actualStartTime required", errBadRequest))
		return
	}
	j, err := s.journeys.Reanchor(r.Context(), id, *in.ActualStartTime, s.now())
	s.respondJourney(w, r, j, err)
}

func (s *Server) finishJourney(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "journeyID")
	if _, err := s.authorizeJourney(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.journeys.Finish(r.Context(), id, s.now())
	s.respondJourney(w, r, j, err)
}

func (s *Server) stopAction(w http.ResponseWriter, r *http.Request) {
	id, stopID := chi.URLParam(r, "journeyID"), chi.URLParam(r, "stopID")
	if _, err := s.authorizeJourney(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var in stopEventInput
	if err := decodeJSON(r, &in, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, now := r.Context(), s.now()
	var (
		j   model.Journey
		err error
	)
	switch chi.URLParam(r, "action") {
	case "check-in":
		j, err = s.journeys.CheckIn(ctx, id, stopID, in.Time, now)
	case "check-out":
		j, err = s.journeys.CheckOut(ctx, id, stopID, in.Time, now)
	case "fail":
		j, err = s.journeys.Fail(ctx, id, stopID, in.Reason, in.Time, now)
	case "skip":
		j, err = s.journeys.Skip(ctx, id, stopID, now)
	case "reset":
		j, err = s.journeys.Reset(ctx, id, stopID, principal(r))
	case "delay-reason":
		j, err = s.journeys.SetDelayReason(ctx, id, stopID, in.Reason)
	default:
		writeProblem(w, r, Problem{Status: http.StatusNotFound, Detail: "unknown stop action"})
		return
	}
	s.respondJourney(w, r, j, err)
}

func (s *Server) deviation(w http.ResponseWriter, r *http.Request) {
	var req model.DeviationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.authorizeJourney(r, req.JourneyID); err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.journeys.ApplyDeviation(r.Context(), req, s.now())
	s.respondJourney(w, r, j, err)
}

func (s *Server) respondJourney(w http.ResponseWriter, r *http.Request, j model.Journey, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
