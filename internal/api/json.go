package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dispatchcore/internal/eta"
	"dispatchcore/internal/journey"
	"dispatchcore/internal/model"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// ExcludedStops explains a no-feasible-order failure.
	ExcludedStops []model.ExcludedStop `json:"excludedStops,omitempty"`
}

var (
	errBadRequest   = errors.New("bad request")
	errForbidden    = errors.New("forbidden")
	errUnauthorized = errors.New("unauthorized")
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p Problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	p.Instance = r.URL.Path
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// decodeJSON reads a single JSON object into v. An empty body is accepted when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, routing.ErrInvalidRequest),
		errors.Is(err, journey.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden), errors.Is(err, journey.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, journey.ErrStopNotFound),
		errors.Is(err, eta.ErrStopNotFound):
		return http.StatusNotFound
	case errors.Is(err, journey.ErrInvalidTransition),
		errors.Is(err, journey.ErrJourneyIncomplete),
		errors.Is(err, journey.ErrResetNotAllowed),
		errors.Is(err, journey.ErrRouteNotPlanned),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, model.ErrStalePlan),
		errors.Is(err, model.ErrUnknownStop):
		return http.StatusConflict
	case errors.Is(err, routing.ErrNoFeasibleOrder):
		return http.StatusUnprocessableEntity
	case errors.Is(err, routing.ErrSolver):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	p := Problem{Status: status, Detail: err.Error()}
	var inf *routing.InfeasibleError
	if errors.As(err, &inf) {
		p.Title = "No feasible order"
		p.ExcludedStops = inf.Excluded
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
		if status == http.StatusInternalServerError {
			p.Detail = "internal error"
		}
	}
	writeProblem(w, r, p)
}
