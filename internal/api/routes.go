package api

import (
	"fmt"
	"net/http"

	"dispatchcore/internal/model"

	"github.com/go-chi/chi/v5"
)

type stopInput struct {
	ID               string              `json:"id"`
	Name             string              `json:"name,omitempty"`
	Lat              float64             `json:"lat"`
	Lng              float64             `json:"lng"`
	PositionClass    model.PositionClass `json:"positionClass,omitempty"`
	TimeWindow       *model.TimeWindow   `json:"timeWindow,omitempty"`
	CustomerWindow   *model.TimeWindow   `json:"customerWindow,omitempty"`
	ServiceMinutes   int                 `json:"serviceMinutes"`
	RequireSignature bool                `json:"requireSignature,omitempty"`
	RequirePhoto     bool                `json:"requirePhoto,omitempty"`
}

type routeInput struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Depot     model.GeoPoint  `json:"depot"`
	StartTime model.TimeOfDay `json:"startTime"`
	Stops     []stopInput     `json:"stops"`
}

// planInput is the stateless optimize request: the route travels with the request.
type planInput struct {
	routeInput
	Mode          model.Metric `json:"mode,omitempty"`
	AvoidTolls    bool         `json:"avoidTolls,omitempty"`
	PreserveOrder bool         `json:"preserveOrder,omitempty"`
}

func (in routeInput) toRoute() (model.Route, error) {
	r := model.Route{ID: in.ID, Name: in.Name, Depot: in.Depot, StartTime: in.StartTime}
	seen := map[string]bool{}
	first := 0
	for i, s := range in.Stops {
		if s.ID == "" || s.ID == model.DepotStopID {
			return model.Route{}, fmt.Errorf("%w: stop %d: id missing or reserved", errBadRequest, i)
		}
		if seen[s.ID] {
			return model.Route{}, fmt.Errorf("%w: duplicate stop id %q", errBadRequest, s.ID)
		}
		seen[s.ID] = true
		if s.PositionClass == "" {
			s.PositionClass = model.PositionFree
		}
		if !s.PositionClass.Valid() {
			return model.Route{}, fmt.Errorf("%w: stop %s: unknown positionClass %q", errBadRequest, s.ID, s.PositionClass)
		}
		if s.PositionClass == model.PositionFixedFirst {
			first++
		}
		for _, w := range []*model.TimeWindow{s.TimeWindow, s.CustomerWindow} {
			if w != nil && w.End < w.Start {
				return model.Route{}, fmt.Errorf("%w: stop %s: window ends before it starts", errBadRequest, s.ID)
			}
		}
		if s.ServiceMinutes < 0 {
			return model.Route{}, fmt.Errorf("%w: stop %s: negative serviceMinutes", errBadRequest, s.ID)
		}
		if s.Lat < -90 || s.Lat > 90 || s.Lng < -180 || s.Lng > 180 {
			return model.Route{}, fmt.Errorf("%w: stop %s: coordinates out of range", errBadRequest, s.ID)
		}
		r.Stops = append(r.Stops, model.Stop{
			ID:               s.ID,
			Name:             s.Name,
			Location:         model.GeoPoint{Lat: s.Lat, Lng: s.Lng},
			Position:         s.PositionClass,
			TimeWindow:       s.TimeWindow,
			CustomerWindow:   s.CustomerWindow,
			ServiceMinutes:   s.ServiceMinutes,
			RequireSignature: s.RequireSignature,
			RequirePhoto:     s.RequirePhoto,
		})
	}
	if first > 1 {
		return model.Route{}, fmt.Errorf("%w: at most one fixed_first stop", errBadRequest)
	}
	return r, nil
}

func (s *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsDispatcher() {
		s.writeError(w, r, errForbidden)
		return
	}
	var in routeInput
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	route, err := in.toRoute()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.store.SaveRoute(r.Context(), route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.store.GetRoute(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) optimizeRoute(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsDispatcher() {
		s.writeError(w, r, errForbidden)
		return
	}
	var req model.OptimizeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Exclusion == "" {
		req.Exclusion = model.ExclusionHard
	}
	res, route, err := s.opt.Optimize(r.Context(), chi.URLParam(r, "routeID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "route": route})
}

// planStateless orders an inline stop list without persisting anything.
func (s *Server) planStateless(w http.ResponseWriter, r *http.Request) {
	var in planInput
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	route, err := in.toRoute()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if route.ID == "" {
		route.ID = "adhoc"
	}
	route.Renumber()
	plan, _, err := s.opt.Plan(r.Context(), route, model.OptimizeRequest{
		Mode:          in.Mode,
		AvoidTolls:    in.AvoidTolls,
		PreserveOrder: in.PreserveOrder,
		Exclusion:     model.ExclusionHard,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan.Result())
}
