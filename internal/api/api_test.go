package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dispatchcore/internal/auth"
	"dispatchcore/internal/eta"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/journey"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/model"
	"dispatchcore/internal/notify"
	"dispatchcore/internal/opt"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLegs visits waypoints in request order, 10 minutes and 5 km per leg.
type fakeLegs struct{}

func (fakeLegs) GetLegs(_ context.Context, req geo.LegsRequest) (geo.LegsResult, error) {
	res := geo.LegsResult{}
	for i := 0; i <= len(req.Waypoints); i++ {
		res.Legs = append(res.Legs, geo.Leg{DurationSec: 600, DistanceM: 5000})
	}
	if req.OptimizeOrder {
		for i := range req.Waypoints {
			res.WaypointOrder = append(res.WaypointOrder, i)
		}
	}
	return res, nil
}

// rejectAll excludes every stop it is given.
type rejectAll struct{}

func (rejectAll) SolveWithTimeWindows(_ context.Context, req opt.WindowRequest) (opt.WindowResult, error) {
	res := opt.WindowResult{Message: "windows closed"}
	for i := range req.Stops {
		res.Excluded = append(res.Excluded, opt.WindowExclusion{Index: i, Reason: "window closed", Conflict: model.BoundEnd})
	}
	return res, nil
}

type testEnv struct {
	srv    *httptest.Server
	broker *notify.MemoryBroker
}

func newEnv(t *testing.T, solver routing.ConstrainedSolver) *testEnv {
	t.Helper()
	metrics.RegisterDefault()
	st := store.NewMemory()
	broker := notify.NewMemoryBroker()
	fan := notify.NewFanout(notify.BrokerSink{Broker: broker, Log: zerolog.Nop()})
	optimizer := routing.NewOptimizer(st, fakeLegs{}, solver, fan, routing.DefaultConfig(), zerolog.Nop())
	journeys := journey.NewService(st, eta.NewPropagator(0, 0), fan, time.UTC, zerolog.Nop())
	verifier, err := auth.NewVerifier("dev", "")
	require.NoError(t, err)

	s := NewServer(Deps{
		Store:     st,
		Optimizer: optimizer,
		Journeys:  journeys,
		Broker:    broker,
		Auth:      verifier,
		Log:       zerolog.Nop(),
	})
	s.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, broker: broker}
}

type caller struct {
	role, driver string
}

var (
	dispatcher = caller{role: auth.RoleDispatcher}
	driverOne  = caller{role: auth.RoleDriver, driver: "d1"}
	driverTwo  = caller{role: auth.RoleDriver, driver: "d2"}
)

func (e *testEnv) do(t *testing.T, c caller, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", c.role)
	if c.driver != "" {
		req.Header.Set("X-Driver-Id", c.driver)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

// lineRoute has three stops running north from the depot, so the visiting order a, b, c is
// already the shortest tour.
func lineRoute(windows bool) map[string]any {
	stops := []map[string]any{}
	for i, id := range []string{"a", "b", "c"} {
		s := map[string]any{"id": id, "lat": 40.0 + 0.01*float64(i+1), "lng": -74.0, "serviceMinutes": 10}
		if windows {
			s["timeWindow"] = map[string]string{"start": "09:00", "end": "10:00"}
		}
		stops = append(stops, s)
	}
	return map[string]any{
		"id":        "r1",
		"depot":     map[string]float64{"lat": 40.0, "lng": -74.0},
		"startTime": "08:00",
		"stops":     stops,
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t, opt.NewWindowSolver(40, 0))

	code, body := e.do(t, dispatcher, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)

	code, _ = e.do(t, dispatcher, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = e.do(t, dispatcher, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "http_requests_total")
}

func TestCreateAndOptimizeRoute(t *testing.T) {
	e := newEnv(t, opt.NewWindowSolver(40, 0))

	code, body := e.do(t, dispatcher, http.MethodPost, "/v1/routes", lineRoute(false))
	require.Equal(t, http.StatusCreated, code, string(body))

	code, body = e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/optimize", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var out struct {
		Result model.OptimizeResult `json:"result"`
		Route  model.Route          `json:"route"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Result.Success)
	assert.Equal(t, []string{"a", "b", "c"}, out.Result.OrderedStopIDs)
	assert.Equal(t, model.MustTimeOfDay("09:10"), out.Result.EndDetails.EstimatedArrival)
	assert.Equal(t, 2, out.Route.Version)

	a := out.Route.Stop("a")
	require.NotNil(t, a)
	assert.Equal(t, 1, a.Order)
	assert.Equal(t, model.MustTimeOfDay("08:10"), a.EstimatedArrival)
	assert.Equal(t, model.MustTimeOfDay("08:20"), a.EstimatedDeparture)

	code, body = e.do(t, dispatcher, http.MethodGet, "/v1/routes/r1", nil)
	require.Equal(t, http.StatusOK, code)
	var stored model.Route
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, 3, stored.Stop("c").Order)
}

func TestStatelessOptimize(t *testing.T) {
	e := newEnv(t, opt.NewWindowSolver(40, 0))
	req := lineRoute(false)
	req["preserveOrder"] = true

	code, body := e.do(t, driverOne, http.MethodPost, "/v1/optimize", req)
	require.Equal(t, http.StatusOK, code, string(body))
	var res model.OptimizeResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, []string{"a", "b", "c"}, res.OrderedStopIDs)

	// nothing was stored
	code, _ = e.do(t, dispatcher, http.MethodGet, "/v1/routes/r1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInfeasibleRouteReturnsExclusions(t *testing.T) {
	e := newEnv(t, rejectAll{})
	code, _ := e.do(t, dispatcher, http.MethodPost, "/v1/routes", lineRoute(true))
	require.Equal(t, http.StatusCreated, code)

	code, body := e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/optimize", map[string]string{"exclusion": "soft"})
	require.Equal(t, http.StatusUnprocessableEntity, code, string(body))
	var p Problem
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Len(t, p.ExcludedStops, 3)
	assert.Equal(t, model.BoundEnd, p.ExcludedStops[0].Conflict)

	// the failed optimize left the route untouched
	code, body = e.do(t, dispatcher, http.MethodGet, "/v1/routes/r1", nil)
	require.Equal(t, http.StatusOK, code)
	var stored model.Route
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, 1, stored.Version)
}

func TestRouteValidation(t *testing.T) {
	e := newEnv(t, opt.NewWindowSolver(40, 0))

	cases := map[string]any{
		"unknown field":   `{"id":"x","bogus":1}`,
		"reserved id":     map[string]any{"startTime": "08:00", "stops": []map[string]any{{"id": "depot"}}},
		"duplicate":       map[string]any{"startTime": "08:00", "stops": []map[string]any{{"id": "a"}, {"id": "a"}}},
		"bad position":    map[string]any{"startTime": "08:00", "stops": []map[string]any{{"id": "a", "positionClass": "middle"}}},
		"two firsts":      map[string]any{"startTime": "08:00", "stops": []map[string]any{{"id": "a", "positionClass": "fixed_first"}, {"id": "b", "positionClass": "fixed_first"}}},
		"inverted window": map[string]any{"startTime": "08:00", "stops": []map[string]any{{"id": "a", "timeWindow": map[string]string{"start": "10:00", "end": "09:00"}}}},
		"bad latitude":    map[string]any{"startTime": "08:00", "stops": []map[string]any{{"id": "a", "lat": 91}}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, raw := e.do(t, dispatcher, http.MethodPost, "/v1/routes", body)
			assert.Equal(t, http.StatusBadRequest, code, string(raw))
		})
	}
}

func TestDriverCannotPlan(t *testing.T) {
	e := newEnv(t, opt.NewWindowSolver(40, 0))
	code, _ := e.do(t, driverOne, http.MethodPost, "/v1/routes", lineRoute(false))
	assert.Equal(t, http.StatusForbidden, code)
}

func TestJourneyFlow(t *testing.T) {
	e := newEnv(t, opt.NewWindowSolver(40, 0))
	code, _ := e.do(t, dispatcher, http.MethodPost, "/v1/routes", lineRoute(false))
	require.Equal(t, http.StatusCreated, code)
	code, _ = e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/optimize", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/journeys", map[string]string{"driverId": "d1", "date": "2024-05-01"})
	require.Equal(t, http.StatusCreated, code, string(body))
	var j model.Journey
	require.NoError(t, json.Unmarshal(body, &j))
	base := "/v1/journeys/" + j.ID

	code, _ = e.do(t, driverTwo, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = e.do(t, driverOne, http.MethodPost, base+"/start", map[string]string{"actualStartTime": "08:00"})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = e.do(t, driverOne, http.MethodPost, base+"/stops/a/check-in", map[string]string{"time": "08:10"})
	require.Equal(t, http.StatusOK, code, string(body))
	code, body = e.do(t, driverOne, http.MethodPost, base+"/stops/a/check-out", map[string]string{"time": "08:20"})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &j))
	assert.Equal(t, model.StopCompleted, j.Stops[0].Status)

	code, _ = e.do(t, driverOne, http.MethodPost, base+"/stops/a/teleport", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, driverOne, http.MethodPost, base+"/stops/a/check-in", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, driverOne, http.MethodPost, base+"/finish", nil)
	assert.Equal(t, http.StatusConflict, code)

	// a late departure from b pushes c back
	code, body = e.do(t, driverOne, http.MethodPost, "/v1/deviations",
		map[string]string{"journeyId": j.ID, "stopId": "b", "actualCheckOutTime": "09:00"})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &j))
	assert.Equal(t, model.MustTimeOfDay("09:10"), j.Stops[2].EstimatedArrival)

	code, _ = e.do(t, driverOne, http.MethodPost, base+"/stops/c/skip", nil)
	require.Equal(t, http.StatusOK, code)
	code, body = e.do(t, driverOne, http.MethodPost, base+"/finish", nil)
	require.Equal(t, http.StatusOK, code, string(body))

	code, _ = e.do(t, driverOne, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = e.do(t, dispatcher, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, dispatcher, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestETAStream(t *testing.T) {
	e := newEnv(t, opt.NewWindowSolver(40, 0))
	code, _ := e.do(t, dispatcher, http.MethodPost, "/v1/routes", lineRoute(false))
	require.Equal(t, http.StatusCreated, code)
	code, _ = e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/optimize", nil)
	require.Equal(t, http.StatusOK, code)
	code, body := e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/journeys", map[string]string{"driverId": "d1"})
	require.Equal(t, http.StatusCreated, code)
	var j model.Journey
	require.NoError(t, json.Unmarshal(body, &j))

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/journeys/" + j.ID + "/eta/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Role": {auth.RoleDriver}, "X-Driver-Id": {"d1"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	require.NotNil(t, msg.Journey)
	assert.Equal(t, j.ID, msg.Journey.ID)

	code, _ = e.do(t, driverOne, http.MethodPost, "/v1/journeys/"+j.ID+"/start", map[string]string{"actualStartTime": "08:30"})
	require.Equal(t, http.StatusOK, code)

	seen := map[string]bool{}
	for len(seen) < 2 {
		msg = streamMessage{}
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotNil(t, msg.Notification)
		seen[msg.Notification.Type] = true
	}
	assert.True(t, seen["journey.started"])
	assert.True(t, seen["journey.eta_shifted"])
}

func TestETAStreamRejectsOtherDriver(t *testing.T) {
	e := newEnv(t, opt.NewWindowSolver(40, 0))
	code, _ := e.do(t, dispatcher, http.MethodPost, "/v1/routes", lineRoute(false))
	require.Equal(t, http.StatusCreated, code)

	// no ETAs before the first optimize
	code, _ = e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/journeys", map[string]string{"driverId": "d1"})
	require.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/optimize", nil)
	require.Equal(t, http.StatusOK, code)
	code, body := e.do(t, dispatcher, http.MethodPost, "/v1/routes/r1/journeys", map[string]string{"driverId": "d1"})
	require.Equal(t, http.StatusCreated, code)
	var j model.Journey
	require.NoError(t, json.Unmarshal(body, &j))

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/journeys/" + j.ID + "/eta/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Role": {auth.RoleDriver}, "X-Driver-Id": {"d2"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", model.ErrStalePlan), http.StatusConflict},
		{journey.ErrResetNotAllowed, http.StatusConflict},
		{journey.ErrRouteNotPlanned, http.StatusConflict},
		{journey.ErrForbidden, http.StatusForbidden},
		{journey.ErrInvalidInput, http.StatusBadRequest},
		{&routing.InfeasibleError{Message: "none"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: down", routing.ErrSolver), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}
