package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const DefaultOSRMURL = "https://router.project-osrm.org"

// RetryConfig bounds the retry-with-backoff loop around every provider call.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// OSRM is a Provider backed by the OSRM route and trip services.
type OSRM struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   RetryConfig
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

type OSRMOption func(*OSRM)

func WithHTTPClient(c *http.Client) OSRMOption { return func(o *OSRM) { o.http = c } }

func WithRetry(r RetryConfig) OSRMOption { return func(o *OSRM) { o.retry = r } }

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) OSRMOption {
	return func(o *OSRM) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewOSRM(baseURL string, log zerolog.Logger, opts ...OSRMOption) *OSRM {
	if baseURL == "" {
		baseURL = DefaultOSRMURL
	}
	o := &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		retry:   DefaultRetryConfig(),
		log:     log.With().Str("component", "osrm").Logger(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retry.MaxAttempts < 1 {
		o.retry.MaxAttempts = 1
	}
	return o
}

type osrmLeg struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
}

type osrmRoute struct {
	Legs     []osrmLeg `json:"legs"`
	Geometry string    `json:"geometry"`
}

type osrmResponse struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Routes    []osrmRoute `json:"routes"`
	Trips     []osrmRoute `json:"trips"`
	Waypoints []struct {
		WaypointIndex int `json:"waypoint_index"`
		TripsIndex    int `json:"trips_index"`
	} `json:"waypoints"`
}

// GetLegs calls the trip service when the waypoint order should be optimised and the route
// service otherwise. OSRM has no departure-time routing; DepartureTime is ignored.
func (o *OSRM) GetLegs(ctx context.Context, req LegsRequest) (LegsResult, error) {
	circular := req.Destination == req.Origin
	coords := make([]string, 0, len(req.Waypoints)+2)
	add := func(lat, lng float64) { coords = append(coords, fmt.Sprintf("%.6f,%.6f", lng, lat)) }
	add(req.Origin.Lat, req.Origin.Lng)
	for _, w := range req.Waypoints {
		add(w.Lat, w.Lng)
	}

	q := url.Values{}
	q.Set("overview", "full")
	q.Set("geometries", "polyline")
	if req.AvoidTolls {
		q.Set("exclude", "toll")
	}
	service := "route"
	if req.OptimizeOrder {
		service = "trip"
		q.Set("source", "first")
		if circular {
			q.Set("roundtrip", "true")
		} else {
			add(req.Destination.Lat, req.Destination.Lng)
			q.Set("roundtrip", "false")
			q.Set("destination", "last")
		}
	} else {
		add(req.Destination.Lat, req.Destination.Lng)
	}
	endpoint := fmt.Sprintf("%s/%s/v1/driving/%s?%s", o.baseURL, service, strings.Join(coords, ";"), q.Encode())

	var body osrmResponse
	if err := o.getJSON(ctx, endpoint, &body); err != nil {
		return LegsResult{}, err
	}
	if body.Code != "Ok" {
		return LegsResult{}, fmt.Errorf("osrm %s: %s %s: %w", service, body.Code, body.Message, ErrNoRoute)
	}

	routes := body.Routes
	if req.OptimizeOrder {
		routes = body.Trips
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return LegsResult{}, fmt.Errorf("osrm %s: empty result: %w", service, ErrNoRoute)
	}
	res := LegsResult{Polyline: routes[0].Geometry}
	for _, l := range routes[0].Legs {
		res.Legs = append(res.Legs, Leg{DurationSec: l.Duration, DistanceM: l.Distance})
	}
	if req.OptimizeOrder {
		order, err := waypointOrder(body, len(req.Waypoints))
		if err != nil {
			return LegsResult{}, err
		}
		res.WaypointOrder = order
	}
	return res, nil
}

// waypointOrder converts OSRM's per-input trip positions into the visiting order of the
// request's waypoints (input 0 is the origin).
func waypointOrder(body osrmResponse, n int) ([]int, error) {
	if len(body.Waypoints) < n+1 {
		return nil, fmt.Errorf("osrm trip: %d waypoints for %d inputs: %w", len(body.Waypoints), n+1, ErrNoRoute)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return body.Waypoints[order[a]+1].WaypointIndex < body.Waypoints[order[b]+1].WaypointIndex
	})
	return order, nil
}

func (o *OSRM) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("osrm decode: %w", err)
	}
	return nil
}

func (o *OSRM) do(req *http.Request) (*http.Response, error) {
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	// OSRM answers 400 with a JSON body for NoRoute/NoSegment; let the caller read the code.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusBadRequest {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries network errors, 429 and 5xx with exponential backoff, honouring ctx.
func (o *OSRM) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	delay := o.retry.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("osrm request: %w", err)
		}
		resp, err := o.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt == o.retry.MaxAttempts {
			break
		}
		o.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("routing call failed, retrying")
		if err := o.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if o.retry.MaxDelay > 0 && delay > o.retry.MaxDelay {
			delay = o.retry.MaxDelay
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func retryable(err error) bool {
	var he *httpStatusError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
