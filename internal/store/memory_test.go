package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatchcore/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRoute() model.Route {
	return model.Route{
		ID:        "r1",
		StartTime: model.MustTimeOfDay("08:00"),
		Depot:     model.GeoPoint{Lat: 52.0, Lng: 4.0},
		Stops: []model.Stop{
			{ID: "a", Position: model.PositionFree, ServiceMinutes: 5, Location: model.GeoPoint{Lat: 52.01, Lng: 4.01}},
			{ID: "b", Position: model.PositionFree, ServiceMinutes: 5, Location: model.GeoPoint{Lat: 52.02, Lng: 4.02}},
			{ID: "c", Position: model.PositionFree, ServiceMinutes: 5, Location: model.GeoPoint{Lat: 52.03, Lng: 4.03}},
		},
	}
}

func TestMemorySaveRouteVersions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r, err := m.SaveRoute(ctx, sampleRoute())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, []int{1, 2, 3}, []int{r.Stops[0].Order, r.Stops[1].Order, r.Stops[2].Order})

	r, err = m.SaveRoute(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)

	_, err = m.GetRoute(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.SaveRoute(ctx, sampleRoute())
	require.NoError(t, err)

	got, err := m.GetRoute(ctx, "r1")
	require.NoError(t, err)
	got.Stops[0].Name = "mutated"

	again, err := m.GetRoute(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, again.Stops[0].Name)
}

func TestMemoryApplyRoutePlan(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r, err := m.SaveRoute(ctx, sampleRoute())
	require.NoError(t, err)

	plan := model.RoutePlan{
		RouteID:     r.ID,
		BaseVersion: r.Version,
		Policy:      model.ExclusionSoft,
		StartTime:   model.MustTimeOfDay("08:00"),
		Assignments: []model.StopAssignment{
			{StopID: "c", Order: 1, Arrival: model.MustTimeOfDay("08:10"), Departure: model.MustTimeOfDay("08:15")},
			{StopID: "a", Order: 2, Arrival: model.MustTimeOfDay("08:30"), Departure: model.MustTimeOfDay("08:35")},
		},
		Excluded:   []model.ExcludedStop{{StopID: "b", Reason: "late", Conflict: model.BoundEnd}},
		EndArrival: model.MustTimeOfDay("09:00"),
	}
	updated, err := m.ApplyRoutePlan(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "c", updated.Stops[0].ID)
	assert.Equal(t, "a", updated.Stops[1].ID)
	b := updated.Stop("b")
	require.NotNil(t, b)
	assert.True(t, b.Excluded)
	assert.Equal(t, 0, b.Order)
	assert.Equal(t, model.MustTimeOfDay("09:00"), updated.EndDetails.EstimatedArrival)
}

func TestMemoryApplyRoutePlanIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r, err := m.SaveRoute(ctx, sampleRoute())
	require.NoError(t, err)

	t.Run("stale version", func(t *testing.T) {
		_, err := m.ApplyRoutePlan(ctx, model.RoutePlan{RouteID: r.ID, BaseVersion: r.Version + 5, Policy: model.ExclusionHard})
		assert.ErrorIs(t, err, model.ErrStalePlan)
	})

	t.Run("unknown stop leaves route untouched", func(t *testing.T) {
		_, err := m.ApplyRoutePlan(ctx, model.RoutePlan{
			RouteID:     r.ID,
			BaseVersion: r.Version,
			Policy:      model.ExclusionHard,
			Assignments: []model.StopAssignment{{StopID: "a", Order: 1}, {StopID: "zzz", Order: 2}},
			Excluded:    []model.ExcludedStop{{StopID: "b", Reason: "x"}},
		})
		assert.ErrorIs(t, err, model.ErrUnknownStop)
	})

	cur, err := m.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, cur)
}

func TestMemoryJourneys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r, err := m.SaveRoute(ctx, sampleRoute())
	require.NoError(t, err)

	j := model.NewJourney("j1", r, "d1", "2024-05-01", time.Now())
	require.NoError(t, m.CreateJourney(ctx, j))
	assert.ErrorIs(t, m.CreateJourney(ctx, j), ErrConflict)

	orphan := j
	orphan.ID, orphan.RouteID = "j2", "nope"
	assert.ErrorIs(t, m.CreateJourney(ctx, orphan), ErrNotFound)

	boom := errors.New("boom")
	_, err = m.UpdateJourney(ctx, "j1", func(j *model.Journey) error {
		j.Status = model.JourneyInProgress
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err := m.GetJourney(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JourneyPlanned, got.Status)

	updated, err := m.UpdateJourney(ctx, "j1", func(j *model.Journey) error {
		j.Status = model.JourneyInProgress
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.JourneyInProgress, updated.Status)

	require.NoError(t, m.DeleteJourney(ctx, "j1"))
	assert.ErrorIs(t, m.DeleteJourney(ctx, "j1"), ErrNotFound)
	_, err = m.UpdateJourney(ctx, "j1", func(*model.Journey) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryWebhookQueue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first, err := m.EnqueueWebhook(ctx, "route.optimized", "http://a", "s", []byte(`{}`))
	require.NoError(t, err)
	second, err := m.EnqueueWebhook(ctx, "journey.started", "http://a", "s", []byte(`{}`))
	require.NoError(t, err)

	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first, due[0].ID)

	later := time.Now().Add(time.Hour)
	require.NoError(t, m.MarkWebhookDelivery(ctx, first, false, &later, "503", 503, 12))
	require.NoError(t, m.FailWebhookDelivery(ctx, second, "gone", 410, 3))

	due, err = m.FetchDueWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	status, attempts, ok := m.DeliveryStatus(first)
	require.True(t, ok)
	assert.Equal(t, "retry", status)
	assert.Equal(t, 1, attempts)
	status, _, _ = m.DeliveryStatus(second)
	assert.Equal(t, "failed", status)

	assert.ErrorIs(t, m.MarkWebhookDelivery(ctx, "nope", true, nil, "", 200, 1), ErrNotFound)
}
