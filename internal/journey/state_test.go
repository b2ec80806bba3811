package journey

import (
	"testing"
	"time"

	"dispatchcore/internal/auth"
	"dispatchcore/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.StopStatus
		ok       bool
	}{
		{model.StopPending, model.StopInProgress, true},
		{model.StopPending, model.StopCompleted, true},
		{model.StopPending, model.StopSkipped, true},
		{model.StopInProgress, model.StopFailed, true},
		{model.StopInProgress, model.StopPending, false},
		{model.StopInProgress, model.StopInProgress, false},
		{model.StopCompleted, model.StopPending, false},
		{model.StopCompleted, model.StopFailed, false},
		{model.StopFailed, model.StopPending, false},
		{model.StopSkipped, model.StopCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionLeavesStopOnError(t *testing.T) {
	st := &model.JourneyStop{StopID: "a", Status: model.StopCompleted}
	err := Transition(st, model.StopPending)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.StopCompleted, st.Status)
}

func runningJourney() *model.Journey {
	checkIn := model.MustTimeOfDay("08:10")
	return &model.Journey{
		ID:       "j1",
		DriverID: "d1",
		Status:   model.JourneyInProgress,
		Stops: []model.JourneyStop{
			{StopID: "a", Order: 1, Status: model.StopFailed, FailureReason: "closed", CheckInTime: &checkIn},
			{StopID: "b", Order: 2, Status: model.StopCompleted},
			{StopID: "c", Order: 3, Status: model.StopInProgress},
		},
	}
}

func TestReset(t *testing.T) {
	driver := auth.Principal{Role: auth.RoleDriver, DriverID: "d1"}

	t.Run("failed stop back to pending", func(t *testing.T) {
		j := runningJourney()
		require.NoError(t, Reset(j, "a", driver))
		a := j.Stop("a")
		assert.Equal(t, model.StopPending, a.Status)
		assert.Nil(t, a.CheckInTime)
		assert.Empty(t, a.FailureReason)
	})

	t.Run("in progress stop by dispatcher", func(t *testing.T) {
		j := runningJourney()
		require.NoError(t, Reset(j, "c", auth.Principal{Role: auth.RoleDispatcher}))
		assert.Equal(t, model.StopPending, j.Stop("c").Status)
	})

	t.Run("completed stop is final", func(t *testing.T) {
		j := runningJourney()
		assert.ErrorIs(t, Reset(j, "b", driver), ErrResetNotAllowed)
	})

	t.Run("other driver", func(t *testing.T) {
		j := runningJourney()
		assert.ErrorIs(t, Reset(j, "a", auth.Principal{Role: auth.RoleDriver, DriverID: "d2"}), ErrForbidden)
		assert.Equal(t, model.StopFailed, j.Stop("a").Status)
	})

	t.Run("journey not running", func(t *testing.T) {
		j := runningJourney()
		j.Status = model.JourneyFinished
		assert.ErrorIs(t, Reset(j, "a", driver), ErrResetNotAllowed)
	})
}

func TestFinish(t *testing.T) {
	j := runningJourney()
	err := Finish(j, time.Now())
	require.ErrorIs(t, err, ErrJourneyIncomplete)
	assert.Equal(t, model.JourneyInProgress, j.Status)

	j.Stops[2].Status = model.StopSkipped
	require.NoError(t, Finish(j, time.Now()))
	assert.Equal(t, model.JourneyFinished, j.Status)
	assert.NotNil(t, j.FinishedAt)

	assert.ErrorIs(t, Finish(j, time.Now()), ErrInvalidTransition)
}
