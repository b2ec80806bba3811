package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// TimeOfDay is a wall-clock time in seconds since midnight, always within [00:00:00, 23:59:59].
// The zero value doubles as "unset" for the frozen original ETAs.
type TimeOfDay int32

// EndOfDay is the largest storable time of day.
const EndOfDay TimeOfDay = secondsPerDay - 1

// NewTimeOfDay builds a TimeOfDay from clock components. Out-of-range values are rejected.
func NewTimeOfDay(h, m, s int) (TimeOfDay, error) {
	if h < 0 || h > 23 || m < 0 || m > 59 || s < 0 || s > 59 {
		return 0, fmt.Errorf("time of day %02d:%02d:%02d out of range", h, m, s)
	}
	return TimeOfDay(h*3600 + m*60 + s), nil
}

// MustTimeOfDay parses s and panics on error. Intended for tests and constants.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("parse time of day %q: expected HH:MM[:SS]", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) > 2 {
			return 0, fmt.Errorf("parse time of day %q: bad component %q", s, p)
		}
		nums[i] = n
	}
	t, err := NewTimeOfDay(nums[0], nums[1], nums[2])
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return t, nil
}

// FromClock extracts the time of day of t in its own location.
func FromClock(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}

func (t TimeOfDay) String() string {
	s := int(t)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

func (t TimeOfDay) IsZero() bool { return t == 0 }

// Seconds returns the offset from midnight.
func (t TimeOfDay) Seconds() int { return int(t) }

// Sub returns t-u as a signed duration normalised to [-12h, 12h), so that 00:10 minus 23:50 is +20m.
func (t TimeOfDay) Sub(u TimeOfDay) time.Duration {
	d := int(t) - int(u)
	if d >= secondsPerDay/2 {
		d -= secondsPerDay
	} else if d < -secondsPerDay/2 {
		d += secondsPerDay
	}
	return time.Duration(d) * time.Second
}

// Overflow describes what happened to an out-of-range arithmetic result.
type Overflow int

const (
	NoOverflow Overflow = iota
	// WrappedNegative means the result was below midnight and 24h was added.
	WrappedNegative
	// ClampedEndOfDay means the result reached 24h or more and was clamped to 23:59:59.
	ClampedEndOfDay
)

// AddClamped adds d. A negative result has 24h added; a result at or past 24h is clamped to EndOfDay.
func (t TimeOfDay) AddClamped(d time.Duration) (TimeOfDay, Overflow) {
	return ClampSeconds(int64(t) + int64(d/time.Second))
}

// AddFolded adds d. A negative result has 24h added; whole days at or past 24h are folded into days.
func (t TimeOfDay) AddFolded(d time.Duration) (TimeOfDay, int) {
	abs := int64(t) + int64(d/time.Second)
	if abs < 0 {
		t, _ := ClampSeconds(abs)
		return t, 0
	}
	return TimeOfDay(abs % secondsPerDay), int(abs / secondsPerDay)
}

// ClampSeconds converts an absolute second count into a storable time of day.
func ClampSeconds(abs int64) (TimeOfDay, Overflow) {
	switch {
	case abs < 0:
		abs += secondsPerDay
		if abs < 0 {
			abs = 0
		}
		return TimeOfDay(abs), WrappedNegative
	case abs >= secondsPerDay:
		return EndOfDay, ClampedEndOfDay
	default:
		return TimeOfDay(abs), NoOverflow
	}
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}
