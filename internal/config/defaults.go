package config

import (
	"time"

	"dispatchcore/internal/opt"
)

const (
	defaultPort     = 8080
	defaultOSRMURL  = "https://router.project-osrm.org"
	defaultTimezone = "UTC"
)

// Default returns the configuration used before any file, environment or flag is applied.
func Default() Config {
	return Config{
		Port:     defaultPort,
		Timezone: defaultTimezone,
		Log:      Log{Level: "info", Format: "json"},
		OSRM: OSRM{
			URL:           defaultOSRMURL,
			RatePerSecond: 5,
			Burst:         5,
			MaxAttempts:   4,
			BaseDelay:     200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			Timeout:       10 * time.Second,
		},
		LegCacheTTL: 6 * time.Hour,
		Optimizer: Optimizer{
			SpeedKph:            40,
			FallbackLeg:         15 * time.Minute,
			FallbackDepotReturn: 15 * time.Minute,
			TwoOpt:              opt.DefaultImproveOptions(),
		},
		Delay: Delay{
			Threshold:       5 * time.Minute,
			ReasonThreshold: 15 * time.Minute,
		},
		Webhooks: Webhooks{MaxAttempts: 10, Interval: time.Second},
		Auth:     Auth{Mode: "dev"},
	}
}
