package resilience

import (
	"context"
	"time"
)

// RestartPolicy tells Supervise what to do after one run of the supervised function returns
type RestartPolicy int

const (
	RestartNow     RestartPolicy = iota // Start the next run immediately and reset backoff
	RestartBackoff                      // Wait an exponential backoff before the next run
	StopRestarting                      // Return the run's error to the caller
)

// SuperviseConfig holds backoff settings for Supervise
type SuperviseConfig struct {
	Backoff    time.Duration // First wait after a failing run
	Multiplier float64       // Growth per consecutive failing run
	MaxBackoff time.Duration // Cap on the wait
}

// DefaultSuperviseConfig returns a default supervision configuration
func DefaultSuperviseConfig() *SuperviseConfig {
	return &SuperviseConfig{
		Backoff:    250 * time.Millisecond,
		Multiplier: 2.0,
		MaxBackoff: 10 * time.Second,
	}
}

// SuperviseFunc is one bounded run of a long-lived activity
type SuperviseFunc func(ctx context.Context) error

// Supervise keeps fn running until ctx is done. After each run, classify maps
// the returned error (nil for a clean end) to a restart policy. There is no
// attempt limit; only ctx or StopRestarting ends supervision.
func Supervise(ctx context.Context, fn SuperviseFunc, config *SuperviseConfig, classify func(error) RestartPolicy) error {
	if config == nil {
		config = DefaultSuperviseConfig()
	}
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		policy := RestartBackoff
		if classify != nil {
			policy = classify(err)
		} else if err == nil {
			policy = RestartNow
		}

		switch policy {
		case StopRestarting:
			return err
		case RestartNow:
			failures = 0
			continue
		}

		wait := CalculateBackoff(failures, config.Backoff, config.MaxBackoff, config.Multiplier)
		failures++

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
