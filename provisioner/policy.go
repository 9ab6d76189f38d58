package provisioner

import (
	"context"
	"time"
)

// ActivationPolicy bounds the wait for the instance to become active: polls are grouped in
// windows of PollsPerWindow, and at most Windows windows are attempted.
type ActivationPolicy struct {
	Interval       time.Duration `json:"interval"`
	PollsPerWindow int           `json:"polls-per-window"`
	Windows        int           `json:"windows"`
}

// ReachabilityPolicy only has an interval: the wait for reachability ends on success, on a
// fatal probe error or when the context is cancelled.
type ReachabilityPolicy struct {
	Interval time.Duration `json:"interval"`
}

var (
	DefaultActivationPolicy   = ActivationPolicy{Interval: 1 * time.Second, PollsPerWindow: 60, Windows: 200}
	DefaultReachabilityPolicy = ReachabilityPolicy{Interval: 2 * time.Second}
)

// Clock suspends the run between polls. Sleep must return early when ctx is done.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

var RealClock Clock = realClock{}

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
