package provisioner

import (
	"errors"
	"fmt"
)

var (
	ErrNoMatchingFlavor        = errors.New("no matching flavor")
	ErrNoMatchingImage         = errors.New("no matching image")
	ErrNoMatchingNetwork       = errors.New("no matching network")
	ErrInstanceInBadState      = errors.New("instance is in a bad state")
	ErrActivationTimeout       = errors.New("timed out waiting for instance to become active")
	ErrReachabilityCheckFailed = errors.New("reachability check failed")

	// ErrInstanceNotRecorded means the instance exists but the machine could not keep its id
	ErrInstanceNotRecorded = errors.New("instance could not be recorded")

	// ErrNetworkUnreachable is returned by probers when the instance network cannot be reached
	// yet. It never surfaces from Provision.
	ErrNetworkUnreachable = errors.New("network unreachable")
)

// BadStateError is returned when the platform reports the instance in its error state.
type BadStateError struct {
	State string
}

func (e *BadStateError) Error() string {
	return fmt.Sprintf("%s: '%s'", ErrInstanceInBadState, e.State)
}

func (e *BadStateError) Is(target error) bool {
	return target == ErrInstanceInBadState
}

// ReachabilityError carries the error of a reachability check that could not be retried.
type ReachabilityError struct {
	Err error
}

func (e *ReachabilityError) Error() string {
	return fmt.Sprintf("%s: %v", ErrReachabilityCheckFailed, e.Err)
}

func (e *ReachabilityError) Is(target error) bool {
	return target == ErrReachabilityCheckFailed
}

func (e *ReachabilityError) Unwrap() error {
	return e.Err
}
