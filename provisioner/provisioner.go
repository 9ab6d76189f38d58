// Package provisioner brings a single instance from a handful of selectors to a running server
// that accepts remote commands.
//
// A run goes through the following states:
//
//	resolving -> requesting -> created -> awaiting-active -> awaiting-reachable -> done
//
// and ends in done, interrupted (the context was cancelled) or failed. Once the instance has
// been created its id is recorded on the Machine, whatever happens next, and it is never
// deleted by this package.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/stratus/catalog"
	"github.com/gammadia/stratus/provisioner/internal"
)

const catalogRetryDelay = 500 * time.Millisecond

// errInterrupted unwinds a run when its context is cancelled. It never leaves Provision.
var errInterrupted = errors.New("interrupted")

type Provisioner struct {
	cloud  Cloud
	prober Prober
	config Config
}

func New(cloud Cloud, prober Prober, config Config) *Provisioner {
	return &Provisioner{
		cloud:  cloud,
		prober: prober,
		config: config.WithDefaults(),
	}
}

// WithDefaults fills the zero-valued tunables and collaborators of the config.
func (c Config) WithDefaults() Config {
	if c.Activation == (ActivationPolicy{}) {
		c.Activation = DefaultActivationPolicy
	}
	if c.Reachability == (ReachabilityPolicy{}) {
		c.Reachability = DefaultReachabilityPolicy
	}
	if c.CatalogAttempts == 0 {
		c.CatalogAttempts = 3
	}
	if c.Clock == nil {
		c.Clock = RealClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.UI == nil {
		c.UI = nopUI{}
	}
	return c
}

type run struct {
	*Provisioner

	// ctx only carries the cancellation of the run; calls is handed to collaborators so that a
	// cancellation never aborts a request in flight.
	ctx   context.Context
	calls context.Context

	machine  Machine
	instance *Instance
	state    State
	since    time.Time
	log      *slog.Logger
}

// Provision creates the instance described by the config for the given machine and waits until
// it is active and reachable. Cancelling ctx ends the run in StateInterrupted with a nil error.
func (p *Provisioner) Provision(ctx context.Context, machine Machine) (*Result, error) {
	r := &run{
		Provisioner: p,
		ctx:         ctx,
		calls:       context.WithoutCancel(ctx),
		machine:     machine,
		state:       StateResolving,
		since:       time.Now(),
		log:         p.config.Logger.With("machine", machine.Name()),
	}

	err := r.execute()
	switch {
	case errors.Is(err, errInterrupted):
		err = nil
		r.transition(StateInterrupted)
		if r.instance != nil {
			r.config.UI.Info(fmt.Sprintf("Interrupted, instance '%s' was left in place", r.instance.ID))
		} else {
			r.config.UI.Info("Interrupted before any instance was created")
		}

	case err != nil:
		r.transition(StateFailed)
		r.log.Error("Provisioning failed", "error", err)

	default:
		r.transition(StateDone)
		r.config.UI.Info("Instance is ready")
	}

	r.config.Metrics.observeRun(r.state)
	return &Result{State: r.state, Instance: r.instance}, err
}

func (r *run) transition(state State) {
	r.config.Metrics.observePhase(r.state, r.since)
	r.log.Debug("Provisioning state changed", "from", r.state, "to", state, "after", time.Since(r.since))
	r.state, r.since = state, time.Now()
}

func (r *run) execute() error {
	flavor, image, networks, err := r.resolve()
	if err != nil {
		return err
	}

	r.transition(StateRequesting)
	if r.ctx.Err() != nil {
		return errInterrupted
	}

	request := BuildRequest(flavor, image, networks, RequestOptions{
		KeyName:        r.config.KeyName,
		UserData:       r.config.UserData,
		InstanceName:   r.config.InstanceName,
		FallbackName:   r.machine.Name(),
		SecurityGroups: r.config.SecurityGroups,
		Metadata:       r.config.Metadata,
	})

	r.config.UI.Info(fmt.Sprintf("Launching instance '%s' (flavor %s, image %s)", request.Name, flavor, image))
	r.log.Info("Launching instance", "name", request.Name, "flavor", flavor.ID, "image", image.ID, "networks", len(request.Networks))

	instance, err := r.cloud.CreateInstance(r.calls, request)
	if err != nil {
		return fmt.Errorf("failed to create instance '%s': %w", request.Name, err)
	}
	r.instance = instance
	r.transition(StateCreated)

	if err := r.machine.SetInstanceID(instance.ID); err != nil {
		return fmt.Errorf("%w: failed to record id of instance '%s': %w", ErrInstanceNotRecorded, instance.ID, err)
	}
	r.log.Info("Instance created", "id", instance.ID)

	r.transition(StateAwaitingActive)
	if err := r.awaitActive(); err != nil {
		return err
	}

	r.transition(StateAwaitingReachable)
	return r.awaitReachable()
}

func (r *run) resolve() (flavor, image catalog.Resource, networks []catalog.Record, err error) {
	r.config.UI.Info("Finding flavor for instance...")
	flavors, err := list(r, "flavors", r.cloud.ListFlavors)
	if err != nil {
		return
	}
	flavor, ok := catalog.Resolve(flavors, r.config.Flavor)
	if !ok {
		err = fmt.Errorf("%w: '%s'", ErrNoMatchingFlavor, r.config.Flavor)
		return
	}

	r.config.UI.Info("Finding image for instance...")
	images, err := list(r, "images", r.cloud.ListImages)
	if err != nil {
		return
	}
	image, ok = catalog.Resolve(images, r.config.Image)
	if !ok {
		err = fmt.Errorf("%w: '%s'", ErrNoMatchingImage, r.config.Image)
		return
	}

	if len(r.config.Networks) == 0 {
		return
	}

	r.config.UI.Info("Finding networks for instance...")
	candidates, err := list(r, "networks", r.cloud.ListNetworks)
	if err != nil {
		return
	}
	for _, selector := range r.config.Networks {
		network, ok := catalog.Resolve(candidates, selector)
		if !ok {
			err = fmt.Errorf("%w: '%s'", ErrNoMatchingNetwork, selector)
			return
		}
		if network.ID() == "" {
			err = fmt.Errorf("network '%s' has no id", network.Name())
			return
		}
		networks = append(networks, network)
	}
	return
}

func list[E catalog.Entry](r *run, kind string, fn func(context.Context) ([]E, error)) ([]E, error) {
	backoff := internal.Backoff{
		Attempts: r.config.CatalogAttempts,
		Delay:    catalogRetryDelay,
		Sleep:    r.config.Clock.Sleep,
	}

	entries, err := internal.Retry(r.ctx, backoff, func(attempt int) ([]E, error) {
		entries, err := fn(r.calls)
		if err != nil {
			r.log.Warn("Failed to list "+kind, "attempt", attempt, "error", err)
		}
		return entries, err
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, errInterrupted
		}
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}

	r.log.Debug("Listed "+kind, "count", len(entries))
	return entries, nil
}

func (r *run) awaitActive() error {
	policy := r.config.Activation

	r.config.UI.Info("Waiting for the instance to become active...")
	defer r.config.UI.ClearLine()

	for window := 1; window <= policy.Windows; window++ {
		for poll := 1; poll <= policy.PollsPerWindow; poll++ {
			if r.ctx.Err() != nil {
				return errInterrupted
			}

			instance, err := r.cloud.GetInstance(r.calls, r.instance.ID)
			if err != nil {
				return fmt.Errorf("failed to get instance '%s': %w", r.instance.ID, err)
			}
			r.refresh(instance)

			r.config.Metrics.observePoll()
			r.config.UI.Progress(poll, policy.PollsPerWindow)
			r.log.Debug("Polled instance state", "state", r.instance.State, "window", window, "poll", poll)

			switch {
			case r.instance.IsErrored():
				return &BadStateError{State: r.instance.State}
			case r.instance.IsActive():
				r.log.Info("Instance is active", "addresses", r.instance.Addresses)
				return nil
			}

			r.config.Clock.Sleep(r.ctx, policy.Interval)
		}

		r.log.Debug("Instance still not active, starting a new window", "window", window, "windows", policy.Windows)
	}

	if r.ctx.Err() != nil {
		return errInterrupted
	}
	return fmt.Errorf("%w after %d polls", ErrActivationTimeout, policy.Windows*policy.PollsPerWindow)
}

// refresh updates the local view of the instance. The id is the one returned at creation.
func (r *run) refresh(instance *Instance) {
	r.instance = &Instance{
		ID:        r.instance.ID,
		Name:      instance.Name,
		State:     instance.State,
		Addresses: instance.Addresses,
	}
}

func (r *run) awaitReachable() error {
	interval := r.config.Reachability.Interval

	r.config.UI.Info("Waiting for the instance to accept remote commands...")

	for attempt := 1; ; attempt++ {
		if r.ctx.Err() != nil {
			return errInterrupted
		}

		ready, err := r.prober.Probe(r.calls, r.instance)
		switch {
		case errors.Is(err, ErrNetworkUnreachable):
			r.config.Metrics.observeProbe("unreachable")
			r.log.Debug("Instance network unreachable, retrying", "attempt", attempt, "retry-in", interval, "error", err)

		case err != nil:
			r.config.Metrics.observeProbe("error")
			return &ReachabilityError{Err: err}

		case ready:
			r.config.Metrics.observeProbe("ready")
			r.log.Info("Instance accepts remote commands", "attempts", attempt)
			return nil

		default:
			r.config.Metrics.observeProbe("not-ready")
			r.log.Debug("Instance not ready yet, retrying", "attempt", attempt, "retry-in", interval)
		}

		r.config.Clock.Sleep(r.ctx, interval)
	}
}
