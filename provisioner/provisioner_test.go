package provisioner

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gammadia/stratus/catalog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fake cloud ---

type fakeCloud struct {
	events *[]string

	flavors  []catalog.Resource
	images   []catalog.Resource
	networks []catalog.Record

	// listErrors holds, per kind, the errors returned by successive list calls
	listErrors map[string][]error
	lists      map[string]int

	createErr error
	created   []Request

	// states are returned by successive polls, the last one repeating forever
	states []string
	getErr error
	polls  int
	onPoll func(poll int)
}

func newFakeCloud(events *[]string) *fakeCloud {
	return &fakeCloud{
		events: events,
		flavors: []catalog.Resource{
			{ID: "1", Name: "m1.tiny"},
			{ID: "42", Name: "m1.small"},
		},
		images: []catalog.Resource{
			{ID: "img-1", Name: "ubuntu-22.04"},
			{ID: "img-2", Name: "ubuntu-24.04"},
		},
		networks: []catalog.Record{
			{"id": "net-1", "name": "public"},
			{"id": "net-2", "name": "private"},
		},
		listErrors: map[string][]error{},
		lists:      map[string]int{},
		states:     []string{"ACTIVE"},
	}
}

func (c *fakeCloud) record(event string) {
	*c.events = append(*c.events, event)
}

func (c *fakeCloud) listErr(kind string) error {
	n := c.lists[kind]
	c.lists[kind]++
	c.record("list-" + kind)
	if errs := c.listErrors[kind]; n < len(errs) {
		return errs[n]
	}
	return nil
}

func (c *fakeCloud) ListFlavors(context.Context) ([]catalog.Resource, error) {
	if err := c.listErr("flavors"); err != nil {
		return nil, err
	}
	return c.flavors, nil
}

func (c *fakeCloud) ListImages(context.Context) ([]catalog.Resource, error) {
	if err := c.listErr("images"); err != nil {
		return nil, err
	}
	return c.images, nil
}

func (c *fakeCloud) ListNetworks(context.Context) ([]catalog.Record, error) {
	if err := c.listErr("networks"); err != nil {
		return nil, err
	}
	return c.networks, nil
}

func (c *fakeCloud) CreateInstance(ctx context.Context, request Request) (*Instance, error) {
	c.record("create")
	c.created = append(c.created, request)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("create called with a cancelled context")
	}
	if c.createErr != nil {
		return nil, c.createErr
	}
	return &Instance{ID: "srv-1", Name: request.Name, State: "BUILD"}, nil
}

func (c *fakeCloud) GetInstance(ctx context.Context, id string) (*Instance, error) {
	c.polls++
	c.record("poll")
	if c.onPoll != nil {
		c.onPoll(c.polls)
	}
	if c.getErr != nil {
		return nil, c.getErr
	}
	state := c.states[min(c.polls, len(c.states))-1]
	return &Instance{ID: id, Name: "stratus-test", State: state, Addresses: []string{"10.0.0.5"}}, nil
}

// --- Fake prober ---

type probeResult struct {
	ready bool
	err   error
}

type fakeProber struct {
	events  *[]string
	results []probeResult
	probed  []*Instance
	onProbe func(attempt int)
}

func (p *fakeProber) Probe(ctx context.Context, instance *Instance) (bool, error) {
	*p.events = append(*p.events, "probe")
	p.probed = append(p.probed, instance)
	if p.onProbe != nil {
		p.onProbe(len(p.probed))
	}
	if n := len(p.probed); n <= len(p.results) {
		return p.results[n-1].ready, p.results[n-1].err
	}
	return true, nil
}

// --- Fake machine ---

type fakeMachine struct {
	events *[]string
	name   string
	ids    []string
	err    error
	onSet  func()
}

func (m *fakeMachine) Name() string { return m.name }

func (m *fakeMachine) SetInstanceID(id string) error {
	*m.events = append(*m.events, "set-id:"+id)
	m.ids = append(m.ids, id)
	if m.onSet != nil {
		m.onSet()
	}
	return m.err
}

// --- Fake clock and UI ---

type fakeClock struct {
	sleeps  []time.Duration
	onSleep func(n int)
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	if c.onSleep != nil {
		c.onSleep(len(c.sleeps))
	}
}

type progress struct{ current, total int }

type fakeUI struct {
	progress []progress
	clears   int
	infos    []string
}

func (u *fakeUI) Progress(current, total int) { u.progress = append(u.progress, progress{current, total}) }
func (u *fakeUI) ClearLine()                  { u.clears++ }
func (u *fakeUI) Info(msg string)             { u.infos = append(u.infos, msg) }

// --- Helpers ---

type fixture struct {
	events  []string
	cloud   *fakeCloud
	prober  *fakeProber
	machine *fakeMachine
	clock   *fakeClock
	ui      *fakeUI
	config  Config
}

func newFixture() *fixture {
	f := &fixture{}
	f.cloud = newFakeCloud(&f.events)
	f.prober = &fakeProber{events: &f.events}
	f.machine = &fakeMachine{events: &f.events, name: "stratus-test"}
	f.clock = &fakeClock{}
	f.ui = &fakeUI{}
	f.config = Config{
		Flavor:   catalog.Exact("m1.small"),
		Image:    catalog.Exact("ubuntu-24.04"),
		Networks: []catalog.Selector{catalog.Exact("private")},
		KeyName:  "deploy",
		UserData: []byte("echo hi"),
		Clock:    f.clock,
		UI:       f.ui,
	}
	return f
}

func (f *fixture) provision(ctx context.Context) (*Result, error) {
	return New(f.cloud, f.prober, f.config).Provision(ctx, f.machine)
}

// --- Tests ---

func TestProvisionReachesDone(t *testing.T) {
	f := newFixture()
	f.cloud.states = []string{"BUILD", "BUILD", "ACTIVE"}

	result, err := f.provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, "srv-1", result.Instance.ID)
	assert.Equal(t, "ACTIVE", result.Instance.State)

	assert.Equal(t, []string{
		"list-flavors", "list-images", "list-networks",
		"create", "set-id:srv-1",
		"poll", "poll", "poll",
		"probe",
	}, f.events)
	assert.Equal(t, []string{"srv-1"}, f.machine.ids)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, f.clock.sleeps)
	assert.Equal(t, []progress{{1, 60}, {2, 60}, {3, 60}}, f.ui.progress)
	assert.Equal(t, 1, f.ui.clears)
}

func TestProvisionSubmitsResolvedRequest(t *testing.T) {
	f := newFixture()
	f.config.SecurityGroups = []string{"default", "ssh"}
	f.config.Metadata = map[string]string{"owner": "ci"}

	_, err := f.provision(context.Background())
	require.NoError(t, err)

	require.Len(t, f.cloud.created, 1)
	request := f.cloud.created[0]
	assert.Equal(t, "stratus-test", request.Name, "falls back to the machine name")
	assert.Equal(t, "42", request.FlavorRef)
	assert.Equal(t, "img-2", request.ImageRef)
	assert.Equal(t, "deploy", request.KeyName)
	assert.Equal(t, []NetworkAttachment{{UUID: "net-2"}}, request.Networks)
	assert.Equal(t, []string{"default", "ssh"}, request.SecurityGroups)
	assert.Equal(t, map[string]string{"owner": "ci"}, request.Metadata)

	userData, err := base64.StdEncoding.DecodeString(request.UserData)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo hi"), userData)
}

func TestProvisionWithoutNetworks(t *testing.T) {
	f := newFixture()
	f.config.Networks = nil

	_, err := f.provision(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.cloud.lists["networks"])
	assert.Empty(t, f.cloud.created[0].Networks)
}

func TestProvisionSeveralNetworks(t *testing.T) {
	f := newFixture()
	f.config.Networks = []catalog.Selector{catalog.Exact("public"), catalog.Exact("private")}

	_, err := f.provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.cloud.lists["networks"])
	assert.Equal(t, []NetworkAttachment{{UUID: "net-1"}, {UUID: "net-2"}}, f.cloud.created[0].Networks)
}

func TestProvisionNoMatchingFlavor(t *testing.T) {
	f := newFixture()
	f.config.Flavor = catalog.Exact("m9.huge")

	result, err := f.provision(context.Background())
	assert.ErrorIs(t, err, ErrNoMatchingFlavor)
	assert.ErrorContains(t, err, "'m9.huge'")
	assert.Equal(t, StateFailed, result.State)
	assert.Nil(t, result.Instance)
	assert.Equal(t, []string{"list-flavors"}, f.events)
}

func TestProvisionNoMatchingImage(t *testing.T) {
	f := newFixture()
	f.config.Image = catalog.Exact("windows")

	result, err := f.provision(context.Background())
	assert.ErrorIs(t, err, ErrNoMatchingImage)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, []string{"list-flavors", "list-images"}, f.events)
}

func TestProvisionNoMatchingNetwork(t *testing.T) {
	f := newFixture()
	f.config.Networks = []catalog.Selector{catalog.Exact("private"), catalog.Exact("net-1")}

	result, err := f.provision(context.Background())
	assert.ErrorIs(t, err, ErrNoMatchingNetwork)
	assert.ErrorContains(t, err, "'net-1'")
	assert.Equal(t, StateFailed, result.State)
	assert.Empty(t, f.cloud.created)
	assert.Empty(t, f.machine.ids)
}

func TestProvisionNetworkWithoutID(t *testing.T) {
	f := newFixture()
	f.cloud.networks = []catalog.Record{
		{"id": 17, "name": "private"},
	}

	result, err := f.provision(context.Background())
	assert.ErrorContains(t, err, "network 'private' has no id")
	assert.Equal(t, StateFailed, result.State)
	assert.Empty(t, f.cloud.created)
}

func TestProvisionRetriesCatalogListing(t *testing.T) {
	f := newFixture()
	f.cloud.listErrors["images"] = []error{errors.New("503 service unavailable")}

	result, err := f.provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 2, f.cloud.lists["images"])
	assert.Equal(t, catalogRetryDelay, f.clock.sleeps[0])
}

func TestProvisionCatalogListingFails(t *testing.T) {
	f := newFixture()
	f.config.CatalogAttempts = 2
	boom := errors.New("503 service unavailable")
	f.cloud.listErrors["flavors"] = []error{boom, boom}

	result, err := f.provision(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "failed to list flavors")
	assert.NotErrorIs(t, err, ErrNoMatchingFlavor)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 2, f.cloud.lists["flavors"])
}

func TestProvisionCreateFails(t *testing.T) {
	f := newFixture()
	f.cloud.createErr = errors.New("quota exceeded")

	result, err := f.provision(context.Background())
	assert.ErrorContains(t, err, "failed to create instance 'stratus-test': quota exceeded")
	assert.Equal(t, StateFailed, result.State)
	assert.Nil(t, result.Instance)
	assert.Empty(t, f.machine.ids)
	assert.Zero(t, f.cloud.polls)
}

func TestProvisionRecordingIDFails(t *testing.T) {
	f := newFixture()
	f.machine.err = errors.New("read-only file system")

	result, err := f.provision(context.Background())
	assert.ErrorIs(t, err, ErrInstanceNotRecorded)
	assert.ErrorContains(t, err, "failed to record id of instance 'srv-1'")
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, "srv-1", result.Instance.ID)
	assert.Zero(t, f.cloud.polls)
}

func TestProvisionBadState(t *testing.T) {
	f := newFixture()
	f.cloud.states = []string{"BUILD", "ERROR", "ACTIVE"}

	result, err := f.provision(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceInBadState)

	var badState *BadStateError
	require.ErrorAs(t, err, &badState)
	assert.Equal(t, "ERROR", badState.State)

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 2, f.cloud.polls, "no more polls after the error state")
	assert.Equal(t, []string{"srv-1"}, f.machine.ids, "id recorded even though waiting failed")
	assert.Empty(t, f.prober.probed)
}

func TestProvisionBadStateKeepsObservedValue(t *testing.T) {
	f := newFixture()
	f.cloud.states = []string{"error"}

	_, err := f.provision(context.Background())

	var badState *BadStateError
	require.ErrorAs(t, err, &badState)
	assert.Equal(t, "error", badState.State)
	assert.EqualError(t, err, "instance is in a bad state: 'error'")
}

func TestProvisionGetInstanceFails(t *testing.T) {
	f := newFixture()
	f.cloud.getErr = errors.New("gateway timeout")

	result, err := f.provision(context.Background())
	assert.ErrorContains(t, err, "failed to get instance 'srv-1': gateway timeout")
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 1, f.cloud.polls)
}

func TestProvisionActivationTimeout(t *testing.T) {
	f := newFixture()
	f.cloud.states = []string{"BUILD"}

	result, err := f.provision(context.Background())
	assert.ErrorIs(t, err, ErrActivationTimeout)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 200*60, f.cloud.polls)
	assert.Len(t, f.clock.sleeps, 200*60)
	assert.Equal(t, progress{60, 60}, f.ui.progress[len(f.ui.progress)-1])
	assert.Equal(t, progress{1, 60}, f.ui.progress[60], "progress restarts with every window")
	assert.Empty(t, f.prober.probed)
}

func TestProvisionActivationTimeoutCustomPolicy(t *testing.T) {
	f := newFixture()
	f.cloud.states = []string{"BUILD"}
	f.config.Activation = ActivationPolicy{Interval: 5 * time.Second, PollsPerWindow: 3, Windows: 2}

	_, err := f.provision(context.Background())
	assert.ErrorIs(t, err, ErrActivationTimeout)
	assert.ErrorContains(t, err, "after 6 polls")
	assert.Equal(t, 6, f.cloud.polls)
	assert.Equal(t, 5*time.Second, f.clock.sleeps[0])
}

func TestProvisionActiveInLaterWindow(t *testing.T) {
	f := newFixture()
	f.config.Activation = ActivationPolicy{Interval: time.Second, PollsPerWindow: 2, Windows: 3}
	f.cloud.states = []string{"BUILD", "BUILD", "BUILD", "ACTIVE"}

	result, err := f.provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, []progress{{1, 2}, {2, 2}, {1, 2}, {2, 2}}, f.ui.progress)
}

func TestProvisionCancelledBeforeFirstPoll(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.machine.onSet = cancel

	result, err := f.provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, result.State)
	assert.Equal(t, "srv-1", result.Instance.ID)
	assert.Zero(t, f.cloud.polls)
	assert.Equal(t, []string{"srv-1"}, f.machine.ids)
}

func TestProvisionCancelledWhileAwaitingActive(t *testing.T) {
	f := newFixture()
	f.cloud.states = []string{"BUILD"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.clock.onSleep = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	result, err := f.provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, result.State)
	assert.Equal(t, 3, f.cloud.polls, "observed right after the interrupted sleep")
	assert.Empty(t, f.prober.probed)
}

func TestProvisionCancelledBeforeCreate(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, result.State)
	assert.Nil(t, result.Instance)
	assert.Empty(t, f.cloud.created)
	assert.Empty(t, f.machine.ids)
}

func TestProvisionCancelledDuringCatalogRetry(t *testing.T) {
	f := newFixture()
	f.cloud.listErrors["flavors"] = []error{errors.New("503")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.clock.onSleep = func(int) { cancel() }

	result, err := f.provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, result.State)
	assert.Equal(t, 1, f.cloud.lists["flavors"])
}

func TestProvisionCallsAreNotCancelled(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cloud.onPoll = func(int) { cancel() }

	result, err := f.provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, result.State, "cancelled during the first poll, observed before probing")
	assert.Equal(t, 1, f.cloud.polls)
	assert.Empty(t, f.prober.probed)
}

func TestProvisionNetworkUnreachableIsTransient(t *testing.T) {
	f := newFixture()
	unreachable := fmt.Errorf("dial 10.0.0.5:22: %w", ErrNetworkUnreachable)
	f.prober.results = []probeResult{{err: unreachable}, {err: unreachable}, {err: unreachable}, {ready: true}}

	result, err := f.provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Len(t, f.prober.probed, 4)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, f.clock.sleeps)
	assert.Equal(t, []string{"10.0.0.5"}, f.prober.probed[0].Addresses)
}

func TestProvisionReachabilityIsUnbounded(t *testing.T) {
	f := newFixture()
	f.prober.results = make([]probeResult, 1000)

	result, err := f.provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Len(t, f.prober.probed, 1001)
}

func TestProvisionReachabilityFatal(t *testing.T) {
	f := newFixture()
	cause := errors.New("ssh: unable to authenticate")
	f.prober.results = []probeResult{{ready: false}, {err: cause}}

	result, err := f.provision(context.Background())
	assert.ErrorIs(t, err, ErrReachabilityCheckFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateFailed, result.State)
	assert.Len(t, f.prober.probed, 2)
}

func TestProvisionCancelledWhileAwaitingReachable(t *testing.T) {
	f := newFixture()
	f.prober.results = make([]probeResult, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.prober.onProbe = func(attempt int) {
		if attempt == 2 {
			cancel()
		}
	}

	result, err := f.provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, result.State)
	assert.Len(t, f.prober.probed, 2)
	assert.Equal(t, []string{"srv-1"}, f.machine.ids)
}

func TestProvisionKeepsInstanceID(t *testing.T) {
	f := newFixture()
	cloud := &renamingCloud{fakeCloud: f.cloud}

	result, err := New(cloud, f.prober, f.config).Provision(context.Background(), f.machine)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", result.Instance.ID)
	assert.Equal(t, "srv-1", f.prober.probed[0].ID)
}

type renamingCloud struct {
	*fakeCloud
}

func (c *renamingCloud) GetInstance(ctx context.Context, id string) (*Instance, error) {
	instance, err := c.fakeCloud.GetInstance(ctx, id)
	if instance != nil {
		instance.ID = "something-else"
	}
	return instance, err
}

func TestProvisionMetrics(t *testing.T) {
	f := newFixture()
	f.cloud.states = []string{"BUILD", "ACTIVE"}
	f.prober.results = []probeResult{{err: ErrNetworkUnreachable}, {ready: false}}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	f.config.Metrics = metrics

	_, err := f.provision(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("done")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.activationPolls))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reachabilityAttempts.WithLabelValues("unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reachabilityAttempts.WithLabelValues("not-ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reachabilityAttempts.WithLabelValues("ready")))

	count, err := testutil.GatherAndCount(registry, "stratus_provisioning_phase_duration_seconds")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestProvisionReportsToUI(t *testing.T) {
	f := newFixture()

	_, err := f.provision(context.Background())
	require.NoError(t, err)
	assert.Contains(t, f.ui.infos, "Launching instance 'stratus-test' (flavor m1.small (42), image ubuntu-24.04 (img-2))")
	assert.Equal(t, "Instance is ready", f.ui.infos[len(f.ui.infos)-1])
}

func TestRealClockSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	RealClock.Sleep(ctx, time.Minute)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRealClockSleeps(t *testing.T) {
	start := time.Now()
	RealClock.Sleep(context.Background(), 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
