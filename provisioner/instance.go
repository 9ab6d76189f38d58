package provisioner

import (
	"context"
	"strings"

	"github.com/gammadia/stratus/catalog"
)

// Platform states the orchestrator reacts to. Any other state is transitional.
const (
	InstanceStateActive = "ACTIVE"
	InstanceStateError  = "ERROR"
)

// Instance is the local view of a server living on the platform.
type Instance struct {
	ID        string
	Name      string
	State     string
	Addresses []string
}

func (i *Instance) IsActive() bool {
	return strings.EqualFold(i.State, InstanceStateActive)
}

func (i *Instance) IsErrored() bool {
	return strings.EqualFold(i.State, InstanceStateError)
}

type Catalog interface {
	ListFlavors(ctx context.Context) ([]catalog.Resource, error)
	ListImages(ctx context.Context) ([]catalog.Resource, error)
	ListNetworks(ctx context.Context) ([]catalog.Record, error)
}

type Compute interface {
	CreateInstance(ctx context.Context, request Request) (*Instance, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
}

// Cloud is everything the orchestrator needs from the platform.
type Cloud interface {
	Catalog
	Compute
}

// Prober tells whether an instance accepts remote commands. Errors wrapping
// ErrNetworkUnreachable are considered transient.
type Prober interface {
	Probe(ctx context.Context, instance *Instance) (bool, error)
}

// Machine is the caller-side record of the logical machine being provisioned.
type Machine interface {
	Name() string
	SetInstanceID(id string) error
}

type UI interface {
	Progress(current, total int)
	ClearLine()
	Info(msg string)
}

type nopUI struct{}

func (nopUI) Progress(int, int) {}
func (nopUI) ClearLine()        {}
func (nopUI) Info(string)       {}
