// Package machine keeps track of the instances provisioned for named machines.
//
// Each machine owns a directory under the state directory holding a machine.yaml file. The
// file is written as soon as the instance exists, so a failed or interrupted run never loses
// track of a live instance.
package machine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/gammadia/stratus/provisioner"
	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"
)

const stateFile = "machine.yaml"

var ErrNotFound = errors.New("machine not found")

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

type State struct {
	Name       string    `yaml:"name"`
	InstanceID string    `yaml:"instance-id,omitempty"`
	Region     string    `yaml:"region,omitempty"`
	CreatedAt  time.Time `yaml:"created-at,omitempty"`
}

type Machine struct {
	dir   string
	state State
	now   func() time.Time
}

// Machine implements provisioner.Machine
var _ provisioner.Machine = (*Machine)(nil)

// New returns a machine that is not persisted until an instance id is recorded.
func New(stateDir, name, region string) (*Machine, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid machine name '%s'", name)
	}

	return &Machine{
		dir:   filepath.Join(stateDir, name),
		state: State{Name: name, Region: region},
		now:   time.Now,
	}, nil
}

func Load(stateDir, name string) (*Machine, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid machine name '%s'", name)
	}

	dir := filepath.Join(stateDir, name)
	buf, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, name)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read machine state: %w", err)
	}

	var state State
	if err := yaml.Unmarshal(buf, &state); err != nil {
		return nil, fmt.Errorf("failed to parse machine state of '%s': %w", name, err)
	}
	if state.Name != name {
		return nil, fmt.Errorf("machine state in '%s' belongs to '%s'", dir, state.Name)
	}

	return &Machine{dir: dir, state: state, now: time.Now}, nil
}

// List returns the names of all the machines with a state file, sorted.
func List(stateDir string) ([]string, error) {
	entries, err := os.ReadDir(stateDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || !validName.MatchString(entry.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(stateDir, entry.Name(), stateFile)); err == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Machine) Name() string {
	return m.state.Name
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) Dir() string {
	return m.dir
}

// SetInstanceID records the instance and writes the state file.
func (m *Machine) SetInstanceID(id string) error {
	if id == "" {
		return fmt.Errorf("instance id must not be empty")
	}
	if m.state.InstanceID != "" && m.state.InstanceID != id {
		return fmt.Errorf("machine '%s' already has instance '%s'", m.state.Name, m.state.InstanceID)
	}

	state := m.state
	state.InstanceID = id
	state.CreatedAt = m.now().UTC().Truncate(time.Second)
	if err := m.write(state); err != nil {
		return err
	}

	m.state = state
	return nil
}

func (m *Machine) write(state State) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create machine directory: %w", err)
	}

	buf, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal machine state: %w", err)
	}

	if err := atomicwriter.WriteFile(filepath.Join(m.dir, stateFile), buf, 0o644); err != nil {
		return fmt.Errorf("failed to save machine state: %w", err)
	}
	return nil
}
