package main

import (
	"errors"
	"strings"

	"github.com/fatih/color"
	"github.com/gammadia/stratus/client/flags"
	"github.com/gammadia/stratus/client/log"
	"github.com/gammadia/stratus/machine"
	"github.com/gammadia/stratus/provisioner"
	"github.com/gammadia/stratus/provisioner/openstack"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [NAME]",
	Short: "Show the instances of the tracked machines",
	Args:  cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir := viper.GetString(flags.StateDir)

		names := args
		if len(names) == 0 {
			var err error
			if names, err = machine.List(stateDir); err != nil {
				return err
			}
			if len(names) == 0 {
				cmd.Println("No machine is tracked in", stateDir)
				return nil
			}
		}

		machines := make([]*machine.Machine, 0, len(names))
		for _, name := range names {
			m, err := machine.Load(stateDir, name)
			if err != nil {
				return err
			}
			machines = append(machines, m)
		}

		cloud, err := openstack.New(openstack.Config{
			Logger: log.Component("openstack"),
			Region: viper.GetString(flags.Region),
		})
		if err != nil {
			return err
		}

		for _, m := range machines {
			state := m.State()
			instance, err := cloud.GetInstance(cmd.Context(), state.InstanceID)
			if errors.Is(err, openstack.ErrInstanceNotFound) {
				instance = &provisioner.Instance{ID: state.InstanceID, State: "NOT FOUND"}
			} else if err != nil {
				return err
			}
			cmd.Println(formatStatus(state, instance))
		}
		return nil
	},
}

func formatStatus(state machine.State, instance *provisioner.Instance) string {
	status := instance.State
	switch {
	case instance.IsActive():
		status = color.HiGreenString("%-9s", status)
	case instance.IsErrored():
		status = color.HiRedString("%-9s", status)
	default:
		status = color.HiYellowString("%-9s", status)
	}

	createdAt := "unknown             "
	if !state.CreatedAt.IsZero() {
		createdAt = state.CreatedAt.Format("2006-01-02 15:04:05Z")
	}

	return strings.TrimRight(strings.Join([]string{
		createdAt,
		color.HiCyanString("%-16s", state.Name),
		status,
		instance.ID,
		strings.Join(instance.Addresses, ","),
	}, "  "), " ")
}
