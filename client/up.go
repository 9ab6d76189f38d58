package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/gammadia/stratus/catalog"
	"github.com/gammadia/stratus/client/flags"
	"github.com/gammadia/stratus/client/log"
	"github.com/gammadia/stratus/client/ui"
	"github.com/gammadia/stratus/machine"
	"github.com/gammadia/stratus/namegen"
	"github.com/gammadia/stratus/provisioner"
	"github.com/gammadia/stratus/provisioner/openstack"
	"github.com/gammadia/stratus/provisioner/sshprobe"
	"github.com/gammadia/stratus/userdata"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var upCmd = &cobra.Command{
	Use:   "up [NAME]",
	Short: "Provision an instance for a machine and wait until it accepts SSH commands",
	Long: "Provision an instance for a machine and wait until it accepts SSH commands.\n\n" +
		"Flavors and images are selected by id, name or /pattern/, networks by name or /pattern/.\n" +
		"A random machine name is picked when NAME is omitted.",
	Args: cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		name := namegen.Machine()
		if len(args) > 0 {
			name = args[0]
		}

		stateDir := viper.GetString(flags.StateDir)
		if existing, err := machine.Load(stateDir, name); err == nil {
			return fmt.Errorf("machine '%s' already has instance '%s'", name, existing.State().InstanceID)
		} else if !errors.Is(err, machine.ErrNotFound) {
			return err
		}

		m, err := machine.New(stateDir, name, viper.GetString(flags.Region))
		if err != nil {
			return err
		}

		config, err := provisionerConfig(name, time.Now())
		if err != nil {
			return err
		}

		prober, err := sshprobe.New(probeConfig())
		if err != nil {
			return err
		}

		cloud, err := openstack.New(openstack.Config{
			Logger:       log.Component("openstack"),
			Region:       viper.GetString(flags.Region),
			FlavorAccess: viper.GetString(flags.FlavorAccess),
		})
		if err != nil {
			return err
		}

		registry := prometheus.NewRegistry()
		console := ui.NewConsole(os.Stderr)
		config.Logger = log.Component("provisioner")
		config.Metrics = provisioner.NewMetrics(registry)
		config.UI = console

		log.Debug("Provisioning machine", "machine", name, "state-dir", stateDir)
		result, err := provisioner.New(cloud, prober, config).Provision(cmd.Context(), m)
		console.Finish(result.State)

		if file := viper.GetString(flags.MetricsFile); file != "" {
			if err := prometheus.WriteToTextfile(file, registry); err != nil {
				log.Warn("Failed to write metrics", "file", file, "error", err)
			}
		}

		switch {
		case err != nil:
			return failure(name, result, err)
		case result.State == provisioner.StateInterrupted:
			return errInterrupted
		}

		cmd.Printf("%s\t%s\t%s\n", name, result.Instance.ID, strings.Join(result.Instance.Addresses, ","))
		return nil
	},
}

func init() {
	f := upCmd.Flags()

	// Instance
	f.String(flags.Flavor, "", "flavor id, name or /pattern/")
	f.String(flags.FlavorAccess, "", "flavors to consider (public, private, all)")
	f.String(flags.Image, "", "image id, name or /pattern/")
	f.StringSlice(flags.Network, nil, "networks to attach, by name or /pattern/")
	f.String(flags.KeyName, "", "key pair installed on the instance")
	f.String(flags.InstanceName, "", "instance name (defaults to the machine name)")
	f.StringSlice(flags.SecurityGroup, nil, "security groups of the instance")
	f.StringSlice(flags.Metadata, nil, "instance metadata, as key=value")

	// User data
	f.String(flags.UserDataFile, "", "file handed to the instance as user data")
	f.Bool(flags.UserDataTemplate, false, "render the user data file as a Go template")
	f.StringToString(flags.UserDataParam, nil, "user data template parameters, as key=value")
	f.Bool(flags.UserDataGzip, false, "gzip the user data")

	// Waiting
	f.Duration(flags.ActivationInterval, provisioner.DefaultActivationPolicy.Interval, "delay between two instance status polls")
	f.Int(flags.ActivationPolls, provisioner.DefaultActivationPolicy.PollsPerWindow, "instance status polls per window")
	f.Int(flags.ActivationWindows, provisioner.DefaultActivationPolicy.Windows, "windows of status polls before giving up")
	f.Duration(flags.ReadyInterval, provisioner.DefaultReachabilityPolicy.Interval, "delay between two SSH readiness checks")

	// SSH
	f.String(flags.SshUsername, "", "username used to check the instance over SSH")
	f.String(flags.SshKey, "", "private key used to check the instance over SSH")
	f.Int(flags.SshPort, 22, "SSH port of the instance")
	f.Duration(flags.SshTimeout, 10*time.Second, "timeout of the SSH connection of a readiness check")
	f.Duration(flags.SshCommandTimeout, time.Minute, "timeout of the readiness command")
	f.StringSlice(flags.SshCommand, []string{"true"}, "command that succeeds once the instance is ready")

	f.String(flags.MetricsFile, "", "write provisioning metrics to this file, in the Prometheus text format")
}

func provisionerConfig(name string, now time.Time) (provisioner.Config, error) {
	var config provisioner.Config
	var err error

	if config.Flavor, err = catalog.ParseSelector(viper.GetString(flags.Flavor)); err != nil {
		return config, fmt.Errorf("invalid flavor: %w", err)
	}
	if config.Image, err = catalog.ParseSelector(viper.GetString(flags.Image)); err != nil {
		return config, fmt.Errorf("invalid image: %w", err)
	}
	for _, network := range viper.GetStringSlice(flags.Network) {
		selector, err := catalog.ParseSelector(network)
		if err != nil {
			return config, fmt.Errorf("invalid network: %w", err)
		}
		config.Networks = append(config.Networks, selector)
	}

	config.KeyName = viper.GetString(flags.KeyName)
	config.InstanceName = viper.GetString(flags.InstanceName)
	config.SecurityGroups = viper.GetStringSlice(flags.SecurityGroup)
	if config.Metadata, err = instanceMetadata(name, viper.GetStringSlice(flags.Metadata), now); err != nil {
		return config, err
	}

	if file := viper.GetString(flags.UserDataFile); file != "" {
		if config.UserData, err = userdata.Load(file, userdata.Options{
			Template: viper.GetBool(flags.UserDataTemplate),
			Gzip:     viper.GetBool(flags.UserDataGzip),
			Machine:  name,
			Params:   viper.GetStringMapString(flags.UserDataParam),
		}); err != nil {
			return config, err
		}
	}

	config.Activation = provisioner.ActivationPolicy{
		Interval:       viper.GetDuration(flags.ActivationInterval),
		PollsPerWindow: viper.GetInt(flags.ActivationPolls),
		Windows:        viper.GetInt(flags.ActivationWindows),
	}
	config.Reachability = provisioner.ReachabilityPolicy{
		Interval: viper.GetDuration(flags.ReadyInterval),
	}

	config = config.WithDefaults()
	if err := provisioner.Validate(config); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// failure tells whether a failed run left an instance behind and whether it is tracked.
func failure(name string, result *provisioner.Result, err error) error {
	switch {
	case result.Instance == nil:
		return err
	case errors.Is(err, provisioner.ErrInstanceNotRecorded):
		return fmt.Errorf("%w (instance '%s' exists but could not be recorded)", err, result.Instance.ID)
	default:
		return fmt.Errorf("%w (instance '%s' is tracked by machine '%s')", err, result.Instance.ID, name)
	}
}

// instanceMetadata parses key=value pairs and stamps the machine name and provisioning time.
func instanceMetadata(name string, pairs []string, now time.Time) (map[string]string, error) {
	for _, pair := range pairs {
		if key, _, ok := strings.Cut(pair, "="); !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata '%s', expected key=value", pair)
		}
	}

	metadata := lo.SliceToMap(pairs, func(pair string) (key, val string) { key, val, _ = strings.Cut(pair, "="); return })
	maps.Copy(metadata, map[string]string{
		"stratus-machine":        name,
		"stratus-provisioned-at": now.UTC().Format(time.RFC3339),
	})
	return metadata, nil
}

func probeConfig() sshprobe.Config {
	config := sshprobe.DefaultConfig(viper.GetString(flags.SshUsername))
	config.Logger = log.Component("sshprobe")
	config.PrivateKeyPath = viper.GetString(flags.SshKey)
	config.Port = viper.GetInt(flags.SshPort)
	config.Timeout = viper.GetDuration(flags.SshTimeout)
	config.CommandTimeout = viper.GetDuration(flags.SshCommandTimeout)
	config.Command = viper.GetStringSlice(flags.SshCommand)
	return config
}
