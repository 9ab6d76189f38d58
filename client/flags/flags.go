package flags

import (
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	Config      = "config"
	LogFormat   = "log-format"
	LogLevel    = "log-level"
	LogSource   = "log-source"
	MetricsFile = "metrics-file"
	Region      = "region"
	StateDir    = "state-dir"

	Flavor           = "flavor"
	FlavorAccess     = "flavor-access"
	Image            = "image"
	InstanceName     = "instance-name"
	KeyName          = "key-name"
	Metadata         = "metadata"
	Network          = "network"
	SecurityGroup    = "security-group"
	UserDataFile     = "user-data-file"
	UserDataGzip     = "user-data-gzip"
	UserDataParam    = "user-data-param"
	UserDataTemplate = "user-data-template"

	ActivationInterval = "activation-interval"
	ActivationPolls    = "activation-polls"
	ActivationWindows  = "activation-windows"
	ReadyInterval      = "ready-interval"

	SshCommand        = "ssh-command"
	SshCommandTimeout = "ssh-command-timeout"
	SshKey            = "ssh-key"
	SshPort           = "ssh-port"
	SshTimeout        = "ssh-timeout"
	SshUsername       = "ssh-username"
)

// Bind makes the flags readable through viper, with STRATUS_* environment variables and the
// optional configuration file as fallbacks.
func Bind(flags *flag.FlagSet) error {
	viper.SetEnvPrefix("stratus")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := viper.BindPFlags(flags); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if file := viper.GetString(Config); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}
