package provisioner

import (
	"fmt"
	"log/slog"

	"github.com/gammadia/stratus/catalog"
)

type Config struct {
	Flavor   catalog.Selector   `json:"flavor"`
	Image    catalog.Selector   `json:"image"`
	Networks []catalog.Selector `json:"networks"`

	KeyName        string            `json:"key-name"`
	UserData       []byte            `json:"-"`
	InstanceName   string            `json:"instance-name"`
	SecurityGroups []string          `json:"security-groups"`
	Metadata       map[string]string `json:"metadata"`

	Activation      ActivationPolicy   `json:"activation"`
	Reachability    ReachabilityPolicy `json:"reachability"`
	CatalogAttempts int                `json:"catalog-attempts"`

	Clock   Clock        `json:"-"`
	Logger  *slog.Logger `json:"-"`
	Metrics *Metrics     `json:"-"`
	UI      UI           `json:"-"`
}

func Validate(config Config) error {
	if config.Flavor.IsZero() {
		return fmt.Errorf("flavor must be set")
	}
	if config.Image.IsZero() {
		return fmt.Errorf("image must be set")
	}
	for i, network := range config.Networks {
		if network.IsZero() {
			return fmt.Errorf("network #%d must not be empty", i+1)
		}
	}
	if config.Activation.Interval < 0 {
		return fmt.Errorf("activation interval must not be negative")
	}
	if config.Activation.PollsPerWindow < 1 {
		return fmt.Errorf("activation polls-per-window must be greater than 0")
	}
	if config.Activation.Windows < 1 {
		return fmt.Errorf("activation windows must be greater than 0")
	}
	if config.Reachability.Interval < 0 {
		return fmt.Errorf("reachability interval must not be negative")
	}
	if config.CatalogAttempts < 1 {
		return fmt.Errorf("catalog-attempts must be greater than 0")
	}
	return nil
}
