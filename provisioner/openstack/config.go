package openstack

import (
	"fmt"
	"log/slog"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	// Region defaults to $OS_REGION_NAME
	Region string `json:"region"`
	// FlavorAccess filters the listed flavors: public, private or all. Empty means the
	// deployment's default, usually public.
	FlavorAccess string `json:"flavor-access"`
}

func (c Config) Validate() error {
	_, err := accessType(c.FlavorAccess)
	return err
}

func accessType(access string) (flavors.AccessType, error) {
	switch access {
	case "":
		return "", nil
	case "public":
		return flavors.PublicAccess, nil
	case "private":
		return flavors.PrivateAccess, nil
	case "all":
		return flavors.AllAccess, nil
	default:
		return "", fmt.Errorf("unknown flavor access '%s' (public, private, all)", access)
	}
}
