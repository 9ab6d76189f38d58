package openstack

import (
	"slices"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
)

// ipv4Addresses lists the IPv4 addresses of a server, the access address first, then the
// addresses of every network sorted by network name.
func ipv4Addresses(accessIPv4 string, all map[string][]servers.Address) []string {
	var result []string
	if accessIPv4 != "" {
		result = append(result, accessIPv4)
	}

	names := lo.Keys(all)
	slices.Sort(names)

	for _, name := range names {
		for _, address := range all[name] {
			if address.Version == 4 && address.Address != "" {
				result = append(result, address.Address)
			}
		}
	}

	return lo.Uniq(result)
}
