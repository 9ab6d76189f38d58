// Package openstack implements the platform side of the provisioner with gophercloud.
// Credentials are read from the usual OS_* environment variables.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gammadia/stratus/catalog"
	"github.com/gammadia/stratus/provisioner"
	"github.com/gammadia/stratus/provisioner/internal"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/images"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"
	"github.com/samber/lo"
)

var ErrInstanceNotFound = errors.New("instance not found")

// Cloud talks to the compute and networking services of an OpenStack deployment.
//
// gophercloud v1 has no per-request context, so the contexts received here are not used to
// bound requests; the provisioner never cancels them anyway.
type Cloud struct {
	config  Config
	compute *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
	log     *slog.Logger
}

// Cloud implements provisioner.Cloud
var _ provisioner.Cloud = (*Cloud)(nil)

func New(config Config) (*Cloud, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	region, _ := lo.Coalesce(config.Region, os.Getenv("OS_REGION_NAME"))
	endpoint := gophercloud.EndpointOpts{Region: region}

	compute, err := openstack.NewComputeV2(provider, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	network, err := openstack.NewNetworkV2(provider, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get network client: %w", err)
	}

	return newCloud(config, compute, network), nil
}

func newCloud(config Config, compute, network *gophercloud.ServiceClient) *Cloud {
	return &Cloud{
		config:  config,
		compute: compute,
		network: network,
		log:     lo.Ternary(config.Logger != nil, config.Logger, slog.New(slog.DiscardHandler)),
	}
}

func (c *Cloud) ListFlavors(ctx context.Context) ([]catalog.Resource, error) {
	access, err := accessType(c.config.FlavorAccess)
	if err != nil {
		return nil, internal.Fatal(err)
	}

	pages, err := flavors.ListDetail(c.compute, flavors.ListOpts{AccessType: access}).AllPages()
	if err != nil {
		return nil, classify(err)
	}

	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract flavors: %w", err)
	}

	return lo.Map(all, func(flavor flavors.Flavor, _ int) catalog.Resource {
		return catalog.Resource{ID: flavor.ID, Name: flavor.Name}
	}), nil
}

func (c *Cloud) ListImages(ctx context.Context) ([]catalog.Resource, error) {
	pages, err := images.ListDetail(c.compute, images.ListOpts{}).AllPages()
	if err != nil {
		return nil, classify(err)
	}

	all, err := images.ExtractImages(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract images: %w", err)
	}

	return lo.Map(all, func(image images.Image, _ int) catalog.Resource {
		return catalog.Resource{ID: image.ID, Name: image.Name}
	}), nil
}

// ListNetworks returns the networks as raw records, the way the networking API reports them.
func (c *Cloud) ListNetworks(ctx context.Context) ([]catalog.Record, error) {
	pages, err := networks.List(c.network, networks.ListOpts{}).AllPages()
	if err != nil {
		return nil, classify(err)
	}

	var records []map[string]any
	if err := networks.ExtractNetworksInto(pages, &records); err != nil {
		return nil, fmt.Errorf("failed to extract networks: %w", err)
	}

	return lo.Map(records, func(record map[string]any, _ int) catalog.Record {
		return catalog.Record(record)
	}), nil
}

func (c *Cloud) CreateInstance(ctx context.Context, request provisioner.Request) (*provisioner.Instance, error) {
	opts := servers.CreateOpts{
		Name:      request.Name,
		ImageRef:  request.ImageRef,
		FlavorRef: request.FlavorRef,
		Metadata:  request.Metadata,
	}
	if len(request.Networks) > 0 {
		opts.Networks = lo.Map(request.Networks, func(network provisioner.NetworkAttachment, _ int) servers.Network {
			return servers.Network{UUID: network.UUID}
		})
	}
	if len(request.SecurityGroups) > 0 {
		opts.SecurityGroups = request.SecurityGroups
	}
	if request.UserData != "" {
		// Already base64, gophercloud passes valid base64 through untouched
		opts.UserData = []byte(request.UserData)
	}

	server, err := servers.Create(c.compute, keypairs.CreateOptsExt{
		CreateOptsBuilder: opts,
		KeyName:           request.KeyName,
	}).Extract()
	if err != nil {
		return nil, err
	}

	c.log.Debug("Server created", "id", server.ID, "name", request.Name)
	return &provisioner.Instance{
		ID:    server.ID,
		Name:  request.Name,
		State: server.Status,
	}, nil
}

// GetInstance refreshes the instance. Addresses are only fetched once the server is active.
func (c *Cloud) GetInstance(ctx context.Context, id string) (*provisioner.Instance, error) {
	server, err := servers.Get(c.compute, id).Extract()
	if err != nil {
		var notFound gophercloud.ErrDefault404
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: '%s'", ErrInstanceNotFound, id)
		}
		return nil, err
	}

	instance := &provisioner.Instance{
		ID:    server.ID,
		Name:  server.Name,
		State: server.Status,
	}
	if !instance.IsActive() {
		return instance, nil
	}

	pages, err := servers.ListAddresses(c.compute, id).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to get server addresses for '%s': %w", id, err)
	}

	allAddresses, err := servers.ExtractAddresses(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract server addresses for '%s': %w", id, err)
	}

	instance.Addresses = ipv4Addresses(server.AccessIPv4, allAddresses)
	return instance, nil
}

// classify marks the errors that no retry will fix.
func classify(err error) error {
	var unauthorized gophercloud.ErrDefault401
	var forbidden gophercloud.ErrDefault403
	if errors.As(err, &unauthorized) || errors.As(err, &forbidden) {
		return internal.Fatal(err)
	}
	return err
}
