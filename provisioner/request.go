package provisioner

import (
	"encoding/base64"
	"maps"

	"github.com/gammadia/stratus/catalog"
	"github.com/samber/lo"
)

// Request is the creation payload submitted to the platform.
type Request struct {
	Name           string
	FlavorRef      string
	ImageRef       string
	KeyName        string
	UserData       string // base64
	Networks       []NetworkAttachment
	SecurityGroups []string
	Metadata       map[string]string
}

type NetworkAttachment struct {
	UUID string
}

type RequestOptions struct {
	KeyName        string
	UserData       []byte
	InstanceName   string
	FallbackName   string
	SecurityGroups []string
	Metadata       map[string]string
}

func BuildRequest(flavor, image catalog.Resource, networks []catalog.Record, options RequestOptions) Request {
	request := Request{
		Name:      lo.Ternary(options.InstanceName != "", options.InstanceName, options.FallbackName),
		FlavorRef: flavor.ID,
		ImageRef:  image.ID,
		KeyName:   options.KeyName,
		Networks: lo.Map(networks, func(network catalog.Record, _ int) NetworkAttachment {
			return NetworkAttachment{UUID: network.ID()}
		}),
		SecurityGroups: append([]string(nil), options.SecurityGroups...),
		Metadata:       maps.Clone(options.Metadata),
	}

	if len(options.UserData) > 0 {
		request.UserData = base64.StdEncoding.EncodeToString(options.UserData)
	}

	return request
}
