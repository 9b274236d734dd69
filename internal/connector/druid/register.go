package druid

import (
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

var descriptor = &endpoint.Descriptor{
	Type:        core.ProviderDruid,
	ID:          "druid",
	Title:       "Apache Druid",
	Vendor:      "Apache",
	DefaultPort: 8888,
	Extras:      []string{"scheme"},
}

func init() {
	endpoint.Register(descriptor, func(conn core.Connection) (endpoint.Connector, error) {
		c, err := New(conn)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}
