package hive

import (
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

var descriptor = &endpoint.Descriptor{
	Type:        core.ProviderHive,
	ID:          "hive",
	Title:       "Apache Hive",
	Vendor:      "Apache",
	DefaultPort: 10000,
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
