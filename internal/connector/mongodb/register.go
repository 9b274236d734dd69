package mongodb

import (
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

var descriptor = &endpoint.Descriptor{
	Type:        core.ProviderMongoDB,
	ID:          "mongodb",
	Title:       "MongoDB",
	Vendor:      "MongoDB",
	DefaultPort: 27017,
	Extras:      []string{"auth_source", "replica_set"},
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
