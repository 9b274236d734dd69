package elasticsearch

import (
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

var descriptor = &endpoint.Descriptor{
	Type:        core.ProviderElasticsearch,
	ID:          "elasticsearch",
	Title:       "Elasticsearch",
	Vendor:      "Elastic",
	DefaultPort: 9200,
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
