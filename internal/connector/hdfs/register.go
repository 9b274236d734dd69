package hdfs

import (
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

var descriptor = &endpoint.Descriptor{
	Type:        core.ProviderHDFS,
	ID:          "hdfs.webhdfs",
	Title:       "HDFS (WebHDFS)",
	Vendor:      "Apache",
	DefaultPort: 9870,
	Extras:      []string{"scheme", "ignore_markers"},
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
