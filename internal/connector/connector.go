// Package connector links every connector implementation into the binary.
// Each one registers its factory with endpoint.DefaultRegistry from init.
package connector

import (
	_ "github.com/nucleus/collector/internal/connector/druid"
	_ "github.com/nucleus/collector/internal/connector/elasticsearch"
	_ "github.com/nucleus/collector/internal/connector/hdfs"
	_ "github.com/nucleus/collector/internal/connector/hive"
	_ "github.com/nucleus/collector/internal/connector/jdbc"
	_ "github.com/nucleus/collector/internal/connector/mongodb"
)
