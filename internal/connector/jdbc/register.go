package jdbc

import (
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// init registers the relational connector factories.
func init() {
	endpoint.Register(postgresDescriptor, func(conn core.Connection) (endpoint.Connector, error) {
		pg, err := NewPostgres(conn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	})

	endpoint.Register(mysqlDescriptor, func(conn core.Connection) (endpoint.Connector, error) {
		my, err := NewMySQL(conn)
		if err != nil {
			return nil, err
		}
		return my, nil
	})

	endpoint.Register(mariadbDescriptor, func(conn core.Connection) (endpoint.Connector, error) {
		maria, err := NewMariaDB(conn)
		if err != nil {
			return nil, err
		}
		return maria, nil
	})

	endpoint.Register(mssqlDescriptor, func(conn core.Connection) (endpoint.Connector, error) {
		ms, err := NewMSSQL(conn)
		if err != nil {
			return nil, err
		}
		return ms, nil
	})

	endpoint.Register(oracleDescriptor, func(conn core.Connection) (endpoint.Connector, error) {
		ora, err := NewOracle(conn)
		if err != nil {
			return nil, err
		}
		return ora, nil
	})
}
