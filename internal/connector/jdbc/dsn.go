package jdbc

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nucleus/collector/internal/core"
)

// connectTimeout is the handshake timeout handed to every driver.
const connectTimeout = 10 * time.Second

func hostPort(conn core.Connection) string {
	return net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
}

// PostgresDSN renders a lib/pq URL. Without a database it connects to
// "postgres", which every server carries.
func PostgresDSN(conn core.Connection, database string) (string, error) {
	if database == "" {
		database = "postgres"
	}
	q := url.Values{}
	q.Set("sslmode", conn.Extra("sslmode", "disable"))
	q.Set("connect_timeout", strconv.Itoa(int(connectTimeout.Seconds())))
	u := url.URL{
		Scheme:   "postgres",
		Host:     hostPort(conn),
		Path:     "/" + database,
		RawQuery: q.Encode(),
	}
	if conn.User != "" {
		u.User = url.UserPassword(conn.User, conn.Secret)
	}
	return u.String(), nil
}

// MySQLDSN renders a go-sql-driver/mysql DSN.
func MySQLDSN(conn core.Connection, database string) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = conn.User
	cfg.Passwd = conn.Secret
	cfg.Net = "tcp"
	cfg.Addr = hostPort(conn)
	cfg.DBName = database
	cfg.Timeout = connectTimeout
	cfg.ParseTime = true
	cfg.AllowNativePasswords = true
	if tls := conn.Extra("tls", ""); tls != "" {
		cfg.TLSConfig = tls
	}
	return cfg.FormatDSN(), nil
}

// SQLServerDSN renders a go-mssqldb URL with a 10s connect timeout.
func SQLServerDSN(conn core.Connection, database string) (string, error) {
	q := url.Values{}
	if database != "" {
		q.Set("database", database)
	}
	q.Set("connection timeout", strconv.Itoa(int(connectTimeout.Seconds())))
	q.Set("dial timeout", strconv.Itoa(int(connectTimeout.Seconds())))
	q.Set("encrypt", conn.Extra("encrypt", "disable"))
	if v := conn.Extra("trust_server_certificate", ""); v != "" {
		q.Set("TrustServerCertificate", v)
	}
	u := url.URL{
		Scheme:   "sqlserver",
		Host:     hostPort(conn),
		RawQuery: q.Encode(),
	}
	if conn.User != "" {
		u.User = url.UserPassword(conn.User, conn.Secret)
	}
	return u.String(), nil
}

// DefaultOracleService is used when extras["service_name"] is unset.
const DefaultOracleService = "xepdb1"

// OracleDSN renders a godror logfmt DSN. The database argument is ignored:
// an Oracle connection is addressed by its service name.
func OracleDSN(conn core.Connection, _ string) (string, error) {
	if conn.User == "" {
		return "", core.ConfigError("oracle: user is required")
	}
	connect := fmt.Sprintf("%s/%s", hostPort(conn), conn.Extra("service_name", DefaultOracleService))
	return fmt.Sprintf("user=%q password=%q connectString=%q connectionTimeout=%d",
		conn.User, conn.Secret, connect, int(connectTimeout.Seconds())), nil
}
