package core

import (
	"strconv"
	"strings"
	"time"
)

// ProviderType tags the technology behind a provider. The set is closed.
type ProviderType string

const (
	ProviderPostgres      ProviderType = "POSTGRESQL"
	ProviderMySQL         ProviderType = "MYSQL"
	ProviderMariaDB       ProviderType = "MARIADB"
	ProviderSQLServer     ProviderType = "SQLSERVER"
	ProviderOracle        ProviderType = "ORACLE"
	ProviderHive          ProviderType = "HIVE"
	ProviderDruid         ProviderType = "DRUID"
	ProviderMongoDB       ProviderType = "MONGODB"
	ProviderElasticsearch ProviderType = "ELASTICSEARCH"
	ProviderHDFS          ProviderType = "HDFS"
)

// ProviderTypes lists every supported provider type.
var ProviderTypes = []ProviderType{
	ProviderPostgres, ProviderMySQL, ProviderMariaDB, ProviderSQLServer, ProviderOracle,
	ProviderHive, ProviderDruid, ProviderMongoDB, ProviderElasticsearch, ProviderHDFS,
}

// ParseProviderType accepts the catalog spelling in any case. Unknown values
// are returned as-is so the factory can reject them with a ConfigError.
func ParseProviderType(s string) ProviderType {
	up := strings.ToUpper(strings.TrimSpace(s))
	switch up {
	case "POSTGRES":
		return ProviderPostgres
	case "MSSQL":
		return ProviderSQLServer
	case "ES":
		return ProviderElasticsearch
	case "MONGO":
		return ProviderMongoDB
	}
	return ProviderType(up)
}

// Provider identifies a data store. Owned by the catalog; read-only here.
type Provider struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	DisplayName string       `json:"display_name,omitempty"`
	Description string       `json:"description,omitempty"`
	Type        ProviderType `json:"provider_type"`
	Connections []Connection `json:"connections,omitempty"`
}

// Connection is a connection descriptor for one provider endpoint.
type Connection struct {
	ID       string            `json:"id,omitempty"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	User     string            `json:"user_name,omitempty"`
	Secret   string            `json:"password,omitempty"`
	Database string            `json:"database,omitempty"`
	Extras   map[string]string `json:"extra_parameters,omitempty"`
}

// Extra returns an extras value or def when the key is unset.
func (c Connection) Extra(key, def string) string {
	if v, ok := c.Extras[key]; ok && v != "" {
		return v
	}
	return def
}

// Timeout reads extras["timeout"] as seconds, falling back to def.
func (c Connection) Timeout(def time.Duration) time.Duration {
	raw := c.Extra("timeout", "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

// SchedulingType selects how an ingestion is started.
type SchedulingType string

const (
	SchedulingManual SchedulingType = "MANUAL"
	SchedulingCron   SchedulingType = "CRON"
)

// OverridePolicy controls whether catalog edits survive an ingestion.
type OverridePolicy string

const (
	OverrideAll     OverridePolicy = "ALL"
	OverrideNone    OverridePolicy = "NONE"
	OverrideMissing OverridePolicy = "MISSING"
)

// IngestionSpec is the reusable configuration for crawling one provider.
type IngestionSpec struct {
	ID                    string         `json:"id"`
	ProviderID            string         `json:"provider_id"`
	Name                  string         `json:"name"`
	IncludeDatabase       string         `json:"include_database,omitempty"`
	ExcludeDatabase       string         `json:"exclude_database,omitempty"`
	IncludeSchema         string         `json:"include_schema,omitempty"`
	ExcludeSchema         string         `json:"exclude_schema,omitempty"`
	IncludeTable          string         `json:"include_table,omitempty"`
	ExcludeTable          string         `json:"exclude_table,omitempty"`
	IncludeView           bool           `json:"include_view"`
	OverridePolicy        OverridePolicy `json:"override_policy,omitempty"`
	SchedulingType        SchedulingType `json:"scheduling_type"`
	Cron                  string         `json:"scheduling,omitempty"`
	Retries               int            `json:"retries"`
	CollectSample         bool           `json:"collect_sample"`
	ApplySemanticAnalysis bool           `json:"apply_semantic_analysis"`
}
