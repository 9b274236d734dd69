// Package http is the HTTP client shared by the REST connectors (Druid SQL
// and WebHDFS). It adds a per-connector rate limit on top of resty and maps
// failures onto the collector error codes.
package http
