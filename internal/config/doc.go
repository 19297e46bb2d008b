// Package config loads the daemon configuration. Files may be JSON or YAML;
// every key can be overridden with an AUCTIONMESH_* environment variable,
// for example AUCTIONMESH_OPERATOR_MAX_WAIT=15m.
package config
