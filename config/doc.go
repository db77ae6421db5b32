// Package config loads the YAML configuration of the database, the cache and
// logging, with environment overrides.
package config
