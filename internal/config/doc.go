// Package config loads the daemon configuration from a single JSON or YAML
// file, fills defaults for every section and validates backend choices before
// any component is wired.
package config
