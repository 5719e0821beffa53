// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the application configuration structure
// including the managed service list with dependencies, circuit breaker
// defaults, pool limits, and the gateway surface.
package config
