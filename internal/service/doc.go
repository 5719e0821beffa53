// Package service defines the capability contract every managed backend
// service must satisfy, plus the configuration and health/metrics types
// shared by the registry and the connection pool.
package service
