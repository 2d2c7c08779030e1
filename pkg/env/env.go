// Package env reads ad hoc environment variables for the spots that sit
// outside the envconfig-backed configuration, mostly the command entrypoints.
package env

import "os"

// Get returns the named variable, or fallback when it is unset or empty.
func Get(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
