// Package testutil holds helpers for integration tests against external
// backends. Tests using these helpers skip unless the corresponding
// environment variable points at a live instance.
package testutil

import (
	"os"
	"testing"
)

// GetPostgresDSN returns the DSN of a PostgreSQL instance for integration
// tests, or skips the test when CORREL_POSTGRES_DSN is unset.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CORREL_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CORREL_POSTGRES_DSN not set; skipping Postgres integration test")
	}
	return dsn
}

// GetRedisAddress returns the address of a Redis instance for integration
// tests, or skips the test when CORREL_REDIS_ADDR is unset.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("CORREL_REDIS_ADDR")
	if addr == "" {
		t.Skip("CORREL_REDIS_ADDR not set; skipping Redis integration test")
	}
	return addr
}
