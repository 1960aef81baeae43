package testutil

import (
	"os"
	"testing"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env from the working directory or the repository root.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../../.env")
	}
}

// RequireIntegration skips the test unless INTEGRATION_TESTS=true.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("Skipping integration test; set INTEGRATION_TESTS=true to run")
	}
}

// RequireEnv returns the first non-empty variable among names, skipping the
// test when none is set.
func RequireEnv(t *testing.T, names ...string) string {
	t.Helper()
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	t.Skipf("Skipping test; none of %v is set", names)
	return ""
}
