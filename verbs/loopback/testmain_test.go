package loopback_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in the loopback_test package and checks for
// goroutine leaks after all tests complete. The provider delivers
// events synchronously, so no goroutine may survive a test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
