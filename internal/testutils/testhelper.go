package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// TestHelper bundles the logger and timing knobs shared by the suites.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger so test
// output tracks execution flow.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// WaitTimeout is the ceiling for event-stream waits in tests. Generous so
// slow CI does not flake; tests normally complete in milliseconds.
const WaitTimeout = 5 * time.Second
