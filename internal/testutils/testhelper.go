package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a logger whose output stays out of test noise unless
// the test fails under -v debugging.
func NewTestLogger(t *testing.T) *logrus.Logger {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(io.Discard)
	return logger
}
