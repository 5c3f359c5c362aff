package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger for code under test, prefixed with the
// test name. Output goes to stdout rather than t.Log so late writes
// from background goroutines are safe; set MARKET_TEST_QUIET to
// discard it entirely.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()

	var out io.Writer = os.Stdout
	if os.Getenv("MARKET_TEST_QUIET") != "" {
		out = io.Discard
	}

	return log.New(out, "["+t.Name()+"] ", log.LstdFlags)
}
