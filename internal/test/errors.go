package test

import (
	"testing"

	"github.com/ttab/elephant-versionstore/kv"
)

// IsErrorCode fails the test unless err is a storage error with the given
// code.
func IsErrorCode(
	t TestingT, err error, code kv.ErrorCode, format string, a ...any,
) {
	t.Helper()

	got := kv.GetErrorCode(err)
	if got != code {
		t.Fatalf("failed: expected a %q error, got %q: %v",
			code, got, err)
	}

	if testing.Verbose() {
		t.Logf("success: "+format, a...)
	}
}
