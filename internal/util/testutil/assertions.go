// Package testutil holds polling assertions for tests that wait on child
// processes and reader goroutines.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	// EventuallyTimeout covers a helper process start plus a kill.
	EventuallyTimeout = 10 * time.Second
	EventuallyTick    = 10 * time.Millisecond
)

// AssertEventually polls condition until it holds or EventuallyTimeout
// passes.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Eventually(t, condition, EventuallyTimeout, EventuallyTick, msgAndArgs...)
}

// RequireEventually is AssertEventually that stops the test on failure.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, EventuallyTimeout, EventuallyTick, msgAndArgs...)
}

// RequireNever fails the test if condition becomes true within d.
func RequireNever(t *testing.T, condition func() bool, d time.Duration, msgAndArgs ...any) {
	t.Helper()
	require.Never(t, condition, d, EventuallyTick, msgAndArgs...)
}
