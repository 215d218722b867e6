package env

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fatal replaces logFatalf for the duration of a test and records the
// message instead of exiting.
func fatal(t *testing.T) *string {
	var message string
	original := logFatalf
	logFatalf = func(format string, args ...any) {
		message = fmt.Sprintf(format, args...)
	}
	t.Cleanup(func() { logFatalf = original })
	return &message
}

func TestOptionalStringVariable(t *testing.T) {
	assert.Equal(t, "fallback", OptionalStringVariable("GEMBACK_TEST_UNSET", "fallback"))

	t.Setenv("GEMBACK_TEST_STRING", "")
	assert.Equal(t, "", OptionalStringVariable("GEMBACK_TEST_STRING", "fallback"))
}

func TestOptionalIntVariable(t *testing.T) {
	t.Setenv("GEMBACK_TEST_INT", "42")
	assert.Equal(t, 42, OptionalIntVariable("GEMBACK_TEST_INT", 1))

	message := fatal(t)
	t.Setenv("GEMBACK_TEST_INT", "forty-two")
	OptionalIntVariable("GEMBACK_TEST_INT", 1)
	assert.Contains(t, *message, "GEMBACK_TEST_INT")
}

func TestOptionalBoolVariable(t *testing.T) {
	assert.True(t, OptionalBoolVariable("GEMBACK_TEST_UNSET", true))

	t.Setenv("GEMBACK_TEST_BOOL", "false")
	assert.False(t, OptionalBoolVariable("GEMBACK_TEST_BOOL", true))
}

func TestOptionalDurationVariable(t *testing.T) {
	assert.Equal(t, time.Second, OptionalDurationVariable("GEMBACK_TEST_UNSET", time.Second))

	t.Setenv("GEMBACK_TEST_DURATION", "1m30s")
	assert.Equal(t, 90*time.Second, OptionalDurationVariable("GEMBACK_TEST_DURATION", time.Second))

	message := fatal(t)
	t.Setenv("GEMBACK_TEST_DURATION", "soon")
	OptionalDurationVariable("GEMBACK_TEST_DURATION", time.Second)
	assert.Contains(t, *message, "not a valid duration")
}

func TestOptionalStringListVariable(t *testing.T) {
	assert.Equal(t, []string{"a"}, OptionalStringListVariable("GEMBACK_TEST_UNSET", []string{"a"}))

	t.Setenv("GEMBACK_TEST_LIST", " key-1, ,key-2,")
	assert.Equal(t, []string{"key-1", "key-2"}, OptionalStringListVariable("GEMBACK_TEST_LIST", nil))

	t.Setenv("GEMBACK_TEST_LIST", "")
	assert.Nil(t, OptionalStringListVariable("GEMBACK_TEST_LIST", []string{"a"}))
}

func TestRequiredStringVariable(t *testing.T) {
	message := fatal(t)
	RequiredStringVariable("GEMBACK_TEST_UNSET")
	assert.Contains(t, *message, "is required")
}
