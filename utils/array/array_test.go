package array

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	t.Run("Contains string", func(t *testing.T) {
		providers := []string{"gemini", "vertex", "claude"}
		assert.True(t, Contains(providers, "claude"))
		assert.False(t, Contains(providers, "openai"))
	})

	t.Run("Empty array", func(t *testing.T) {
		assert.False(t, Contains([]int{}, 0))
		assert.False(t, Contains(nil, "a"))
	})
}
