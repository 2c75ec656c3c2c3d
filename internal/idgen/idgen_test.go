package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("op_")
	assert.Len(t, id, 3+24)
	assert.Regexp(t, `^op_[0-9a-f]{24}$`, id)

	// Collisions across a small batch would indicate a broken source.
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := WithPrefix("use_")
		assert.False(t, seen[v])
		seen[v] = true
	}
}
