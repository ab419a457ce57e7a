package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("tx_")
	assert.True(t, strings.HasPrefix(id, "tx_"))
	assert.Len(t, id, 3+32)
	assert.NotEqual(t, id, WithPrefix("tx_"))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
	assert.NotEqual(t, Hex(16), Hex(16))
}
