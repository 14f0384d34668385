package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	a := NewID("prop")
	b := NewID("prop")
	require.True(t, strings.HasPrefix(a, "prop_"))
	assert.NotEqual(t, a, b)
	assert.Len(t, strings.TrimPrefix(a, "prop_"), 26)
	assert.Len(t, NewID(""), 26)
}

func TestHashHexSeparatesParts(t *testing.T) {
	assert.Equal(t, HashHex("a", "b"), HashHex("a", "b"))
	assert.NotEqual(t, HashHex("ab", ""), HashHex("a", "b"))
	assert.Len(t, HashHex("x"), 64)
	assert.Equal(t, "abc", ShortHash("abcdef", 3))
	assert.Equal(t, "ab", ShortHash("ab", 3))
}
