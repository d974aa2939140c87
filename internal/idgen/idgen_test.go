package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProducesSixteenHexChars(t *testing.T) {
	id := New()
	require.Len(t, string(id), 16)
	for _, r := range string(id) {
		require.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected char %q", r)
	}
}

func TestNewIsUniquePerCall(t *testing.T) {
	seen := map[NodeID]bool{}
	for i := 0; i < 100; i++ {
		id := New()
		require.False(t, seen[id], "duplicate NodeID generated")
		seen[id] = true
	}
}
