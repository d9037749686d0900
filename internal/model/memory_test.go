package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryState_AddEmbedding(t *testing.T) {
	var s MemoryState
	require.True(t, s.AddEmbedding("memory_768", "nomic-embed-text"))
	require.False(t, s.AddEmbedding("memory_768", "nomic-embed-text"))
	require.True(t, s.AddEmbedding("memory_768", "mxbai-embed-large"))
	require.True(t, s.AddEmbedding("memory_1536", "text-embedding-3-small"))

	require.True(t, s.HasEmbedding("memory_768", "mxbai-embed-large"))
	require.False(t, s.HasEmbedding("memory_1536", "nomic-embed-text"))
	require.Equal(t, []string{"memory_1536", "memory_768"}, s.Tables())
}

func TestParseEmbeddingTableDims(t *testing.T) {
	dims, ok := ParseEmbeddingTableDims("memory_768")
	require.True(t, ok)
	require.Equal(t, 768, dims)

	for _, bad := range []string{"memory_", "memory_0", "memories", "memory_768; DROP TABLE memories", "MEMORY_768"} {
		_, ok := ParseEmbeddingTableDims(bad)
		require.False(t, ok, "expected %q to be rejected", bad)
	}
}

func TestMemoryClientID(t *testing.T) {
	m := Memory{ID: 42, ContentID: 7}
	require.Equal(t, int64(7), m.ClientID(true))
	require.Equal(t, int64(42), m.ClientID(false))
}
