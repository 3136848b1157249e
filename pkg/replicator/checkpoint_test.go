package replicator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveCheckpointIDIsStableAndOrderIndependent(t *testing.T) {
	a := deriveCheckpointID("http://remote/db", "myfilter", map[string]string{"a": "1", "b": "2"}, []string{"x", "y"})
	b := deriveCheckpointID("http://remote/db", "myfilter", map[string]string{"b": "2", "a": "1"}, []string{"x", "y"})
	require.Equal(t, a, b)
}

func TestDeriveCheckpointIDDiffersOnSource(t *testing.T) {
	a := deriveCheckpointID("http://remote/db1", "", nil, nil)
	b := deriveCheckpointID("http://remote/db2", "", nil, nil)
	require.NotEqual(t, a, b)
}
