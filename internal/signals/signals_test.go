package signals

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlagSetIsSetClear(t *testing.T) {
	f := &Flag{}
	require.False(t, f.IsSet())
	f.Set()
	require.True(t, f.IsSet())
	f.Clear()
	require.False(t, f.IsSet())
}

func TestGlobalReturnsSameFlag(t *testing.T) {
	require.Same(t, Global(), Global())
}

func TestCurrentIdentityIsStableAndNonEmpty(t *testing.T) {
	a := CurrentIdentity()
	b := CurrentIdentity()
	require.Equal(t, a, b)
	require.NotEmpty(t, a.AgentID)
	require.NotEmpty(t, a.RunID)
}
