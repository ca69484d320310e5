package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "ready", StateReady.String())
	require.Equal(t, "resuming", StateResuming.String())
}
