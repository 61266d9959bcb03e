package dtlssrtp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/sdpcodec"
)

func TestRoleFromAnswerSetup(t *testing.T) {
	require.Equal(t, RoleClient, RoleFromAnswerSetup(sdpcodec.SetupActive))
	require.Equal(t, RoleServer, RoleFromAnswerSetup(sdpcodec.SetupPassive))
	// actpass never appears as an answer's own setup value, but default
	// to client if it somehow did.
	require.Equal(t, RoleClient, RoleFromAnswerSetup(sdpcodec.SetupActPass))
}

func TestSplitKeyingMaterialLayout(t *testing.T) {
	km := make([]byte, keyingMaterialLen)
	for i := range km {
		km[i] = byte(i)
	}

	client, server := splitKeyingMaterial(km)
	require.Equal(t, km[0:16], client.Key)
	require.Equal(t, km[16:32], server.Key)
	require.Equal(t, km[32:46], client.Salt)
	require.Equal(t, km[46:60], server.Salt)
}
