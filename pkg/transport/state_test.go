package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "UNKNOWN", ChannelState(9).String())

	assert.Equal(t, "READY", SessionReady.String())
	assert.Equal(t, "ESTABLISHED", SessionEstablished.String())
	assert.Equal(t, "CLOSED", SessionClosed.String())
}

func TestParseModes(t *testing.T) {
	kind, err := ParseKind("udp")
	assert.NoError(t, err)
	assert.Equal(t, KindUDP, kind)
	kind, err = ParseKind("")
	assert.NoError(t, err)
	assert.Equal(t, KindTCP, kind)
	_, err = ParseKind("sctp")
	assert.Error(t, err)

	mode, err := ParseSecurityMode("dtls")
	assert.NoError(t, err)
	assert.Equal(t, SecurityDTLS, mode)
	assert.Equal(t, "dtls", mode.String())
	_, err = ParseSecurityMode("ssl")
	assert.Error(t, err)

	verify, err := ParseVerifyMode("")
	assert.NoError(t, err)
	assert.Equal(t, VerifyPeer, verify)
	verify, err = ParseVerifyMode("require")
	assert.NoError(t, err)
	assert.Equal(t, VerifyRequire, verify)
	_, err = ParseVerifyMode("always")
	assert.Error(t, err)
}
