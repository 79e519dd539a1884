package transport

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/cert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecurity(t *testing.T) {
	id, err := cert.GenerateSelfSigned("rasta-test", []string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "node.crt")
	keyFile := filepath.Join(dir, "node.key")
	require.NoError(t, id.Write(certFile, keyFile))

	tests := []struct {
		name    string
		cfg     SecurityConfig
		wantErr bool
		wantNil bool
	}{
		{
			name:    "None",
			cfg:     SecurityConfig{},
			wantNil: true,
		},
		{
			name: "TLSFromFiles",
			cfg: SecurityConfig{
				Mode: SecurityTLS, CertFile: certFile, KeyFile: keyFile, CAFile: certFile, Verify: VerifyRequire,
			},
		},
		{
			name: "TLSWithoutVerification",
			cfg:  SecurityConfig{Mode: SecurityTLS, CertFile: certFile, KeyFile: keyFile, Verify: VerifyNone},
		},
		{
			name:    "TLSWithoutCertificate",
			cfg:     SecurityConfig{Mode: SecurityTLS, CAFile: certFile},
			wantErr: true,
		},
		{
			name:    "VerifyWithoutCA",
			cfg:     SecurityConfig{Mode: SecurityTLS, CertFile: certFile, KeyFile: keyFile, Verify: VerifyPeer},
			wantErr: true,
		},
		{
			name:    "MissingKeyFile",
			cfg:     SecurityConfig{Mode: SecurityTLS, CertFile: certFile, KeyFile: filepath.Join(dir, "none.key")},
			wantErr: true,
		},
		{
			name:    "PSKOverTLS",
			cfg:     SecurityConfig{Mode: SecurityTLS, PSKIdentity: "a", PSKPassphrase: "b"},
			wantErr: true,
		},
		{
			name:    "PSKWithoutPassphrase",
			cfg:     SecurityConfig{Mode: SecurityDTLS, PSKIdentity: "a"},
			wantErr: true,
		},
		{
			name: "DTLSWithPSK",
			cfg:  SecurityConfig{Mode: SecurityDTLS, PSKIdentity: "a", PSKPassphrase: "b", Verify: VerifyRequire},
		},
		{
			name:    "UnknownMode",
			cfg:     SecurityConfig{Mode: SecurityMode(42)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sec, err := NewSecurity(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, sec)
				assert.False(t, sec.Enabled())
				return
			}
			assert.Equal(t, tt.cfg.Mode, sec.Mode())
			assert.Equal(t, DefaultHandshakeTimeout, sec.HandshakeTimeout())
			assert.Equal(t, DefaultWriteTimeout, sec.WriteTimeout())
		})
	}
}

func TestDerivePSK(t *testing.T) {
	a, err := DerivePSK("passphrase", "node-a")
	require.NoError(t, err)
	assert.Len(t, a, pskSize)

	again, err := DerivePSK("passphrase", "node-a")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := DerivePSK("passphrase", "node-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	c, err := DerivePSK("other", "node-a")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestTLSConfigs(t *testing.T) {
	sec := tlsSecurity(t, VerifyRequire)

	server := sec.serverTLSConfig()
	assert.Equal(t, []string{"rasta/3"}, server.NextProtos)
	assert.True(t, server.SessionTicketsDisabled)
	assert.EqualValues(t, 0x0304, server.MinVersion)
	assert.Len(t, server.Certificates, 1)

	client := sec.clientTLSConfig("127.0.0.1")
	assert.Equal(t, "127.0.0.1", client.ServerName)
	assert.False(t, client.InsecureSkipVerify)

	lax := tlsSecurity(t, VerifyNone)
	assert.True(t, lax.clientTLSConfig("").InsecureSkipVerify)
}
