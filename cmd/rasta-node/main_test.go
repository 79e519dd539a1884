package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rasta-protocol/rasta-go/pkg/cert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "rasta-node ")
	assert.Contains(t, out, "protocol:  03.03")
	assert.Contains(t, out, "[rasta/3]")
}

func TestConfigPrint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rasta.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: ixl-west\n"), 0o600))

	out := execute(t, "config", "print", "--config", path)
	assert.Contains(t, out, "node: ixl-west")
}

func TestGencert(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "node-a")

	out := execute(t, "gencert", "--cn", "node-a", "--host", "10.0.0.1", "--out", prefix)
	assert.Contains(t, out, "common_name: node-a")
	assert.Contains(t, out, prefix+".crt")

	c, err := cert.ReadCertFile(prefix + ".crt")
	require.NoError(t, err)
	assert.Equal(t, "node-a", c.Subject.CommonName)
	require.Len(t, c.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", c.IPAddresses[0].String())
}
