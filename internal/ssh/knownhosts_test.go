package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func mustGenerateKey(t *testing.T) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func TestHostKeyCallbackDisabled(t *testing.T) {
	t.Parallel()

	cb, err := NewHostKeyCallback("", nil)
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	assert.NoError(t, cb("example.com:22", addr, mustGenerateKey(t).PublicKey()))
}

func TestHostKeyCallbackCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "subdir", "known_hosts")
	_, err := NewHostKeyCallback(path, nil)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "known_hosts")
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	key1, key2 := mustGenerateKey(t), mustGenerateKey(t)

	cb, err := NewHostKeyCallback(path, nil)
	require.NoError(t, err)
	require.NoError(t, cb("192.0.2.1:22", addr, key1.PublicKey()))
	require.NoError(t, cb("192.0.2.1:22", addr, key1.PublicKey()))
	require.ErrorIs(t, cb("192.0.2.1:22", addr, key2.PublicKey()), ErrHostKeyMismatch)

	data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
	require.NoError(t, err)
	assert.Contains(t, string(data), "192.0.2.1")

	// A fresh callback sees the appended entry.
	cb, err = NewHostKeyCallback(path, nil)
	require.NoError(t, err)
	assert.NoError(t, cb("192.0.2.1:22", addr, key1.PublicKey()))
	assert.ErrorIs(t, cb("192.0.2.1:22", addr, key2.PublicKey()), ErrHostKeyMismatch)

	other := &net.TCPAddr{IP: net.ParseIP("192.0.2.2"), Port: 22}
	assert.NoError(t, cb("192.0.2.2:22", other, key2.PublicKey()))
}

func TestHostKeyCallbackExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "known_hosts")
	key := mustGenerateKey(t)
	line := knownhosts.Line([]string{"192.0.2.1"}, key.PublicKey()) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0o600))

	cb, err := NewHostKeyCallback(path, nil)
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	assert.NoError(t, cb("192.0.2.1:22", addr, key.PublicKey()))
}
