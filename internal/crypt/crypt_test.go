package crypt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marklogic/corb2/internal/config"
)

var testHost = Host{
	MAC:      []byte{0x02, 0x42, 0xac, 0x11, 0x00, 0x02},
	Hostname: "corb-test",
	Serial:   []byte("SN-12345"),
}

func TestHostKeyRoundTrip(t *testing.T) {
	k := NewHostKey(testHost)

	for _, plain := range []string{"", "admin", "exactly16bytes!!", "xcc://user:p@ss@host:8000/Documents"} {
		enc, err := k.Encrypt(plain)
		require.NoError(t, err)
		require.NotEqual(t, plain, enc)
		require.Zero(t, len(enc)%32, "ciphertext must be whole AES blocks")

		got, err := k.Decrypt("XCC-PASSWORD", enc)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
}

func TestHostKeyIsHostBound(t *testing.T) {
	enc, err := NewHostKey(testHost).Encrypt("secret")
	require.NoError(t, err)

	other := testHost
	other.Hostname = "elsewhere"
	got, err := NewHostKey(other).Decrypt("XCC-PASSWORD", enc)
	require.NoError(t, err)
	require.Equal(t, enc, got, "foreign ciphertext is passed through")
}

func TestHostKeyPassesThroughPlainText(t *testing.T) {
	k := NewHostKey(testHost)
	got, err := k.Decrypt("XCC-USERNAME", "admin")
	require.NoError(t, err)
	require.Equal(t, "admin", got)
}

func TestMissingSerialUsesDefault(t *testing.T) {
	a := NewHostKey(Host{Hostname: "h"})
	b := NewHostKey(Host{Hostname: "h", Serial: defaultSerial})
	require.Equal(t, a.key, b.key)
}

func TestXor(t *testing.T) {
	require.Equal(t, []byte{3, 2}, xor([]byte{1, 2}, []byte{2}))
	require.Equal(t, []byte{1, 2, 3}, xor(nil, []byte{1, 2, 3}))
}

func TestDecryptOptions(t *testing.T) {
	k := NewHostKey(testHost)
	enc, err := k.Encrypt("s3cret")
	require.NoError(t, err)

	o := config.FromMap(map[string]string{
		config.XCCUsername:   "admin",
		config.XCCPassword:   enc,
		"PROCESS-MODULE.key": enc,
	})
	require.NoError(t, DecryptOptions(o, k))

	require.Equal(t, "admin", o.Get(config.XCCUsername))
	require.Equal(t, "s3cret", o.Get(config.XCCPassword))
	require.Equal(t, enc, o.Get("PROCESS-MODULE.key"), "only connection options are decrypted")
}

func TestNew(t *testing.T) {
	d, err := New("none")
	require.NoError(t, err)
	require.IsType(t, None{}, d)

	_, err = New("rot13")
	require.Error(t, err)
}
