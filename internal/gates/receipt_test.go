// ABOUTME: Tests for COSE evidence receipts
// ABOUTME: Round trip, tamper detection and key file persistence

package gates

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotary_SignOpen(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	n, err := NewNotary(priv)
	require.NoError(t, err)

	now := time.Unix(1760000000, 0)
	claims := ReceiptClaims{
		ContentID:    "c-1",
		Author:       "addr",
		BodySHA256:   BodyDigest("hello"),
		EvidenceHash: "ab12",
	}
	receipt, err := n.Sign(claims, now)
	require.NoError(t, err)

	got, err := n.Open(receipt)
	require.NoError(t, err)
	claims.IssuedAt = now.Unix()
	assert.Equal(t, claims, *got)
	assert.Len(t, n.KeyID(), 16)
}

func TestNotary_RejectsTamperedAndForeign(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	n, err := NewNotary(priv)
	require.NoError(t, err)

	receipt, err := n.Sign(ReceiptClaims{ContentID: "c-1", EvidenceHash: "ab12"}, time.Now())
	require.NoError(t, err)

	tampered := append([]byte(nil), receipt...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = n.Open(tampered)
	assert.ErrorIs(t, err, ErrBadReceipt)

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	foreign, err := NewNotary(other)
	require.NoError(t, err)
	_, err = foreign.Open(receipt)
	assert.ErrorIs(t, err, ErrBadReceipt)

	_, err = n.Open([]byte("garbage"))
	assert.ErrorIs(t, err, ErrBadReceipt)
}

func TestLoadOrCreateNotary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "evidence.key")

	first, err := LoadOrCreateNotary(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateNotary(path)
	require.NoError(t, err)
	assert.Equal(t, first.KeyID(), second.KeyID())

	bad := filepath.Join(t.TempDir(), "short.key")
	require.NoError(t, os.WriteFile(bad, []byte("short"), 0o600))
	_, err = LoadOrCreateNotary(bad)
	assert.Error(t, err)
}
