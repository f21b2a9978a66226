package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenMintVerify(t *testing.T) {
	issuer, err := NewTokenIssuer("secret-key", time.Hour)
	require.NoError(t, err)

	token, tokenID, err := issuer.Mint("sess-1", "alice", "node-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotEmpty(t, tokenID)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "alice", claims.Owner)
	assert.Equal(t, "node-1", claims.NodeID)
	assert.Equal(t, tokenID, claims.ID)
}

func TestTokenIDsAreUnique(t *testing.T) {
	issuer, err := NewTokenIssuer("secret-key", time.Hour)
	require.NoError(t, err)

	_, first, err := issuer.Mint("sess-1", "alice", "node-1")
	require.NoError(t, err)
	_, second, err := issuer.Mint("sess-1", "alice", "node-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestTokenWrongKeyRejected(t *testing.T) {
	issuer, err := NewTokenIssuer("key-one", time.Hour)
	require.NoError(t, err)
	other, err := NewTokenIssuer("key-two", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.Mint("sess-1", "alice", "node-1")
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestTokenGarbageRejected(t *testing.T) {
	issuer, err := NewTokenIssuer("secret-key", time.Hour)
	require.NoError(t, err)

	_, err = issuer.Verify("not-a-jwt")
	assert.Error(t, err)
}

func TestTokenExpiryEnforced(t *testing.T) {
	issuer, err := NewTokenIssuer("secret-key", time.Millisecond)
	require.NoError(t, err)

	token, _, err := issuer.Mint("sess-1", "alice", "node-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

func TestNewTokenIssuerRequiresKey(t *testing.T) {
	_, err := NewTokenIssuer("", time.Hour)
	assert.Error(t, err)
}
