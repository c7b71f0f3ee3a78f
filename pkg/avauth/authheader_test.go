package avauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCredentialsValidHeader(t *testing.T) {
	header := `Digest username="alice@home.net", realm="home.net", nonce="abc123", ` +
		`uri="sip:home.net", response="def456", qop=auth, nc=00000001, cnonce="xyz"`

	creds, ok := ParseCredentials(header)
	require.True(t, ok)
	require.Equal(t, "Digest", creds.Scheme)
	require.Equal(t, "alice@home.net", creds.Username)
	require.Equal(t, "home.net", creds.Realm)
	require.Equal(t, "abc123", creds.Nonce)
	require.Equal(t, "sip:home.net", creds.URI)
	require.Equal(t, "def456", creds.Response)
	require.Equal(t, "auth", creds.QoP)
	require.Equal(t, "00000001", creds.NC)
	require.Equal(t, "xyz", creds.CNonce)
}

func TestParseCredentialsMissingRequiredField(t *testing.T) {
	_, ok := ParseCredentials(`Digest realm="home.net", nonce="abc123"`)
	require.False(t, ok)
}

func TestParseCredentialsNoSchemeSeparator(t *testing.T) {
	_, ok := ParseCredentials("garbage")
	require.False(t, ok)
}

func TestParseCredentialsEmpty(t *testing.T) {
	_, ok := ParseCredentials("")
	require.False(t, ok)
}
