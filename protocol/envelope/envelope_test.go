package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeys(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := Canonical(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := map[string]any{"relayKey": "abc", "peerKey": "def"}
	secret := []byte("shared-secret")

	sig, err := Sign(payload, secret)
	require.NoError(t, err)

	ok, err := Verify(payload, secret, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	secret := []byte("shared-secret")
	sig, err := Sign(map[string]any{"relayKey": "abc"}, secret)
	require.NoError(t, err)

	ok, err := Verify(map[string]any{"relayKey": "xyz"}, secret, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := map[string]any{"relayKey": "abc"}
	sig, err := Sign(payload, []byte("secret-a"))
	require.NoError(t, err)

	ok, err := Verify(payload, []byte("secret-b"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDigestIsDeterministic(t *testing.T) {
	d1, err := Digest(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	d2, err := Digest(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}
