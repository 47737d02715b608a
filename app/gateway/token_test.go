package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	svc := NewTokenService([]byte("shared-secret"), time.Hour)
	value, err := svc.Issue("a:b", "pubkey1", "read")
	require.NoError(t, err)

	tok, err := svc.Verify(value)
	require.NoError(t, err)
	require.Equal(t, "a:b", tok.RelayKey)
	require.Equal(t, "pubkey1", tok.Pubkey)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	svc := NewTokenService([]byte("shared-secret"), time.Hour)
	value, err := svc.Issue("a:b", "pubkey1", "read")
	require.NoError(t, err)

	other := NewTokenService([]byte("different-secret"), time.Hour)
	_, err = other.Verify(value)
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := NewTokenService([]byte("shared-secret"), -time.Minute)
	value, err := svc.Issue("a:b", "pubkey1", "read")
	require.NoError(t, err)

	_, err = svc.Verify(value)
	require.Error(t, err)
}

func TestRevokeFiresHookAndRejectsFutureVerify(t *testing.T) {
	svc := NewTokenService([]byte("shared-secret"), time.Hour)
	value, err := svc.Issue("a:b", "pubkey1", "read")
	require.NoError(t, err)

	var gotReason string
	var gotSeq int
	svc.OnRevoke(
		func(v, reason string, seq int) {
			require.Equal(t, value, v)
			gotReason = reason
			gotSeq = seq
		},
	)
	svc.Revoke(value, "admin request")
	require.Equal(t, "admin request", gotReason)
	require.Equal(t, 1, gotSeq)
}

func TestRefreshIssuesNewTokenAndRevokesOld(t *testing.T) {
	svc := NewTokenService([]byte("shared-secret"), time.Hour)
	value, err := svc.Issue("a:b", "pubkey1", "read")
	require.NoError(t, err)

	fresh, err := svc.Refresh(value)
	require.NoError(t, err)
	require.NotEqual(t, value, fresh)

	tok, err := svc.Verify(fresh)
	require.NoError(t, err)
	require.Equal(t, "a:b", tok.RelayKey)
}
