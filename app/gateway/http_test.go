package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/app/config"
)

func testRouterServer(t *testing.T, cfg *config.C) *Server {
	t.Helper()
	if cfg.GatewayRegistrationSecret == "" {
		cfg.GatewayRegistrationSecret = "shared-secret"
	}
	s := testServer(t)
	s.Cfg = cfg
	s.Init()
	return s
}

func TestHandleHealthReportsOK(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleWellKnownSecretForbiddenWhenClosed(t *testing.T) {
	s := testRouterServer(t, &config.C{DiscoveryOpenAccess: false})
	req := httptest.NewRequest(http.MethodGet, "/.well-known/hypertuna-gateway-secret", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleWellKnownSecretServedWhenOpen(t *testing.T) {
	s := testRouterServer(t, &config.C{DiscoveryOpenAccess: true, GatewayRegistrationSecret: "shared-secret"})
	req := httptest.NewRequest(http.MethodGet, "/.well-known/hypertuna-gateway-secret", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"secret":"shared-secret"}`, rec.Body.String())
}

func TestHandleDriveProxyUnknownRelayIs404(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	req := httptest.NewRequest(http.MethodGet, "/drive/missing-identifier/avatar.png", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveRelayKeyForIdentifierFindsRegisteredRelay(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "owner1:relayA", testPeerKey(1), nil, time.Hour))

	key, ok := s.resolveRelayKeyForIdentifier(s.Ctx, "relayA")
	require.True(t, ok)
	require.Equal(t, "owner1:relayA", key)

	_, ok = s.resolveRelayKeyForIdentifier(s.Ctx, "nonexistent")
	require.False(t, ok)
}

func TestHandleSessionUpgradeRejectsMissingToken(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "a:b", testPeerKey(1), nil, time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/a/b", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleSessionUpgradeRejectsUnknownRelay(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	req := httptest.NewRequest(http.MethodGet, "/no/such", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSessionUpgradeRejectsMismatchedRelayToken(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "a:b", testPeerKey(1), nil, time.Hour))
	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "c:d", testPeerKey(2), nil, time.Hour))
	value, err := s.Deps.Tokens.Issue("c:d", "pub1", "read")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/a/b?token="+url.QueryEscape(value), nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
