package gateway

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/app/config"
	"hypertuna.dev/protocol/dispatch"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/pool"
	"hypertuna.dev/utils/context"
)

// dialedWorkerEntry connects a fake worker with the given capabilities
// into p as an inbound (Accept'd) entry under key, the way a real worker
// dialing the gateway's peer listener would; the caller then opens
// channels against it through the pool with that same key.
func dialedWorkerEntry(t *testing.T, ctx context.T, p *pool.Pool, key peer.Key, capabilities []string) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close() })

	hooks := peer.Hooks{
		OnAccept: func(ch *peer.Channel) {
			ch.Handle(
				"/drive/identifier1/file.png", func(ctx context.T, req *peer.Request) *peer.Response {
					return &peer.Response{Id: req.Id, StatusCode: 200, Body: []byte("file bytes")}
				},
			)
		},
	}
	worker := peer.NewConn(ctx, a, peer.Identity{Role: "worker", Capabilities: capabilities}, hooks)
	t.Cleanup(func() { _ = worker.Close() })

	p.Accept(key, "pipe", b)
}

func TestOpenChannelExposesRemoteCapabilities(t *testing.T) {
	ctx, cancel := context.Cancel(context.Bg())
	defer cancel()

	p := pool.New(ctx, func(ctx context.T, addr string) (net.Conn, error) { return nil, nil }, peer.Identity{Role: "gateway"})
	key := testPeerKey(9)
	dialedWorkerEntry(t, ctx, p, key, []string{peer.CapabilityFiles})

	deps := &Deps{Pool: p}
	ch, err := deps.openChannel(ctx, key)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	require.True(t, ch.RemoteHandshake().Has(peer.CapabilityFiles))
	require.False(t, ch.RemoteHandshake().Has(peer.CapabilityEvents))
}

func testServerWithPeer(t *testing.T, key peer.Key, capabilities []string) *Server {
	t.Helper()
	s := testRouterServer(t, &config.C{})

	p := pool.New(s.Ctx, func(ctx context.T, addr string) (net.Conn, error) { return nil, nil }, peer.Identity{Role: "gateway"})
	dialedWorkerEntry(t, s.Ctx, p, key, capabilities)
	s.Deps.Pool = p
	s.Deps.Scoreboard = dispatch.New(dispatch.DefaultWeights, nil, 64, 100)
	s.Deps.Scoreboard.Report(key, peer.Telemetry{})

	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "owner1:identifier1", key, nil, time.Hour))
	return s
}

func TestDriveProxySucceedsWhenPeerAdvertisesFiles(t *testing.T) {
	key := testPeerKey(11)
	s := testServerWithPeer(t, key, []string{peer.CapabilityFiles})

	req := httptest.NewRequest(http.MethodGet, "/drive/identifier1/file.png", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "file bytes", rec.Body.String())
}

func TestDriveProxyRejectsPeerMissingFilesCapability(t *testing.T) {
	key := testPeerKey(12)
	s := testServerWithPeer(t, key, []string{peer.CapabilityEvents})

	req := httptest.NewRequest(http.MethodGet, "/drive/identifier1/file.png", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "does not support")
}
