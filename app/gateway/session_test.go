package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/require"

	"hypertuna.dev/app/config"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/replica"
)

// dialSession opens a real WebSocket connection to srv for relayKey,
// carrying token as the connect-time credential, mirroring how a client
// opens a session per §4.5's Open step.
func dialSession(t *testing.T, srv *httptest.Server, relayKey, token string) *websocket.Conn {
	t.Helper()
	a, b, ok := SplitRelayKey(relayKey)
	require.True(t, ok)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + a + "/" + b + "?token=" + url.QueryEscape(token)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSessionServesReqFromLocalReplicaWhenNoPeers(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	repl, err := replica.Open(filepath.Join(t.TempDir(), "replica"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repl.Close() })
	require.NoError(t, repl.Append(replica.Event{ID: "a", CreatedAt: 100, Kind: 1, Raw: json.RawMessage(`{"id":"a","kind":1}`)}))
	s.Deps.SetReplica("owner1:relayA", repl)

	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "owner1:relayA", peer.Key{}, nil, time.Hour))
	value, err := s.Deps.Tokens.Issue("owner1:relayA", "client-pub", "read")
	require.NoError(t, err)

	httpSrv := httptest.NewServer(s.Router)
	defer httpSrv.Close()
	conn := dialSession(t, httpSrv, "owner1:relayA", value)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, mustMarshal(t, []any{"REQ", "sub1", map[string]any{}})))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"EVENT"`)

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"EOSE"`)
}

func TestSessionRejectsEventWrites(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	repl, err := replica.Open(filepath.Join(t.TempDir(), "replica"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repl.Close() })
	s.Deps.SetReplica("owner1:relayA", repl)
	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "owner1:relayA", peer.Key{}, nil, time.Hour))
	value, err := s.Deps.Tokens.Issue("owner1:relayA", "client-pub", "read")
	require.NoError(t, err)

	httpSrv := httptest.NewServer(s.Router)
	defer httpSrv.Close()
	conn := dialSession(t, httpSrv, "owner1:relayA", value)

	require.NoError(
		t, conn.WriteMessage(
			websocket.TextMessage, mustMarshal(t, []any{"EVENT", map[string]any{"id": "evt1"}}),
		),
	)
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"OK"`)
	require.Contains(t, string(msg), "read-only")
}

func TestSessionRespondsToPing(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	repl, err := replica.Open(filepath.Join(t.TempDir(), "replica"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repl.Close() })
	s.Deps.SetReplica("owner1:relayA", repl)
	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "owner1:relayA", peer.Key{}, nil, time.Hour))
	value, err := s.Deps.Tokens.Issue("owner1:relayA", "client-pub", "read")
	require.NoError(t, err)

	httpSrv := httptest.NewServer(s.Router)
	defer httpSrv.Close()
	conn := dialSession(t, httpSrv, "owner1:relayA", value)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, mustMarshal(t, []any{"PING"})))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `["PONG"]`, string(msg))
}

func TestSessionRevocationClosesConnection(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	repl, err := replica.Open(filepath.Join(t.TempDir(), "replica"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repl.Close() })
	s.Deps.SetReplica("owner1:relayA", repl)
	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "owner1:relayA", peer.Key{}, nil, time.Hour))
	value, err := s.Deps.Tokens.Issue("owner1:relayA", "client-pub", "read")
	require.NoError(t, err)

	httpSrv := httptest.NewServer(s.Router)
	defer httpSrv.Close()
	conn := dialSession(t, httpSrv, "owner1:relayA", value)

	require.Eventually(t, func() bool { return s.SessionCount() == 1 }, time.Second, 10*time.Millisecond)
	s.Deps.Tokens.Revoke(value, "admin request")

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "REVOKED")

	require.Eventually(t, func() bool { return s.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSessionEmitsOpenedAndClosedStatusEvents(t *testing.T) {
	s := testRouterServer(t, &config.C{})
	repl, err := replica.Open(filepath.Join(t.TempDir(), "replica"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repl.Close() })
	s.Deps.SetReplica("owner1:relayA", repl)
	require.NoError(t, s.Deps.Registrations.Upsert(s.Ctx, "owner1:relayA", peer.Key{}, nil, time.Hour))
	value, err := s.Deps.Tokens.Issue("owner1:relayA", "client-pub", "read")
	require.NoError(t, err)

	events := make(chan StatusEvent, 4)
	s.Deps.OnStatus(func(ev StatusEvent) { events <- ev })

	httpSrv := httptest.NewServer(s.Router)
	defer httpSrv.Close()
	conn := dialSession(t, httpSrv, "owner1:relayA", value)

	select {
	case ev := <-events:
		require.Equal(t, StatusOpened, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("opened status event never arrived")
	}

	require.NoError(t, conn.Close())

	select {
	case ev := <-events:
		require.Equal(t, StatusClosed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("closed status event never arrived")
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
