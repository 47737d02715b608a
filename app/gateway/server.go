package gateway

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"hypertuna.dev/app/config"
	"hypertuna.dev/protocol/discovery"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// Server is the gateway's process-lifetime state: the client-facing
// HTTP/WS listener plus every session currently attached to it.
// Grounded on the teacher's server.S (Start/ServeHTTP/Shutdown shape,
// same timeout constants) with the router swapped for go-chi/chi and
// an explicit session registry the teacher's single-relay server
// doesn't need.
type Server struct {
	Ctx        context.T
	Cancel     context.F
	WG         *sync.WaitGroup
	Addr       string
	Cfg        *config.C
	Router     *chi.Mux
	HTTPServer *http.Server

	Deps      *Deps
	Discovery *discovery.Table

	sessionsMu sync.Mutex
	sessions   map[string]*Session // by ConnectionKey
	byToken    map[string]map[*Session]struct{}
}

// NewServer constructs a Server ready for Start. Route registration
// happens in Init, mirroring the teacher's S.Init hook.
func NewServer(ctx context.T, cancel context.F, wg *sync.WaitGroup, cfg *config.C, deps *Deps, disc *discovery.Table) *Server {
	s := &Server{
		Ctx:       ctx,
		Cancel:    cancel,
		WG:        wg,
		Addr:      net.JoinHostPort(cfg.Listen, strconv.Itoa(cfg.Port)),
		Cfg:       cfg,
		Deps:      deps,
		Discovery: disc,
		sessions:  make(map[string]*Session),
		byToken:   make(map[string]map[*Session]struct{}),
	}
	deps.Tokens.OnRevoke(s.onTokenRevoked)
	return s
}

// Init builds the router. Separated from Start so tests can construct a
// Server, call Init, and exercise Router directly with httptest.
func (s *Server) Init() {
	s.Router = chi.NewRouter()
	s.registerRoutes(s.Router)
}

// Start binds Addr and serves until Shutdown or a fatal listener error,
// mirroring the teacher's server.S.Start timeout constants exactly.
func (s *Server) Start() (err error) {
	s.WG.Add(1)
	s.Init()
	var listener net.Listener
	if listener, err = net.Listen("tcp", s.Addr); chk.E(err) {
		return
	}
	s.HTTPServer = &http.Server{
		Handler:           cors.Default().Handler(s.Router),
		Addr:              s.Addr,
		ReadHeaderTimeout: 7 * time.Second,
		IdleTimeout:       28 * time.Second,
	}
	log.I.F("gateway: listening on http://%s", s.Addr)
	if err = s.HTTPServer.Serve(listener); errors.Is(err, http.ErrServerClosed) {
		err = nil
		return
	} else if chk.E(err) {
		return
	}
	return
}

// Shutdown cancels every session and stops the HTTP listener. Sessions
// are closed concurrently via errgroup so shutdown latency is bounded by
// the slowest single close, not the sum of every session's close
// handshake.
func (s *Server) Shutdown() {
	log.W.Ln("gateway: shutting down")
	s.Cancel()

	s.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		sess := sess
		g.Go(
			func() error {
				sess.closeWithCode(CloseInternal, "server shutting down")
				return nil
			},
		)
	}
	chk.E(g.Wait())

	chk.E(s.HTTPServer.Shutdown(s.Ctx))
	s.WG.Done()
}

func (s *Server) registerSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.ConnectionKey] = sess
	set, ok := s.byToken[sess.Token.Value]
	if !ok {
		set = make(map[*Session]struct{})
		s.byToken[sess.Token.Value] = set
	}
	set[sess] = struct{}{}
}

func (s *Server) unregisterSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess.ConnectionKey)
	if set, ok := s.byToken[sess.Token.Value]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(s.byToken, sess.Token.Value)
		}
	}
}

// onTokenRevoked notifies every live session holding value.
func (s *Server) onTokenRevoked(value, reason string, sequence int) {
	s.sessionsMu.Lock()
	set := s.byToken[value]
	sessions := make([]*Session, 0, len(set))
	for sess := range set {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()
	for _, sess := range sessions {
		sess.onRevoked(reason)
	}
}

// SessionCount reports how many sessions are currently attached.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}
