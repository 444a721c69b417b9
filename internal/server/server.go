// Package server exposes the chat relay over HTTP: the WebSocket endpoint plus
// the read-only status and history endpoints.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chatrelay/internal/config"
	"chatrelay/internal/session"
)

// OnlineLister lists the global online set.
type OnlineLister interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RelayStatus reports whether the relay subscription is live.
type RelayStatus interface {
	Running() bool
}

// Options wires the server to the process-wide collaborators.
type Options struct {
	Session   session.Deps
	Online    OnlineLister
	Relay     RelayStatus
	Redis     redis.UniversalClient
	Timeout   time.Duration
	WebSocket config.WebSocketConfig
	History   config.HistoryConfig

	// Identity maps an upgrade request to a user ID. When nil or when it
	// returns "", every connection is its own ephemeral user.
	Identity func(*http.Request) string
}

type Server struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
	online   singleflight.Group

	// ctx outlives individual requests; sessions run on it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts: opts,
		log:  opts.Session.Log.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*session.Session]struct{}),
	}
}

// Handler returns the routed HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.RegisterRoutes())
}

func (s *Server) RegisterRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /online", s.handleOnline)
	mux.HandleFunc("GET /rooms/{roomId}/messages", s.handleMessages)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	return mux
}

// track registers a live session. It fails once shutdown has begun.
func (s *Server) track(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// SessionCount returns the number of live WebSocket sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown refuses new connections, closes every live session so departing
// users are deregistered, and waits for their transports to finish or ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	s.log.Info().Int("sessions", len(live)).Msg("closing sessions")
	for _, sess := range live {
		sess.Close(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
