package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/MimeLyc/slice-gateway/internal/service"
)

type Server struct {
	gateway *service.Gateway

	prefix         string
	uiFile         string
	streamInterval time.Duration

	router *mux.Router

	mu     sync.Mutex
	server *http.Server
	closed bool
}

type Option func(*Server)

// WithPrefix mounts every route below prefix, e.g. "/server/orcaslicer".
func WithPrefix(prefix string) Option {
	return func(s *Server) {
		s.prefix = prefix
	}
}

// WithUI serves file at /ui. An empty path disables the route.
func WithUI(file string) Option {
	return func(s *Server) {
		s.uiFile = file
	}
}

// WithStreamInterval sets how often /job/stream checks for changes.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(gateway *service.Gateway, opts ...Option) *Server {
	s := &Server{
		gateway:        gateway,
		router:         mux.NewRouter(),
		streamInterval: jobStreamInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown stops a running server. A server shut down before it started
// refuses to start afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Use(loggingMiddleware)
	s.router.NotFoundHandler = loggingMiddleware(http.HandlerFunc(handleNotFound))
	s.router.MethodNotAllowedHandler = loggingMiddleware(http.HandlerFunc(handleMethodNotAllowed))

	r := s.router
	if s.prefix != "" {
		r = s.router.PathPrefix(s.prefix).Subrouter()
	}

	r.HandleFunc("/ui", s.handleUI).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/job", s.handleJob).Methods(http.MethodGet)
	r.HandleFunc("/job/stream", s.handleJobStream).Methods(http.MethodGet)

	r.HandleFunc("/profiles/{kind}", s.handleListProfiles).Methods(http.MethodGet)
	r.HandleFunc("/profiles/{kind}", s.handleUploadProfile).Methods(http.MethodPost)
	r.HandleFunc("/profiles/{kind}/{name:.+}", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/profiles/{kind}/{name:.+}", s.handleReplaceProfile).Methods(http.MethodPut)
	// POST renames too; older dashboards cannot send PATCH.
	r.HandleFunc("/profiles/{kind}/{name:.+}", s.handleRenameProfile).Methods(http.MethodPatch, http.MethodPost)
	r.HandleFunc("/profiles/{kind}/{name:.+}", s.handleDeleteProfile).Methods(http.MethodDelete)

	r.HandleFunc("/slice", s.handleSlice).Methods(http.MethodPost)
}
