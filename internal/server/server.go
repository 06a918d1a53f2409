package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/roach88/collab/internal/config"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/engine"
	"github.com/roach88/collab/internal/metrics"
	"github.com/roach88/collab/internal/transport"
)

// ErrClosed is returned once Stop has been called.
var ErrClosed = errors.New("server closed")

// TraceLog records wire traffic and reports where a replica's trace ends,
// so a restarted server continues the sequence. Implemented by
// *tracelog.Log.
type TraceLog interface {
	engine.Recorder
	LastSeq(ctx context.Context, room string, replica crdt.ReplicaID) (int64, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry sets the Prometheus registry served on /metrics. Room
// collectors are registered on it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithTraceLog records every room's traffic.
func WithTraceLog(t TraceLog) Option {
	return func(s *Server) { s.trace = t }
}

// WithReplicaGenerator sets how the server's replica ID is chosen when
// the config leaves it empty.
func WithReplicaGenerator(g engine.ReplicaIDGenerator) Option {
	return func(s *Server) { s.gen = g }
}

// WithWebRTC sets how offers on a room's /webrtc endpoint are answered.
// Defaults to the config's ICE settings.
func WithWebRTC(cfg transport.PeerConfig) Option {
	return func(s *Server) { s.webrtc = cfg }
}

// webrtcOpenTimeout bounds how long an answered offer may take to open its
// data channel.
const webrtcOpenTimeout = 30 * time.Second

// Server is the relay replica host.
type Server struct {
	cfg      config.Config
	replica  crdt.ReplicaID
	router   *mux.Router
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	trace    TraceLog
	gen      engine.ReplicaIDGenerator
	webrtc   transport.PeerConfig
	logger   *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	http     *http.Server
	listener net.Listener
}

type room struct {
	name string
	eng  *engine.Engine
	mux  *transport.Mux
	done chan struct{}
}

// RoomInfo describes one open room.
type RoomInfo struct {
	Name     string               `json:"name"`
	Length   int                  `json:"length"`
	Vector   crdt.StateVector     `json:"vector"`
	Presence int                  `json:"presence"`
	Sessions []engine.SessionInfo `json:"sessions"`
}

// New builds a Server for a validated cfg.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		gen:    engine.UUIDv7Generator{},
		logger: slog.Default(),
		rooms:  make(map[string]*room),
		webrtc: cfg.PeerConfig(transport.KindRelay),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.registry)
	s.replica = cfg.Replica(s.gen)

	r := mux.NewRouter()
	r.HandleFunc("/rooms/{room:[A-Za-z0-9._-]+}", s.handleJoin).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room:[A-Za-z0-9._-]+}/webrtc", s.handleWebRTC).Methods(http.MethodPost)
	r.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router = r
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler { return s.router }

// Replica returns the server's replica ID, shared by all rooms.
func (s *Server) Replica() crdt.ReplicaID { return s.replica }

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.http
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	s.logger.Info("server listening", "addr", ln.Addr().String(), "replica", string(s.replica))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

// Stop shuts the HTTP server down, stops every room engine and closes
// its connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		if serr := srv.Shutdown(ctx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("http shutdown: %w", serr))
		}
	}

	s.cancel()
	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("room %s: %w", r.name, ctx.Err()))
		}
		if cerr := r.mux.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("room %s: %w", r.name, cerr))
		}
	}
	s.wg.Wait()
	s.logger.Info("server stopped", "rooms", len(rooms))
	return err
}

// Room returns the engine of an open room.
func (s *Server) Room(name string) (*engine.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return nil, false
	}
	return r.eng, true
}

// Rooms describes every open room, sorted by name.
func (s *Server) Rooms() []RoomInfo {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		doc := r.eng.Doc()
		out = append(out, RoomInfo{
			Name:     r.name,
			Length:   doc.Len(),
			Vector:   doc.StateVector(),
			Presence: r.eng.Awareness().Len(),
			Sessions: r.eng.Sessions(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// open returns the room, creating and starting its engine on first use.
func (s *Server) open(name string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if r, ok := s.rooms[name]; ok {
		return r, nil
	}

	logger := s.logger.With("room", name)
	doc := crdt.New(s.replica, append(s.cfg.StoreOptions(), crdt.WithLogger(logger))...)
	m := transport.NewMux(append(s.cfg.MuxOptions(), transport.WithMuxLogger(logger))...)

	opts := append(s.cfg.EngineOptions(name),
		engine.WithLogger(logger),
		engine.WithMetrics(s.metrics),
	)
	if s.trace != nil {
		last, err := s.trace.LastSeq(s.ctx, name, s.replica)
		if err != nil {
			return nil, fmt.Errorf("open room %s: %w", name, err)
		}
		opts = append(opts, engine.WithRecorder(s.trace), engine.WithTraceClock(engine.NewClockAt(last)))
	}

	r := &room{
		name: name,
		eng:  engine.New(doc, m, opts...),
		mux:  m,
		done: make(chan struct{}),
	}
	s.rooms[name] = r

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		if err := r.eng.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("room engine failed", "error", err)
		}
	}()
	logger.Info("room opened")
	return r, nil
}

func (s *Server) handleJoin(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["room"]

	r, err := s.open(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := transport.Accept(w, req, transport.KindRelay)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Debug("upgrade failed", "room", name, "remote", req.RemoteAddr, "error", err)
		return
	}

	conn, err := r.eng.Attach(ws)
	if err != nil {
		s.logger.Warn("attach failed", "room", name, "remote", req.RemoteAddr, "error", err)
		_ = ws.Close()
		return
	}
	s.logger.Debug("client joined", "room", name, "conn", uint64(conn.ID()), "remote", req.RemoteAddr)
}

// handleWebRTC answers a data channel offer and attaches the channel to the
// room once it opens.
func (s *Server) handleWebRTC(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["room"]

	r, err := s.open(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	p, err := transport.AnswerOffer(req.Context(), w, req, s.webrtc)
	if err != nil {
		s.logger.Debug("webrtc offer failed", "room", name, "remote", req.RemoteAddr, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, webrtcOpenTimeout)
		defer cancel()

		ch, err := p.Channel(ctx)
		if err != nil {
			s.logger.Warn("webrtc channel did not open", "room", name, "remote", req.RemoteAddr, "error", err)
			_ = p.Close()
			return
		}
		conn, err := r.eng.Attach(ch)
		if err != nil {
			s.logger.Warn("attach failed", "room", name, "remote", req.RemoteAddr, "error", err)
			_ = ch.Close()
			return
		}
		s.logger.Debug("client joined", "room", name, "conn", uint64(conn.ID()), "remote", req.RemoteAddr, "kind", conn.Kind().String())
	}()
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Rooms())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	closed, n := s.closed, len(s.rooms)
	s.mu.Unlock()

	if closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"replica": string(s.replica),
		"rooms":   n,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
