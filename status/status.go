package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/opd-ai/confcore/server"
	"github.com/sirupsen/logrus"
)

// CommandStatus is the websocket text message that requests a Report.
const CommandStatus = "/status"

// ErrAlreadyServing is returned by ListenAndServe on a running Server.
var ErrAlreadyServing = errors.New("status server already serving")

// Source provides the control plane state. *server.Server implements it.
type Source interface {
	Snapshot() server.Snapshot
}

// AppInfo describes the running process.
type AppInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"startedat"`
	Uptime    string    `json:"uptime"`
}

// MemoryInfo is a subset of runtime.MemStats.
type MemoryInfo struct {
	HeapAlloc  uint64 `json:"heapalloc"`
	HeapInuse  uint64 `json:"heapinuse"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"numgc"`
	Goroutines int    `json:"goroutines"`
}

// Report is the document served on /status and over the websocket.
type Report struct {
	App        AppInfo         `json:"app"`
	Memory     MemoryInfo      `json:"memory"`
	Server     server.Snapshot `json:"server"`
	WebSockets int             `json:"websockets"`
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithPushInterval pushes a Report to every websocket client each interval
// in addition to answering CommandStatus. Zero disables pushing.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pushInterval = d
	}
}

// WithAppInfo sets the name and version reported in AppInfo.
func WithAppInfo(name, version string) Option {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// Server publishes a Report over HTTP and websocket.
type Server struct {
	source       Source
	metrics      http.Handler
	pushInterval time.Duration
	name         string
	version      string
	startedAt    time.Time
	upgrader     websocket.Upgrader
	router       chi.Router

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	httpSrv *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// wsClient serializes writes to one websocket.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// New creates a status server for source.
func New(source Source, opts ...Option) *Server {
	s := &Server{
		source:    source,
		name:      "confcore",
		version:   "dev",
		startedAt: time.Now(),
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWebSocket)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	s.router = r
	return s
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"function": "status.requestLogger",
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Served status request")
	})
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Report builds the current report.
func (s *Server) Report() Report {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	sockets := len(s.clients)
	s.mu.Unlock()

	return Report{
		App: AppInfo{
			Name:      s.name,
			Version:   s.version,
			StartedAt: s.startedAt,
			Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		},
		Memory: MemoryInfo{
			HeapAlloc:  mem.HeapAlloc,
			HeapInuse:  mem.HeapInuse,
			Sys:        mem.Sys,
			NumGC:      mem.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
		Server:     s.source.Snapshot(),
		WebSockets: sockets,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Report()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleStatus",
			"error":    err.Error(),
		}).Warn("Failed to write status")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleWebSocket",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Debug("Websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.handleWebSocket",
		"remote":   r.RemoteAddr,
	}).Info("Status websocket connected")

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if strings.TrimSpace(string(msg)) != CommandStatus {
			logrus.WithFields(logrus.Fields{
				"function": "Server.handleWebSocket",
				"command":  string(msg),
			}).Debug("Ignoring unknown status command")
			continue
		}
		data, err := json.Marshal(s.Report())
		if err != nil {
			return
		}
		if err := client.write(data); err != nil {
			return
		}
	}
}

// broadcast sends the current report to every websocket client.
func (s *Server) broadcast() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(s.Report())
	if err != nil {
		return
	}
	for _, c := range clients {
		if err := c.write(data); err != nil {
			c.conn.Close()
		}
	}
}

func (s *Server) push(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}

// ListenAndServe serves on addr in the background and returns the bound
// address.
func (s *Server) ListenAndServe(addr string) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return nil, ErrAlreadyServing
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.pushInterval > 0 {
		s.wg.Add(1)
		go s.push(ctx)
	}

	srv := s.httpSrv
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Server.ListenAndServe",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Status server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Server.ListenAndServe",
		"addr":     l.Addr().String(),
	}).Info("Status server listening")
	return l.Addr(), nil
}

// Shutdown stops the HTTP server and closes all websockets.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.httpSrv, s.cancel
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	cancel()
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}
