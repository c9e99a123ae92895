package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mcalib/internal/runlog"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Config holds monitor server settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig listens on localhost only.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:9464", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
}

// Server exposes a calibration run over HTTP.
type Server struct {
	router   *mux.Router
	server   *http.Server
	metrics  http.Handler
	hub      *Hub
	history  *runlog.Memory
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer wires the routes. metrics may be nil.
func NewServer(cfg Config, metrics http.Handler, hub *Hub, history *runlog.Memory) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		metrics: metrics,
		hub:     hub,
		history: history,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
			},
		},
	}
	s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/history", s.historyHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/history/{metric}", s.series).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.stream).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint_not_found"})
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("monitor listening")
		errc <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	return s.server.Shutdown(shutdown)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.hub != nil {
		body["clients"] = s.hub.Clients()
	}
	if s.history != nil {
		body["records"] = len(s.history.Rows())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) historyHandler(w http.ResponseWriter, _ *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []runlog.Row{})
		return
	}
	writeJSON(w, http.StatusOK, s.history.Rows())
}

func (s *Server) series(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	var values []float64
	if s.history != nil {
		values = s.history.Series(metric)
	}
	if len(values) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_metric", "metric": metric})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "values": values})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stream_disabled"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.Attach(conn)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).Dur("duration", time.Since(start)).Msg("monitor request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("monitor response not written")
	}
}

// responseWrapper captures the status code for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
