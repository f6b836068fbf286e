package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/pool"
)

const readTimeout = 30 * time.Second

// Server is the gateway's public HTTP surface: health, metrics, preset
// introspection, and the websocket upgrade endpoint that carries the
// actual protocol traffic.
type Server struct {
	host   string
	port   int
	router *chi.Mux
	server *http.Server
}

// NewServer wires the router. wsHandler serves the websocket upgrade at
// /ws; p is used only to report pool pressure from /health and may be nil.
func NewServer(host string, port int, corsOrigins []string, wsHandler http.Handler, presets map[string]*domain.AgentPreset, p *pool.Pool) *Server {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(Logger)
	r.Use(CORS(corsOrigins))
	r.Use(Metrics)

	r.Get("/health", healthHandler(p))
	r.Get("/presets", presetsHandler(presets))
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", wsHandler)

	return &Server{host: host, port: port, router: r}
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: 0, // no write timeout: websocket streams hold the connection open
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
