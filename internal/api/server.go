package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ezvizplug/internal/plug"

	"go.uber.org/zap"
)

// Server provides HTTP API endpoints for the plug switches
type Server struct {
	registry *Registry
	hub      *Hub
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(registry *Registry, source EventSource, logger *zap.Logger, port int) *Server {
	s := &Server{
		registry: registry,
		hub:      NewHub(source, registry, logger),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("GET /api/switches", s.handleListSwitches)
	mux.HandleFunc("GET /api/switches/{serial}", s.handleGetSwitch)
	mux.HandleFunc("POST /api/switches/{serial}/{action}", s.handleSwitchAction)
	mux.Handle("GET /api/events", s.hub)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Hub returns the websocket event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleListSwitches returns every switch
func (s *Server) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	switches := s.registry.All()
	views := make([]plug.View, 0, len(switches))
	for _, sw := range switches {
		views = append(views, sw.View())
	}

	s.writeJSON(w, http.StatusOK, views)

	s.logger.Debug("Switch list served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("count", len(views)))
}

// handleGetSwitch returns one switch
func (s *Server) handleGetSwitch(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.registry.Get(r.PathValue("serial"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown switch")
		return
	}
	s.writeJSON(w, http.StatusOK, sw.View())
}

// handleSwitchAction runs turn_on or turn_off
func (s *Server) handleSwitchAction(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	sw, ok := s.registry.Get(serial)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown switch")
		return
	}

	var err error
	switch r.PathValue("action") {
	case "turn_on":
		err = sw.TurnOn(r.Context())
	case "turn_off":
		err = sw.TurnOff(r.Context())
	default:
		s.writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, plug.ErrUnknownDevice) {
			status = http.StatusNotFound
		}
		s.logger.Warn("Switch action failed",
			zap.String("serial", serial),
			zap.String("action", r.PathValue("action")),
			zap.Error(err))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"error":  err.Error(),
			"switch": sw.View(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, sw.View())
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"switches": len(s.registry.All()),
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/switches", Method: "GET", Description: "List every plug switch and its state"},
	{Path: "/api/switches/{serial}", Method: "GET", Description: "Get one plug switch"},
	{Path: "/api/switches/{serial}/turn_on", Method: "POST", Description: "Turn a plug on"},
	{Path: "/api/switches/{serial}/turn_off", Method: "POST", Description: "Turn a plug off"},
	{Path: "/api/events", Method: "GET", Description: "Websocket stream of switch changes"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>EZVIZ Plug API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>EZVIZ Plug API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		// Return 404 status code (for automation compatibility) but with helpful body
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "EZVIZ Plug API\n")
		fmt.Fprintf(w, "==============\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-32s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExamples:\n\n")
		fmt.Fprintf(w, "  curl http://localhost%s/api/switches | jq\n", s.server.Addr)
		fmt.Fprintf(w, "  curl -X POST http://localhost%s/api/switches/<serial>/turn_on\n\n", s.server.Addr)
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
