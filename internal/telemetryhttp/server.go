// Package telemetryhttp exposes the Telemetry & Query API over HTTP:
// gorilla/mux routes for stats/session/item queries, a gorilla/websocket
// live event stream, and a Prometheus /metrics endpoint, mirroring the
// reference dashboard's server package structure.
package telemetryhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentcore/assigner/internal/assignerrors"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/telemetry"
	"github.com/agentcore/assigner/internal/workitem"
)

// MaxPayloadSize bounds request bodies the API will decode, matching the
// reference dashboard's DoS-prevention constant.
const MaxPayloadSize = 1 * 1024 * 1024

var allowedOrigins = initAllowedOrigins()

func initAllowedOrigins() []string {
	defaults := []string{
		"http://localhost:3000",
		"http://localhost:8089",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8089",
	}
	if env := os.Getenv("ASSIGNER_ALLOWED_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				defaults = append(defaults, origin)
			}
		}
	}
	return defaults
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

var upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}

// Server is the Telemetry & Query API's HTTP surface.
type Server struct {
	svc     *telemetry.Service
	queries *telemetry.QueryEngine
	hub     *Hub
	router  *mux.Router
}

// NewServer builds the router. Call ListenAndServe-equivalent via the
// returned http.Handler from Handler().
func NewServer(svc *telemetry.Service) *Server {
	s := &Server{svc: svc, hub: NewHub()}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the assembled http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// Hub exposes the event hub so the caller can wire AssignmentEvent
// broadcasts from the dispatcher/lifecycle components.
func (s *Server) Hub() *Hub { return s.hub }

// SetQueryEngine wires the named-query engine, enabling /api/query/{name}.
// Left unset, that route answers 404 for every name.
func (s *Server) SetQueryEngine(q *telemetry.QueryEngine) {
	s.queries = q
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/overview", s.handleOverview).Methods(http.MethodGet)
	s.router.HandleFunc("/api/items", s.handleListItems).Methods(http.MethodGet)
	s.router.HandleFunc("/api/items/{id}", s.handleItemDetail).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/query/{name}", s.handleQuery).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/events", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.svc.Overview()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, overview)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	status := workitem.Status(r.URL.Query().Get("status"))
	writeJSON(w, s.svc.Items(status))
}

func (s *Server) handleItemDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	detail, err := s.svc.ItemDetail(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, detail)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := session.Status(r.URL.Query().Get("status"))
	writeJSON(w, s.svc.Sessions(status))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		http.Error(w, "no query templates configured", http.StatusNotFound)
		return
	}

	name := mux.Vars(r)["name"]
	format := r.URL.Query().Get("format")

	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if key == "format" || len(values) == 0 {
			continue
		}
		params[key] = values[0]
	}

	result, err := s.queries.Run(name, params)
	if err != nil {
		switch {
		case errors.Is(err, assignerrors.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, assignerrors.ErrInvalidArgument):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := result.ExportCSV(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, HubBufferSize)}
	s.hub.register <- client
	defer func() { s.hub.unregister <- client }()

	go func() {
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Drain and discard client reads; this is a push-only stream but must
	// still read to process control frames and detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
