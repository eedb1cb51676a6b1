package broker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// upgrader governs the WebSocket handshake for GET /ws/{client_id}
// (spec.md §6): subprotocols A and B, max frame size ~128 KiB enforced
// by the session after the handshake completes.
var upgrader = websocket.Upgrader{
	Subprotocols:    []string{"A", "B"},
	ReadBufferSize:  sessionMaxFrame,
	WriteBufferSize: sessionMaxFrame,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HTTPServer wraps the dispatcher and exposes it over HTTP and WebSocket
// (spec.md §6). Routing follows gorilla/mux and request logging follows
// gorilla/handlers, the same pair the rest of the example pack's HTTP
// services reach for.
type HTTPServer struct {
	dispatcher *Dispatcher
	metrics    *Metrics
	log        *slog.Logger
	router     *mux.Router
}

// NewHTTPServer builds the router and registers every route from
// spec.md §6.
func NewHTTPServer(d *Dispatcher, m *Metrics, log *slog.Logger) *HTTPServer {
	s := &HTTPServer{dispatcher: d, metrics: m, log: log, router: mux.NewRouter()}
	s.registerRoutes()
	return s
}

func (s *HTTPServer) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/{client_id}", s.handleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/api/publish", s.handlePublish).Methods(http.MethodPost)
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/trim/{days}/days", s.handleTrim).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the fully wired http.Handler, wrapped in
// gorilla/handlers' combined (Apache-style) access log.
func (s *HTTPServer) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(logWriter{s.log}, s.router)
}

// logWriter adapts slog to the io.Writer gorilla/handlers expects for its
// access log stream.
type logWriter struct{ log *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Info("access_log", slog.String("line", string(p)))
	return len(p), nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", slog.String("client_id", clientID), slog.Any("err", err))
		return
	}
	session := NewWSSession(clientID, conn, s.dispatcher, s.metrics, s.log)
	session.Run()
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{RS: false, Detail: "Invalid json:" + err.Error()})
		return
	}
	env, err := parseEnvelope(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{RS: false, Detail: "Invalid json:" + err.Error()})
		return
	}
	if _, err := s.dispatcher.Publish(env); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrMailboxFull) || errors.Is(err, ErrUnknownTopic) || errors.Is(err, ErrPartitionClosed) {
			status = http.StatusServiceUnavailable
			if s.metrics != nil && errors.Is(err, ErrMailboxFull) {
				s.metrics.MailboxFullTotal.Inc()
			}
		}
		writeJSON(w, status, Response{RS: false, Detail: err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.PublishTotal.Inc()
	}
	writeJSON(w, http.StatusOK, Response{RS: true, Detail: ""})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Status())
}

func (s *HTTPServer) handleTrim(w http.ResponseWriter, r *http.Request) {
	daysStr := mux.Vars(r)["days"]
	days, err := strconv.ParseUint(daysStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{RS: false, Detail: "Invalid json:" + err.Error()})
		return
	}
	removed := s.dispatcher.Trim(days)
	if s.metrics != nil {
		s.metrics.TrimRemovedTotal.Add(float64(removed))
	}
	writeJSON(w, http.StatusOK, Response{RS: true, Detail: ""})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Start begins listening on addr.
func (s *HTTPServer) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}
