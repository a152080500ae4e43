// Package statusapi serves a read-only HTTP view of the realtime engine for
// local tooling and health checks.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/mcdev12/tablesync/go/internal/realtime/store"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Version is reported by /info
const Version = "1.0.0"

// Source is the part of the engine the status API reads
type Source interface {
	Status() supervisor.Status
	Topics() []protocol.Topic
	Read(topic protocol.Topic) (store.VersionedState[json.RawMessage], bool)
	Pending(topic protocol.Topic) bool
	SyncError(topic protocol.Topic) error
	WaitingGames() ([]protocol.WaitingGame, bool, error)
}

type Config struct {
	Port           string
	ClientID       string
	AllowedOrigins []string
	// Gatherer enables /metrics when set
	Gatherer prometheus.Gatherer
}

type Server struct {
	source Source
	config Config
	http   *http.Server
}

func NewServer(source Source, config Config) *Server {
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	s := &Server{source: source, config: config}

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%s", config.Port),
		Handler:      h2c.NewHandler(c.Handler(s.Routes()), &http2.Server{}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Routes returns the mux without CORS or h2c, for tests
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /api/topics", s.handleTopics)
	mux.HandleFunc("GET /api/topics/{kind}/{id}", s.handleTopic)
	mux.HandleFunc("GET /api/waiting-games", s.handleWaitingGames)
	if s.config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe blocks until the server stops. Shutdown makes it return nil.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("status API starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// health is ok unless the connection gave up for good
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.source.Status()
	if status.Terminal != nil {
		http.Error(w, status.Terminal.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Warn().Err(err).Msg("failed to write health check response")
	}
}

type infoResponse struct {
	Service    string `json:"service"`
	Version    string `json:"version"`
	ClientID   string `json:"client_id,omitempty"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	Attempt    int    `json:"attempt"`
	RetryInMS  int64  `json:"retry_in_ms,omitempty"`
	UserID     int64  `json:"user_id,omitempty"`
	SyncError  string `json:"sync_error,omitempty"`
	Terminal   string `json:"terminal,omitempty"`
	Remedy     string `json:"remediation,omitempty"`
	Topics     int    `json:"topics"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	status := s.source.Status()
	writeJSON(w, http.StatusOK, infoResponse{
		Service:    "tablesync",
		Version:    Version,
		ClientID:   s.config.ClientID,
		State:      status.State.String(),
		Generation: status.Generation,
		Attempt:    status.Attempt,
		RetryInMS:  status.RetryIn.Milliseconds(),
		UserID:     status.UserID,
		SyncError:  errString(status.SyncErr),
		Terminal:   errString(status.Terminal),
		Remedy:     supervisor.Remediation(status.Terminal),
		Topics:     len(s.source.Topics()),
	})
}

type topicResponse struct {
	Topic         protocol.Topic  `json:"topic"`
	Version       *int64          `json:"version"`
	Provenance    string          `json:"provenance"`
	Authoritative bool            `json:"authoritative"`
	ReceivedAt    time.Time       `json:"received_at"`
	Pending       bool            `json:"pending"`
	SyncError     string          `json:"sync_error,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics := s.source.Topics()
	resp := make([]topicResponse, 0, len(topics))
	for _, topic := range topics {
		if state, ok := s.source.Read(topic); ok {
			resp = append(resp, s.topicResponse(state))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid topic id", http.StatusBadRequest)
		return
	}
	topic := protocol.Topic{Kind: r.PathValue("kind"), ID: id}

	state, ok := s.source.Read(topic)
	if !ok {
		http.Error(w, fmt.Sprintf("no state for %s", topic), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.topicResponse(state))
}

func (s *Server) topicResponse(state store.VersionedState[json.RawMessage]) topicResponse {
	resp := topicResponse{
		Topic:         state.Topic,
		Provenance:    state.Provenance.String(),
		Authoritative: state.Provenance.Authoritative(),
		ReceivedAt:    state.ReceivedAt,
		Pending:       s.source.Pending(state.Topic),
		SyncError:     errString(s.source.SyncError(state.Topic)),
		Payload:       state.Payload,
	}
	if state.Version.Valid {
		v := state.Version.Value
		resp.Version = &v
	}
	return resp
}

func (s *Server) handleWaitingGames(w http.ResponseWriter, r *http.Request) {
	games, ok, err := s.source.WaitingGames()
	if !ok && err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if games == nil {
		games = []protocol.WaitingGame{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": games})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write status response")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
