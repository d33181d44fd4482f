// Package dashboard serves the read-only HTTP API, the Prometheus
// endpoint, and the live WebSocket stream.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardproject/steward/pkg/control"
	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/metrics"
	"github.com/stewardproject/steward/pkg/transcript"
	"github.com/stewardproject/steward/pkg/types"
)

// sessionTailLimit bounds the events returned per session query.
const sessionTailLimit = 100

// Source is the engine-side read surface the dashboard renders.
type Source interface {
	Status(ctx context.Context) (*control.StatusData, error)
	DegradedStatus() *control.StatusData
	ListIssues(args control.ListArgs) ([]control.IssueSummary, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	source      Source
	transcripts *transcript.Store
	hub         *Hub
	logger      zerolog.Logger
	httpServer  *http.Server
}

// NewServer creates a dashboard server on addr.
func NewServer(addr string, source Source, transcripts *transcript.Store, hub *Hub) *Server {
	s := &Server{
		source:      source,
		transcripts: transcripts,
		hub:         hub,
		logger:      log.WithComponent("dashboard"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/issues", s.handleIssues)
	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/sessions/", s.handleSession)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", hub.handleWS)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving; it returns once the listener stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("dashboard listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	status, err := s.source.Status(ctx)
	if err != nil {
		status = s.source.DegradedStatus()
		status.Degraded = true
	}
	writeJSON(w, status)
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.source.ListIssues(control.ListArgs{
		Phase: r.URL.Query().Get("phase"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, summaries)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.DegradedStatus().Slots)
}

// sessionEvent is the summarized transcript event shape.
type sessionEvent struct {
	Seq  uint64               `json:"seq"`
	TS   time.Time            `json:"ts"`
	Kind types.TranscriptKind `json:"kind"`
	Text string               `json:"text,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	issueID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if issueID == "" {
		http.Error(w, "missing issue id", http.StatusBadRequest)
		return
	}
	sessions, err := s.transcripts.SessionsForIssue(issueID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(sessions) == 0 {
		http.Error(w, "no sessions for issue", http.StatusNotFound)
		return
	}

	latest := sessions[len(sessions)-1]
	raw, err := s.transcripts.LastEvents(latest.ID, sessionTailLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]sessionEvent, 0, len(raw))
	for _, ev := range raw {
		out = append(out, sessionEvent{
			Seq:  ev.Seq,
			TS:   ev.TS,
			Kind: ev.Kind,
			Text: summarizePayload(ev.Payload),
		})
	}
	writeJSON(w, map[string]interface{}{
		"session": latest,
		"events":  out,
	})
}

// summarizePayload extracts a short display string from an event payload.
func summarizePayload(payload json.RawMessage) string {
	var probe struct {
		Text    string `json:"text"`
		Name    string `json:"name"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if json.Unmarshal(payload, &probe) != nil {
		return ""
	}
	switch {
	case probe.Text != "":
		return truncate(probe.Text, 200)
	case probe.Message != "":
		return truncate(probe.Message, 200)
	case probe.Name != "":
		return probe.Name
	case probe.Reason != "":
		return probe.Reason
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
