// Package web serves the operational status API: JSON endpoints for
// dashboards, a WebSocket stream of bus events, and rendered check-in
// history pages.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/darcyhq/stella/internal/buildinfo"
	"github.com/darcyhq/stella/internal/checkup"
	"github.com/darcyhq/stella/internal/events"
	"github.com/darcyhq/stella/internal/roster"
	"github.com/darcyhq/stella/internal/scheduler"
)

// SessionSource exposes live check-in sessions for the dashboard. The
// concrete implementation is *checkup.Manager.
type SessionSource interface {
	ActiveSessions() []*checkup.Session
}

// writeJSON encodes v as JSON to w, logging any errors at debug
// level. Errors here typically mean the client disconnected.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server.
type Server struct {
	address   string
	port      int
	logger    *slog.Logger
	bus       *events.Bus
	sessions  SessionSource
	checkups  *checkup.Store
	roster    *roster.Store
	scheduler *scheduler.Scheduler

	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a status server.
func NewServer(address string, port int, logger *slog.Logger, bus *events.Bus,
	sessions SessionSource, checkups *checkup.Store, rosterStore *roster.Store,
	sched *scheduler.Scheduler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		logger:    logger,
		bus:       bus,
		sessions:  sessions,
		checkups:  checkups,
		roster:    rosterStore,
		scheduler: sched,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/members", s.handleMembers)
	mux.HandleFunc("GET /v1/members/{id}/history", s.handleMemberHistory)
	mux.HandleFunc("GET /members/{id}/history", s.handleMemberHistoryHTML)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("starting status server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type sessionView struct {
		SessionID  string `json:"session_id"`
		SubjectID  string `json:"subject_id"`
		MemberName string `json:"member_name"`
		ChannelID  string `json:"channel_id"`
		StartedAt  string `json:"started_at"`
	}
	type triggerView struct {
		ID       string `json:"id"`
		MemberID string `json:"member_id"`
		FireAt   string `json:"fire_at"`
	}

	var sessions []sessionView
	if s.sessions != nil {
		for _, sess := range s.sessions.ActiveSessions() {
			sessions = append(sessions, sessionView{
				SessionID:  sess.ID,
				SubjectID:  sess.SubjectID,
				MemberName: sess.MemberName,
				ChannelID:  sess.ChannelID,
				StartedAt:  sess.StartedAt.Format(time.RFC3339),
			})
		}
	}

	var triggers []triggerView
	if s.scheduler != nil {
		pending, err := s.scheduler.Pending()
		if err != nil {
			s.logger.Warn("failed to list pending triggers", "error", err)
		}
		for _, t := range pending {
			triggers = append(triggers, triggerView{
				ID:       t.ID,
				MemberID: t.MemberID,
				FireAt:   t.FireAt.Format(time.RFC3339),
			})
		}
	}

	writeJSON(w, map[string]any{
		"uptime":            buildinfo.Uptime().Truncate(time.Second).String(),
		"version":           buildinfo.Version,
		"active_sessions":   sessions,
		"pending_triggers":  triggers,
		"event_subscribers": s.bus.SubscriberCount(),
	}, s.logger)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.roster.ListAll()
	if err != nil {
		http.Error(w, "failed to list members", http.StatusInternalServerError)
		return
	}

	type memberView struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Email   string `json:"email,omitempty"`
		Role    string `json:"role,omitempty"`
		Profile string `json:"profile,omitempty"`
	}
	out := make([]memberView, 0, len(members))
	for _, m := range members {
		v := memberView{ID: m.ID.String(), Name: m.Name, Email: m.Email, Role: m.Role}
		if rec, err := s.checkups.Current(m.ID.String()); err == nil {
			v.Profile = rec.Profile
		}
		out = append(out, v)
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleMemberHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.checkups.History(r.PathValue("id"), 20)
	if err != nil {
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records, s.logger)
}

// handleMemberHistoryHTML renders a member's check-in history as an
// HTML page from internally generated markdown.
func (s *Server) handleMemberHistoryHTML(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("id")

	name := subjectID
	if n, ok := s.roster.MemberName(subjectID); ok {
		name = n
	}

	records, err := s.checkups.History(subjectID, 20)
	if err != nil {
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	md := historyMarkdown(name, records)
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(md), &body); err != nil {
		http.Error(w, "failed to render history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>Check-ins: %s</title></head>\n<body>\n%s</body>\n</html>\n", name, body.String())
}

// historyMarkdown renders check-in records as a markdown document.
func historyMarkdown(name string, records []*checkup.Record) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Check-ins: %s\n\n", name)
	if len(records) == 0 {
		b.WriteString("No check-ins recorded yet.\n")
		return b.String()
	}
	for _, rec := range records {
		fmt.Fprintf(&b, "## %s", rec.StartTime.Format("2006-01-02"))
		if rec.IsCurrent {
			b.WriteString(" (current)")
		}
		b.WriteString("\n\n")
		if rec.Summary != "" {
			fmt.Fprintf(&b, "%s\n\n", rec.Summary)
		}
		if rec.Mood != "" {
			fmt.Fprintf(&b, "**Mood:** %s\n\n", rec.Mood)
		}
		if len(rec.Blockers) > 0 {
			b.WriteString("**Blockers:**\n\n")
			for _, bl := range rec.Blockers {
				fmt.Fprintf(&b, "- %s\n", bl)
			}
			b.WriteString("\n")
		}
		if len(rec.Highlights) > 0 {
			b.WriteString("**Highlights:**\n\n")
			for _, h := range rec.Highlights {
				fmt.Fprintf(&b, "- %s\n", h)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// handleEvents upgrades to a WebSocket and streams bus events as JSON
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine: detect client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
