package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/avelin/callflow/internal/config"
	"github.com/avelin/callflow/internal/flow"
	"github.com/avelin/callflow/internal/observability"
	"github.com/avelin/callflow/internal/protocol"
)

var errEmptyBody = errors.New("empty body")

type Server struct {
	cfg      config.Config
	manager  *flow.Manager
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager *flow.Manager, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; other sites must not drive a caller's session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/flow/session", s.handleCreateSession)
	r.Get("/v1/flow/session/{id}", s.handleGetSession)
	r.Post("/v1/flow/session/{id}/end", s.handleEndSession)
	r.Get("/v1/flow/session/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.manager.ActiveCount(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

// createSessionRequest optionally overrides deployment flow defaults for one
// call. Zero fields keep the default.
type createSessionRequest struct {
	MinPauseMS              int64  `json:"min_pause_ms"`
	MaxUserTalkMS           int64  `json:"max_user_talk_ms"`
	TurnTimeoutMS           int64  `json:"turn_timeout_ms"`
	MaxSilenceMS            int64  `json:"max_silence_ms"`
	ConversationTimeoutMS   int64  `json:"conversation_timeout_ms"`
	InterruptGraceMS        int64  `json:"interrupt_grace_ms"`
	MaxTurns                int    `json:"max_turns"`
	MaxTokens               int    `json:"max_tokens"`
	WarnTurns               int    `json:"warn_turns"`
	MaxCollaboratorFailures int    `json:"max_collaborator_failures"`
	InterruptFallback       string `json:"interrupt_fallback"`
}

type createSessionResponse struct {
	SessionID             string     `json:"session_id"`
	State                 flow.State `json:"state"`
	StartedAt             time.Time  `json:"started_at"`
	ConversationTimeoutMS int64      `json:"conversation_timeout_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cfg := s.manager.Defaults()
	applyOverrides(&cfg, req)
	if req.InterruptFallback != "" {
		fb, err := flow.ParseInterruptFallback(req.InterruptFallback)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_config", err.Error())
			return
		}
		cfg.InterruptFallback = fb
	}

	info, err := s.manager.StartSession(cfg)
	if err != nil {
		if errors.Is(err, flow.ErrInvalidConfig) {
			respondError(w, http.StatusBadRequest, "invalid_config", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_start_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:             info.ID,
		State:                 info.State,
		StartedAt:             info.StartedAt,
		ConversationTimeoutMS: cfg.ConversationTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.manager.GetSession(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.manager.EndSession(id, flow.EndReasonClientRequest); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	info, err := s.manager.GetSession(id)
	if err != nil {
		// Session already swept; ending it was still a success.
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "state": flow.StateEnded})
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	decisions, err := s.manager.Decisions(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for d := range decisions {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(decisionToWire(d)); err != nil {
				return
			}
			s.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeDecisionEvent)).Inc()
		}
		// Decision stream closed: session over, tell the client to hang up.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second))
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = conn.WriteJSON(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_message",
				Detail:    err.Error(),
			})
			continue
		}
		s.routeClientMessage(sessionID, parsed)
	}
	<-writerDone
}

func (s *Server) routeClientMessage(sessionID string, parsed any) {
	switch m := parsed.(type) {
	case protocol.AudioFrame:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeAudioFrame)).Inc()
		_ = s.manager.Push(sessionID, flow.FrameEvent{Energy: m.Energy, At: tsToTime(m.TSMs)})
	case protocol.Transcript:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeTranscript)).Inc()
		_ = s.manager.Push(sessionID, flow.TranscriptEvent{Text: m.Text, At: tsToTime(m.TSMs)})
	case protocol.PlaybackComplete:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypePlaybackComplete)).Inc()
		_ = s.manager.Push(sessionID, flow.PlaybackDoneEvent{TurnID: m.TurnID, At: tsToTime(m.TSMs)})
	case protocol.ClientControl:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientControl)).Inc()
		if m.Action == "end" {
			_ = s.manager.EndSession(sessionID, flow.EndReasonClientRequest)
		}
	}
}

func decisionToWire(d flow.Decision) protocol.DecisionEvent {
	evt := protocol.DecisionEvent{
		Type:      protocol.TypeDecisionEvent,
		SessionID: d.SessionID,
		Decision:  string(d.Type),
		TurnID:    d.TurnID,
		Text:      d.Text,
		Reason:    d.Reason,
		TSMs:      d.At.UnixMilli(),
	}
	for _, t := range d.Context {
		evt.Context = append(evt.Context, protocol.ContextTurn{Speaker: string(t.Speaker), Text: t.Text})
	}
	return evt
}

func tsToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func applyOverrides(cfg *flow.Config, req createSessionRequest) {
	if req.MinPauseMS > 0 {
		cfg.MinPauseBeforeResponse = time.Duration(req.MinPauseMS) * time.Millisecond
	}
	if req.MaxUserTalkMS > 0 {
		cfg.MaxUserTalkTime = time.Duration(req.MaxUserTalkMS) * time.Millisecond
	}
	if req.TurnTimeoutMS > 0 {
		cfg.TurnTimeout = time.Duration(req.TurnTimeoutMS) * time.Millisecond
	}
	if req.MaxSilenceMS > 0 {
		cfg.MaxSilenceDuration = time.Duration(req.MaxSilenceMS) * time.Millisecond
	}
	if req.ConversationTimeoutMS > 0 {
		cfg.ConversationTimeout = time.Duration(req.ConversationTimeoutMS) * time.Millisecond
	}
	if req.InterruptGraceMS > 0 {
		cfg.InterruptGrace = time.Duration(req.InterruptGraceMS) * time.Millisecond
	}
	if req.MaxTurns > 0 {
		cfg.MaxConversationTurns = req.MaxTurns
	}
	if req.MaxTokens > 0 {
		cfg.MaxTotalTokens = req.MaxTokens
	}
	if req.WarnTurns > 0 {
		cfg.ContextWarningTurns = req.WarnTurns
	}
	if req.MaxCollaboratorFailures > 0 {
		cfg.MaxCollaboratorFailures = req.MaxCollaboratorFailures
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(body, dst)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, map[string]string{
		"error":  code,
		"detail": detail,
	})
}
