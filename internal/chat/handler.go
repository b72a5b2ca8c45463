// Package chat serves the experiment conversation over HTTP (SSE) and
// websockets.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/MingMingbee/chatbot-experiment/internal/api"
	"github.com/MingMingbee/chatbot-experiment/internal/domain"
	"github.com/MingMingbee/chatbot-experiment/internal/identity"
	"github.com/MingMingbee/chatbot-experiment/internal/intake"
	"github.com/MingMingbee/chatbot-experiment/internal/llm"
	"github.com/MingMingbee/chatbot-experiment/internal/script"
	"github.com/MingMingbee/chatbot-experiment/internal/session"
)

// defaultMaxRequestBodySize is used when HandlerConfig leaves it unset.
const defaultMaxRequestBodySize = 64 << 10

// HandlerConfig holds the HTTP-facing experiment settings.
type HandlerConfig struct {
	// DefaultTypeCode applies when a request carries no ?type= parameter.
	DefaultTypeCode   string
	Debug             bool
	MaxRequestBody    int64
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Handler handles chat HTTP requests.
type Handler struct {
	registry    *session.Registry
	script      *script.Script
	hub         *Hub
	rateLimiter *RateLimiter
	log         ConversationLogger
	cfg         HandlerConfig
}

// ChatRequest is the body of POST /api/chat/messages.
type ChatRequest struct {
	Message string `json:"message"`
}

// NewHandler creates a chat handler. convLog may be nil.
func NewHandler(registry *session.Registry, s *script.Script, hub *Hub, convLog ConversationLogger, cfg HandlerConfig) *Handler {
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if hub == nil {
		hub = NewHub()
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = defaultMaxRequestBodySize
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 20
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Handler{
		registry:    registry,
		script:      s,
		hub:         hub,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		log:         convLog,
		cfg:         cfg,
	}
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/session", h.HandleSession)
		r.Post("/messages", h.HandleMessage)
		r.Post("/reset", h.HandleReset)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	h.hub.CloseAll()
	if err := h.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

// conditionFromRequest returns the ?type= value, or the deployment default
// when the parameter is absent.
func (h *Handler) conditionFromRequest(r *http.Request) string {
	if q := r.URL.Query(); q.Has("type") {
		return strings.TrimSpace(q.Get("type"))
	}
	return h.cfg.DefaultTypeCode
}

func (h *Handler) controller(r *http.Request) *session.Controller {
	ctrl, _ := h.registry.GetOrCreate(identity.SessionKey(r.Context()), h.conditionFromRequest(r))
	return ctrl
}

// HandleSession handles GET /api/chat/session.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.view(h.controller(r)))
}

// HandleReset handles POST /api/chat/reset. The session is initialized again
// with ?type= when given, otherwise with its current condition code.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKey(r.Context())
	ctrl, _ := h.registry.GetOrCreate(key, h.conditionFromRequest(r))

	code := ctrl.Snapshot().ConditionCode
	if r.URL.Query().Has("type") {
		code = strings.TrimSpace(r.URL.Query().Get("type"))
	}

	if err := ctrl.Reset(r.Context(), code); err != nil {
		slog.Warn("Chat reset failed", "session_key", key, "error", err)
		api.Error(w, http.StatusServiceUnavailable, codeResetFailed)
		return
	}

	h.logEvent(r, "chat_http", "outbound", "chat_reset", "", map[string]any{"condition_code": code})

	v := h.view(ctrl)
	h.hub.Broadcast(key, nil, serverFrame{Type: frameSnapshot, Session: v})
	api.JSON(w, http.StatusOK, v)
}

// HandleMessage handles POST /api/chat/messages and streams the reply as SSE.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	participantID := identity.ParticipantIDFromContext(r.Context())
	if participantID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(participantID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBody)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key := identity.SessionKey(r.Context())
	ctrl := h.controller(r)
	reqID := chiMiddleware.GetReqID(r.Context())

	slog.Info("Chat message",
		"session_key", key,
		"state", ctrl.State(),
		"message_length", len(req.Message),
		"request_id", reqID,
	)

	streaming := false
	startStream := func() {
		if streaming {
			return
		}
		streaming = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	res, err := ctrl.Submit(r.Context(), req.Message, func(frag string) {
		startStream()
		if writeErr := writeSSEJSON(w, frameFragment, map[string]string{"content": frag}); writeErr != nil {
			slog.Debug("failed to write SSE fragment", "error", writeErr)
			return
		}
		flusher.Flush()
	})

	if errors.Is(err, session.ErrTurnInProgress) {
		api.Error(w, http.StatusConflict, codeTurnInProgress)
		return
	}

	h.logEvent(r, "chat_http", "outbound", "chat_user_message", req.Message, map[string]any{"request_id": reqID})
	startStream()

	switch {
	case errors.Is(err, intake.ErrInvalidFormat):
		h.logEvent(r, "chat_http", "inbound", "format_notice", res.Notice, map[string]any{"request_id": reqID})
		h.writeEvent(w, flusher, frameNotice, map[string]string{"content": res.Notice})
	case err != nil:
		code := errorCode(err)
		slog.Error("Chat turn failed", "session_key", key, "error", err)
		h.logEvent(r, "chat_http", "inbound", "chat_assistant_message", res.Partial, map[string]any{
			"stream_chunks": res.Fragments,
			"partial":       true,
			"stream_error":  err.Error(),
			"request_id":    reqID,
		})
		h.writeEvent(w, flusher, frameError, map[string]string{"error": code})
	default:
		content := ""
		if res.Reply != nil {
			content = res.Reply.Content
		}
		h.logEvent(r, "chat_http", "inbound", "chat_assistant_message", content, map[string]any{
			"stream_chunks": res.Fragments,
			"partial":       false,
			"request_id":    reqID,
		})
		h.writeEvent(w, flusher, frameDone, map[string]any{"message": res.Reply, "state": res.State})
		h.broadcastTurn(key, nil, req.Message, res.Reply)
	}
}

// broadcastTurn pushes a committed turn to the websocket views of a session.
func (h *Handler) broadcastTurn(key string, skip *websocket.Conn, userText string, reply *domain.Message) {
	user := domain.UserMessage(userText)
	h.hub.Broadcast(key, skip, serverFrame{Type: frameMessage, Message: &user})
	if reply != nil {
		h.hub.Broadcast(key, skip, serverFrame{Type: frameMessage, Message: reply})
	}
}

func (h *Handler) writeEvent(w io.Writer, flusher http.Flusher, event string, v any) {
	if err := writeSSEJSON(w, event, v); err != nil {
		slog.Warn("failed to write SSE event", "event", event, "error", err)
		return
	}
	flusher.Flush()
}

func (h *Handler) logEvent(r *http.Request, channel, direction, eventType, content string, meta map[string]any) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     identity.ParticipantIDFromContext(r.Context()),
		SessionID:  identity.SessionIDFromContext(r.Context()),
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// errorCode maps a failed turn to the code shown to the client.
func errorCode(err error) string {
	if errors.Is(err, llm.ErrBackendUnavailable) {
		return codeBackendUnavailable
	}
	return codeStreamFailed
}

func writeSSEJSON(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	return writeSSE(w, event, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
