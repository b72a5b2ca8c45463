package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MingMingbee/chatbot-experiment/internal/identity"
	"github.com/MingMingbee/chatbot-experiment/internal/intake"
	"github.com/MingMingbee/chatbot-experiment/internal/session"
)

// WebSocketHandler serves the live chat render surface.
type WebSocketHandler struct {
	chat          *Handler
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler sharing the chat
// handler's registry, hub and limits.
func NewWebSocketHandler(chat *Handler, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		chat:          chat,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKey(r.Context())
	slog.Info("WebSocket connection request", "session_key", key, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_key", key)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_key", key)
		}
	}()

	h.chat.hub.Register(key, ws)
	defer h.chat.hub.Unregister(key, ws)

	ctx := r.Context()
	if err := h.writeFrame(ctx, ws, serverFrame{Type: frameSnapshot, Session: h.chat.view(h.chat.controller(r))}); err != nil {
		slog.Debug("Failed to send snapshot", "error", err)
		return
	}

	h.readLoop(ctx, ws, r, key)
	slog.Info("Chat view closed", "session_key", key)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || h.allowedOrigin == "" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop keeps reading while turns stream so pings and close frames are
// handled mid-turn. Inputs and resets run on a worker goroutine, one after
// another in arrival order. An input that arrives while the previous one is
// still running is refused with turn_in_progress, matching the HTTP surface.
// Closing the view cancels the running work and waits for it.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, r *http.Request, key string) {
	ctx, cancel := context.WithCancel(ctx)
	var (
		work sync.WaitGroup
		last chan struct{} // closed when the newest queued action finishes
	)
	defer func() {
		cancel()
		work.Wait()
	}()

	idle := func() bool {
		if last == nil {
			return true
		}
		select {
		case <-last:
			return true
		default:
			return false
		}
	}
	enqueue := func(fn func()) {
		prev, done := last, make(chan struct{})
		last = done
		work.Add(1)
		go func() {
			defer work.Done()
			defer close(done)
			if prev != nil {
				select {
				case <-prev:
				case <-ctx.Done():
					return
				}
			}
			fn()
		}()
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_key", key)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_key", key)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(ctx, ws, "invalid_frame")
			continue
		}

		switch frame.Type {
		case "input":
			if !idle() {
				h.sendError(ctx, ws, codeTurnInProgress)
				continue
			}
			text := frame.Content
			enqueue(func() { h.handleInput(ctx, ws, r, key, text) })
		case "reset":
			typeCode := frame.TypeCode
			enqueue(func() { h.handleReset(ctx, ws, r, key, typeCode) })
		case "ping":
			if err := h.writeFrame(ctx, ws, serverFrame{Type: framePong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		default:
			h.sendError(ctx, ws, "unknown_frame")
		}
	}
}

func (h *WebSocketHandler) handleInput(ctx context.Context, ws *websocket.Conn, r *http.Request, key, text string) {
	if text == "" {
		h.sendError(ctx, ws, "message_required")
		return
	}
	if !h.chat.rateLimiter.Allow(identity.ParticipantIDFromContext(ctx)) {
		h.sendError(ctx, ws, "rate_limited")
		return
	}

	ctrl := h.chat.controller(r)
	res, err := ctrl.Submit(ctx, text, func(frag string) {
		if writeErr := h.writeFrame(ctx, ws, serverFrame{Type: frameFragment, Content: frag}); writeErr != nil {
			slog.Debug("Failed to send fragment", "error", writeErr)
		}
	})

	switch {
	case errors.Is(err, session.ErrTurnInProgress):
		h.sendError(ctx, ws, codeTurnInProgress)
	case errors.Is(err, intake.ErrInvalidFormat):
		h.chat.logEvent(r, "chat_ws", "outbound", "chat_user_message", text, nil)
		h.chat.logEvent(r, "chat_ws", "inbound", "format_notice", res.Notice, nil)
		if err := h.writeFrame(ctx, ws, serverFrame{Type: frameNotice, Content: res.Notice}); err != nil {
			slog.Debug("Failed to send notice", "error", err)
		}
	case err != nil:
		slog.Error("Chat turn failed", "session_key", key, "error", err)
		h.chat.logEvent(r, "chat_ws", "outbound", "chat_user_message", text, nil)
		h.chat.logEvent(r, "chat_ws", "inbound", "chat_assistant_message", res.Partial, map[string]any{
			"stream_chunks": res.Fragments,
			"partial":       true,
			"stream_error":  err.Error(),
		})
		h.sendError(ctx, ws, errorCode(err))
	default:
		content := ""
		if res.Reply != nil {
			content = res.Reply.Content
		}
		h.chat.logEvent(r, "chat_ws", "outbound", "chat_user_message", text, nil)
		h.chat.logEvent(r, "chat_ws", "inbound", "chat_assistant_message", content, map[string]any{
			"stream_chunks": res.Fragments,
			"partial":       false,
		})
		h.chat.broadcastTurn(key, nil, text, res.Reply)
	}
}

func (h *WebSocketHandler) handleReset(ctx context.Context, ws *websocket.Conn, r *http.Request, key string, typeCode *string) {
	ctrl := h.chat.controller(r)
	code := ctrl.Snapshot().ConditionCode
	if typeCode != nil {
		code = *typeCode
	}
	if err := ctrl.Reset(ctx, code); err != nil {
		slog.Warn("Chat reset failed", "session_key", key, "error", err)
		h.sendError(ctx, ws, codeResetFailed)
		return
	}
	h.chat.logEvent(r, "chat_ws", "outbound", "chat_reset", "", map[string]any{"condition_code": code})
	h.chat.hub.Broadcast(key, nil, serverFrame{Type: frameSnapshot, Session: h.chat.view(ctrl)})
}

func (h *WebSocketHandler) sendError(ctx context.Context, ws *websocket.Conn, code string) {
	if err := h.writeFrame(ctx, ws, serverFrame{Type: frameError, Error: code}); err != nil {
		slog.Debug("Failed to send error frame", "error", err, "code", code)
	}
}

func (h *WebSocketHandler) writeFrame(ctx context.Context, ws *websocket.Conn, frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, frameWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
