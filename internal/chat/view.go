package chat

import (
	"github.com/MingMingbee/chatbot-experiment/internal/domain"
	"github.com/MingMingbee/chatbot-experiment/internal/persona"
	"github.com/MingMingbee/chatbot-experiment/internal/session"
	"github.com/MingMingbee/chatbot-experiment/internal/transcript"
)

// Frame types exchanged on the websocket surface. The SSE surface uses the
// same names for its events.
const (
	frameSnapshot = "snapshot"
	frameFragment = "fragment"
	frameMessage  = "message"
	frameNotice   = "notice"
	frameError    = "error"
	frameDone     = "done"
	framePong     = "pong"
)

// Error codes returned to clients.
const (
	codeTurnInProgress     = "turn_in_progress"
	codeBackendUnavailable = "backend_unavailable"
	codeStreamFailed       = "stream_failed"
	codeResetFailed        = "reset_failed"
)

// sessionView is what a render surface needs to draw a session.
type sessionView struct {
	State       session.State      `json:"state"`
	Epoch       int                `json:"epoch"`
	Messages    []domain.Message   `json:"messages"`
	Placeholder string             `json:"placeholder"`
	Debug       bool               `json:"debug"`
	Condition   string             `json:"condition,omitempty"`
	Colleague   *persona.Colleague `json:"colleague,omitempty"`
}

// serverFrame is a websocket frame sent to the client.
type serverFrame struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Session *sessionView    `json:"session,omitempty"`
}

// clientFrame is a websocket frame received from the client.
type clientFrame struct {
	Type     string  `json:"type"`
	Content  string  `json:"content,omitempty"`
	TypeCode *string `json:"type_code,omitempty"`
}

func (h *Handler) view(ctrl *session.Controller) *sessionView {
	snap := ctrl.Snapshot()
	v := &sessionView{
		State:       snap.State,
		Epoch:       snap.Epoch,
		Messages:    transcript.Visible(snap.Messages, h.cfg.Debug),
		Placeholder: h.script.Placeholder,
		Debug:       h.cfg.Debug,
	}
	if h.cfg.Debug {
		v.Condition = snap.ConditionCode
		if c, ok := ctrl.Colleague(); ok {
			v.Colleague = &c
		}
	}
	return v
}
