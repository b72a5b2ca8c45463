package transcript

import (
	"github.com/MingMingbee/chatbot-experiment/internal/domain"
)

// Window limits how much history is sent to the model on each turn. The
// stored transcript is never truncated.
type Window struct {
	// MaxTurns is the number of most recent user-initiated turns to keep.
	// Zero or negative sends the full transcript.
	MaxTurns int
}

// Apply returns the messages to send. Everything before the first user
// message (instruction, condition declaration, seed) is always kept.
func (w Window) Apply(msgs []domain.Message) []domain.Message {
	if w.MaxTurns <= 0 {
		return msgs
	}

	var userIdx []int
	for i, m := range msgs {
		if m.Role == domain.RoleUser {
			userIdx = append(userIdx, i)
		}
	}
	if len(userIdx) <= w.MaxTurns {
		return msgs
	}

	preambleEnd := userIdx[0]
	keepFrom := userIdx[len(userIdx)-w.MaxTurns]

	out := make([]domain.Message, 0, preambleEnd+len(msgs)-keepFrom)
	out = append(out, msgs[:preambleEnd]...)
	return append(out, msgs[keepFrom:]...)
}
