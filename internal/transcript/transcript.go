// Package transcript holds the ordered, role-tagged message log of a session.
package transcript

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
	"github.com/MingMingbee/chatbot-experiment/internal/script"
)

// ErrNotAppendable is returned when a caller tries to append a hidden
// instruction after initialization, or an entry with an unknown role.
var ErrNotAppendable = errors.New("message cannot be appended to transcript")

// Store is the in-memory transcript. It is append-only; the hidden
// instruction, the optional condition declaration and the seed are written by
// New and by nothing else. Store is not safe for concurrent use.
type Store struct {
	messages []domain.Message
	preamble int
}

// New initializes a transcript: hidden instruction, the condition declaration
// when code is non-blank, then the visible seed.
func New(s *script.Script, conditionCode string) *Store {
	msgs := make([]domain.Message, 0, 8)
	msgs = append(msgs, domain.SystemMessage(s.SystemPrompt))
	if code := strings.TrimSpace(conditionCode); code != "" {
		msgs = append(msgs, domain.SystemMessage(s.ConditionDeclaration(code)))
	}
	msgs = append(msgs, domain.AssistantMessage(s.Seed))
	return &Store{messages: msgs, preamble: len(msgs)}
}

// Len returns the number of entries.
func (t *Store) Len() int {
	return len(t.messages)
}

// PreambleLen returns the number of entries written by initialization.
func (t *Store) PreambleLen() int {
	return t.preamble
}

// Messages returns a copy of every entry in order.
func (t *Store) Messages() []domain.Message {
	out := make([]domain.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// With returns a copy of the transcript followed by extra, without modifying
// the store. It is used to build a turn's request before the turn commits.
func (t *Store) With(extra ...domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(t.messages)+len(extra))
	out = append(out, t.messages...)
	return append(out, extra...)
}

// Append adds participant and assistant entries. Either all of msgs are
// appended or none are.
func (t *Store) Append(msgs ...domain.Message) error {
	for _, m := range msgs {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			return fmt.Errorf("%w: role %q", ErrNotAppendable, m.Role)
		}
	}
	t.messages = append(t.messages, msgs...)
	return nil
}

// Visible filters out hidden entries unless debug is set.
func Visible(msgs []domain.Message, debug bool) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Hidden() && !debug {
			continue
		}
		out = append(out, m)
	}
	return out
}
