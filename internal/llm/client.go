// Package llm streams chat completions from the model backend.
package llm

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
)

var (
	// ErrBackendUnavailable means the request could not be made or the
	// backend refused it.
	ErrBackendUnavailable = errors.New("model backend unavailable")
	// ErrStreamFailure means the stream broke, stalled, or carried a payload
	// that could not be understood.
	ErrStreamFailure = errors.New("model stream failed")
)

// StreamClient sends a full transcript and yields the reply incrementally.
// The sequence ends after the completion signal, or with a single error.
type StreamClient interface {
	Stream(ctx context.Context, messages []domain.Message, model string, temperature float64) iter.Seq2[string, error]
}

// Collect drains seq in delivery order. onFragment, when non-nil, receives
// each non-empty fragment as it arrives. On error the partial text collected
// so far is returned along with the error.
func Collect(seq iter.Seq2[string, error], onFragment func(string)) (string, int, error) {
	var b strings.Builder
	n := 0
	for frag, err := range seq {
		if err != nil {
			return b.String(), n, err
		}
		if frag == "" {
			continue
		}
		n++
		b.WriteString(frag)
		if onFragment != nil {
			onFragment(frag)
		}
	}
	return b.String(), n, nil
}
