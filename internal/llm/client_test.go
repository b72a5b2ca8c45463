package llm

import (
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
)

func seqOf(frags []string, tail error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range frags {
			if !yield(f, nil) {
				return
			}
		}
		if tail != nil {
			yield("", tail)
		}
	}
}

func TestCollectConcatenatesInOrder(t *testing.T) {
	var seen []string
	text, n, err := Collect(seqOf([]string{"안", "", "녕", "하세요"}, nil), func(f string) {
		seen = append(seen, f)
	})
	assert.NoError(t, err)
	assert.Equal(t, "안녕하세요", text)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"안", "녕", "하세요"}, seen)
}

func TestCollectReturnsPartialOnError(t *testing.T) {
	boom := errors.New("boom")
	text, n, err := Collect(seqOf([]string{"부분", "응답"}, boom), nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "부분응답", text)
	assert.Equal(t, 2, n)
}

func TestCollectEmptyStream(t *testing.T) {
	text, n, err := Collect(seqOf(nil, nil), nil)
	assert.NoError(t, err)
	assert.Empty(t, text)
	assert.Zero(t, n)
}
