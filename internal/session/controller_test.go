package session

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
	"github.com/MingMingbee/chatbot-experiment/internal/intake"
	"github.com/MingMingbee/chatbot-experiment/internal/llm"
	"github.com/MingMingbee/chatbot-experiment/internal/persona"
	"github.com/MingMingbee/chatbot-experiment/internal/script"
	"github.com/MingMingbee/chatbot-experiment/internal/transcript"
)

type streamCall struct {
	messages    []domain.Message
	model       string
	temperature float64
}

// fakeClient replays fragments and then err. When gate is non-nil the stream
// waits for it to close before yielding anything.
type fakeClient struct {
	fragments []string
	err       error
	gate      chan struct{}
	started   chan struct{}

	mu    sync.Mutex
	calls []streamCall
}

func (f *fakeClient) Stream(ctx context.Context, msgs []domain.Message, model string, temperature float64) iter.Seq2[string, error] {
	f.mu.Lock()
	f.calls = append(f.calls, streamCall{messages: msgs, model: model, temperature: temperature})
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		if f.started != nil {
			close(f.started)
		}
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
		for _, frag := range f.fragments {
			if !yield(frag, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeClient) Calls() []streamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]streamCall(nil), f.calls...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	intakes []domain.IntakeArchive
	turns   []domain.TurnRecord
}

func (r *fakeRecorder) RecordIntake(_ context.Context, rec domain.IntakeArchive) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intakes = append(r.intakes, rec)
	return nil
}

func (r *fakeRecorder) RecordTurn(_ context.Context, rec domain.TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, rec)
	return nil
}

func loadScript(t *testing.T) *script.Script {
	t.Helper()
	s, err := script.Load()
	require.NoError(t, err)
	return s
}

func newTestController(t *testing.T, code string, client llm.StreamClient, mods ...func(*Options)) *Controller {
	t.Helper()
	opts := Options{
		Script:   loadScript(t),
		Client:   client,
		Settings: Settings{Model: "gpt-4o-mini", Temperature: 0},
	}
	for _, mod := range mods {
		mod(&opts)
	}
	return NewController("p1:default", code, opts)
}

func activate(t *testing.T, c *Controller) {
	t.Helper()
	_, err := c.Submit(context.Background(), "김수진, 2, 2, 1", nil)
	require.NoError(t, err)
	require.Equal(t, Active, c.State())
}

func TestNewControllerPreamble(t *testing.T) {
	t.Parallel()

	s := loadScript(t)

	withCode := newTestController(t, "3", &fakeClient{})
	msgs := withCode.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.SystemMessage(s.SystemPrompt), msgs[0])
	assert.Equal(t, domain.SystemMessage("ConditionCode=3"), msgs[1])
	assert.Equal(t, domain.AssistantMessage(s.Seed), msgs[2])
	assert.Equal(t, AwaitingFirstInput, withCode.State())

	without := newTestController(t, "", &fakeClient{})
	msgs = without.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleSystem, msgs[0].Role)
	assert.Equal(t, domain.AssistantMessage(s.Seed), msgs[1])
}

func TestSubmitRejectsMalformedIntake(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"김수진, 3, 1, 1",
		"김수진 2 2 1",
		"김수진, 2, 2",
		", 1, 1, 1",
		"",
		"안녕하세요",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{fragments: []string{"unused"}}
			c := newTestController(t, "1", client)
			before := c.Messages()

			res, err := c.Submit(context.Background(), in, nil)
			require.ErrorIs(t, err, intake.ErrInvalidFormat)
			assert.Equal(t, "입력 형식이 올바르지 않습니다", res.Notice)
			assert.Nil(t, res.Reply)
			assert.Equal(t, AwaitingFirstInput, res.State)
			assert.Equal(t, before, c.Messages())
			assert.Equal(t, AwaitingFirstInput, c.State())
			assert.Empty(t, client.Calls(), "model must not be called")
		})
	}
}

func TestSubmitValidIntakeActivates(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fragments: []string{"안", "녕", "하세요"}}
	c := newTestController(t, "2", client)
	before := c.Messages()

	var got []string
	res, err := c.Submit(context.Background(), "김수진, 2, 2, 1", func(frag string) {
		got = append(got, frag)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"안", "녕", "하세요"}, got)
	require.NotNil(t, res.Reply)
	assert.Equal(t, domain.AssistantMessage("안녕하세요"), *res.Reply)
	assert.Equal(t, 3, res.Fragments)
	assert.Equal(t, Active, res.State)

	after := c.Messages()
	require.Len(t, after, len(before)+2)
	assert.Equal(t, before, after[:len(before)])
	assert.Equal(t, domain.UserMessage("김수진, 2, 2, 1"), after[len(before)])
	assert.Equal(t, domain.AssistantMessage("안녕하세요"), after[len(before)+1])
	assert.Equal(t, Active, c.State())

	snap := c.Snapshot()
	require.NotNil(t, snap.Intake)
	assert.Equal(t, domain.IntakeRecord{Name: "김수진", GenderCode: 2, WorkCode: 2, ToneCode: 1}, *snap.Intake)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, after[:len(before)+1], calls[0].messages)
	assert.Equal(t, "gpt-4o-mini", calls[0].model)
	assert.Zero(t, calls[0].temperature)
}

func TestSubmitActiveForwardsAnyInput(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fragments: []string{"네"}}
	c := newTestController(t, "1", client)
	activate(t, c)

	for _, in := range []string{"정답: 목성, 토성, 지구", "1, 1, 1, 1", ""} {
		before := c.Len()
		_, err := c.Submit(context.Background(), in, nil)
		require.NoError(t, err)
		assert.Equal(t, before+2, c.Len())
	}
	assert.Len(t, client.Calls(), 4)
}

func TestSubmitFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"stream failure", llm.ErrStreamFailure, llm.ErrStreamFailure},
		{"backend unavailable", llm.ErrBackendUnavailable, llm.ErrBackendUnavailable},
		{"unclassified", errors.New("boom"), llm.ErrStreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{fragments: []string{"부분", "응답"}, err: tt.err}
			c := newTestController(t, "4", client)
			before := c.Snapshot()

			res, err := c.Submit(context.Background(), "김수진, 2, 2, 1", nil)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, "부분응답", res.Partial)
			assert.Nil(t, res.Reply)
			assert.Equal(t, before, c.Snapshot())
			assert.Equal(t, AwaitingFirstInput, c.State())
		})
	}
}

func TestSubmitFailureAfterActivation(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fragments: []string{"좋아요"}}
	c := newTestController(t, "1", client)
	activate(t, c)
	before := c.Messages()

	client.err = llm.ErrStreamFailure
	_, err := c.Submit(context.Background(), "정답: 목성", nil)
	require.ErrorIs(t, err, llm.ErrStreamFailure)
	assert.Equal(t, before, c.Messages())
	assert.Equal(t, Active, c.State())
}

func TestSubmitEmptyStream(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fragments: []string{"", ""}}
	c := newTestController(t, "1", client)
	before := c.Len()

	res, err := c.Submit(context.Background(), "김수진, 2, 2, 1", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Reply)
	assert.Zero(t, res.Fragments)

	msgs := c.Messages()
	require.Len(t, msgs, before+1)
	assert.Equal(t, domain.RoleUser, msgs[len(msgs)-1].Role)
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			assert.NotEmpty(t, m.Content)
		}
	}
	assert.Equal(t, Active, c.State())
}

func TestSubmitStreamTimeout(t *testing.T) {
	t.Parallel()

	client := &fakeClient{gate: make(chan struct{})}
	c := newTestController(t, "1", client, func(o *Options) {
		o.Settings.StreamTimeout = 20 * time.Millisecond
	})
	before := c.Snapshot()

	_, err := c.Submit(context.Background(), "김수진, 2, 2, 1", nil)
	require.ErrorIs(t, err, llm.ErrStreamFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, before, c.Snapshot())
}

func TestSubmitRejectsConcurrentTurn(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		fragments: []string{"안녕"},
		gate:      make(chan struct{}),
		started:   make(chan struct{}),
	}
	c := newTestController(t, "1", client)

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "김수진, 2, 2, 1", nil)
		done <- err
	}()
	<-client.started

	_, err := c.Submit(context.Background(), "이영희, 2, 1, 1", nil)
	require.ErrorIs(t, err, ErrTurnInProgress)

	close(client.gate)
	require.NoError(t, <-done)
	assert.Equal(t, Active, c.State())
	assert.Len(t, client.Calls(), 1)
}

func TestResetWaitsForTurn(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		fragments: []string{"안녕"},
		gate:      make(chan struct{}),
		started:   make(chan struct{}),
	}
	c := newTestController(t, "1", client)

	go func() {
		_, _ = c.Submit(context.Background(), "김수진, 2, 2, 1", nil)
	}()
	<-client.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Reset(ctx, "1"), context.DeadlineExceeded)

	close(client.gate)
	require.NoError(t, c.Reset(context.Background(), "1"))
	assert.Equal(t, AwaitingFirstInput, c.State())
}

func TestResetIsIdempotent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fragments: []string{"반가워요"}}
	c := newTestController(t, "5", client)
	fresh := c.Messages()

	activate(t, c)
	require.NoError(t, c.Reset(context.Background(), "5"))
	first := c.Snapshot()
	require.NoError(t, c.Reset(context.Background(), "5"))
	second := c.Snapshot()

	assert.Equal(t, fresh, first.Messages)
	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, AwaitingFirstInput, second.State)
	assert.Nil(t, second.Intake)
	assert.Equal(t, first.Epoch+1, second.Epoch)
}

func TestResetChangesCondition(t *testing.T) {
	t.Parallel()

	c := newTestController(t, "", &fakeClient{})
	require.Len(t, c.Messages(), 2)

	require.NoError(t, c.Reset(context.Background(), "8"))
	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.SystemMessage("ConditionCode=8"), msgs[1])
	assert.Equal(t, "8", c.Snapshot().ConditionCode)
}

func TestSubmitAppliesWindow(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fragments: []string{"ok"}}
	c := newTestController(t, "1", client, func(o *Options) {
		o.Settings.Window = transcript.Window{MaxTurns: 1}
	})
	activate(t, c)

	_, err := c.Submit(context.Background(), "정답: 목성", nil)
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 2)
	last := calls[1].messages
	// instruction, declaration, seed, then only the newest user message.
	require.Len(t, last, 4)
	assert.Equal(t, domain.UserMessage("정답: 목성"), last[3])
	assert.Equal(t, 7, c.Len(), "stored transcript keeps every entry")
}

func TestSubmitRecordsTurns(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	client := &fakeClient{fragments: []string{"안녕하세요"}}
	c := newTestController(t, "3", client, func(o *Options) {
		o.Recorder = rec
		o.Settings.Temperature = 0.2
	})

	activate(t, c)
	_, err := c.Submit(context.Background(), "정답: 목성", nil)
	require.NoError(t, err)

	require.Len(t, rec.intakes, 1)
	in := rec.intakes[0]
	assert.Equal(t, "p1:default", in.SessionKey)
	assert.Equal(t, c.Instance(), in.InstanceID)
	assert.Equal(t, "3", in.ConditionCode)
	assert.Equal(t, "김수진", in.Record.Name)
	assert.Equal(t, "서연", in.PersonaName)
	assert.Equal(t, "human", in.Humanity)

	require.Len(t, rec.turns, 2)
	assert.Equal(t, c.Instance(), rec.turns[0].InstanceID)
	assert.Equal(t, domain.StageIntake, rec.turns[0].Stage)
	assert.Equal(t, 1, rec.turns[0].Seq)
	assert.Equal(t, domain.StageConversation, rec.turns[1].Stage)
	assert.Equal(t, 2, rec.turns[1].Seq)
	assert.Equal(t, "정답: 목성", rec.turns[1].UserContent)
	assert.Equal(t, "안녕하세요", rec.turns[1].AssistantContent)
	assert.InDelta(t, 0.2, rec.turns[1].Temperature, 1e-9)
}

func TestColleague(t *testing.T) {
	t.Parallel()

	c := newTestController(t, "6", &fakeClient{fragments: []string{"네"}})
	_, ok := c.Colleague()
	assert.False(t, ok)

	activate(t, c)
	col, ok := c.Colleague()
	require.True(t, ok)
	assert.Equal(t, "Julia", col.Name)
	// Code 6: work style matches, tone is flipped.
	assert.Equal(t, 2, col.WorkCode)
	assert.Equal(t, 2, col.ToneCode)
}

func TestColleagueUsesScriptVariantTable(t *testing.T) {
	t.Parallel()

	custom := *loadScript(t)
	custom.Personas = persona.DefaultTable()
	custom.Personas[6] = persona.Alignment{WorkMatches: false, ToneMatches: true}

	rec := &fakeRecorder{}
	c := newTestController(t, "6", &fakeClient{fragments: []string{"네"}}, func(o *Options) {
		o.Script = &custom
		o.Recorder = rec
	})
	activate(t, c)

	col, ok := c.Colleague()
	require.True(t, ok)
	// Intake "김수진, 2, 2, 1": work flipped, tone kept.
	assert.Equal(t, 1, col.WorkCode)
	assert.Equal(t, 1, col.ToneCode)
	require.Len(t, rec.intakes, 1)
	assert.Equal(t, "Julia", rec.intakes[0].PersonaName)
}

func TestStateText(t *testing.T) {
	t.Parallel()

	for _, s := range []State{AwaitingFirstInput, Active} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("closed")))
}
