// Package session implements the per-participant conversation state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
	"github.com/MingMingbee/chatbot-experiment/internal/intake"
	"github.com/MingMingbee/chatbot-experiment/internal/llm"
	"github.com/MingMingbee/chatbot-experiment/internal/persona"
	"github.com/MingMingbee/chatbot-experiment/internal/script"
	"github.com/MingMingbee/chatbot-experiment/internal/transcript"
)

// ErrTurnInProgress is returned when input arrives while another turn for the
// same session is still streaming.
var ErrTurnInProgress = errors.New("a turn is already in progress")

const recordTimeout = 5 * time.Second

// State is the position of a session in the intake gate.
type State int

const (
	// AwaitingFirstInput: the intake form has not been accepted yet.
	AwaitingFirstInput State = iota
	// Active: every input is forwarded to the model.
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "awaiting_first_input"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = Active
	case "awaiting_first_input":
		*s = AwaitingFirstInput
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Settings are the model parameters applied to every turn.
type Settings struct {
	Model         string
	Temperature   float64
	StreamTimeout time.Duration
	Window        transcript.Window
}

// TurnRecorder archives completed turns. Recording errors never fail a turn.
type TurnRecorder interface {
	RecordIntake(ctx context.Context, rec domain.IntakeArchive) error
	RecordTurn(ctx context.Context, rec domain.TurnRecord) error
}

// Options are the collaborators shared by every controller.
type Options struct {
	Script   *script.Script
	Client   llm.StreamClient
	Settings Settings
	Recorder TurnRecorder
	Logger   *slog.Logger
}

// TurnResult describes the visible outcome of one Submit call.
type TurnResult struct {
	// Notice is the format-error text to show when the gate rejected input.
	Notice string
	// Reply is the committed assistant message; nil when the model produced
	// no text or the turn failed.
	Reply *domain.Message
	// Partial holds text streamed before a failure. It is never committed.
	Partial   string
	Fragments int
	State     State
}

// Snapshot is a consistent, copied view of a session.
type Snapshot struct {
	Key           string
	Instance      string
	State         State
	Epoch         int
	ConditionCode string
	Messages      []domain.Message
	Intake        *domain.IntakeRecord
}

// Controller owns one session's transcript and gate state. Turns are applied
// all-or-nothing and at most one turn runs at a time.
type Controller struct {
	key      string
	instance string
	script   *script.Script
	client   llm.StreamClient
	settings Settings
	recorder TurnRecorder
	logger   *slog.Logger
	turn     *semaphore.Weighted

	mu            sync.RWMutex
	conditionCode string
	transcript    *transcript.Store
	state         State
	intake        *domain.IntakeRecord
	epoch         int
	seq           int
}

// NewController initializes a session for key with the given condition code.
func NewController(key, conditionCode string, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instance := uuid.NewString()
	c := &Controller{
		key:      key,
		instance: instance,
		script:   opts.Script,
		client:   opts.Client,
		settings: opts.Settings,
		recorder: opts.Recorder,
		logger:   logger.With("session_key", key, "instance", instance),
		turn:     semaphore.NewWeighted(1),
	}
	c.init(conditionCode)
	return c
}

// init must be called with mu held or before c is shared.
func (c *Controller) init(conditionCode string) {
	c.conditionCode = conditionCode
	c.transcript = transcript.New(c.script, conditionCode)
	c.state = AwaitingFirstInput
	c.intake = nil
	c.seq = 0
}

// Key returns the session key.
func (c *Controller) Key() string { return c.key }

// Instance returns the archive identity of this controller. A new controller
// for a reused key gets a new instance.
func (c *Controller) Instance() string { return c.instance }

// State returns the current gate state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Len returns the number of transcript entries.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transcript.Len()
}

// Messages returns a copy of the full transcript.
func (c *Controller) Messages() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transcript.Messages()
}

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Key:           c.key,
		Instance:      c.instance,
		State:         c.state,
		Epoch:         c.epoch,
		ConditionCode: c.conditionCode,
		Messages:      c.transcript.Messages(),
	}
	if c.intake != nil {
		rec := *c.intake
		snap.Intake = &rec
	}
	return snap
}

// Colleague returns the persona the model was instructed to play, once the
// intake form has been accepted.
func (c *Controller) Colleague() (persona.Colleague, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.intake == nil {
		return persona.Colleague{}, false
	}
	return c.script.Personas.ResolveOrDefault(c.conditionCode).Describe(*c.intake), true
}

// Reset discards the session and initializes it again with conditionCode. It
// waits for an in-flight turn to finish.
func (c *Controller) Reset(ctx context.Context, conditionCode string) error {
	if err := c.turn.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for turn: %w", err)
	}
	defer c.turn.Release(1)

	c.mu.Lock()
	c.epoch++
	c.init(conditionCode)
	epoch := c.epoch
	c.mu.Unlock()

	c.logger.Info("Session reset", "epoch", epoch, "condition_code", conditionCode)
	return nil
}

// Submit applies one participant input. onFragment, when non-nil, is called
// with each fragment as it streams; the transcript changes only after the
// stream completes.
//
// While awaiting the first input, text that fails the intake grammar returns
// an error matching intake.ErrInvalidFormat together with the notice to show;
// nothing is sent to the model. Model failures return errors matching
// llm.ErrBackendUnavailable or llm.ErrStreamFailure and leave the session
// exactly as it was.
func (c *Controller) Submit(ctx context.Context, text string, onFragment func(string)) (TurnResult, error) {
	if !c.turn.TryAcquire(1) {
		return TurnResult{State: c.State()}, ErrTurnInProgress
	}
	defer c.turn.Release(1)

	user := domain.UserMessage(text)

	c.mu.RLock()
	state := c.state
	epoch := c.epoch
	code := c.conditionCode
	pending := c.transcript.With(user)
	c.mu.RUnlock()

	var rec domain.IntakeRecord
	if state == AwaitingFirstInput {
		var err error
		rec, err = intake.Validate(text)
		if err != nil {
			c.logger.Info("Intake rejected", "input_length", len(text))
			return TurnResult{Notice: c.script.FormatError, State: state}, err
		}
	}

	streamCtx := ctx
	if c.settings.StreamTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, c.settings.StreamTimeout)
		defer cancel()
	}

	request := c.settings.Window.Apply(pending)
	start := time.Now()
	reply, fragments, err := llm.Collect(
		c.client.Stream(streamCtx, request, c.settings.Model, c.settings.Temperature),
		onFragment,
	)
	if err != nil {
		if !errors.Is(err, llm.ErrStreamFailure) && !errors.Is(err, llm.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %w", llm.ErrStreamFailure, err)
		}
		c.logger.Warn("Turn failed, transcript unchanged",
			"state", state,
			"fragments", fragments,
			"duration", time.Since(start),
			"error", err,
		)
		return TurnResult{Partial: reply, Fragments: fragments, State: state}, err
	}

	commit := []domain.Message{user}
	var replyMsg *domain.Message
	if fragments > 0 {
		m := domain.AssistantMessage(reply)
		commit = append(commit, m)
		replyMsg = &m
	}

	c.mu.Lock()
	if err := c.transcript.Append(commit...); err != nil {
		c.mu.Unlock()
		return TurnResult{State: state}, fmt.Errorf("commit turn: %w", err)
	}
	stage := domain.StageConversation
	if state == AwaitingFirstInput {
		stage = domain.StageIntake
		c.state = Active
		r := rec
		c.intake = &r
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.logger.Info("Turn committed",
		"stage", stage,
		"seq", seq,
		"fragments", fragments,
		"reply_length", len(reply),
		"request_messages", len(request),
		"duration", time.Since(start),
	)

	c.record(ctx, stage, epoch, seq, code, text, reply, fragments, rec)

	return TurnResult{Reply: replyMsg, Fragments: fragments, State: Active}, nil
}

func (c *Controller) record(ctx context.Context, stage domain.Stage, epoch, seq int, code, userText, reply string, fragments int, rec domain.IntakeRecord) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	now := time.Now().UTC()
	if stage == domain.StageIntake {
		profile := c.script.Personas.ResolveOrDefault(code)
		if err := c.recorder.RecordIntake(ctx, domain.IntakeArchive{
			InstanceID:    c.instance,
			SessionKey:    c.key,
			Epoch:         epoch,
			ConditionCode: code,
			Record:        rec,
			PersonaName:   profile.Name(rec.GenderCode),
			Humanity:      string(profile.Humanity),
			CreatedAt:     now,
		}); err != nil {
			c.logger.Warn("Failed to archive intake", "error", err)
		}
	}

	if err := c.recorder.RecordTurn(ctx, domain.TurnRecord{
		InstanceID:       c.instance,
		SessionKey:       c.key,
		Epoch:            epoch,
		Seq:              seq,
		Stage:            stage,
		ConditionCode:    code,
		UserContent:      userText,
		AssistantContent: reply,
		Fragments:        fragments,
		Model:            c.settings.Model,
		Temperature:      c.settings.Temperature,
		CreatedAt:        now,
	}); err != nil {
		c.logger.Warn("Failed to archive turn", "seq", seq, "error", err)
	}
}
