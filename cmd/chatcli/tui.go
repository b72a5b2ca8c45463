package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
	"github.com/MingMingbee/chatbot-experiment/internal/llm"
	"github.com/MingMingbee/chatbot-experiment/internal/script"
	"github.com/MingMingbee/chatbot-experiment/internal/session"
	"github.com/MingMingbee/chatbot-experiment/internal/transcript"
)

const (
	defaultWidth  = 80
	defaultHeight = 24
	inputLimit    = 2000
)

// Status lines shown under the transcript.
const (
	statusBusy         = "응답을 생성하는 중입니다. 잠시 후 다시 시도해 주세요."
	statusBackendDown  = "모델 서버에 연결할 수 없습니다. 다시 시도해 주세요."
	statusStreamFailed = "응답이 중단되었습니다. 다시 시도해 주세요."
	statusResetDone    = "대화를 새로 시작했습니다."
	statusResetFailed  = "초기화하지 못했습니다. 다시 시도해 주세요."
)

type modelConfig struct {
	TypeCode string
	Debug    bool
}

type uiTheme struct {
	title          lipgloss.Style
	debug          lipgloss.Style
	userLabel      lipgloss.Style
	userText       lipgloss.Style
	assistantLabel lipgloss.Style
	system         lipgloss.Style
	status         lipgloss.Style
	help           lipgloss.Style
}

func newTheme() uiTheme {
	return uiTheme{
		title:          lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7AA2F7")),
		debug:          lipgloss.NewStyle().Foreground(lipgloss.Color("#E0AF68")),
		userLabel:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9ECE6A")),
		userText:       lipgloss.NewStyle().PaddingLeft(2),
		assistantLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#BB9AF7")),
		system:         lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#565F89")),
		status:         lipgloss.NewStyle().Foreground(lipgloss.Color("#F7768E")),
		help:           lipgloss.NewStyle().Foreground(lipgloss.Color("#565F89")),
	}
}

type fragmentMsg struct{ text string }

type turnDoneMsg struct {
	result session.TurnResult
	err    error
}

type resetDoneMsg struct{ err error }

type model struct {
	ctx    context.Context
	ctrl   *session.Controller
	script *script.Script
	cfg    modelConfig
	theme  uiTheme

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	width  int
	height int

	stream      <-chan tea.Msg
	streaming   bool
	pendingUser string
	partial     string
	notice      string
	status      string
}

func newModel(ctx context.Context, ctrl *session.Controller, s *script.Script, cfg modelConfig) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.Placeholder = s.Placeholder
	input.CharLimit = inputLimit
	input.Width = defaultWidth - 4
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points

	vp := viewport.New(defaultWidth, defaultHeight-4)
	vp.MouseWheelEnabled = true

	m := model{
		ctx:      ctx,
		ctrl:     ctrl,
		script:   s,
		cfg:      cfg,
		theme:    newTheme(),
		viewport: vp,
		input:    input,
		spinner:  sp,
		renderer: newRenderer(defaultWidth - 4),
		width:    defaultWidth,
		height:   defaultHeight,
	}
	m.refresh()
	return m
}

// newRenderer returns nil when glamour cannot be initialized; messages are
// then shown as plain text.
func newRenderer(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width, 20)),
	)
	if err != nil {
		return nil
	}
	return r
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-lipgloss.Height(m.headerView())-lipgloss.Height(m.footerView()), 3)
		m.input.Width = max(msg.Width-4, 10)
		m.renderer = newRenderer(msg.Width - 4)
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case fragmentMsg:
		m.partial += msg.text
		m.refresh()
		return m, waitStream(m.stream)

	case turnDoneMsg:
		m.finishTurn(msg)
		m.refresh()
		return m, nil

	case resetDoneMsg:
		if msg.err != nil {
			m.status = statusResetFailed
		} else {
			m.notice = ""
			m.status = statusResetDone
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "ctrl+r":
			if m.streaming {
				m.status = statusBusy
				return m, nil
			}
			return m, resetSession(m.ctx, m.ctrl, m.cfg.TypeCode)
		case "enter":
			return m.submit()
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) submit() (tea.Model, tea.Cmd) {
	if m.streaming {
		m.status = statusBusy
		return m, nil
	}
	text := m.input.Value()
	if strings.TrimSpace(text) == "" {
		return m, nil
	}
	m.input.Reset()
	m.notice = ""
	m.status = ""
	m.pendingUser = text
	m.partial = ""
	m.streaming = true
	m.stream = startTurn(m.ctx, m.ctrl, text)
	m.refresh()
	return m, waitStream(m.stream)
}

func (m *model) finishTurn(msg turnDoneMsg) {
	m.streaming = false
	m.stream = nil
	m.pendingUser = ""
	m.partial = ""
	switch {
	case msg.result.Notice != "":
		m.notice = msg.result.Notice
	case errors.Is(msg.err, session.ErrTurnInProgress):
		m.status = statusBusy
	case errors.Is(msg.err, llm.ErrBackendUnavailable):
		m.status = statusBackendDown
	case msg.err != nil:
		m.status = statusStreamFailed
	}
}

// startTurn runs one Submit in the background. Fragments and the final
// result arrive on the returned channel, which is closed afterwards.
func startTurn(ctx context.Context, ctrl *session.Controller, text string) <-chan tea.Msg {
	ch := make(chan tea.Msg, 64)
	send := func(msg tea.Msg) {
		select {
		case ch <- msg:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(ch)
		res, err := ctrl.Submit(ctx, text, func(fragment string) {
			send(fragmentMsg{text: fragment})
		})
		send(turnDoneMsg{result: res, err: err})
	}()
	return ch
}

func waitStream(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func resetSession(ctx context.Context, ctrl *session.Controller, code string) tea.Cmd {
	return func() tea.Msg {
		return resetDoneMsg{err: ctrl.Reset(ctx, code)}
	}
}

func (m *model) refresh() {
	m.viewport.SetContent(m.transcriptView())
	m.viewport.GotoBottom()
}

func (m model) transcriptView() string {
	var b strings.Builder
	for _, msg := range transcript.Visible(m.ctrl.Messages(), m.cfg.Debug) {
		b.WriteString(m.messageView(msg))
		b.WriteString("\n\n")
	}
	if m.pendingUser != "" {
		b.WriteString(m.messageView(domain.UserMessage(m.pendingUser)))
		b.WriteString("\n\n")
	}
	if m.partial != "" {
		// Markdown is rendered once the reply is committed.
		b.WriteString(m.theme.assistantLabel.Render("챗봇"))
		b.WriteString("\n")
		b.WriteString(m.theme.userText.Width(max(m.width-4, 10)).Render(m.partial))
		b.WriteString("\n\n")
	}
	if m.notice != "" {
		b.WriteString(m.messageView(domain.AssistantMessage(m.notice)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) messageView(msg domain.Message) string {
	switch msg.Role {
	case domain.RoleUser:
		return m.theme.userLabel.Render("나") + "\n" +
			m.theme.userText.Width(max(m.width-4, 10)).Render(msg.Content)
	case domain.RoleAssistant:
		return m.theme.assistantLabel.Render("챗봇") + "\n" + m.markdown(msg.Content)
	default:
		return m.theme.system.Width(max(m.width-2, 10)).Render("[" + string(msg.Role) + "] " + msg.Content)
	}
}

func (m model) markdown(content string) string {
	if m.renderer == nil {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(out, "\n")
}

func (m model) headerView() string {
	header := m.theme.title.Render("실험용 챗봇")
	if !m.cfg.Debug {
		return header
	}
	snap := m.ctrl.Snapshot()
	info := fmt.Sprintf("type=%s state=%s epoch=%d", snap.ConditionCode, snap.State, snap.Epoch)
	if c, ok := m.ctrl.Colleague(); ok {
		info += fmt.Sprintf(" colleague=%s(%s, %s, %s)", c.Name, c.Humanity.Label(), c.WorkLabel(), c.ToneLabel())
	}
	return header + "\n" + m.theme.debug.Render(info)
}

func (m model) footerView() string {
	status := m.theme.status.Render(m.status)
	if m.streaming {
		status = m.spinner.View() + " 응답 생성 중"
	}
	help := m.theme.help.Render("enter 보내기 · ctrl+r 새로 시작 · ctrl+c 종료")
	return status + "\n" + m.input.View() + "\n" + help
}

func (m model) View() string {
	return m.headerView() + "\n" + m.viewport.View() + "\n" + m.footerView()
}
