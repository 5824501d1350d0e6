package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/dmmdekkd/yunkit/internal/logstream"
	"github.com/dmmdekkd/yunkit/internal/viewer"
)

// ViewerClient is the part of *viewer.Client the tail views drive.
type ViewerClient interface {
	Run(ctx context.Context) error
	State() viewer.State
	Records() []logstream.Record
	Len() int
	MinLevel() logstream.Level
	SetMinLevel(l logstream.Level)
	Send(ctx context.Context, method, input string) error
	Updates() <-chan struct{}
}

var _ ViewerClient = (*viewer.Client)(nil)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	streamStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	methodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
)

type updateMsg struct{}

type runDoneMsg struct{ err error }

type sentMsg struct{ err error }

type ctxDoneMsg struct{}

type tailModel struct {
	ctx    context.Context
	client ViewerClient
	color  bool

	width  int
	height int

	input  lineEditor
	method int // index into viewer.Methods

	status string
	err    error
}

func newTailModel(ctx context.Context, client ViewerClient, color bool) tailModel {
	return tailModel{ctx: ctx, client: client, color: color}
}

// RunTail runs the interactive log viewer until Esc, Ctrl+C, ctx ending
// or the token being rejected, which is returned as viewer.ErrUnauthenticated.
func RunTail(ctx context.Context, client ViewerClient, color bool) error {
	defer bestEffortResetTTY()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newTailModel(ctx, client, color), tea.WithAltScreen())
	final, err := p.Run()
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if m, ok := final.(tailModel); ok {
		return m.err
	}
	return nil
}

func (m tailModel) Init() tea.Cmd {
	return tea.Batch(runClient(m.ctx, m.client), waitUpdate(m.ctx, m.client), waitCtxDone(m.ctx))
}

func runClient(ctx context.Context, c ViewerClient) tea.Cmd {
	return func() tea.Msg {
		return runDoneMsg{err: c.Run(ctx)}
	}
}

func waitUpdate(ctx context.Context, c ViewerClient) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-c.Updates():
			return updateMsg{}
		case <-ctx.Done():
			return nil
		}
	}
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func sendCmd(ctx context.Context, c ViewerClient, method, input string) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{err: c.Send(ctx, method, input)}
	}
}

func (m tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case updateMsg:
		return m, waitUpdate(m.ctx, m.client)

	case runDoneMsg:
		m.err = msg.err
		return m, tea.Quit

	case sentMsg:
		m.status = ""
		if msg.err != nil && !errors.Is(msg.err, viewer.ErrNotConnected) {
			m.status = humanError(msg.err)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m tailModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "tab":
		m.method = (m.method + 1) % len(viewer.Methods)
	case "shift+tab":
		m.method = (m.method + len(viewer.Methods) - 1) % len(viewer.Methods)
	case "ctrl+l":
		m.client.SetMinLevel(nextLevel(m.client.MinLevel()))
	case "enter", "ctrl+m", "ctrl+j":
		line := m.input.String()
		m.input.Reset()
		return m, sendCmd(m.ctx, m.client, viewer.Methods[m.method], line)
	case "backspace":
		m.input.Backspace()
	case "delete":
		m.input.Delete()
	case "left", "ctrl+b":
		m.input.Left()
	case "right", "ctrl+f":
		m.input.Right()
	case "home", "ctrl+a":
		m.input.Home()
	case "end", "ctrl+e":
		m.input.End()
	case "ctrl+k":
		m.input.KillToEnd()
	case "ctrl+u":
		m.input.Reset()
	case "ctrl+w", "alt+backspace":
		m.input.DeleteWord()
	case " ":
		m.input.Insert([]rune{' '})
	default:
		if msg.Type == tea.KeyRunes {
			m.input.Insert(printable(msg.Runes))
		}
	}
	return m, nil
}

// nextLevel cycles the severity floor through every level.
func nextLevel(l logstream.Level) logstream.Level {
	i := l.Rank() + 1
	if i <= 0 || i >= len(logstream.Levels) {
		return logstream.Levels[0]
	}
	return logstream.Levels[i]
}

func (m tailModel) View() string {
	var b strings.Builder

	state := m.client.State()
	stateText := state.String()
	if state == viewer.Streaming {
		stateText = streamStyle.Render(stateText)
	}
	recs := m.client.Records()
	fmt.Fprintf(&b, "%s  %s  level>=%s  %d/%d\n",
		titleStyle.Render("yunkit tail"), stateText, m.client.MinLevel(), len(recs), m.client.Len())

	available := max(m.height-5, 3) // header + blank + input + help + status
	if len(recs) > available {
		recs = recs[len(recs)-available:]
	}
	for _, rec := range recs {
		line := viewer.Render(rec, m.color)
		if m.width > 0 {
			line = ansi.Truncate(line, m.width, "…")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(methodStyle.Render("["+viewer.Methods[m.method]+"]") + " > " + m.input.View())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Tab 切换方法 · Ctrl+L 切换级别 · Enter 发送 · Esc 退出"))
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(errStyle.Render(m.status))
		b.WriteString("\n")
	}
	return b.String()
}

// RunPlain prints each record once as it arrives, without colors or
// input, until ctx ends or the client stops.
func RunPlain(ctx context.Context, client ViewerClient, w io.Writer) error {
	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	printed := make(map[string]struct{})
	flush := func() {
		recs := client.Records()
		next := make(map[string]struct{}, len(recs))
		for _, rec := range recs {
			next[rec.ID] = struct{}{}
			if _, ok := printed[rec.ID]; !ok {
				fmt.Fprintln(w, viewer.Render(rec, false))
			}
		}
		printed = next
	}

	for {
		select {
		case <-client.Updates():
			flush()
		case err := <-errCh:
			flush()
			return err
		}
	}
}
