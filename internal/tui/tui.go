package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Snapshot is one reading of the daemon's health.
type Snapshot struct {
	Reachable      bool
	Status         string
	Records        int
	Capacity       int
	Clients        int
	Tokens         int
	PublicIssuance bool
	AuditDenies    int64
	Issued         int64
	Rejected       int64
	Relayed        int64
	RelayFailures  int64
	LastCommand    string
	LastError      string
	Watching       time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	status := m.snap.Status
	if !m.snap.Reachable {
		status = "unreachable"
	}
	lastCmd := m.snap.LastCommand
	if lastCmd == "" {
		lastCmd = "(none)"
	}
	return fmt.Sprintf(
		"yunkit status\n\nStatus: %s\nRecords: %d/%d\nViewers: %d\nTokens: %d (issued %d, rejected %d)\nPublic Issuance: %t\nAudit Denies: %d\nCommands: %d (%d failed), last %s\nWatching: %s\nLast Error: %s\n\nPress q to quit.\n",
		status,
		m.snap.Records,
		m.snap.Capacity,
		m.snap.Clients,
		m.snap.Tokens,
		m.snap.Issued,
		m.snap.Rejected,
		m.snap.PublicIssuance,
		m.snap.AuditDenies,
		m.snap.Relayed,
		m.snap.RelayFailures,
		lastCmd,
		m.snap.Watching.Truncate(time.Second),
		lastErr,
	)
}

// Run shows a health dashboard refreshed every second until q or ctx ends.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
