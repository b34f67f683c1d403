package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/pepperpark/mailkeep/internal/account"
	"github.com/pepperpark/mailkeep/internal/backup"
	progresstate "github.com/pepperpark/mailkeep/internal/progress"
)

type model struct {
	ctx      context.Context
	cancel   context.CancelFunc
	runner   *backup.Runner
	accounts []account.Account
	spinner  spinner.Model
	bar      progress.Model
	snap     progresstate.Snapshot
	finished bool
	runErr   error
}

type tickMsg time.Time
type doneMsg struct{ err error }

func newModel(ctx context.Context, runner *backup.Runner, accounts []account.Account) *model {
	cctx, cancel := context.WithCancel(ctx)
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	return &model{ctx: cctx, cancel: cancel, runner: runner, accounts: accounts, spinner: s, bar: bar}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), m.startBackup())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) startBackup() tea.Cmd {
	// Kick off the run in the background; progress arrives via snapshots.
	return func() tea.Msg {
		return doneMsg{err: m.runner.Run(m.ctx, m.accounts)}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, nil
		}
	case doneMsg:
		m.finished = true
		m.runErr = msg.err
		m.snap = m.runner.Tracker().Snapshot()
		return m, tea.Quit
	case tickMsg:
		m.snap = m.runner.Tracker().Snapshot()
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	return m, nil
}

func (m *model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("Mailkeep")
	s := title + "\n\nPress q to cancel\n\n"
	snap := m.snap
	for _, a := range snap.Accounts {
		line := fmt.Sprintf("%s %-20s %d/%d folders  %d new", m.spinner.View(), a.Name, a.CompletedFolders, a.TotalFolders, a.NewEmails)
		if a.CurrentFolder != "" && !a.Complete {
			line += "  " + a.CurrentFolder
		}
		if a.Complete {
			line += "  done"
		}
		s += line + "\n"
		if a.Err != "" {
			s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("   "+a.Err) + "\n"
		}
	}
	s += fmt.Sprintf("\nOverall %d new message(s)   %s\n", snap.TotalNewEmails, formatETA(snap))
	s += m.bar.ViewAs(snap.Overall) + "\n"
	switch snap.State {
	case progresstate.StateCancelled:
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render("\nCancelled, partial progress kept on disk.") + "\n"
	case progresstate.StateCompleted:
		if snap.LastErr != "" {
			s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("\nCompleted with errors.") + "\n"
		}
	}
	return s
}

func formatETA(snap progresstate.Snapshot) string {
	if snap.State != progresstate.StateRunning || snap.Overall <= 0 {
		return "ETA --"
	}
	d := snap.Remaining
	if d < time.Second {
		return "ETA <1s"
	}
	// cap very large ETAs to something readable
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		rem := d - time.Duration(h)*time.Hour
		return fmt.Sprintf("ETA %dh%dm", h, int(rem/time.Minute))
	}
	if d >= time.Minute {
		return fmt.Sprintf("ETA %dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// runBackupTUI drives the run under the progress UI, falling back to plain
// execution when the terminal cannot host it.
func runBackupTUI(ctx context.Context, runner *backup.Runner, accounts []account.Account) error {
	m := newModel(ctx, runner, accounts)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Println("TUI failed:", err)
		return runner.Run(ctx, accounts)
	}
	return m.runErr
}
