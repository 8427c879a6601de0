package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"charm.land/bubbles/v2/help"
	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"

	"github.com/dwizi/needloop/internal/adminclient"
	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/loop"
)

const (
	refreshInterval = 5 * time.Second
	requestTimeout  = 10 * time.Second
	recentCycles    = 8
)

type dashboardClient interface {
	State(ctx context.Context) (adminclient.State, error)
	ListCycles(ctx context.Context, outcome string, limit int) ([]adminclient.Cycle, error)
	RunCycle(ctx context.Context) (loop.Report, error)
	Resume(ctx context.Context, reason string) (adminclient.ResumeResponse, error)
}

type model struct {
	cfg     config.Config
	logger  *slog.Logger
	client  dashboardClient
	keys    keyMap
	help    help.Model
	spinner spinner.Model

	state       adminclient.State
	cycles      []adminclient.Cycle
	loaded      bool
	width       int
	height      int
	loading     bool
	running     bool
	statusText  string
	errorText   string
	lastRefresh time.Time
	quitting    bool
}

type stateLoadedMsg struct {
	state  adminclient.State
	cycles []adminclient.Cycle
	err    error
}

type cycleDoneMsg struct {
	report loop.Report
	err    error
}

type resumeDoneMsg struct {
	response adminclient.ResumeResponse
	err      error
}

type refreshTickMsg time.Time

// Run opens the dashboard against the server at cfg.APIURL.
func Run(cfg config.Config, logger *slog.Logger) error {
	client, err := adminclient.New(cfg)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(newModel(cfg, client, logger)).Run()
	return err
}

func newModel(cfg config.Config, client dashboardClient, logger *slog.Logger) model {
	if logger == nil {
		logger = slog.Default()
	}
	spin := spinner.New(spinner.WithSpinner(spinner.Dot))
	spin.Style = newTheme().spinner
	return model{
		cfg:     cfg,
		logger:  logger.With("component", "tui"),
		client:  client,
		keys:    newKeyMap(),
		help:    help.New(),
		spinner: spin,
		width:   100,
		height:  32,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), refreshTick(), m.spinner.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.help.SetWidth(typed.Width)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case refreshTickMsg:
		if m.loading || m.running {
			return m, refreshTick()
		}
		m.loading = true
		return m, tea.Batch(m.refreshCmd(), refreshTick())
	case stateLoadedMsg:
		m.loading = false
		if typed.err != nil {
			m.errorText = describeError(typed.err)
			return m, nil
		}
		m.errorText = ""
		m.state = typed.state
		m.cycles = typed.cycles
		m.loaded = true
		m.lastRefresh = time.Now()
		return m, nil
	case cycleDoneMsg:
		m.running = false
		if typed.err != nil {
			m.errorText = describeError(typed.err)
			m.statusText = ""
			return m, nil
		}
		m.errorText = ""
		m.statusText = fmt.Sprintf("cycle %s: %s", shortID(typed.report.ID), typed.report.Status)
		m.loading = true
		return m, m.refreshCmd()
	case resumeDoneMsg:
		m.loading = false
		if typed.err != nil {
			m.errorText = describeError(typed.err)
			m.statusText = ""
			return m, nil
		}
		m.errorText = ""
		if typed.response.Resumed {
			m.statusText = "loop resumed"
		} else {
			m.statusText = "loop was not paused"
		}
		m.state.Scheduler = &typed.response.Scheduler
		return m, nil
	case tea.KeyPressMsg:
		return m.handleKey(typed)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.ToggleHelp):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}
	if m.busy() {
		return m, nil
	}
	switch {
	case key.Matches(msg, m.keys.Refresh):
		m.loading = true
		m.statusText = "refreshing"
		return m, m.refreshCmd()
	case key.Matches(msg, m.keys.RunCycle):
		m.running = true
		m.statusText = "running cycle"
		return m, m.runCycleCmd()
	case key.Matches(msg, m.keys.Resume):
		m.loading = true
		m.statusText = "resuming"
		return m, m.resumeCmd()
	}
	return m, nil
}

func (m model) View() tea.View {
	view := tea.NewView(m.renderView())
	view.AltScreen = true
	return view
}

func (m model) busy() bool {
	return m.loading || m.running
}

func (m model) refreshCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		state, err := client.State(ctx)
		if err != nil {
			return stateLoadedMsg{err: err}
		}
		cycles, err := client.ListCycles(ctx, "", recentCycles)
		if err != nil {
			return stateLoadedMsg{err: err}
		}
		return stateLoadedMsg{state: state, cycles: cycles}
	}
}

func (m model) runCycleCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		report, err := client.RunCycle(ctx)
		return cycleDoneMsg{report: report, err: err}
	}
}

func (m model) resumeCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		response, err := client.Resume(ctx, "tui")
		return resumeDoneMsg{response: response, err: err}
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(at time.Time) tea.Msg {
		return refreshTickMsg(at)
	})
}

func describeError(err error) string {
	switch {
	case errors.Is(err, loop.ErrCycleInFlight):
		return "a cycle is already running"
	case adminclient.IsUnavailable(err):
		return "server unavailable: " + err.Error()
	default:
		return err.Error()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
