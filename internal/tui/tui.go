// Package tui provides a Bubble Tea terminal user interface for the
// background downloader.
package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/handiism/background-downloader/internal/config"
	"github.com/handiism/background-downloader/internal/download"
	ioutils "github.com/handiism/background-downloader/internal/io"
	"github.com/handiism/background-downloader/internal/model"
	"github.com/handiism/background-downloader/internal/session"
)

// Styles for the TUI
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#95E1A3"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFE66D"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A8DADC"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C757D"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4ECDC4")).
			Padding(1, 2)

	requestStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8B500"))
)

// State represents the current UI state.
type State int

const (
	StateInitializing State = iota
	StateReady
	StateError
)

const maxLogs = 10

// LogEntry represents a log message in the UI.
type LogEntry struct {
	Message string
	Level   download.ProgressLevel
}

// entry is one submitted request as shown in the list.
type entry struct {
	req    *model.Request
	label  string
	dest   string
	moving bool
	moved  bool
	err    error
}

func (e *entry) finished() bool {
	return e.err != nil || e.moved || (e.req.Response() != nil && !e.req.Response().Succeeded())
}

// Model is the Bubble Tea model for the TUI.
type Model struct {
	state     State
	textInput textinput.Model
	spinner   spinner.Model
	progress  progress.Model
	settings  *config.Settings
	logs      []LogEntry
	entries   []*entry
	err       error

	ctx    context.Context
	cancel context.CancelFunc
	events chan download.ProgressEvent

	session *session.Session
	manager *download.Manager

	verbose bool

	width  int
	height int
}

// NewModel creates a new TUI model.
func NewModel(settings *config.Settings) Model {
	ti := textinput.New()
	ti.Placeholder = "https://example.com/file.bin, https://mirror.example.com/file.bin"
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 40

	ctx, cancel := context.WithCancel(context.Background())

	return Model{
		state:     StateInitializing,
		textInput: ti,
		spinner:   sp,
		progress:  prog,
		settings:  settings,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan download.ProgressEvent, 256),
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.initialize(), m.waitForEvent())
}

// Message types
type (
	// ProgressMsg carries one manager event.
	ProgressMsg struct {
		Event download.ProgressEvent
	}

	// InitDoneMsg is sent when the session and manager are ready.
	InitDoneMsg struct {
		Session *session.Session
		Manager *download.Manager
		Err     error
	}

	// MovedMsg reports that a finished download was moved into place.
	MovedMsg struct {
		Entry *entry
		Err   error
	}

	// TickMsg is for periodic progress updates.
	TickMsg struct{}
)

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = min(max(msg.Width-40, 20), 60)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.cancel()
			return m, tea.Quit

		case "esc":
			if m.textInput.Focused() {
				m.textInput.Blur()
				return m, nil
			}
			m.cancel()
			return m, tea.Quit

		case "enter":
			if m.state == StateReady && m.textInput.Focused() && strings.TrimSpace(m.textInput.Value()) != "" {
				m.addRequest(m.textInput.Value())
				m.textInput.SetValue("")
				return m, nil
			}
		}

		if !m.textInput.Focused() {
			switch msg.String() {
			case "i", "a":
				m.textInput.Focus()
				return m, textinput.Blink
			case "b":
				m.toggleBackground()
				return m, nil
			case "v":
				m.verbose = !m.verbose
				return m, nil
			case "q":
				m.cancel()
				return m, tea.Quit
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case ProgressMsg:
		cmds = append(cmds, m.waitForEvent())
		// Filter verbose messages if not in verbose mode
		if msg.Event.Level == download.LevelVerbose && !m.verbose {
			break
		}
		m.logs = append(m.logs, LogEntry{
			Message: msg.Event.Message,
			Level:   msg.Event.Level,
		})
		if len(m.logs) > maxLogs {
			m.logs = m.logs[len(m.logs)-maxLogs:]
		}

	case InitDoneMsg:
		if msg.Err != nil {
			m.state = StateError
			m.err = msg.Err
			break
		}
		m.session = msg.Session
		m.manager = msg.Manager
		m.state = StateReady
		go m.manager.Run(m.ctx, m.settings.Tick())
		cmds = append(cmds, m.tickProgress())

	case MovedMsg:
		msg.Entry.moving = false
		if msg.Err != nil {
			msg.Entry.err = msg.Err
		} else {
			msg.Entry.moved = true
		}

	case TickMsg:
		for _, e := range m.entries {
			resp := e.req.Response()
			if resp == nil || !resp.Succeeded() || e.moving || e.moved || e.err != nil {
				continue
			}
			e.moving = true
			cmds = append(cmds, m.moveFile(e, resp.TempFilePath))
		}
		cmds = append(cmds, m.tickProgress())

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	if m.textInput.Focused() {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// addRequest submits one request for a comma separated mirror list.
func (m *Model) addRequest(input string) {
	var urls []string
	for _, u := range strings.Split(input, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return
	}

	req := model.NewRequest(urls, m.settings.RequestOptions()...)
	e := &entry{
		req:   req,
		label: ioutils.FileNameFromURL(urls[0], "download-"+req.DebugID()[:8]),
	}
	e.dest = filepath.Join(m.settings.DownloadsPath, e.label)
	if err := m.manager.AddRequest(req); err != nil {
		e.err = err
	}
	m.entries = append(m.entries, e)
}

func (m *Model) toggleBackground() {
	if m.manager == nil {
		return
	}
	if m.manager.InBackground() {
		m.manager.EnterForeground()
	} else {
		m.manager.EnterBackground()
	}
}

// onEvent forwards manager events without ever blocking the manager.
func (m Model) onEvent(event download.ProgressEvent) {
	select {
	case m.events <- event:
	default:
	}
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.events:
			return ProgressMsg{Event: ev}
		case <-m.ctx.Done():
			return nil
		}
	}
}

// tickProgress returns a command to tick progress updates.
func (m Model) tickProgress() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(_ time.Time) tea.Msg {
		return TickMsg{}
	})
}

// View renders the UI.
func (m Model) View() string {
	var b strings.Builder

	// Header
	b.WriteString(titleStyle.Render("Background Downloader"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Resumable downloads with mirror fallback"))
	b.WriteString("\n\n")

	switch m.state {
	case StateInitializing:
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(subtitleStyle.Render("Restoring session..."))
		b.WriteString("\n\n")
		b.WriteString(m.renderLogs())
	case StateReady:
		b.WriteString(m.viewReady())
	case StateError:
		b.WriteString(m.viewError())
	}

	// Footer
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.getHelpText()))

	return b.String()
}

func (m Model) viewReady() string {
	var b strings.Builder

	b.WriteString(subtitleStyle.Render("Enter URL (comma separated mirrors):"))
	b.WriteString("\n\n")
	b.WriteString(m.textInput.View())
	b.WriteString("\n\n")

	mode := successStyle.Render("foreground")
	stats := m.manager.Stats()
	if stats.InBackground {
		mode = warningStyle.Render("background")
	}
	b.WriteString(infoStyle.Render(fmt.Sprintf("Mode: %s | Active tasks: %d/%d | Requests: %d | Unassociated: %d",
		mode, stats.ActiveTasks, m.settings.PlatformMaxActiveDownloads, stats.ActiveRequests, stats.UnassociatedTasks)))
	b.WriteString("\n\n")

	for _, e := range m.entries {
		b.WriteString(m.renderEntry(e))
		b.WriteString("\n")
	}
	if len(m.entries) > 0 {
		b.WriteString("\n")
	}

	if done, ok := m.summary(); ok {
		b.WriteString(done)
		b.WriteString("\n\n")
	}

	b.WriteString(m.renderLogs())
	return b.String()
}

func (m Model) renderEntry(e *entry) string {
	label := requestStyle.Render(fmt.Sprintf("%-24s", truncate(e.label, 24)))

	switch {
	case e.err != nil:
		return label + " " + errorStyle.Render("x "+e.err.Error())
	case e.moved:
		return label + " " + successStyle.Render("done "+e.dest)
	case e.req.Response() != nil && !e.req.Response().Succeeded():
		return label + " " + errorStyle.Render("x failed on every mirror")
	}

	written := e.req.DownloadProgress()
	expected := e.req.ExpectedBytes()
	var percent float64
	if expected > 0 {
		percent = float64(written) / float64(expected)
	}
	size := humanize.Bytes(uint64(written))
	if expected > 0 {
		size += " / " + humanize.Bytes(uint64(expected))
	}
	mirror := ""
	if len(e.req.URLs()) > 1 {
		mirror = dimStyle.Render(fmt.Sprintf(" mirror %d/%d", e.req.RetryCount()%len(e.req.URLs())+1, len(e.req.URLs())))
	}
	return label + " " + m.progress.ViewAs(percent) + " " + infoStyle.Render(size) + mirror
}

// summary renders the completion box once every request has finished.
func (m Model) summary() (string, bool) {
	if len(m.entries) == 0 {
		return "", false
	}
	var ok, failed int
	var bytes int64
	for _, e := range m.entries {
		if !e.finished() {
			return "", false
		}
		if e.moved {
			ok++
			bytes += e.req.DownloadProgress()
		} else {
			failed++
		}
	}
	return boxStyle.Render(fmt.Sprintf(
		"All downloads finished\n\n"+
			"Succeeded: %d\n"+
			"Failed: %d\n"+
			"Size: %s",
		ok, failed, humanize.Bytes(uint64(bytes)),
	)), true
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString(errorStyle.Render("Error occurred:"))
	b.WriteString("\n\n")
	if m.err != nil {
		b.WriteString(fmt.Sprintf("  %s", m.err.Error()))
	}

	return b.String()
}

func (m Model) renderLogs() string {
	var b strings.Builder

	for _, log := range m.logs {
		var style lipgloss.Style
		prefix := "-"
		switch log.Level {
		case download.LevelError:
			style = errorStyle
			prefix = "x"
		case download.LevelWarning:
			style = warningStyle
			prefix = "!"
		case download.LevelSuccess:
			style = successStyle
			prefix = "+"
		case download.LevelInfo:
			style = infoStyle
			prefix = ">"
		default:
			style = dimStyle
		}
		b.WriteString(style.Render(prefix + " " + log.Message))
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) getHelpText() string {
	switch {
	case m.state == StateInitializing:
		return "ctrl+c: quit"
	case m.state == StateError:
		return "q: quit"
	case m.textInput.Focused():
		return "enter: add download | esc: leave input"
	}
	return "i: add download | b: toggle background | v: verbose | q: quit"
}

// initialize opens the session and restores the manager state.
func (m Model) initialize() tea.Cmd {
	return func() tea.Msg {
		s, err := session.Open(m.ctx, m.settings.ToSessionOptions())
		if err != nil {
			return InitDoneMsg{Err: err}
		}

		manager := download.NewManager(s, m.settings.ToManagerConfig(), m.onEvent)
		if err := manager.Initialize(m.ctx); err != nil {
			s.Close()
			return InitDoneMsg{Err: err}
		}

		return InitDoneMsg{Session: s, Manager: manager}
	}
}

// moveFile moves a finished download into the downloads directory.
func (m Model) moveFile(e *entry, src string) tea.Cmd {
	return func() tea.Msg {
		return MovedMsg{Entry: e, Err: ioutils.MoveFile(m.ctx, src, e.dest)}
	}
}

// Close stops the manager loop and persists unfinished tasks.
func (m Model) Close() error {
	m.cancel()
	switch {
	case m.manager != nil:
		return m.manager.Shutdown()
	case m.session != nil:
		return m.session.Close()
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Run starts the TUI application.
func Run(settings *config.Settings) error {
	p := tea.NewProgram(NewModel(settings), tea.WithAltScreen())
	final, err := p.Run()
	if m, ok := final.(Model); ok {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
