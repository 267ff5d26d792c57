// Package statusui is a terminal status screen for a running session: the
// connection state, who is in the room and a scrolling event log.
package statusui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/roomsync/internal/room"
	"github.com/codefionn/roomsync/internal/session"
)

const (
	maxEvents    = 200
	pollInterval = 250 * time.Millisecond
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	waitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	userStyle   = lipgloss.NewStyle().PaddingLeft(2)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	borderStyle = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderTop(true).BorderForeground(lipgloss.Color("238"))
)

type (
	eventMsg struct {
		text string
		err  bool
	}
	presenceMsg struct {
		user   room.User
		cursor session.Cursor
	}
	doneMsg struct{ err error }
	pollMsg struct{}
)

type event struct {
	at   time.Time
	text string
	err  bool
}

type peer struct {
	user room.User
	path string
}

// model is the bubbletea model. status and leave reach into the session.
type model struct {
	title   string
	status  func() session.State
	leave   func()
	now     func() time.Time
	spinner spinner.Model

	state   session.State
	peers   map[int]peer
	events  []event
	leaving bool
	done    bool
	err     error
	width   int
	height  int
}

func newModel(title string, status func() session.State, leave func()) *model {
	return &model{
		title:  title,
		status: status,
		leave:  leave,
		now:    time.Now,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Line),
			spinner.WithStyle(waitStyle),
		),
		peers:  make(map[int]peer),
		width:  80,
		height: 24,
	}
}

func poll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, poll())
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.leaving {
				m.leaving = true
				m.addEvent("leaving room...", false)
				m.leave()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case pollMsg:
		if m.done {
			return m, nil
		}
		m.state = m.status()
		return m, poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.addEvent(msg.text, msg.err)
		return m, nil

	case presenceMsg:
		m.presence(msg.user, msg.cursor)
		return m, nil

	case doneMsg:
		m.done = true
		m.err = msg.err
		m.state = session.StateDisconnected
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) addEvent(text string, isErr bool) {
	m.events = append(m.events, event{at: m.now(), text: text, err: isErr})
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

func (m *model) presence(u room.User, c session.Cursor) {
	switch {
	case c.Left:
		delete(m.peers, u.ConnID)
		m.addEvent(u.Username+" left", false)
	case c.Path == "":
		m.peers[u.ConnID] = peer{user: u}
		m.addEvent(fmt.Sprintf("%s joined (%s)", u.Username, u.Client), false)
	default:
		p := m.peers[u.ConnID]
		p.user = u
		p.path = c.Path
		m.peers[u.ConnID] = p
	}
}

func (m *model) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(m.title))
	sb.WriteString("  ")
	if m.state == session.StateJoined {
		sb.WriteString(stateStyle.Render(m.state.String()))
	} else {
		if !m.done {
			sb.WriteString(m.spinner.View() + " ")
		}
		sb.WriteString(waitStyle.Render(m.state.String()))
	}
	sb.WriteString("\n")

	ids := make([]int, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := m.peers[id]
		line := p.user.Username
		if p.path != "" {
			line += mutedStyle.Render(" in " + p.path)
		}
		sb.WriteString(userStyle.Render(line) + "\n")
	}

	// header, peers, border, footer
	rows := m.height - 4 - len(ids)
	if rows < 3 {
		rows = 3
	}
	events := m.events
	if len(events) > rows {
		events = events[len(events)-rows:]
	}
	var log strings.Builder
	for _, e := range events {
		line := mutedStyle.Render(e.at.Format("15:04:05")) + " "
		if e.err {
			line += errorStyle.Render(e.text)
		} else {
			line += e.text
		}
		log.WriteString(line + "\n")
	}
	sb.WriteString(borderStyle.Width(m.width).Render(strings.TrimSuffix(log.String(), "\n")))
	sb.WriteString("\n")

	switch {
	case m.done && m.err != nil:
		sb.WriteString(errorStyle.Render("session ended: " + m.err.Error()))
	case m.done:
		sb.WriteString(mutedStyle.Render("session ended"))
	default:
		sb.WriteString(mutedStyle.Render("q: leave room"))
	}
	sb.WriteString("\n")
	return sb.String()
}
