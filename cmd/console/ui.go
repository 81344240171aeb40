package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

const (
	AgentName       = "Narrator"
	PlaceHolderText = "Type your message here..."
)

type speaker int

const (
	speakerNarrator speaker = iota
	speakerPlayer
	speakerSystem
)

type entry struct {
	who  speaker
	text string
}

// ConsoleUI is the BubbleTea model that runs the UI.
type ConsoleUI struct {
	api      *apiClient
	session  *session
	viewport viewport.Model
	textarea textarea.Model
	entries  []entry
	ready    bool
	width    int
	height   int
	loading  bool
	status   string
	cancel   context.CancelFunc
}

type turnStartedMsg struct {
	events <-chan turnEvent
	err    error
}

type turnEventMsg struct {
	event  turnEvent
	events <-chan turnEvent
}

type phaseMsg struct {
	session *session
	err     error
}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")). // pink
			Bold(true)

	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("212")).
			Padding(0, 1)

	narratorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")) // green

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // teal

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")) // red

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // yellow

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")) // dark grey

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

func NewConsoleUI(api *apiClient, sess *session) ConsoleUI {
	ta := textarea.New()
	ta.Placeholder = PlaceHolderText
	ta.Focus()
	ta.Prompt = promptStyle.Render(":: ")
	ta.CharLimit = 1000
	ta.SetWidth(50)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	vp := viewport.New(50, 20)
	vp.MouseWheelEnabled = true

	return ConsoleUI{
		api:      api,
		session:  sess,
		textarea: ta,
		viewport: vp,
		entries: []entry{{
			who:  speakerSystem,
			text: "Type your messages below to interact with the story. /help lists commands.",
		}},
	}
}

func (m ConsoleUI) Init() tea.Cmd {
	return textarea.Blink
}

func (m ConsoleUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - 8
		m.textarea.SetWidth(msg.Width - 4)
		m.ready = true
		m.render()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.loading && m.cancel != nil {
				m.cancel()
				return m, nil
			}
		case tea.KeyEnter:
			if m.loading {
				return m, nil
			}
			input := strings.TrimSpace(m.textarea.Value())
			m.textarea.Reset()
			if input == "" {
				return m, nil
			}
			if strings.HasPrefix(input, "/") {
				return m.handleCommand(input)
			}
			return m.sendTurn(input)
		}

	case turnStartedMsg:
		if msg.err != nil {
			m.finishTurn()
			m.entries = append(m.entries, entry{who: speakerSystem, text: errorStyle.Render("Error: " + msg.err.Error())})
			m.render()
			return m, nil
		}
		m.entries = append(m.entries, entry{who: speakerNarrator})
		return m, waitForEvent(msg.events)

	case turnEventMsg:
		if !msg.event.done {
			last := &m.entries[len(m.entries)-1]
			last.text += msg.event.fragment
			m.render()
			return m, waitForEvent(msg.events)
		}
		m.finishTurn()
		switch {
		case msg.event.err != nil:
			m.status = "stream interrupted: " + msg.event.err.Error()
		case msg.event.status == "degraded":
			m.status = "the narrator stumbled; try again"
		case msg.event.status == "error":
			m.status = "the turn failed"
		}
		m.render()
		// a tool may have moved the story to a new phase
		return m, m.refreshPhase()

	case phaseMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.session = msg.session
		}
		return m, nil
	}

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *ConsoleUI) finishTurn() {
	m.loading = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m ConsoleUI) sendTurn(input string) (tea.Model, tea.Cmd) {
	m.entries = append(m.entries, entry{who: speakerPlayer, text: input})
	m.loading = true
	m.status = ""
	m.render()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	api, id := m.api, m.session.SessionID
	return m, func() tea.Msg {
		events, err := api.streamTurn(ctx, id, input)
		return turnStartedMsg{events: events, err: err}
	}
}

func waitForEvent(events <-chan turnEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return turnEventMsg{event: turnEvent{done: true}, events: events}
		}
		return turnEventMsg{event: ev, events: events}
	}
}

func (m ConsoleUI) refreshPhase() tea.Cmd {
	api, id := m.api, m.session.SessionID
	return func() tea.Msg {
		s, err := api.getPhase(id)
		return phaseMsg{session: s, err: err}
	}
}

func (m ConsoleUI) handleCommand(input string) (tea.Model, tea.Cmd) {
	switch strings.Fields(input)[0] {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/copy":
		text := m.lastResponse()
		if text == "" {
			m.status = "nothing to copy yet"
		} else if err := clipboard.WriteAll(text); err != nil {
			m.status = "copy failed: " + err.Error()
		} else {
			m.status = "copied last response"
		}
	case "/phase":
		return m, m.refreshPhase()
	case "/session":
		m.status = "session " + m.session.SessionID
	case "/help":
		m.entries = append(m.entries, entry{who: speakerSystem, text: helpText})
		m.render()
	default:
		m.status = fmt.Sprintf("unknown command %s", input)
	}
	return m, nil
}

const helpText = `Commands:
  /copy     copy the narrator's last response
  /phase    refresh the current phase
  /session  show the session ID
  /quit     leave the console
Esc cancels a running turn. Ctrl+C quits.`

// lastResponse returns the most recent narrator text.
func (m ConsoleUI) lastResponse() string {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].who == speakerNarrator && m.entries[i].text != "" {
			return m.entries[i].text
		}
	}
	return ""
}

func (m *ConsoleUI) render() {
	width := m.viewport.Width - 2
	if width < 20 {
		width = 20
	}
	m.viewport.SetContent(renderTranscript(m.entries, width))
	m.viewport.GotoBottom()
}

func renderTranscript(entries []entry, width int) string {
	var content strings.Builder
	for _, e := range entries {
		switch e.who {
		case speakerNarrator:
			content.WriteString(narratorStyle.Render(AgentName+": ") + wordwrap.String(e.text, width-len(AgentName)-2))
		case speakerPlayer:
			content.WriteString(userStyle.Render("You: ") + wordwrap.String(e.text, width-5))
		default:
			content.WriteString(wordwrap.String(e.text, width))
		}
		content.WriteString("\n\n")
	}
	return content.String()
}

func (m ConsoleUI) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	phaseName := m.session.PhaseName
	if phaseName == "" {
		phaseName = m.session.Phase
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render("PHASE ENGINE  "),
		phaseStyle.Render(phaseName),
	)

	status := m.status
	if m.loading {
		status = "the narrator is writing... (esc to cancel)"
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		separatorStyle.Render(strings.Repeat("─", max(m.width-4, 1))),
		m.textarea.View(),
		statusStyle.Render(status),
	)
}
