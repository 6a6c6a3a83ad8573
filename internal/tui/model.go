package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"intentspace/internal/domain"
)

// ClassifierPort is the TUI-facing subset of the intent service.
type ClassifierPort interface {
	Classify(text string) (domain.Prediction, error)
}

// Model is the Bubble Tea model for the interactive classifier console.
type Model struct {
	service  ClassifierPort
	input    textinput.Model
	viewport viewport.Model
	ranking  []domain.IntentScore
	summary  string
	status   string
	cursor   int
	ready    bool
	lastText string
}

// New creates a new TUI model instance.
func New(service ClassifierPort, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type a message and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{service: service, input: ti, viewport: vp, summary: summary, status: "Ready. Type a message to classify."}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around ranking and input boxes
		_, rh := rankingBoxStyle.GetFrameSize()
		_, qh := inputBoxStyle.GetFrameSize()
		totalHeaderLines := 2                                    // header + summary
		totalFooterLines := 1                                    // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1 // 1 spacer
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderRanking())
		return m, nil
	case tea.KeyMsg:
		// Global quits
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				p, err := m.service.Classify(text)
				if err != nil {
					m.status = "Error: " + err.Error()
					m.ranking = nil
				} else if p.Intent.Name == "" {
					m.status = fmt.Sprintf("No intent recognized for %q", text)
					m.ranking = nil
				} else {
					m.status = fmt.Sprintf("Intent for %q: %s (%.3f)", text, p.Intent.Name, p.Intent.Confidence)
					m.ranking = p.Ranking
					m.cursor = 0
					m.lastText = text
				}
				m.viewport.SetContent(m.renderRanking())
				return m, nil
			}
		case "down":
			if len(m.ranking) > 0 {
				m.cursor = (m.cursor + 1) % len(m.ranking)
				m.viewport.SetContent(m.renderRanking())
				return m, nil
			}
		case "up":
			if len(m.ranking) > 0 {
				m.cursor = (m.cursor - 1 + len(m.ranking)) % len(m.ranking)
				m.viewport.SetContent(m.renderRanking())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the TUI layout and the current ranking.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Intentspace")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := inputBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	ranking := rankingBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + ranking + "\n" + input + "\n" + status
}

func (m Model) renderRanking() string {
	body := renderRanking(m.ranking, m.cursor)
	if len(m.ranking) == 0 || m.lastText == "" {
		return body
	}
	title := fmt.Sprintf("Ranking for %q", m.lastText)
	return title + "\n\n" + body
}

func renderRanking(ranking []domain.IntentScore, cursor int) string {
	if len(ranking) == 0 {
		return "No prediction yet."
	}
	lines := make([]string, 0, len(ranking))
	for i, s := range ranking {
		line := fmt.Sprintf("%2d. %-24s %.3f", i+1, s.Name, s.Confidence)
		if i == cursor {
			line = highlightStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

var (
	rankingBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
