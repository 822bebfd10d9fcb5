// Package popup is the terminal settings panel. It talks to the agent as a
// popup connection and never touches local storage itself.
package popup

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lotas/readeasy/internal/settings"
)

const callTimeout = 10 * time.Second

// Agent is the request side of an agent connection.
type Agent interface {
	Call(ctx context.Context, action string, payload, out any) error
}

type status struct {
	Enabled  bool              `json:"enabled"`
	Settings settings.Settings `json:"settings"`
}

type account struct {
	IsLoggedIn bool   `json:"isLoggedIn"`
	Username   string `json:"username"`
	Offline    bool   `json:"offline"`
}

// --- Messages ---

type statusMsg struct {
	status status
	err    error
}

type accountMsg struct {
	account account
	err     error
}

type savedMsg struct {
	settings settings.Settings
	err      error
}

type toggledMsg struct {
	enabled bool
	err     error
}

type loggedOutMsg struct{ err error }

// --- Rows ---

type kind int

const (
	kindCycle kind = iota
	kindNumber
	kindBool
)

type row struct {
	label   string
	key     string
	kind    kind
	choices []string
	step    float64
	min     float64
	max     float64
}

var (
	fonts  = []string{"sans-serif", "open-dyslexic", "comic-sans", "arial"}
	levels = []string{string(settings.LevelLow), string(settings.LevelMedium), string(settings.LevelHigh)}
	models = []string{"gpt-4o", "gpt-3.5-turbo", "ollama:llama3.2"}
)

var rows = []row{
	{label: "Font", key: "font", kind: kindCycle, choices: fonts},
	{label: "Font size", key: "fontSize", kind: kindNumber, step: 1, min: 10, max: 36},
	{label: "Letter spacing", key: "letterSpacing", kind: kindNumber, step: 0.01, min: 0, max: 0.5},
	{label: "Word spacing", key: "wordSpacing", kind: kindNumber, step: 0.01, min: 0, max: 0.5},
	{label: "Line spacing", key: "lineSpacing", kind: kindNumber, step: 0.1, min: 1, max: 3},
	{label: "Simplification", key: "simplificationLevel", kind: kindCycle, choices: levels},
	{label: "AI model", key: "aiModel", kind: kindCycle, choices: models},
	{label: "Rewrite", key: "rewriteEnabled", kind: kindBool},
	{label: "Text to speech", key: "textToSpeechEnabled", kind: kindBool},
	{label: "Phonetics", key: "phoneticsEnabled", kind: kindBool},
}

// --- Model ---

type Model struct {
	agent   Agent
	status  status
	account account
	loaded  bool
	cursor  int
	err     error
	notice  string
	width   int
}

// NewModel returns a popup bound to agent.
func NewModel(agent Agent) Model {
	return Model{agent: agent}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchStatus(m.agent), fetchAccount(m.agent))
}

func call(agent Agent, action string, payload, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return agent.Call(ctx, action, payload, out)
}

func fetchStatus(agent Agent) tea.Cmd {
	return func() tea.Msg {
		var st status
		err := call(agent, "getStatus", nil, &st)
		return statusMsg{status: st, err: err}
	}
}

func fetchAccount(agent Agent) tea.Cmd {
	return func() tea.Msg {
		var a account
		err := call(agent, "checkLoginStatus", nil, &a)
		return accountMsg{account: a, err: err}
	}
}

func saveSettings(agent Agent, p settings.Patch) tea.Cmd {
	return func() tea.Msg {
		var reply struct {
			Settings settings.Settings `json:"settings"`
		}
		err := call(agent, "updateSettings", map[string]any{"settings": p}, &reply)
		return savedMsg{settings: reply.Settings, err: err}
	}
}

func toggle(agent Agent) tea.Cmd {
	return func() tea.Msg {
		var reply struct {
			Enabled bool `json:"enabled"`
		}
		err := call(agent, "toggleExtension", nil, &reply)
		return toggledMsg{enabled: reply.Enabled, err: err}
	}
}

func logout(agent Agent) tea.Cmd {
	return func() tea.Msg {
		return loggedOutMsg{err: call(agent, "logout", nil, nil)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.loaded = true
		}
		return m, nil

	case accountMsg:
		if msg.err == nil {
			m.account = msg.account
		}
		return m, nil

	case savedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, fetchStatus(m.agent)
		}
		m.err = nil
		m.status.Settings = msg.settings
		m.notice = "Settings saved"
		return m, nil

	case toggledMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status.Enabled = msg.enabled
		if msg.enabled {
			m.notice = "Enabled"
		} else {
			m.notice = "Disabled"
		}
		return m, nil

	case loggedOutMsg:
		m.err = msg.err
		if msg.err == nil {
			m.notice = "Logged out"
		}
		return m, tea.Batch(fetchStatus(m.agent), fetchAccount(m.agent))

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "r":
		m.notice = ""
		return m, tea.Batch(fetchStatus(m.agent), fetchAccount(m.agent))
	case "t":
		return m, toggle(m.agent)
	case "x":
		return m, logout(m.agent)
	}
	if !m.loaded {
		return m, nil
	}

	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(rows)-1 {
			m.cursor++
		}
	case "left", "h":
		return m.adjust(-1)
	case "right", "l", "enter", " ":
		return m.adjust(1)
	}
	return m, nil
}

// adjust moves the selected row by dir and sends only that field.
func (m Model) adjust(dir int) (tea.Model, tea.Cmd) {
	r := rows[m.cursor]
	fields, err := m.status.Settings.Fields()
	if err != nil {
		m.err = err
		return m, nil
	}

	var value any
	switch r.kind {
	case kindCycle:
		current, _ := fields[r.key].(string)
		value = cycle(r.choices, current, dir)
	case kindNumber:
		current, _ := fields[r.key].(float64)
		value = clamp(current+float64(dir)*r.step, r.min, r.max)
	case kindBool:
		current, _ := fields[r.key].(bool)
		value = !current
	}
	if value == fields[r.key] {
		return m, nil
	}

	p, err := settings.NewPatch(map[string]any{r.key: value})
	if err != nil {
		m.err = err
		return m, nil
	}
	m.notice = ""
	return m, saveSettings(m.agent, p)
}

func cycle(choices []string, current string, dir int) string {
	idx := -1
	for i, c := range choices {
		if c == current {
			idx = i
			break
		}
	}
	n := len(choices)
	if idx < 0 {
		return choices[0]
	}
	return choices[((idx+dir)%n+n)%n]
}

func clamp(v, lo, hi float64) float64 {
	v = math.Round(v*100) / 100
	return math.Max(lo, math.Min(hi, v))
}

func formatValue(r row, v any) string {
	switch r.kind {
	case kindBool:
		if b, _ := v.(bool); b {
			return "on"
		}
		return "off"
	case kindNumber:
		f, _ := v.(float64)
		return fmt.Sprintf("%g", f)
	}
	return fmt.Sprint(v)
}

func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	labelStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	cursorStyle := lipgloss.NewStyle().Bold(true).Reverse(true)
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	warnStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	var b strings.Builder
	state := dimStyle.Render("○ disabled")
	if m.status.Enabled {
		state = okStyle.Render("● enabled")
	}
	b.WriteString(titleStyle.Render("ReadEasy") + "  " + state + "\n")

	switch {
	case m.account.IsLoggedIn && m.account.Offline:
		b.WriteString(dimStyle.Render(" Signed in as "+m.account.Username+" (offline)") + "\n")
	case m.account.IsLoggedIn:
		b.WriteString(dimStyle.Render(" Signed in as "+m.account.Username) + "\n")
	default:
		b.WriteString(dimStyle.Render(" Not signed in") + "\n")
	}
	b.WriteString("\n")

	if !m.loaded {
		if m.err != nil {
			b.WriteString(warnStyle.Render(" Error: "+m.err.Error()) + "\n")
			b.WriteString(dimStyle.Render(" r retry · q quit") + "\n")
			return b.String()
		}
		b.WriteString(" Loading settings...\n")
		return b.String()
	}

	fields, _ := m.status.Settings.Fields()
	for i, r := range rows {
		line := fmt.Sprintf(" %-16s %s", r.label, formatValue(r, fields[r.key]))
		if i == m.cursor {
			b.WriteString(cursorStyle.Render(line) + "\n")
		} else {
			b.WriteString(labelStyle.Render(fmt.Sprintf(" %-16s", r.label)) + " " + formatValue(r, fields[r.key]) + "\n")
		}
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(warnStyle.Render(" Error: "+m.err.Error()) + "\n")
	} else if m.notice != "" {
		b.WriteString(okStyle.Render(" "+m.notice) + "\n")
	}
	b.WriteString(dimStyle.Render(" ↑/↓ select · ←/→ change · t toggle · x logout · r refresh · q quit") + "\n")
	return b.String()
}
