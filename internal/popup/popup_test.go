package popup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lotas/readeasy/internal/settings"
)

type fakeCall struct {
	action  string
	payload string
}

type fakeAgent struct {
	mu      sync.Mutex
	calls   []fakeCall
	replies map[string]any
	errs    map[string]error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{replies: map[string]any{}, errs: map[string]error{}}
}

func (f *fakeAgent) Call(ctx context.Context, action string, payload, out any) error {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{action: action, payload: string(data)})
	reply, err := f.replies[action], f.errs[action]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if out == nil || reply == nil {
		return nil
	}
	raw, _ := json.Marshal(reply)
	return json.Unmarshal(raw, out)
}

func (f *fakeAgent) last() fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return fakeCall{}
	}
	return f.calls[len(f.calls)-1]
}

func loadedModel(t *testing.T, agent *fakeAgent) Model {
	t.Helper()
	m := NewModel(agent)
	next, _ := m.Update(statusMsg{status: status{Enabled: true, Settings: settings.Defaults()}})
	return next.(Model)
}

func press(m Model, key tea.KeyMsg) (Model, tea.Cmd) {
	next, cmd := m.Update(key)
	return next.(Model), cmd
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestAdjustFontSizeSendsOneField(t *testing.T) {
	agent := newFakeAgent()
	updated := settings.Defaults()
	updated.FontSize = 17
	agent.replies["updateSettings"] = map[string]any{"success": true, "settings": updated}

	m := loadedModel(t, agent)
	m, _ = press(m, tea.KeyMsg{Type: tea.KeyDown})
	m, cmd := press(m, tea.KeyMsg{Type: tea.KeyRight})
	if cmd == nil {
		t.Fatal("expected a save command")
	}
	msg := cmd()

	got := agent.last()
	if got.action != "updateSettings" || got.payload != `{"settings":{"fontSize":17}}` {
		t.Errorf("unexpected call %+v", got)
	}

	next, _ := m.Update(msg)
	m = next.(Model)
	if m.status.Settings.FontSize != 17 || m.notice != "Settings saved" {
		t.Errorf("model not updated: size=%v notice=%q", m.status.Settings.FontSize, m.notice)
	}
}

func TestCycleAndClamp(t *testing.T) {
	if got := cycle(fonts, "arial", 1); got != "sans-serif" {
		t.Errorf("cycle forward wrap = %q", got)
	}
	if got := cycle(fonts, "sans-serif", -1); got != "arial" {
		t.Errorf("cycle backward wrap = %q", got)
	}
	if got := cycle(levels, "unknown", 1); got != "low" {
		t.Errorf("unknown value should reset to first, got %q", got)
	}
	if got := clamp(0.12+0.01, 0, 0.5); got != 0.13 {
		t.Errorf("clamp rounding = %v", got)
	}
	if got := clamp(40, 10, 36); got != 36 {
		t.Errorf("clamp max = %v", got)
	}
}

func TestAdjustAtBoundSendsNothing(t *testing.T) {
	agent := newFakeAgent()
	m := NewModel(agent)
	s := settings.Defaults()
	s.LineSpacing = 1
	next, _ := m.Update(statusMsg{status: status{Settings: s}})
	m = next.(Model)

	for i := 0; i < 4; i++ {
		m, _ = press(m, runes("j"))
	}
	if rows[m.cursor].key != "lineSpacing" {
		t.Fatalf("cursor on %q", rows[m.cursor].key)
	}
	if _, cmd := press(m, runes("h")); cmd != nil {
		t.Error("no update expected below the minimum")
	}
}

func TestToggleBoolRow(t *testing.T) {
	agent := newFakeAgent()
	m := loadedModel(t, agent)
	for i := 0; i < len(rows); i++ {
		m, _ = press(m, tea.KeyMsg{Type: tea.KeyDown})
	}
	if rows[m.cursor].key != "phoneticsEnabled" {
		t.Fatalf("cursor should stop on the last row, got %q", rows[m.cursor].key)
	}
	_, cmd := press(m, tea.KeyMsg{Type: tea.KeyEnter})
	cmd()
	if got := agent.last(); got.payload != `{"settings":{"phoneticsEnabled":true}}` {
		t.Errorf("unexpected payload %s", got.payload)
	}
}

func TestToggleExtension(t *testing.T) {
	agent := newFakeAgent()
	agent.replies["toggleExtension"] = map[string]any{"success": true, "enabled": false}
	m := loadedModel(t, agent)

	m, cmd := press(m, runes("t"))
	next, _ := m.Update(cmd())
	m = next.(Model)
	if m.status.Enabled {
		t.Error("expected disabled after toggle")
	}
	if !strings.Contains(m.View(), "disabled") {
		t.Error("view should show the disabled state")
	}
}

func TestSaveErrorRefetches(t *testing.T) {
	agent := newFakeAgent()
	agent.errs["updateSettings"] = errors.New("updateSettings: Could not save settings")
	m := loadedModel(t, agent)

	m, cmd := press(m, tea.KeyMsg{Type: tea.KeyRight})
	next, refetch := m.Update(cmd())
	m = next.(Model)
	if m.err == nil {
		t.Fatal("expected error shown")
	}
	if refetch == nil {
		t.Fatal("expected status refetch after a failed save")
	}
	if _, ok := refetch().(statusMsg); !ok {
		t.Error("refetch should query getStatus")
	}
	if !strings.Contains(m.View(), "Could not save settings") {
		t.Error("view should show the error")
	}
}

func TestKeysIgnoredUntilLoaded(t *testing.T) {
	m := NewModel(newFakeAgent())
	if _, cmd := press(m, tea.KeyMsg{Type: tea.KeyRight}); cmd != nil {
		t.Error("no command expected before status arrives")
	}
	if !strings.Contains(m.View(), "Loading") {
		t.Error("expected loading view")
	}
}

func TestAccountLine(t *testing.T) {
	m := loadedModel(t, newFakeAgent())
	next, _ := m.Update(accountMsg{account: account{IsLoggedIn: true, Username: "alice", Offline: true}})
	if view := next.(Model).View(); !strings.Contains(view, "alice (offline)") {
		t.Errorf("expected offline account line, got:\n%s", view)
	}
}
