package subscriber

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lotas/readeasy/internal/server"
	"github.com/lotas/readeasy/internal/settings"
)

type fakeRenderer struct {
	mu      sync.Mutex
	css     string
	applied int
	cleared int
}

func (r *fakeRenderer) Apply(css string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.css = css
	r.applied++
}

func (r *fakeRenderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.css = ""
	r.cleared++
}

func (r *fakeRenderer) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.css
}

func pushMsg(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestStylesheet(t *testing.T) {
	css := Stylesheet(settings.Defaults())
	for _, want := range []string{
		"font-family: sans-serif !important;",
		"font-size: 16px !important;",
		"letter-spacing: 0.12em !important;",
		"word-spacing: 0.16em !important;",
		"line-height: 1.5 !important;",
		"color: #000000 !important;",
		"background-color: #f8f8f8 !important;",
	} {
		if !strings.Contains(css, want) {
			t.Errorf("stylesheet missing %q:\n%s", want, css)
		}
	}
}

func TestFontFamily(t *testing.T) {
	tests := map[string]string{
		"open-dyslexic": `"OpenDyslexic", sans-serif`,
		"comic-sans":    `"Comic Sans MS", cursive`,
		"arial":         "Arial, sans-serif",
		"sans-serif":    "sans-serif",
		"Verdana":       `"Verdana", sans-serif`,
	}
	for in, want := range tests {
		if got := FontFamily(in); got != want {
			t.Errorf("FontFamily(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStateMachine(t *testing.T) {
	r := &fakeRenderer{}
	s := New(r)

	if st, _, _ := s.State(); st != Uninitialized {
		t.Fatalf("expected uninitialized, got %s", st)
	}

	s.HandleStatus(Status{Enabled: false, Settings: settings.Defaults()})
	if st, _, enabled := s.State(); st != Synced || enabled {
		t.Fatalf("expected synced+disabled, got %s/%v", st, enabled)
	}
	if r.cleared != 1 || r.applied != 0 {
		t.Errorf("disabled sync should clear, got applied=%d cleared=%d", r.applied, r.cleared)
	}

	updated := settings.Defaults()
	updated.FontSize = 22
	if err := s.HandlePush(pushMsg(t, map[string]any{"action": "updateSettings", "settings": updated})); err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if r.applied != 0 {
		t.Error("settings push while disabled must not render")
	}
	_, cached, _ := s.State()
	if cached.FontSize != 22 {
		t.Errorf("expected cached fontSize 22, got %v", cached.FontSize)
	}

	if err := s.HandlePush(pushMsg(t, map[string]any{"action": "toggleExtension", "enabled": true})); err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if !strings.Contains(r.current(), "font-size: 22px") {
		t.Errorf("expected updated stylesheet, got %q", r.current())
	}
}

func TestToggleRoundTripRendersIdentically(t *testing.T) {
	r := &fakeRenderer{}
	s := New(r)
	custom := settings.Defaults()
	custom.Font = "open-dyslexic"
	custom.LineSpacing = 2
	s.HandleStatus(Status{Enabled: true, Settings: custom})
	before := r.current()

	s.HandlePush(pushMsg(t, map[string]any{"action": "toggleExtension", "enabled": false}))
	if r.current() != "" {
		t.Fatal("expected stylesheet cleared")
	}
	s.HandlePush(pushMsg(t, map[string]any{"action": "toggleExtension", "enabled": true}))
	if after := r.current(); after != before {
		t.Errorf("toggle round trip changed rendering:\n%s\nvs\n%s", before, after)
	}
}

func TestPushBeforeStatusWins(t *testing.T) {
	r := &fakeRenderer{}
	s := New(r)

	newer := settings.Defaults()
	newer.FontSize = 30
	s.HandlePush(pushMsg(t, map[string]any{"action": "updateSettings", "settings": newer}))
	if r.applied != 0 || r.cleared != 0 {
		t.Error("nothing should render before the status reply")
	}

	s.HandleStatus(Status{Enabled: true, Settings: settings.Defaults()})
	_, cached, _ := s.State()
	if cached.FontSize != 30 {
		t.Errorf("expected earlier push to win over stale status, got %v", cached.FontSize)
	}
	if !strings.Contains(r.current(), "font-size: 30px") {
		t.Errorf("unexpected stylesheet %q", r.current())
	}
}

func TestHandlePushErrors(t *testing.T) {
	s := New(&fakeRenderer{})
	for _, data := range []string{`nope`, `{"action":"updateSettings"}`, `{"action":"toggleExtension"}`, `{"action":"other"}`} {
		if err := s.HandlePush([]byte(data)); err == nil {
			t.Errorf("expected error for %s", data)
		}
	}
}

func TestFileRenderer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.css")
	r := FileRenderer{Path: path}
	r.Apply("body {}")
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "body {}" {
		t.Fatalf("unexpected file %q, %v", data, err)
	}
	r.Clear()
	data, _ = os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("expected empty file, got %q", data)
	}
}

func TestRunAgainstHub(t *testing.T) {
	s := settings.Defaults()
	s.WordSpacing = 0.3
	hub := server.New("", server.HandlerFunc(func(ctx context.Context, req server.Request) any {
		if req.Action == "getStatus" {
			return Status{Enabled: true, Settings: s}
		}
		return map[string]string{"error": "unknown action"}
	}))
	ts := httptest.NewServer(hub.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	applied := make(chan string, 4)
	sub := New(FuncRenderer{
		ApplyFunc: func(css string) { applied <- css },
		ClearFunc: func() { applied <- "" },
	})
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), 12) }()

	select {
	case css := <-applied:
		if !strings.Contains(css, "word-spacing: 0.3em") {
			t.Errorf("unexpected initial stylesheet %q", css)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for initial render")
	}

	if tabs := hub.Tabs(); len(tabs) != 1 || tabs[0] != 12 {
		t.Fatalf("expected tab 12 registered, got %v", tabs)
	}
	if err := hub.Send(ctx, 12, map[string]any{"action": "toggleExtension", "enabled": false}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case css := <-applied:
		if css != "" {
			t.Errorf("expected clear, got %q", css)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for clear")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}
