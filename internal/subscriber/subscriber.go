// Package subscriber is the per-tab content side: it mirrors the agent's
// settings and enabled flag and keeps the page stylesheet in step with them.
package subscriber

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lotas/readeasy/internal/settings"
)

// Renderer applies or removes the page stylesheet.
type Renderer interface {
	Apply(css string)
	Clear()
}

// State is the subscriber lifecycle. There is no terminal state.
type State int

const (
	Uninitialized State = iota
	Synced
)

func (s State) String() string {
	if s == Synced {
		return "synced"
	}
	return "uninitialized"
}

// Status is the agent's getStatus reply.
type Status struct {
	Enabled  bool              `json:"enabled"`
	Settings settings.Settings `json:"settings"`
}

type push struct {
	Action   string             `json:"action"`
	Enabled  *bool              `json:"enabled"`
	Settings *settings.Settings `json:"settings"`
}

// Subscriber caches the last known state of one tab.
type Subscriber struct {
	renderer Renderer

	mu       sync.Mutex
	state    State
	settings settings.Settings
	enabled  bool
	// pushes seen before the status reply are newer than it
	pushedSettings bool
	pushedEnabled  bool
}

// New returns an uninitialized subscriber rendering through r.
func New(r Renderer) *Subscriber {
	return &Subscriber{renderer: r, settings: settings.Defaults()}
}

// State returns the lifecycle state and cached values.
func (s *Subscriber) State() (State, settings.Settings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.settings.Clone(), s.enabled
}

// HandleStatus adopts the startup query reply and renders.
func (s *Subscriber) HandleStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pushedSettings {
		s.settings = st.Settings
	}
	if !s.pushedEnabled {
		s.enabled = st.Enabled
	}
	s.state = Synced
	s.renderLocked()
}

// HandlePush applies an updateSettings or toggleExtension push. Pushes that
// arrive before the status reply are cached and rendered once synced.
func (s *Subscriber) HandlePush(data []byte) error {
	var p push
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode push: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.Action {
	case "updateSettings":
		if p.Settings == nil {
			return fmt.Errorf("updateSettings push without settings")
		}
		s.settings = *p.Settings
		if s.state == Uninitialized {
			s.pushedSettings = true
			return nil
		}
		if s.enabled {
			s.renderer.Apply(Stylesheet(s.settings))
		}
	case "toggleExtension":
		if p.Enabled == nil {
			return fmt.Errorf("toggleExtension push without enabled")
		}
		s.enabled = *p.Enabled
		if s.state == Uninitialized {
			s.pushedEnabled = true
			return nil
		}
		s.renderLocked()
	default:
		return fmt.Errorf("unknown push action %q", p.Action)
	}
	return nil
}

func (s *Subscriber) renderLocked() {
	if s.enabled {
		s.renderer.Apply(Stylesheet(s.settings))
	} else {
		s.renderer.Clear()
	}
}
