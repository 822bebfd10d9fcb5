// Package broadcast fans settings and enabled-state changes out to every
// open tab. Each call works on a snapshot of the tabs registered at that
// moment and does not wait for delivery. Messages to one tab arrive in the
// order they were broadcast.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/lotas/readeasy/internal/applog"
	"github.com/lotas/readeasy/internal/settings"
)

// Actions pushed to content subscribers.
const (
	ActionUpdateSettings  = "updateSettings"
	ActionToggleExtension = "toggleExtension"
)

// SettingsMsg carries a full settings object to a tab.
type SettingsMsg struct {
	Action   string            `json:"action"`
	Settings settings.Settings `json:"settings"`
}

// EnabledMsg carries the enabled flag to a tab.
type EnabledMsg struct {
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
}

// TabLister enumerates tabs with a live subscriber.
type TabLister interface {
	Tabs() []int
}

// Sender delivers one message to one tab.
type Sender interface {
	Send(ctx context.Context, tabID int, msg any) error
}

// Target is a tab registry that can also deliver to its tabs.
type Target interface {
	TabLister
	Sender
}

// Broadcaster delivers to every tab of a Target.
type Broadcaster struct {
	target  Target
	timeout time.Duration

	mu sync.Mutex
	// queues holds undelivered messages per tab. A key is present while
	// that tab's drain goroutine runs.
	queues map[int][]any
}

// New returns a Broadcaster over t with a 5s per-tab delivery timeout.
func New(t Target) *Broadcaster {
	return &Broadcaster{target: t, timeout: 5 * time.Second, queues: map[int][]any{}}
}

// BroadcastSettings pushes s to every open tab.
func (b *Broadcaster) BroadcastSettings(s settings.Settings) {
	b.Broadcast(SettingsMsg{Action: ActionUpdateSettings, Settings: s.Clone()})
}

// BroadcastEnabled pushes the enabled flag to every open tab.
func (b *Broadcaster) BroadcastEnabled(enabled bool) {
	b.Broadcast(EnabledMsg{Action: ActionToggleExtension, Enabled: enabled})
}

// Broadcast queues msg for each tab and returns immediately. One goroutine
// per tab drains its queue, so a tab sees messages in broadcast order.
// Delivery failures are logged and dropped; tabs opened after the snapshot
// query their state on startup instead.
func (b *Broadcaster) Broadcast(msg any) {
	for _, id := range b.target.Tabs() {
		b.enqueue(id, msg)
	}
}

func (b *Broadcaster) enqueue(id int, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, running := b.queues[id]
	b.queues[id] = append(q, msg)
	if !running {
		go b.drain(id)
	}
}

func (b *Broadcaster) drain(id int) {
	for {
		b.mu.Lock()
		q := b.queues[id]
		if len(q) == 0 {
			delete(b.queues, id)
			b.mu.Unlock()
			return
		}
		msg := q[0]
		b.queues[id] = q[1:]
		b.mu.Unlock()

		b.deliver(id, msg)
	}
}

func (b *Broadcaster) deliver(id int, msg any) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.target.Send(ctx, id, msg); err != nil {
		applog.Info("broadcast.skip", "tab", id, "err", err.Error())
	}
}
