package controller

import (
	"context"
	"sync"
	"time"

	"github.com/lotas/readeasy/internal/applog"
	"github.com/lotas/readeasy/internal/settings"
)

type settingsPush struct {
	userID   string
	settings settings.Settings
}

type keysPush struct {
	userID string
	keys   map[string]string
}

// pusher sends remote updates from a single goroutine. Each kind of update
// has a one-slot mailbox: a newer snapshot replaces a pending older one, so
// an older local state is never sent after a newer one.
type pusher struct {
	remote  Remote
	timeout time.Duration

	mu       sync.Mutex
	settings *settingsPush
	keys     *keysPush
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func newPusher(r Remote, timeout time.Duration) *pusher {
	p := &pusher{
		remote:  r,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pusher) pushSettings(userID string, s settings.Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.settings = &settingsPush{userID: userID, settings: s.Clone()}
	p.signal()
}

func (p *pusher) pushKeys(userID string, keys map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.keys = &keysPush{userID: userID, keys: copyKeys(keys)}
	p.signal()
}

// signal must be called with p.mu held.
func (p *pusher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pusher) run() {
	defer close(p.done)
	for range p.wake {
		p.flush()
	}
	p.flush()
}

func (p *pusher) flush() {
	p.mu.Lock()
	sp, kp := p.settings, p.keys
	p.settings, p.keys = nil, nil
	p.mu.Unlock()

	if sp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if _, err := p.remote.PushSettings(ctx, sp.userID, sp.settings); err != nil {
			applog.Warn("settings.push", err, "user", sp.userID)
		} else {
			applog.Info("settings.push", "user", sp.userID)
		}
		cancel()
	}
	if kp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.remote.PushAPIKeys(ctx, kp.userID, kp.keys); err != nil {
			applog.Warn("apikeys.push", err, "user", kp.userID)
		}
		cancel()
	}
}

// close stops accepting updates and waits for pending ones to be sent.
func (p *pusher) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.wake)
	p.mu.Unlock()
	<-p.done
}

func copyKeys(keys map[string]string) map[string]string {
	out := make(map[string]string, len(keys))
	for k, v := range keys {
		out[k] = v
	}
	return out
}
