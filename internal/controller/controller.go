// Package controller owns the single authoritative Settings and enabled flag
// of the agent process. It merges updates, persists them locally, pushes them
// to the sync server when a remote account is signed in, and fans them out to
// every open tab.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lotas/readeasy/internal/applog"
	"github.com/lotas/readeasy/internal/localauth"
	"github.com/lotas/readeasy/internal/remote"
	"github.com/lotas/readeasy/internal/settings"
	"github.com/lotas/readeasy/internal/storage"
)

// LocalStore is the durable key-value store of the agent.
type LocalStore interface {
	LoadSettings(ctx context.Context) (settings.Settings, bool, error)
	SaveSettings(ctx context.Context, s settings.Settings) error
	LoadEnabled(ctx context.Context) (bool, bool, error)
	SaveEnabled(ctx context.Context, enabled bool) error
	LoadAPIKeys(ctx context.Context) (map[string]string, error)
	SaveAPIKeys(ctx context.Context, keys map[string]string) error
	LoadSession(ctx context.Context) (string, error)
	SaveSession(ctx context.Context, token string) error
}

// Remote is the sync server client.
type Remote interface {
	Ping(ctx context.Context) error
	Login(ctx context.Context, username, password string) (*remote.Session, error)
	Register(ctx context.Context, username, email, password string) (string, error)
	Logout(ctx context.Context) error
	Status(ctx context.Context) (*remote.LoginStatus, error)
	GetSettings(ctx context.Context, userID string) (*remote.UserSettings, error)
	PushSettings(ctx context.Context, userID string, s settings.Settings) (settings.Patch, error)
	PushAPIKeys(ctx context.Context, userID string, keys map[string]string) error
	Token() string
	SetToken(token string)
}

// LocalUsers is the offline credential store.
type LocalUsers interface {
	Register(ctx context.Context, username, email, password string) (string, error)
	Login(ctx context.Context, username, password string) (*storage.LocalUser, error)
	Remember(ctx context.Context, id, username, email, password string) error
}

// History records every adopted settings state.
type History interface {
	Record(ctx context.Context, s settings.Settings, source string) error
}

// Broadcaster fans state changes out to open tabs without waiting.
type Broadcaster interface {
	BroadcastSettings(s settings.Settings)
	BroadcastEnabled(enabled bool)
}

// SessionResult is the outcome of login, register and logout.
type SessionResult struct {
	Success  bool   `json:"success"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Offline  bool   `json:"offline,omitempty"`
	Error    string `json:"error,omitempty"`
}

// LoginStatus is the outcome of CheckLoginStatus.
type LoginStatus struct {
	IsLoggedIn bool   `json:"isLoggedIn"`
	UserID     string `json:"userId,omitempty"`
	Username   string `json:"username,omitempty"`
	Offline    bool   `json:"offline,omitempty"`
}

const (
	msgInvalidCredentials = "Invalid username or password"
	msgMissingCredentials = "Username and password are required"
	msgMissingFields      = "Username, email and password are required"
	msgUserExists         = "Username already exists"
)

// Options configures a Controller.
type Options struct {
	Store LocalStore
	// Remote is nil when no sync server is configured.
	Remote      Remote
	Users       LocalUsers
	Broadcaster Broadcaster
	// History is optional.
	History History
	// EnabledDefault is adopted when no enabled flag has been stored yet.
	EnabledDefault bool
	// PushTimeout bounds each background push. Zero means 10s.
	PushTimeout time.Duration
}

// Controller is safe for concurrent use. Every operation is valid before
// Initialize and observes defaults until it completes.
type Controller struct {
	store          LocalStore
	remote         Remote
	users          LocalUsers
	bcast          Broadcaster
	history        History
	enabledDefault bool
	pusher         *pusher

	mu       sync.Mutex
	settings settings.Settings
	enabled  bool
	apiKeys  map[string]string
	username string
}

// New returns a controller holding defaults. Call Initialize to load the
// persisted state and Close to stop background pushes.
func New(opts Options) *Controller {
	c := &Controller{
		store:          opts.Store,
		remote:         opts.Remote,
		users:          opts.Users,
		bcast:          opts.Broadcaster,
		history:        opts.History,
		enabledDefault: opts.EnabledDefault,
		settings:       settings.Defaults(),
		enabled:        opts.EnabledDefault,
		apiKeys:        map[string]string{},
	}
	if c.bcast == nil {
		c.bcast = nopBroadcaster{}
	}
	if c.remote != nil {
		timeout := opts.PushTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.pusher = newPusher(c.remote, timeout)
	}
	return c
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastSettings(settings.Settings) {}
func (nopBroadcaster) BroadcastEnabled(bool)               {}

// Initialize loads settings, the enabled flag, API keys and any saved remote
// session. Missing settings and enabled flag are written with their defaults.
func (c *Controller) Initialize(ctx context.Context) error {
	s, found, err := c.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !found {
		s = settings.Defaults()
		if err := c.store.SaveSettings(ctx, s); err != nil {
			return fmt.Errorf("save default settings: %w", err)
		}
	}

	enabled, found, err := c.store.LoadEnabled(ctx)
	if err != nil {
		return fmt.Errorf("load enabled: %w", err)
	}
	if !found {
		enabled = c.enabledDefault
		if err := c.store.SaveEnabled(ctx, enabled); err != nil {
			return fmt.Errorf("save default enabled: %w", err)
		}
	}

	keys, err := c.store.LoadAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}
	token, err := c.store.LoadSession(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if c.remote != nil && token != "" {
		c.remote.SetToken(token)
	}

	c.mu.Lock()
	c.settings = s
	c.enabled = enabled
	c.apiKeys = keys
	c.mu.Unlock()

	applog.Info("controller.init", "enabled", enabled, "user", s.User())
	return nil
}

// State returns a copy of the current settings and enabled flag.
func (c *Controller) State() (settings.Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Clone(), c.enabled
}

// ApplyLocalUpdate merges p over the current settings, last write wins per
// field. The result is persisted before returning, pushed to the sync server
// in the background when a remote account is signed in, and broadcast.
// Only validation and persistence errors are returned.
func (c *Controller) ApplyLocalUpdate(ctx context.Context, p settings.Patch) error {
	return c.apply(ctx, p, true)
}

// ApplyRemoteSettings merges settings fetched from the sync server. Fields
// present in p win; the result is persisted and broadcast but never pushed
// back.
func (c *Controller) ApplyRemoteSettings(ctx context.Context, p settings.Patch) error {
	return c.apply(ctx, p, false)
}

func (c *Controller) apply(ctx context.Context, p settings.Patch, push bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := settings.Merge(c.settings, p)
	if err != nil {
		return err
	}
	if err := c.store.SaveSettings(ctx, next); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	c.settings = next

	snap := next.Clone()
	if c.history != nil {
		source := "remote"
		if push {
			source = "local"
		}
		if err := c.history.Record(ctx, snap, source); err != nil {
			applog.Warn("history.record", err)
		}
	}
	if push && c.remoteBacked(snap.User()) {
		c.pusher.pushSettings(snap.User(), snap)
	}
	c.bcast.BroadcastSettings(snap)
	return nil
}

// remoteBacked reports whether userID belongs to a sync server account.
func (c *Controller) remoteBacked(userID string) bool {
	return c.remote != nil && userID != "" && !localauth.IsLocalID(userID)
}

// SetEnabled persists the enabled flag and broadcasts it.
func (c *Controller) SetEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setEnabledLocked(ctx, enabled)
}

// ToggleEnabled flips the enabled flag and returns the new value.
func (c *Controller) ToggleEnabled(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := !c.enabled
	if err := c.setEnabledLocked(ctx, next); err != nil {
		return c.enabled, err
	}
	return next, nil
}

func (c *Controller) setEnabledLocked(ctx context.Context, enabled bool) error {
	if err := c.store.SaveEnabled(ctx, enabled); err != nil {
		return fmt.Errorf("persist enabled: %w", err)
	}
	c.enabled = enabled
	c.bcast.BroadcastEnabled(enabled)
	return nil
}

// APIKeys returns a copy of the stored provider keys.
func (c *Controller) APIKeys() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyKeys(c.apiKeys)
}

// SetAPIKeys merges keys over the stored provider keys. An empty value
// removes the provider. Keys are never broadcast.
func (c *Controller) SetAPIKeys(ctx context.Context, keys map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := copyKeys(c.apiKeys)
	for k, v := range keys {
		if v == "" {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	if err := c.store.SaveAPIKeys(ctx, next); err != nil {
		return fmt.Errorf("persist api keys: %w", err)
	}
	c.apiKeys = next
	if uid := c.settings.User(); c.remoteBacked(uid) {
		c.pusher.pushKeys(uid, next)
	}
	return nil
}

// Authenticate logs in against the sync server. When the server cannot be
// reached, times out or fails with a 5xx, the local credential store is used
// instead. A 4xx answer from the server is final.
func (c *Controller) Authenticate(ctx context.Context, username, password string) SessionResult {
	if username == "" || password == "" {
		return SessionResult{Error: msgMissingCredentials}
	}

	if c.remote != nil {
		err := c.remote.Ping(ctx)
		if err == nil {
			var sess *remote.Session
			sess, err = c.remote.Login(ctx, username, password)
			if err == nil {
				return c.adoptRemote(ctx, sess, password)
			}
			if !remote.ShouldFallback(err) {
				applog.Info("auth.login_rejected", "user", username, "status", statusOf(err))
				return SessionResult{Error: remote.Message(err)}
			}
		}
		applog.Warn("auth.remote_unavailable", err, "user", username)
	}

	u, err := c.users.Login(ctx, username, password)
	if err != nil {
		if !errors.Is(err, localauth.ErrInvalidCredentials) {
			applog.Error("auth.local_login", err, "user", username)
		}
		return SessionResult{Error: msgInvalidCredentials}
	}
	if err := c.adoptUser(ctx, u.ID, u.Username); err != nil {
		applog.Error("auth.adopt", err, "user", username)
		return SessionResult{Error: "Could not save session"}
	}
	applog.Info("auth.local_login", "user", username, "id", u.ID)
	return SessionResult{Success: true, UserID: u.ID, Username: u.Username, Offline: true}
}

// Register creates an account on the sync server and signs in. When the
// server is unavailable the account is created in the local credential store
// with a local- id.
func (c *Controller) Register(ctx context.Context, username, email, password string) SessionResult {
	if username == "" || email == "" || password == "" {
		return SessionResult{Error: msgMissingFields}
	}

	if c.remote != nil {
		err := c.remote.Ping(ctx)
		if err == nil {
			_, err = c.remote.Register(ctx, username, email, password)
			if err == nil {
				applog.Info("auth.register", "user", username)
				return c.Authenticate(ctx, username, password)
			}
			if !remote.ShouldFallback(err) {
				return SessionResult{Error: remote.Message(err)}
			}
		}
		applog.Warn("auth.remote_unavailable", err, "user", username)
	}

	id, err := c.users.Register(ctx, username, email, password)
	switch {
	case errors.Is(err, localauth.ErrUserExists):
		return SessionResult{Error: msgUserExists}
	case errors.Is(err, localauth.ErrMissingFields):
		return SessionResult{Error: msgMissingFields}
	case err != nil:
		applog.Error("auth.local_register", err, "user", username)
		return SessionResult{Error: "Registration failed"}
	}
	if err := c.adoptUser(ctx, id, username); err != nil {
		applog.Error("auth.adopt", err, "user", username)
		return SessionResult{Error: "Could not save session"}
	}
	applog.Info("auth.local_register", "user", username, "id", id)
	return SessionResult{Success: true, UserID: id, Username: username, Offline: true}
}

// Logout ends the remote session best-effort and always clears the local
// user id.
func (c *Controller) Logout(ctx context.Context) SessionResult {
	if c.remote != nil && c.remote.Token() != "" {
		if err := c.remote.Logout(ctx); err != nil {
			applog.Warn("auth.remote_logout", err)
		}
	}
	if err := c.store.SaveSession(ctx, ""); err != nil {
		applog.Error("auth.clear_session", err)
	}
	if err := c.adoptUser(ctx, "", ""); err != nil {
		applog.Error("auth.logout", err)
		return SessionResult{Error: "Could not clear session"}
	}
	applog.Info("auth.logout")
	return SessionResult{Success: true}
}

// CheckLoginStatus validates a saved remote session at startup. A valid
// session adopts the remote user and pulls its settings, even when the stored
// settings already carry that user. An expired one is dropped. When the
// server cannot answer the local view is returned.
func (c *Controller) CheckLoginStatus(ctx context.Context) LoginStatus {
	s, _ := c.State()
	uid := s.User()

	if c.remote != nil && c.remote.Token() != "" {
		st, err := c.remote.Status(ctx)
		switch {
		case err != nil:
			applog.Warn("auth.status", err)
		case st.IsLoggedIn:
			c.pullRemote(ctx, st.UserID)
			c.mu.Lock()
			c.username = st.Username
			c.mu.Unlock()
			return LoginStatus{IsLoggedIn: true, UserID: st.UserID, Username: st.Username}
		default:
			applog.Info("auth.session_expired", "user", uid)
			c.remote.SetToken("")
			if err := c.store.SaveSession(ctx, ""); err != nil {
				applog.Error("auth.clear_session", err)
			}
			if c.remoteBacked(uid) {
				if err := c.adoptUser(ctx, "", ""); err != nil {
					applog.Error("auth.logout", err)
				}
				return LoginStatus{}
			}
		}
	}

	c.mu.Lock()
	name := c.username
	c.mu.Unlock()
	if uid == "" {
		return LoginStatus{}
	}
	return LoginStatus{IsLoggedIn: true, UserID: uid, Username: name, Offline: true}
}

// Close stops the background pusher after sending pending updates.
func (c *Controller) Close() {
	if c.pusher != nil {
		c.pusher.close()
	}
}

func (c *Controller) adoptRemote(ctx context.Context, sess *remote.Session, password string) SessionResult {
	if err := c.store.SaveSession(ctx, c.remote.Token()); err != nil {
		applog.Error("auth.save_session", err)
	}
	if err := c.users.Remember(ctx, sess.UserID, sess.Username, sess.Email, password); err != nil {
		applog.Warn("auth.remember", err, "user", sess.Username)
	}
	c.pullRemote(ctx, sess.UserID)
	c.mu.Lock()
	c.username = sess.Username
	c.mu.Unlock()
	applog.Info("auth.login", "user", sess.Username, "id", sess.UserID)
	return SessionResult{Success: true, UserID: sess.UserID, Username: sess.Username}
}

// pullRemote adopts userID and applies its server-side settings. A user with
// no settings on the server gets the local ones pushed instead.
func (c *Controller) pullRemote(ctx context.Context, userID string) {
	idPatch := userPatch(userID)

	us, err := c.remote.GetSettings(ctx, userID)
	if err != nil {
		var apiErr *remote.APIError
		notFound := errors.As(err, &apiErr) && apiErr.Status == 404
		if !notFound {
			applog.Warn("settings.fetch", err, "user", userID)
		}
		if err := c.apply(ctx, idPatch, notFound); err != nil {
			applog.Error("settings.adopt_user", err, "user", userID)
		}
		return
	}

	p := us.Settings.Without("userId")
	for k, v := range idPatch {
		p[k] = v
	}
	if err := c.ApplyRemoteSettings(ctx, p); err != nil {
		applog.Error("settings.apply_remote", err, "user", userID)
		if err := c.apply(ctx, idPatch, false); err != nil {
			applog.Error("settings.adopt_user", err, "user", userID)
		}
	}
	if len(us.APIKeys) > 0 {
		c.mu.Lock()
		merged := copyKeys(c.apiKeys)
		for k, v := range us.APIKeys {
			merged[k] = v
		}
		if err := c.store.SaveAPIKeys(ctx, merged); err != nil {
			applog.Error("apikeys.apply_remote", err, "user", userID)
		} else {
			c.apiKeys = merged
		}
		c.mu.Unlock()
	}
}

func (c *Controller) adoptUser(ctx context.Context, userID, username string) error {
	if err := c.apply(ctx, userPatch(userID), false); err != nil {
		return err
	}
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	return nil
}

func userPatch(userID string) settings.Patch {
	if userID == "" {
		return settings.Patch{"userId": json.RawMessage("null")}
	}
	return settings.MustPatch(map[string]any{"userId": userID})
}

func statusOf(err error) int {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
