// Package agent routes the tagged-action messages of tabs and the popup to
// the settings controller and the AI text client.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lotas/readeasy/internal/aitext"
	"github.com/lotas/readeasy/internal/applog"
	"github.com/lotas/readeasy/internal/controller"
	"github.com/lotas/readeasy/internal/server"
	"github.com/lotas/readeasy/internal/settings"
)

// Core is the part of the settings controller the router drives.
type Core interface {
	State() (settings.Settings, bool)
	ApplyLocalUpdate(ctx context.Context, p settings.Patch) error
	SetEnabled(ctx context.Context, enabled bool) error
	ToggleEnabled(ctx context.Context) (bool, error)
	Authenticate(ctx context.Context, username, password string) controller.SessionResult
	Register(ctx context.Context, username, email, password string) controller.SessionResult
	Logout(ctx context.Context) controller.SessionResult
	CheckLoginStatus(ctx context.Context) controller.LoginStatus
	SetAPIKeys(ctx context.Context, keys map[string]string) error
}

// TextService is the AI text client.
type TextService interface {
	Rewrite(ctx context.Context, text, model string, level settings.Level) (string, error)
	Simplify(ctx context.Context, text, model string, level settings.Level) (string, error)
	Phonetic(ctx context.Context, text string) (aitext.Phonetic, error)
	SimplifyURL(ctx context.Context, url, model string, level settings.Level) (string, string, error)
}

// Status is the getStatus reply.
type Status struct {
	Enabled  bool              `json:"enabled"`
	Settings settings.Settings `json:"settings"`
	UserID   *string           `json:"userId"`
}

type errorReply struct {
	Error string `json:"error"`
}

type successReply struct {
	Success bool `json:"success"`
}

func fail(format string, args ...any) errorReply {
	return errorReply{Error: fmt.Sprintf(format, args...)}
}

// Agent implements server.Handler.
type Agent struct {
	core  Core
	text  TextService
	route map[string]func(ctx context.Context, req server.Request) any
}

// New returns a router over core and text. text may be nil, in which case
// the AI actions report an error.
func New(core Core, text TextService) *Agent {
	a := &Agent{core: core, text: text}
	a.route = map[string]func(context.Context, server.Request) any{
		"getStatus":                a.getStatus,
		"updateSettings":           a.updateSettings,
		"toggleExtension":          a.toggleExtension,
		"login":                    a.login,
		"logout":                   a.logout,
		"register":                 a.register,
		"checkLoginStatus":         a.checkLoginStatus,
		"setApiKeys":               a.setAPIKeys,
		"simplifyText":             a.simplifyText,
		"rewriteText":              a.rewriteText,
		"getPhoneticTranscription": a.phonetic,
		"simplifyUrl":              a.simplifyURL,
	}
	return a
}

// Handle dispatches one request. It never panics.
func (a *Agent) Handle(ctx context.Context, req server.Request) (reply any) {
	defer func() {
		if r := recover(); r != nil {
			applog.Error("agent.panic", fmt.Errorf("%v", r), "action", req.Action)
			reply = fail("internal error")
		}
	}()

	h, ok := a.route[req.Action]
	if !ok {
		return fail("unknown action")
	}
	return h(ctx, req)
}

func (a *Agent) getStatus(ctx context.Context, req server.Request) any {
	s, enabled := a.core.State()
	return Status{Enabled: enabled, Settings: s, UserID: s.UserID}
}

func (a *Agent) updateSettings(ctx context.Context, req server.Request) any {
	var body struct {
		Settings settings.Patch `json:"settings"`
	}
	if err := req.Decode(&body); err != nil {
		return fail("invalid request")
	}
	if len(body.Settings) == 0 {
		return fail("settings are required")
	}
	if err := a.core.ApplyLocalUpdate(ctx, body.Settings); err != nil {
		applog.Error("agent.update_settings", err)
		if errors.Is(err, settings.ErrInvalid) {
			return fail("%s", err.Error())
		}
		return fail("Could not save settings")
	}
	s, _ := a.core.State()
	return map[string]any{"success": true, "settings": s}
}

func (a *Agent) toggleExtension(ctx context.Context, req server.Request) any {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := req.Decode(&body); err != nil {
		return fail("invalid request")
	}

	var enabled bool
	var err error
	if body.Enabled != nil {
		enabled = *body.Enabled
		err = a.core.SetEnabled(ctx, enabled)
	} else {
		enabled, err = a.core.ToggleEnabled(ctx)
	}
	if err != nil {
		applog.Error("agent.toggle", err)
		return fail("Could not save state")
	}
	return map[string]bool{"success": true, "enabled": enabled}
}

type credentials struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *Agent) login(ctx context.Context, req server.Request) any {
	var c credentials
	if err := req.Decode(&c); err != nil {
		return fail("invalid request")
	}
	return a.core.Authenticate(ctx, strings.TrimSpace(c.Username), c.Password)
}

func (a *Agent) register(ctx context.Context, req server.Request) any {
	var c credentials
	if err := req.Decode(&c); err != nil {
		return fail("invalid request")
	}
	return a.core.Register(ctx, strings.TrimSpace(c.Username), strings.TrimSpace(c.Email), c.Password)
}

func (a *Agent) logout(ctx context.Context, req server.Request) any {
	return a.core.Logout(ctx)
}

func (a *Agent) checkLoginStatus(ctx context.Context, req server.Request) any {
	return a.core.CheckLoginStatus(ctx)
}

func (a *Agent) setAPIKeys(ctx context.Context, req server.Request) any {
	var body struct {
		APIKeys map[string]string `json:"apiKeys"`
	}
	if err := req.Decode(&body); err != nil {
		return fail("invalid request")
	}
	if err := a.core.SetAPIKeys(ctx, body.APIKeys); err != nil {
		applog.Error("agent.set_api_keys", err)
		return fail("Could not save API keys")
	}
	return successReply{Success: true}
}

type textRequest struct {
	Text  string `json:"text"`
	URL   string `json:"url"`
	Model string `json:"model"`
	Level string `json:"level"`
}

// textParams decodes a text request and fills model and level from the
// current settings.
func (a *Agent) textParams(req server.Request) (textRequest, settings.Level, *errorReply) {
	var body textRequest
	if err := req.Decode(&body); err != nil {
		return body, "", &errorReply{Error: "invalid request"}
	}
	if a.text == nil {
		return body, "", &errorReply{Error: "AI text service is not configured"}
	}
	s, _ := a.core.State()
	if body.Model == "" {
		body.Model = s.AIModel
	}
	level := s.SimplificationLevel
	if body.Level != "" {
		level = settings.Level(body.Level)
		if !level.Valid() {
			return body, "", &errorReply{Error: fmt.Sprintf("invalid simplification level %q", body.Level)}
		}
	}
	return body, level, nil
}

func aiFailure(action string, err error) errorReply {
	applog.Warn("agent."+action, err)
	return errorReply{Error: aitext.UserMessage(err)}
}

func (a *Agent) simplifyText(ctx context.Context, req server.Request) any {
	body, level, bad := a.textParams(req)
	if bad != nil {
		return *bad
	}
	if strings.TrimSpace(body.Text) == "" {
		return fail("text is required")
	}
	out, err := a.text.Simplify(ctx, body.Text, body.Model, level)
	if err != nil {
		return aiFailure("simplify", err)
	}
	return map[string]string{"simplifiedText": out}
}

// rewriteText leaves text untouched when rewriting is switched off.
func (a *Agent) rewriteText(ctx context.Context, req server.Request) any {
	body, level, bad := a.textParams(req)
	if bad != nil {
		return *bad
	}
	if strings.TrimSpace(body.Text) == "" {
		return fail("text is required")
	}
	if s, _ := a.core.State(); !s.RewriteEnabled {
		return map[string]string{"rewrittenText": body.Text}
	}
	out, err := a.text.Rewrite(ctx, body.Text, body.Model, level)
	if err != nil {
		return aiFailure("rewrite", err)
	}
	return map[string]string{"rewrittenText": out}
}

func (a *Agent) phonetic(ctx context.Context, req server.Request) any {
	body, _, bad := a.textParams(req)
	if bad != nil {
		return *bad
	}
	out, err := a.text.Phonetic(ctx, body.Text)
	if err != nil {
		return aiFailure("phonetic", err)
	}
	return map[string]any{"phoneticText": out}
}

func (a *Agent) simplifyURL(ctx context.Context, req server.Request) any {
	body, level, bad := a.textParams(req)
	if bad != nil {
		return *bad
	}
	if body.URL == "" {
		return fail("url is required")
	}
	title, out, err := a.text.SimplifyURL(ctx, body.URL, body.Model, level)
	if err != nil {
		return aiFailure("simplify_url", err)
	}
	return map[string]string{"title": title, "simplifiedText": out}
}
