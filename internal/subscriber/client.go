package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"nhooyr.io/websocket"

	"github.com/lotas/readeasy/internal/applog"
	"github.com/lotas/readeasy/internal/server"
)

const statusRequestID = "status"

// Run connects to the agent at url as tabID, queries the current state once
// and then follows pushes until ctx is cancelled or the connection drops.
func (s *Subscriber) Run(ctx context.Context, url string, tabID int) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial agent: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	hello, err := server.NewRequest("", server.ActionHello, map[string]any{"role": server.RoleTab, "tabId": tabID})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return fmt.Errorf("register tab: %w", err)
	}
	query, err := server.NewRequest(statusRequestID, "getStatus", nil)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, query); err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	applog.Info("subscriber.connected", "tab", tabID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var env struct {
			ID     string `json:"id"`
			Action string `json:"action"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			applog.Error("subscriber.parse", err, "tab", tabID)
			continue
		}

		switch {
		case env.ID == statusRequestID:
			if env.Error != "" {
				return fmt.Errorf("getStatus: %s", env.Error)
			}
			var st Status
			if err := json.Unmarshal(data, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			s.HandleStatus(st)
			applog.Info("subscriber.synced", "tab", tabID, "enabled", st.Enabled)
		case env.ID == "" && env.Action != "":
			if err := s.HandlePush(data); err != nil {
				applog.Warn("subscriber.push", err, "tab", tabID)
			}
		}
	}
}

// FileRenderer writes the stylesheet to a file, such as a browser user
// stylesheet. Clear empties the file.
type FileRenderer struct {
	Path string
}

func (r FileRenderer) Apply(css string) {
	if err := os.WriteFile(r.Path, []byte(css), 0o644); err != nil {
		applog.Error("render.apply", err, "path", r.Path)
	}
}

func (r FileRenderer) Clear() {
	if err := os.WriteFile(r.Path, nil, 0o644); err != nil {
		applog.Error("render.clear", err, "path", r.Path)
	}
}

// FuncRenderer adapts two functions to Renderer.
type FuncRenderer struct {
	ApplyFunc func(css string)
	ClearFunc func()
}

func (r FuncRenderer) Apply(css string) { r.ApplyFunc(css) }
func (r FuncRenderer) Clear()           { r.ClearFunc() }
