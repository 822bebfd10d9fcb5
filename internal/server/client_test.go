package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientCall(t *testing.T) {
	release := make(chan struct{})
	srv := New("", HandlerFunc(func(ctx context.Context, req Request) any {
		switch req.Action {
		case "echo":
			var body struct {
				Text string `json:"text"`
			}
			req.Decode(&body)
			return map[string]any{"text": body.Text, "role": req.Role}
		case "slow":
			<-release
			return map[string]bool{"ok": true}
		}
		return map[string]string{"error": "unknown action"}
	}))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), RolePopup)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var out struct {
		Text string `json:"text"`
		Role string `json:"role"`
	}
	if err := c.Call(ctx, "echo", map[string]string{"text": "hello"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "hello" || out.Role != RolePopup {
		t.Errorf("unexpected reply %+v", out)
	}

	err = c.Call(ctx, "nope", nil, nil)
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) || replyErr.Message != "unknown action" {
		t.Errorf("expected ReplyError, got %v", err)
	}

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	if err := c.Call(short, "slow", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	// A late reply to the abandoned call must not disturb the next one.
	if err := c.Call(ctx, "echo", map[string]string{"text": "again"}, &out); err != nil || out.Text != "again" {
		t.Errorf("call after timeout: %+v, %v", out, err)
	}
}

func TestClientClosed(t *testing.T) {
	srv := New("", nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), RolePopup)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()
	if err := c.Call(ctx, "getStatus", nil, nil); err == nil {
		t.Error("expected error after Close")
	}
}
