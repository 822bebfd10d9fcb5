package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lotas/readeasy/internal/settings"
)

func TestLoginCarriesCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if body["username"] != "alice" || body["password"] != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"message": "Invalid credentials"})
				return
			}
			http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "tok123"})
			json.NewEncoder(w).Encode(Session{UserID: "u1", Username: "alice"})
		case "/api/auth/status":
			ck, err := r.Cookie(CookieName)
			if err != nil || ck.Value != "tok123" {
				json.NewEncoder(w).Encode(LoginStatus{})
				return
			}
			json.NewEncoder(w).Encode(LoginStatus{IsLoggedIn: true, UserID: "u1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	sess, err := c.Login(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.UserID != "u1" {
		t.Errorf("expected userId u1, got %q", sess.UserID)
	}
	if c.Token() != "tok123" {
		t.Errorf("expected token tok123, got %q", c.Token())
	}

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.IsLoggedIn || st.UserID != "u1" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "Invalid credentials"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Login(context.Background(), "alice", "bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid credentials" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if ShouldFallback(err) {
		t.Error("401 must not fall back to local login")
	}
	if Message(err) != "Invalid credentials" {
		t.Errorf("unexpected message %q", Message(err))
	}
}

func TestShouldFallback(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unreachable", ErrUnreachable, true},
		{"server error", &APIError{Status: 500}, true},
		{"bad gateway", &APIError{Status: 502}, true},
		{"conflict", &APIError{Status: 409}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldFallback(tt.err); got != tt.want {
				t.Errorf("ShouldFallback(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("expected /status, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "online"})
	}))
	defer srv.Close()

	if err := New(srv.URL).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPingUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(url).Ping(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestPingTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL).WithProbeTimeout(50 * time.Millisecond)
	err := c.Ping(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestPingServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := New(srv.URL).Ping(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestPushSettingsOmitsUserID(t *testing.T) {
	var got map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/settings/u1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"settings": got["settings"]})
	}))
	defer srv.Close()

	s := settings.Defaults().WithUser("u1")
	s.FontSize = 22
	merged, err := New(srv.URL).PushSettings(context.Background(), "u1", s)
	if err != nil {
		t.Fatalf("PushSettings: %v", err)
	}
	if _, ok := got["settings"]["userId"]; ok {
		t.Error("userId must not be sent to the server")
	}
	if got["settings"]["fontSize"] != float64(22) {
		t.Errorf("expected fontSize 22, got %v", got["settings"]["fontSize"])
	}
	if string(merged["fontSize"]) != "22" {
		t.Errorf("unexpected merged fontSize %s", merged["fontSize"])
	}
}

func TestGetSettingsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "Settings not found"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetSettings(context.Background(), "u1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestLogoutDropsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetToken("tok")
	if err := c.Logout(context.Background()); err == nil {
		t.Error("expected error for 500 response")
	}
	if c.Token() != "" {
		t.Errorf("expected token cleared, got %q", c.Token())
	}
}
