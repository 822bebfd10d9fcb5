package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	for _, k := range []string{"READEASY_AGENT_ADDR", "READEASY_SERVER_URL", "READEASY_ENABLED_DEFAULT", "READEASY_STORE", "READEASY_CORS_ORIGINS"} {
		t.Setenv(k, "")
	}
	c := FromEnv()
	if c.AgentAddr != "127.0.0.1:19292" {
		t.Errorf("AgentAddr = %q", c.AgentAddr)
	}
	if c.ServerURL != "http://localhost:3000" {
		t.Errorf("ServerURL = %q", c.ServerURL)
	}
	if c.EnabledDefault {
		t.Error("extension should start disabled by default")
	}
	if c.Server.Backend != BackendSQLite {
		t.Errorf("Backend = %q", c.Server.Backend)
	}
	if !reflect.DeepEqual(c.Server.AllowOrigins, []string{"http://localhost:3000"}) {
		t.Errorf("AllowOrigins = %v", c.Server.AllowOrigins)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("READEASY_SERVER_URL", "https://sync.example.com/")
	t.Setenv("READEASY_ENABLED_DEFAULT", "true")
	t.Setenv("READEASY_PUSH_TIMEOUT", "3s")
	t.Setenv("READEASY_CORS_ORIGINS", "chrome-extension://abc, https://x.example.com ,")
	t.Setenv("READEASY_STORE", BackendMongo)

	c := FromEnv()
	if c.ServerURL != "https://sync.example.com" {
		t.Errorf("trailing slash not trimmed: %q", c.ServerURL)
	}
	if !c.EnabledDefault {
		t.Error("expected EnabledDefault true")
	}
	if c.PushTimeout != 3*time.Second {
		t.Errorf("PushTimeout = %v", c.PushTimeout)
	}
	want := []string{"chrome-extension://abc", "https://x.example.com"}
	if !reflect.DeepEqual(c.Server.AllowOrigins, want) {
		t.Errorf("AllowOrigins = %v, want %v", c.Server.AllowOrigins, want)
	}
	if c.Server.Backend != BackendMongo {
		t.Errorf("Backend = %q", c.Server.Backend)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("READEASY_ENABLED_DEFAULT", "maybe")
	t.Setenv("READEASY_TOKEN_TTL", "forever")
	c := FromEnv()
	if c.EnabledDefault {
		t.Error("unparsable bool should use the default")
	}
	if c.Server.TokenTTL != 30*24*time.Hour {
		t.Errorf("TokenTTL = %v", c.Server.TokenTTL)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("READEASY_AGENT_ADDR=127.0.0.1:20000\nREADEASY_JWT_SECRET=from-file\n"), 0o644)
	// Registered with t.Setenv so the test restores them afterwards.
	t.Setenv("READEASY_AGENT_ADDR", "")
	os.Unsetenv("READEASY_AGENT_ADDR")
	t.Setenv("READEASY_JWT_SECRET", "from-env")

	c := Load(path)
	if c.AgentAddr != "127.0.0.1:20000" {
		t.Errorf("AgentAddr = %q, want value from file", c.AgentAddr)
	}
	if c.Server.JWTSecret != "from-env" {
		t.Errorf("environment should win over .env, got %q", c.Server.JWTSecret)
	}
}
