// Package config resolves runtime settings from .env files and READEASY_*
// environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends of the sync server.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Config holds every knob of the agent, the sync server and the CLI.
type Config struct {
	DBPath         string
	LogDir         string
	AgentAddr      string
	ServerURL      string
	EnabledDefault bool
	PushTimeout    time.Duration

	OllamaHost string
	OpenAIBase string

	Server ServerConfig
}

// ServerConfig is the sync server's part of Config.
type ServerConfig struct {
	Addr          string
	JWTSecret     string
	AllowOrigins  []string
	SecureCookie  bool
	TokenTTL      time.Duration
	Backend       string
	DBPath        string
	MongoURI      string
	MongoDatabase string
}

// Load reads .env files (missing files are ignored) and then the
// environment. Variables already set in the environment win over .env.
func Load(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		godotenv.Load()
	} else {
		for _, f := range envFiles {
			godotenv.Load(f)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DBPath:         getEnvOrDefault("READEASY_DB", filepath.Join(dataDir, "readeasy.db")),
		LogDir:         getEnvOrDefault("READEASY_LOG_DIR", dataDir),
		AgentAddr:      getEnvOrDefault("READEASY_AGENT_ADDR", "127.0.0.1:19292"),
		ServerURL:      strings.TrimRight(getEnvOrDefault("READEASY_SERVER_URL", "http://localhost:3000"), "/"),
		EnabledDefault: getEnvAsBool("READEASY_ENABLED_DEFAULT", false),
		PushTimeout:    getEnvAsDuration("READEASY_PUSH_TIMEOUT", 10*time.Second),
		OllamaHost:     getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIBase:     getEnvOrDefault("READEASY_OPENAI_BASE", "https://api.openai.com/v1"),
		Server: ServerConfig{
			Addr:          getEnvOrDefault("READEASY_SERVER_ADDR", ":"+getEnvOrDefault("PORT", "3000")),
			JWTSecret:     getEnvOrDefault("READEASY_JWT_SECRET", "dev-secret-change-me"),
			AllowOrigins:  getEnvAsList("READEASY_CORS_ORIGINS", []string{"http://localhost:3000"}),
			SecureCookie:  getEnvAsBool("READEASY_SECURE_COOKIE", false),
			TokenTTL:      getEnvAsDuration("READEASY_TOKEN_TTL", 30*24*time.Hour),
			Backend:       getEnvOrDefault("READEASY_STORE", BackendSQLite),
			DBPath:        getEnvOrDefault("READEASY_SERVER_DB", filepath.Join(dataDir, "server.db")),
			MongoURI:      getEnvOrDefault("READEASY_MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase: getEnvOrDefault("READEASY_MONGO_DATABASE", "dyslexia_extension"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "readeasy")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
