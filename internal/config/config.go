package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the chat service configuration.
type Config struct {
	// AWS
	Region string

	// Bedrock resources
	KnowledgeBaseID  string
	AgentID          string
	AgentAliasID     string
	GuardrailID      string
	GuardrailVersion string
	RetrievalResults int

	// HTTP
	ListenAddr     string
	AllowedOrigins []string
	ForceSSL       bool

	// Auth
	AuthUsername string
	AuthPassword string
	JWTSecret    string
	JWTTTL       time.Duration

	// Chat profiles (optional YAML file; built-in profile when empty)
	ProfilesFile string

	// Logging
	LogFile       string
	LogLevel      slog.Level
	LogMaxSizeMB  int
	LogMaxBackups int
}

// DefaultPassword is the login password used when KB_CHAT_PASSWORD is unset.
const DefaultPassword = "admin"

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		Region: getEnv("AWS_REGION", "us-east-1"),

		KnowledgeBaseID:  getEnv("KNOWLEDGE_BASE_ID", ""),
		AgentID:          getEnv("AGENT_ID", ""),
		AgentAliasID:     getEnv("AGENT_ALIAS_ID", ""),
		GuardrailID:      getEnv("GUARDRAIL_ID", ""),
		GuardrailVersion: getEnv("GUARDRAIL_VERSION", "DRAFT"),
		RetrievalResults: getEnvInt("KB_RETRIEVAL_RESULTS", 3),

		ListenAddr:     getEnv("KB_CHAT_ADDR", ":8000"),
		AllowedOrigins: splitList(getEnv("KB_CHAT_ALLOWED_ORIGINS", "http://localhost:3000")),
		ForceSSL:       getEnv("KB_CHAT_FORCE_SSL", "false") == "true",

		AuthUsername: getEnv("KB_CHAT_USERNAME", "admin"),
		AuthPassword: getEnv("KB_CHAT_PASSWORD", DefaultPassword),
		JWTSecret:    getEnv("KB_CHAT_JWT_SECRET", ""),
		JWTTTL:       getEnvDuration("KB_CHAT_JWT_TTL", 12*time.Hour),

		ProfilesFile: getEnv("KB_CHAT_PROFILES", ""),

		LogFile:       getEnv("KB_CHAT_LOG_FILE", "/tmp/kb-chat.log"),
		LogLevel:      ParseLogLevel(getEnv("KB_CHAT_LOG_LEVEL", "INFO")),
		LogMaxSizeMB:  getEnvInt("KB_CHAT_LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: getEnvInt("KB_CHAT_LOG_MAX_BACKUPS", 3),
	}
}

// Warnings lists settings that are unsafe outside local development.
func (c Config) Warnings() []string {
	var out []string
	if c.AuthPassword == DefaultPassword {
		out = append(out, "KB_CHAT_PASSWORD not set, using the default password")
	}
	if c.JWTSecret == "" {
		out = append(out, "KB_CHAT_JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseLogLevel maps a level name to slog.Level, defaulting to INFO.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
