// Package main provides the kb-chat server: a WebSocket chat over Bedrock models, a
// knowledge base and an optional agent.
package main

import (
	"context"
	"crypto/rand"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/raphaelgruber/kbctl/internal/agent"
	"github.com/raphaelgruber/kbctl/internal/chat"
	"github.com/raphaelgruber/kbctl/internal/config"
	"github.com/raphaelgruber/kbctl/internal/llm"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/raphaelgruber/kbctl/internal/retriever"
	"github.com/raphaelgruber/kbctl/internal/retry"
	"github.com/raphaelgruber/kbctl/internal/server"
	"github.com/tmc/langchaingo/llms"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()
	cfg := config.Load()

	logger, closeLog := config.SetupLogger(config.LogOptions{
		File:       cfg.LogFile,
		Level:      cfg.LogLevel,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("kb-chat failed", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	awsCfg, err := config.LoadAWS(initCtx, cfg.Region)
	cancel()
	if err != nil {
		return err
	}

	profiles, err := chat.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return err
	}

	m := metrics.NewCollector()
	runtime := bedrockruntime.NewFromConfig(awsCfg)
	agentRuntime := bedrockagentruntime.NewFromConfig(awsCfg)

	builder := &chat.Builder{
		NewModel: func(modelID string) llms.Model {
			return llm.New(runtime, modelID,
				llm.WithGuardrail(llm.Guardrail{ID: cfg.GuardrailID, Version: cfg.GuardrailVersion}),
				llm.WithLogger(logger),
				llm.WithMetrics(m))
		},
		Prompt: chat.InsurancePrompt(),
	}
	if cfg.KnowledgeBaseID != "" {
		builder.Retriever = retriever.New(agentRuntime, cfg.KnowledgeBaseID, cfg.RetrievalResults, logger, m)
	} else {
		logger.Warn("KNOWLEDGE_BASE_ID not set, knowledge base chat disabled")
	}
	if cfg.AgentID != "" && cfg.AgentAliasID != "" {
		builder.Agent = agent.New(agentRuntime, cfg.AgentID, cfg.AgentAliasID, logger, m)
	} else {
		logger.Warn("AGENT_ID or AGENT_ALIAS_ID not set, agent chat disabled")
	}

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
	}
	auth := &server.Auth{
		Username: cfg.AuthUsername,
		Password: cfg.AuthPassword,
		Secret:   secret,
		TTL:      cfg.JWTTTL,
		Issuer:   "kb-chat",
	}

	if cfg.LogLevel > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(server.Options{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		ForceSSL:       cfg.ForceSSL,
		Version:        Version,
	}, auth, builder, profiles, retry.Chat(), logger, m)

	logger.Info("starting kb-chat",
		"version", Version,
		"addr", cfg.ListenAddr,
		"region", cfg.Region,
		"profiles", len(profiles))
	return srv.Run(ctx)
}
