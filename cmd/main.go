package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"expense-agent/handler"
	"expense-agent/internal/entitlement"
	"expense-agent/internal/integrations/gemini"
	"expense-agent/internal/integrations/messenger"
	"expense-agent/internal/integrations/paramstore"
	"expense-agent/internal/repository"
	"expense-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	pageID := mustEnv("PAGE_ID")
	verifyToken := mustEnv("WEBHOOK_VERIFY_TOKEN")
	textModel := envDefault("TEXT_MODEL", "gemini-2.0-flash")
	visionModel := envDefault("VISION_MODEL", "gemini-2.0-flash")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	prefix := strings.TrimRight(paramPrefix, "/")

	dbURL, err := params.GetParameter(ctx, prefix+"/database-url")
	if err != nil {
		slog.Error("failed to load database url", "err", err)
		os.Exit(1)
	}
	pool, err := repository.Connect(ctx, dbURL)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(pool)
	if err != nil {
		slog.Error("failed to create expense store", "err", err)
		os.Exit(1)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "err", err)
		os.Exit(1)
	}

	allowRaw, err := params.GetParameter(ctx, prefix+"/paid-user-ids")
	if err != nil {
		slog.Error("failed to load paid-user allow-list", "err", err)
		os.Exit(1)
	}
	allow := entitlement.NewAllowList(allowRaw)
	slog.Info("entitlement allow-list loaded", "senders", allow.Size())

	model, err := gemini.NewClient(params, paramPrefix, textModel, visionModel)
	if err != nil {
		slog.Error("failed to create gemini client", "err", err)
		os.Exit(1)
	}

	msgr, err := messenger.NewClient(params, paramPrefix)
	if err != nil {
		slog.Error("failed to create messenger client", "err", err)
		os.Exit(1)
	}

	// ---- Engine and handler ----
	engine, err := usecase.NewDispatchService(model, msgr, store, allow, pageID)
	if err != nil {
		slog.Error("failed to create dispatch service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(engine, verifyToken)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
