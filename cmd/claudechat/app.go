package main

import (
	"context"
	"fmt"
	"time"

	"claudechat/internal/agent"
	"claudechat/internal/attachment"
	"claudechat/internal/config"
	"claudechat/internal/domain"
	"claudechat/internal/memory"
	"claudechat/internal/panel"
	"claudechat/internal/provider"
)

// app is the wired backend shared by the chat and serve commands.
type app struct {
	store    domain.ConversationStore
	blobs    domain.BlobStore
	registry *panel.Registry
}

func openStore(ctx context.Context, cfg *config.Config) (domain.ConversationStore, error) {
	store, err := memory.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return store, nil
}

func newClaudeClient(cfg *config.Config) *provider.Claude {
	return provider.NewClaude(provider.ClaudeConfig{
		APIKey:  cfg.ResolvedAPIKey(),
		APIBase: cfg.Anthropic.APIBase,
		Model:   cfg.Anthropic.Model,
		Timeout: time.Duration(cfg.Anthropic.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	client := newClaudeClient(cfg)
	if err := client.Healthy(ctx); err != nil {
		return nil, fmt.Errorf("%w: set anthropic.apiKey or ANTHROPIC_API_KEY", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	blobs, err := attachment.Open(ctx, cfg.Attachments, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open attachment store: %w", err)
	}

	sessions := agent.NewSessionManager(store, logger)
	turns := agent.NewTurnHandler(agent.TurnHandlerConfig{
		Store:  store,
		Client: client,
		Selector: agent.NewSelector(agent.SelectorConfig{
			RecencyThreshold:    cfg.Context.RecencyThreshold,
			MaxContextMessages:  cfg.Context.MaxContextMessages,
			MaxRelevantMessages: cfg.Context.MaxRelevantMessages,
			SystemPrompt:        cfg.Context.SystemPrompt,
		}),
		Limiter:   agent.NewRateLimiter(cfg.Anthropic.RateLimitBurst, cfg.Anthropic.RateLimitPerMinute),
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Logger:    logger,
	})

	registry := panel.NewRegistry(func(ctx context.Context) (*panel.Panel, error) {
		return panel.New(ctx, panel.Config{
			Sessions: sessions,
			Turns:    turns,
			Blobs:    blobs,
			Logger:   logger,
		})
	})

	return &app{store: store, blobs: blobs, registry: registry}, nil
}

func (a *app) Close() error {
	a.registry.Dispose(context.Background())
	return a.store.Close()
}
