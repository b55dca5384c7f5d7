package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/config"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/moon"
)

// provideWorker selects the task handler. The Anthropic worker needs both
// a configured model and ANTHROPIC_API_KEY in the environment; with either
// missing the deterministic echo worker runs.
func provideWorker(cfg *config.Config, log *logger.Logger) moon.Worker {
	model := cfg.Moon.AnthropicModel
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	switch {
	case model != "" && apiKey != "":
		log.Info("Using Anthropic worker", zap.String("model", model))
		return moon.NewAnthropicWorker(apiKey, model, log)
	case model != "":
		log.Warn("ANTHROPIC_API_KEY is not set, falling back to the echo worker",
			zap.String("model", model))
	}
	log.Info("Using echo worker")
	return moon.NewEchoWorker()
}
