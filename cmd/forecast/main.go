// One-shot forecast CLI: runs the full pipeline for a single question and
// prints the prediction as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/agent"
	"github.com/quantfold/foresight/internal/config"
	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/forecast"
	"github.com/quantfold/foresight/internal/llm"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	question := flag.String("question", "", "Question to forecast (required)")
	questionType := flag.String("type", string(db.QuestionTypeBinary), "Question type: binary, numeric, categorical")
	persona := flag.String("persona", "", "Optional forecaster persona")
	timeout := flag.Duration("timeout", 20*time.Minute, "Overall deadline for the run")
	flag.Parse()

	if *question == "" {
		fmt.Fprintln(os.Stderr, "usage: forecast -question \"Will X happen by Y?\"")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	llmClient := llm.NewClient(llm.ClientConfig{
		Endpoint:               cfg.LLM.Endpoint,
		APIKey:                 cfg.LLM.APIKey,
		Model:                  cfg.LLM.Model,
		Temperature:            cfg.LLM.Temperature,
		MaxTokens:              cfg.LLM.MaxTokens,
		Timeout:                cfg.LLM.GetTimeout(),
		MaxConcurrent:          cfg.LLM.MaxConcurrentRequests,
		MaxRequestsPerMinute:   cfg.LLM.MaxRequestsPerMinute,
		RateLimitRetryAttempts: cfg.LLM.RateLimitRetryAttempts,
		RateLimitBaseDelay:     time.Duration(cfg.LLM.RateLimitBaseDelay * float64(time.Second)),
	})
	orchestrator := forecast.NewOrchestrator(llmClient, database, agent.Config{
		MaxRetries: cfg.Agents.MaxRetries,
		Timeout:    cfg.Agents.AgentTimeout(),
	})

	session := &db.Session{
		QuestionText: *question,
		QuestionType: db.QuestionType(*questionType),
		Status:       db.SessionStatusPending,
	}
	if err := database.CreateSession(ctx, session); err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}
	log.Info().Str("session_id", session.ID.String()).Str("question", *question).Msg("Forecast started")

	prediction, err := orchestrator.Run(ctx, session.ID, *question, *questionType, *persona, nil)
	if err != nil {
		log.Fatal().Err(err).Str("session_id", session.ID.String()).Msg("Forecast failed")
	}

	output := map[string]interface{}{
		"session_id": session.ID,
		"question":   *question,
		"prediction": prediction,
	}
	encoded, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode result")
	}
	fmt.Println(string(encoded))
}
