// Evaluation CLI: scores the forecast pipeline against a labeled question
// set, optionally alongside a one-shot baseline.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/agent"
	"github.com/quantfold/foresight/internal/config"
	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/forecast"
	"github.com/quantfold/foresight/internal/llm"
	"github.com/quantfold/foresight/pkg/eval"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	setPath := flag.String("set", "eval_set.json", "Path to labeled question set")
	output := flag.String("output", "eval_results.json", "Path to write the JSON report")
	numQuestions := flag.Int("num-questions", 0, "Questions to evaluate, 0 = all")
	maxConcurrent := flag.Int("max-concurrent", 0, "Concurrent forecasts, 0 = unlimited")
	withBaseline := flag.Bool("baseline", false, "Also run the one-shot baseline per question")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	set, err := eval.LoadQuestionSet(*setPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load question set")
	}

	ctx := context.Background()
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

	pipeline := &pipelineForecaster{orchestrator: orchestrator, database: database}
	var baseline eval.Forecaster
	if *withBaseline {
		baseline = eval.NewBaselineForecaster(llmClient)
	}

	harness := eval.NewHarness(pipeline, baseline, *maxConcurrent)
	report, err := harness.Run(ctx, set, *numQuestions)
	if err != nil {
		log.Fatal().Err(err).Msg("Evaluation run failed")
	}

	if err := eval.WriteReport(report, *output); err != nil {
		log.Fatal().Err(err).Msg("Failed to write report")
	}
	log.Info().
		Str("output", *output).
		Float64("mean_brier", report.Summary.MeanBrierScore).
		Float64("mean_calibration_error", report.Summary.MeanCalibrationError).
		Float64("direction_accuracy", report.Summary.DirectionAccuracy).
		Msg("Report written")
}

// pipelineForecaster adapts the orchestrator to the harness: each question
// gets its own session, and the synthesized probability is the prediction.
type pipelineForecaster struct {
	orchestrator *forecast.Orchestrator
	database     *db.DB
}

func (f *pipelineForecaster) Forecast(ctx context.Context, question eval.Question) (*eval.Prediction, error) {
	questionType := question.QuestionType
	if questionType == "" {
		questionType = string(db.QuestionTypeBinary)
	}

	session := &db.Session{
		QuestionText: question.QuestionText,
		QuestionType: db.QuestionType(questionType),
		Status:       db.SessionStatusPending,
	}
	if err := f.database.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	result, err := f.orchestrator.Run(ctx, session.ID, question.QuestionText, questionType, "", nil)
	if err != nil {
		return nil, err
	}

	probability, ok := result["prediction_probability"].(float64)
	if !ok {
		return nil, fmt.Errorf("session %s produced no probability", session.ID)
	}
	confidence, _ := result["confidence"].(float64)

	tokens, err := f.database.CountSessionTokens(ctx, session.ID)
	if err != nil {
		tokens = 0
	}
	return &eval.Prediction{
		Probability: probability,
		Confidence:  confidence,
		TotalTokens: tokens,
	}, nil
}
