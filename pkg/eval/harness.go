package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Forecast statuses recorded per question
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Prediction is what a forecaster returns for one question
type Prediction struct {
	Probability float64
	Confidence  float64
	TotalTokens int
}

// Forecaster produces a probability for a question. The full pipeline and
// the one-shot baseline both satisfy this.
type Forecaster interface {
	Forecast(ctx context.Context, question Question) (*Prediction, error)
}

// ForecastFunc adapts a function to the Forecaster interface
type ForecastFunc func(ctx context.Context, question Question) (*Prediction, error)

func (f ForecastFunc) Forecast(ctx context.Context, question Question) (*Prediction, error) {
	return f(ctx, question)
}

// Harness runs a forecaster over a question set in parallel
type Harness struct {
	forecaster Forecaster
	baseline   Forecaster // optional
	limit      int64      // max concurrent questions, 0 = unlimited
}

// Report is the full output of one evaluation run
type Report struct {
	SetName              string           `json:"set_name"`
	EvalDate             time.Time        `json:"eval_date"`
	Summary              Summary          `json:"summary"`
	BaselineSummary      *Summary         `json:"baseline_summary,omitempty"`
	Results              []QuestionResult `json:"results"`
	BaselineResults      []QuestionResult `json:"baseline_results,omitempty"`
	TotalDurationSeconds float64          `json:"total_duration_seconds"`
}

// NewHarness creates a harness. baseline may be nil; maxConcurrent <= 0
// means unlimited.
func NewHarness(forecaster Forecaster, baseline Forecaster, maxConcurrent int) *Harness {
	return &Harness{
		forecaster: forecaster,
		baseline:   baseline,
		limit:      int64(maxConcurrent),
	}
}

// Run evaluates up to numQuestions from the set (0 = all) and returns the
// scored report. A failed forecast becomes a failed result, never an error
// from Run; only context cancellation aborts the whole run.
func (h *Harness) Run(ctx context.Context, set *QuestionSet, numQuestions int) (*Report, error) {
	questions := set.Questions
	if numQuestions > 0 && numQuestions < len(questions) {
		questions = questions[:numQuestions]
	}

	log.Info().
		Str("set", set.Name).
		Int("questions", len(questions)).
		Int64("max_concurrent", h.limit).
		Bool("baseline", h.baseline != nil).
		Msg("Starting evaluation run")

	start := time.Now()
	results := make([]QuestionResult, len(questions))
	baselineResults := make([]QuestionResult, len(questions))

	limit := h.limit
	if limit <= 0 {
		limit = int64(len(questions))
	}
	sem := semaphore.NewWeighted(limit)

	var wg sync.WaitGroup
	for i, question := range questions {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("evaluation cancelled: %w", err)
		}
		wg.Add(1)
		go func(i int, q Question) {
			defer wg.Done()
			defer sem.Release(1)

			results[i] = h.evaluateOne(ctx, h.forecaster, q)
			if h.baseline != nil {
				baselineResults[i] = h.evaluateOne(ctx, h.baseline, q)
			}
		}(i, question)
	}
	wg.Wait()

	report := &Report{
		SetName:              set.Name,
		EvalDate:             time.Now().UTC(),
		Summary:              Summarize(results),
		Results:              results,
		TotalDurationSeconds: time.Since(start).Seconds(),
	}
	if h.baseline != nil {
		baselineSummary := Summarize(baselineResults)
		report.BaselineSummary = &baselineSummary
		report.BaselineResults = baselineResults
	}

	log.Info().
		Str("set", set.Name).
		Int("successful", report.Summary.SuccessfulForecasts).
		Int("failed", report.Summary.FailedForecasts).
		Float64("mean_brier", report.Summary.MeanBrierScore).
		Float64("direction_accuracy", report.Summary.DirectionAccuracy).
		Float64("duration_seconds", report.TotalDurationSeconds).
		Msg("Evaluation run complete")
	return report, nil
}

func (h *Harness) evaluateOne(ctx context.Context, forecaster Forecaster, question Question) QuestionResult {
	result := QuestionResult{
		QuestionID:   question.ID,
		QuestionText: question.QuestionText,
		GroundTruth:  question.GroundTruth,
	}

	start := time.Now()
	prediction, err := forecaster.Forecast(ctx, question)
	result.DurationSeconds = time.Since(start).Seconds()

	if err != nil {
		log.Error().Err(err).Str("question_id", question.ID).Msg("Forecast failed")
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}

	result.Status = StatusCompleted
	result.PredictedProb = prediction.Probability
	result.Confidence = prediction.Confidence
	result.TotalTokens = prediction.TotalTokens
	result.BrierScore = BrierScore(prediction.Probability, question.GroundTruth >= 0.5)
	result.CalibrationError = CalibrationError(prediction.Probability, question.GroundTruth)
	result.DirectionCorrect = DirectionCorrect(prediction.Probability, question.GroundTruth)

	log.Info().
		Str("question_id", question.ID).
		Float64("predicted", prediction.Probability).
		Float64("ground_truth", question.GroundTruth).
		Float64("brier", result.BrierScore).
		Bool("direction_correct", result.DirectionCorrect).
		Msg("Question evaluated")
	return result
}

// WriteReport serializes the report as indented JSON
func WriteReport(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
