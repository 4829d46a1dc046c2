// Package eval scores the forecast pipeline against a labeled question
// set. Each question carries a ground-truth probability; the harness runs
// a forecast per question, optionally alongside a one-shot baseline, and
// reports Brier score, calibration error, and direction accuracy.
package eval

import (
	"math"
)

// BrierScore measures squared error against the realized outcome.
// 0 is perfect, 1 is maximally wrong.
func BrierScore(predictedProb float64, outcome bool) float64 {
	actual := 0.0
	if outcome {
		actual = 1.0
	}
	diff := predictedProb - actual
	return diff * diff
}

// CalibrationError is the absolute distance from the ground-truth
// probability, not the binary outcome.
func CalibrationError(predictedProb, truthProb float64) float64 {
	return math.Abs(predictedProb - truthProb)
}

// DirectionCorrect reports whether prediction and truth land on the same
// side of 50%.
func DirectionCorrect(predictedProb, truthProb float64) bool {
	return (predictedProb >= 0.5) == (truthProb >= 0.5)
}

// QuestionResult is the scored outcome for one question
type QuestionResult struct {
	QuestionID       string  `json:"question_id"`
	QuestionText     string  `json:"question_text"`
	GroundTruth      float64 `json:"ground_truth"`
	PredictedProb    float64 `json:"predicted_prob,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	BrierScore       float64 `json:"brier_score"`
	CalibrationError float64 `json:"calibration_error"`
	DirectionCorrect bool    `json:"direction_correct"`
	TotalTokens      int     `json:"total_tokens"`
	DurationSeconds  float64 `json:"duration_seconds"`
	Status           string  `json:"status"`
	Error            string  `json:"error,omitempty"`
}

// Summary aggregates results across a run
type Summary struct {
	TotalQuestions       int     `json:"total_questions"`
	SuccessfulForecasts  int     `json:"successful_forecasts"`
	FailedForecasts      int     `json:"failed_forecasts"`
	MeanBrierScore       float64 `json:"mean_brier_score"`
	StdBrierScore        float64 `json:"std_brier_score"`
	MeanCalibrationError float64 `json:"mean_calibration_error"`
	StdCalibrationError  float64 `json:"std_calibration_error"`
	MinCalibrationError  float64 `json:"min_calibration_error"`
	MaxCalibrationError  float64 `json:"max_calibration_error"`
	DirectionAccuracy    float64 `json:"direction_accuracy"`
	TotalTokens          int     `json:"total_tokens"`
	MeanTokens           float64 `json:"mean_tokens"`
	MeanDurationSeconds  float64 `json:"mean_duration_seconds"`
	MinDurationSeconds   float64 `json:"min_duration_seconds"`
	MaxDurationSeconds   float64 `json:"max_duration_seconds"`
}

// Summarize aggregates per-question results into a Summary. Failed
// questions count toward totals but not toward the score averages.
func Summarize(results []QuestionResult) Summary {
	summary := Summary{TotalQuestions: len(results)}

	var briers, calibrations, durations []float64
	var directionHits int
	for _, r := range results {
		if r.Status == StatusFailed {
			summary.FailedForecasts++
			continue
		}
		summary.SuccessfulForecasts++
		briers = append(briers, r.BrierScore)
		calibrations = append(calibrations, r.CalibrationError)
		durations = append(durations, r.DurationSeconds)
		summary.TotalTokens += r.TotalTokens
		if r.DirectionCorrect {
			directionHits++
		}
	}

	if summary.SuccessfulForecasts == 0 {
		return summary
	}

	summary.MeanBrierScore, summary.StdBrierScore = meanStd(briers)
	summary.MeanCalibrationError, summary.StdCalibrationError = meanStd(calibrations)
	summary.MinCalibrationError, summary.MaxCalibrationError = minMax(calibrations)
	summary.DirectionAccuracy = float64(directionHits) / float64(summary.SuccessfulForecasts)
	summary.MeanTokens = float64(summary.TotalTokens) / float64(summary.SuccessfulForecasts)
	summary.MeanDurationSeconds, _ = meanStd(durations)
	summary.MinDurationSeconds, summary.MaxDurationSeconds = minMax(durations)
	return summary
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}
	var squared float64
	for _, v := range values {
		diff := v - mean
		squared += diff * diff
	}
	return mean, math.Sqrt(squared / float64(len(values)))
}

func minMax(values []float64) (lo, hi float64) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
