package eval

import (
	"encoding/json"
	"fmt"
	"os"
)

// Question is one labeled entry in an evaluation set. GroundTruth is the
// resolved probability in [0,1]; for settled binary questions it is 0 or 1,
// for market-derived sets it is the closing market probability.
type Question struct {
	ID           string  `json:"id"`
	QuestionText string  `json:"question_text"`
	QuestionType string  `json:"question_type"`
	Category     string  `json:"category,omitempty"`
	GroundTruth  float64 `json:"ground_truth"`
}

// QuestionSet is a named collection of labeled questions
type QuestionSet struct {
	Name      string     `json:"name"`
	Questions []Question `json:"questions"`
}

// LoadQuestionSet reads and validates a question set from a JSON file
func LoadQuestionSet(path string) (*QuestionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read question set: %w", err)
	}

	var set QuestionSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse question set: %w", err)
	}
	if len(set.Questions) == 0 {
		return nil, fmt.Errorf("question set %q has no questions", set.Name)
	}
	for i, q := range set.Questions {
		if q.QuestionText == "" {
			return nil, fmt.Errorf("question %d has empty question_text", i)
		}
		if q.GroundTruth < 0 || q.GroundTruth > 1 {
			return nil, fmt.Errorf("question %q ground_truth %v outside [0,1]", q.ID, q.GroundTruth)
		}
	}
	return &set, nil
}
