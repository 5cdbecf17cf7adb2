// Package questions turns cleaned document text into quiz questions.
package questions

import (
	"fmt"

	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
)

const (
	DefaultCount = 10
	MaxCount     = 50
	// MaxTextChars caps the material sent to the model.
	MaxTextChars = 30000
)

// ValidateOptions fills in defaults and rejects values outside the form's
// choices with an INVALID_OPTIONS error.
func ValidateOptions(opts models.QuestionOptions) (models.QuestionOptions, error) {
	out := models.QuestionOptions{Count: opts.Count, Difficulty: opts.Difficulty}

	if out.Count == 0 {
		out.Count = DefaultCount
	}
	if out.Count < 1 || out.Count > MaxCount {
		return out, invalidOption("count", fmt.Sprintf("Question count must be between 1 and %d.", MaxCount))
	}

	switch out.Difficulty {
	case "":
		out.Difficulty = models.DifficultyMedium
	case models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard:
	default:
		return out, invalidOption("difficulty", fmt.Sprintf("Unknown difficulty %q.", opts.Difficulty))
	}

	seen := make(map[models.QuestionType]bool, len(opts.Types))
	for _, qt := range opts.Types {
		switch qt {
		case models.QuestionMultipleChoice, models.QuestionTrueFalse, models.QuestionShortAnswer:
		default:
			return out, invalidOption("types", fmt.Sprintf("Unknown question type %q.", qt))
		}
		if !seen[qt] {
			seen[qt] = true
			out.Types = append(out.Types, qt)
		}
	}
	if len(out.Types) == 0 {
		out.Types = []models.QuestionType{models.QuestionMultipleChoice}
	}
	return out, nil
}

func invalidOption(field, message string) error {
	return pipeline.NewError(pipeline.KindInvalidOptions, message, nil).WithDetail("field", field)
}

// CacheKey identifies a generation request for caching. Options must already
// be validated.
func CacheKey(documentID string, opts models.QuestionOptions) string {
	return fmt.Sprintf("%s|%d|%s|%v", documentID, opts.Count, opts.Difficulty, opts.Types)
}

// TruncateText cuts text to at most limit bytes without splitting a word
// when a space is available.
func TruncateText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	for i := len(cut) - 1; i > limit/2; i-- {
		if cut[i] == ' ' {
			return cut[:i]
		}
	}
	return cut
}
