package questions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/quizdocflow/internal/gcp"
	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
)

// Generator produces questions from cleaned text. Options are already
// validated. Errors are returned as received from the backend so callers
// can classify them.
type Generator interface {
	Generate(ctx context.Context, text string, opts models.QuestionOptions) ([]models.Question, error)
}

// contentGenerator is the part of *genai.GenerativeModel the generator uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexGenerator asks a Gemini model on Vertex AI for questions.
type VertexGenerator struct {
	model  contentGenerator
	logger *slog.Logger
}

// NewVertexGenerator uses the client's pre-configured question model.
func NewVertexGenerator(client *gcp.VertexClient, logger *slog.Logger) *VertexGenerator {
	return newVertexGenerator(client.QuestionModel, logger)
}

func newVertexGenerator(model contentGenerator, logger *slog.Logger) *VertexGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &VertexGenerator{model: model, logger: logger}
}

// Sanity check for LLM refusal; a refusal is never worth retrying.
var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// Generate implements Generator.
func (g *VertexGenerator) Generate(ctx context.Context, text string, opts models.QuestionOptions) ([]models.Question, error) {
	material := TruncateText(text, MaxTextChars)
	logCtx := g.logger.With("count", opts.Count, "difficulty", opts.Difficulty, "chars", len(material))
	if len(material) < len(text) {
		logCtx.Warn("Study material truncated for the model.", "originalChars", len(text))
	}

	types := make([]string, 0, len(opts.Types))
	for _, t := range opts.Types {
		types = append(types, string(t))
	}
	prompt := fmt.Sprintf(gcp.QuestionUserPrompt, opts.Count, opts.Difficulty, strings.Join(types, ", "), opts.Difficulty, material)

	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		logCtx.Error("Call to Vertex AI for question generation failed.", "error", err)
		return nil, fmt.Errorf("failed to generate questions from gemini: %w", err)
	}

	raw := extractJSONContent(resp)
	if raw == "" {
		logCtx.Error("Empty response from Gemini.")
		return nil, pipeline.NewError(pipeline.KindInternal, "The question model returned an empty response.", nil)
	}
	lower := strings.ToLower(raw)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			logCtx.Error("Gemini response indicates refusal.", "response", raw)
			return nil, pipeline.NewError(pipeline.KindInternal, "The question model declined to generate questions for this document.", nil)
		}
	}

	questions, err := parseQuestions(raw, opts)
	if err != nil {
		logCtx.Error("Failed to parse questions from Gemini.", "error", err, "responseBody", raw)
		return nil, pipeline.NewError(pipeline.KindInternal, "The question model returned malformed questions.", err)
	}
	logCtx.Info("Generated questions.", "returned", len(questions))
	return questions, nil
}

// extractJSONContent gets the raw text content from the model response.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	// Clean potential markdown fences just in case
	cleanJSON := strings.TrimSpace(sb.String())
	cleanJSON = strings.TrimPrefix(cleanJSON, "```json")
	cleanJSON = strings.TrimPrefix(cleanJSON, "```")
	cleanJSON = strings.TrimSuffix(cleanJSON, "```")
	return strings.TrimSpace(cleanJSON)
}

func parseQuestions(raw string, opts models.QuestionOptions) ([]models.Question, error) {
	var parsed []models.Question
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	allowed := make(map[models.QuestionType]bool, len(opts.Types))
	for _, t := range opts.Types {
		allowed[t] = true
	}

	out := make([]models.Question, 0, len(parsed))
	for _, q := range parsed {
		q.Question = strings.TrimSpace(q.Question)
		if q.Question == "" || strings.TrimSpace(q.CorrectAnswer) == "" {
			continue
		}
		if !allowed[q.Type] {
			continue
		}
		if q.Type == models.QuestionShortAnswer {
			q.Options = nil
		}
		q.Difficulty = opts.Difficulty
		out = append(out, q)
		if len(out) == opts.Count {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable questions in %d returned", len(parsed))
	}
	return out, nil
}
