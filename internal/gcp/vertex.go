package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Question Generator Model Prompts ---
const QuestionSystemPrompt = "You are an experienced teacher who writes quiz questions from study material. You only use facts stated in the material. You must output your response as a valid JSON array."
const QuestionUserPrompt = `Write exactly %d quiz questions about the study material below.

Follow these rules precisely:
1.  Difficulty: every question must be %s.
2.  Allowed question types: %s. Spread the questions across the allowed types.
3.  Each question is a JSON object with these keys:
    - "type": one of "multiple_choice", "true_false", "short_answer".
    - "question": the question text.
    - "options": for multiple_choice, exactly four answer strings; for true_false, ["True", "False"]; omit for short_answer.
    - "correctAnswer": the correct answer, copied exactly from "options" when options are present.
    - "explanation": one sentence citing the material.
    - "difficulty": "%s".
4.  The final output MUST be a single, valid JSON array of these objects. Do not include any text before or after the JSON array.

Study material:
"""
%s
"""`

// DefaultQuestionModel is the Gemini model used when VERTEX_MODEL is unset.
const DefaultQuestionModel = "gemini-1.5-pro"

// VertexClient holds the pre-configured generative model used by the app.
type VertexClient struct {
	QuestionModel *genai.GenerativeModel
	baseClient    *genai.Client
}

// NewVertexClient creates a client holding the question model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultQuestionModel
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	questionModel := baseClient.GenerativeModel(modelName)
	questionModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(QuestionSystemPrompt)},
	}
	questionModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output; the parser rejects anything else.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.4),
	}

	return &VertexClient{
		QuestionModel: questionModel,
		baseClient:    baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
