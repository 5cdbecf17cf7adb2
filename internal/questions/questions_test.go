package questions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
)

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		in      models.QuestionOptions
		want    models.QuestionOptions
		wantErr string
	}{
		{
			name: "defaults",
			in:   models.QuestionOptions{},
			want: models.QuestionOptions{Count: 10, Difficulty: models.DifficultyMedium, Types: []models.QuestionType{models.QuestionMultipleChoice}},
		},
		{
			name: "dedupes types",
			in:   models.QuestionOptions{Count: 5, Difficulty: models.DifficultyHard, Types: []models.QuestionType{"true_false", "true_false", "short_answer"}},
			want: models.QuestionOptions{Count: 5, Difficulty: models.DifficultyHard, Types: []models.QuestionType{models.QuestionTrueFalse, models.QuestionShortAnswer}},
		},
		{name: "too many", in: models.QuestionOptions{Count: 51}, wantErr: "count"},
		{name: "negative", in: models.QuestionOptions{Count: -1}, wantErr: "count"},
		{name: "bad difficulty", in: models.QuestionOptions{Difficulty: "brutal"}, wantErr: "difficulty"},
		{name: "bad type", in: models.QuestionOptions{Types: []models.QuestionType{"essay"}}, wantErr: "types"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateOptions(tt.in)
			if tt.wantErr != "" {
				var pe *pipeline.ProcessingError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, pipeline.KindInvalidOptions, pe.Kind)
				assert.Equal(t, tt.wantErr, pe.Details["field"])
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("doc-1", models.QuestionOptions{Count: 5, Difficulty: "easy", Types: []models.QuestionType{"true_false"}})
	b := CacheKey("doc-1", models.QuestionOptions{Count: 6, Difficulty: "easy", Types: []models.QuestionType{"true_false"}})
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "doc-1|"))
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", TruncateText("short", 10))
	assert.Equal(t, "alpha beta", TruncateText("alpha beta gamma", 13))
	assert.Equal(t, "abcdefghij", TruncateText(strings.Repeat("abcdefghij", 3), 10))
}

type fakeModel struct {
	resp   *genai.GenerateContentResponse
	err    error
	prompt string
}

func (f *fakeModel) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	for _, p := range parts {
		if txt, ok := p.(genai.Text); ok {
			f.prompt += string(txt)
		}
	}
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}},
	}
}

var defaultOpts = models.QuestionOptions{
	Count:      2,
	Difficulty: models.DifficultyEasy,
	Types:      []models.QuestionType{models.QuestionMultipleChoice, models.QuestionShortAnswer},
}

func TestVertexGeneratorParsesQuestions(t *testing.T) {
	model := &fakeModel{resp: textResponse("```json\n" + `[
		{"type":"multiple_choice","question":"What colour is the fox?","options":["Brown","Red","Blue","Green"],"correctAnswer":"Brown"},
		{"type":"true_false","question":"Is the dog lazy?","options":["True","False"],"correctAnswer":"True"},
		{"type":"short_answer","question":"What does the fox jump over?","options":["x"],"correctAnswer":"The dog"},
		{"type":"short_answer","question":"Extra?","correctAnswer":"yes"}
	]` + "\n```")}
	g := newVertexGenerator(model, nil)

	got, err := g.Generate(context.Background(), "The quick brown fox jumps over the lazy dog.", defaultOpts)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.QuestionMultipleChoice, got[0].Type)
	assert.Equal(t, "Brown", got[0].CorrectAnswer)
	assert.Equal(t, models.DifficultyEasy, got[0].Difficulty)
	assert.Equal(t, models.QuestionShortAnswer, got[1].Type)
	assert.Nil(t, got[1].Options)

	assert.Contains(t, model.prompt, "exactly 2 quiz questions")
	assert.Contains(t, model.prompt, "multiple_choice, short_answer")
	assert.Contains(t, model.prompt, "lazy dog")
}

func TestVertexGeneratorTruncatesMaterial(t *testing.T) {
	model := &fakeModel{resp: textResponse(`[{"type":"multiple_choice","question":"Q?","options":["a","b","c","d"],"correctAnswer":"a"}]`)}
	g := newVertexGenerator(model, nil)

	text := strings.Repeat("word ", MaxTextChars)
	_, err := g.Generate(context.Background(), text, defaultOpts)
	require.NoError(t, err)
	assert.Less(t, len(model.prompt), len(text))
}

func TestVertexGeneratorFailures(t *testing.T) {
	rateLimited := status.Error(codes.ResourceExhausted, "rate limit exceeded")

	tests := []struct {
		name string
		m    *fakeModel
		kind pipeline.Kind
	}{
		{"backend error", &fakeModel{err: rateLimited}, pipeline.KindRateLimited},
		{"empty", &fakeModel{resp: &genai.GenerateContentResponse{}}, pipeline.KindInternal},
		{"refusal", &fakeModel{resp: textResponse("I am unable to help with that request.")}, pipeline.KindInternal},
		{"not json", &fakeModel{resp: textResponse("here are some questions")}, pipeline.KindInternal},
		{"no usable", &fakeModel{resp: textResponse(`[{"type":"essay","question":"Q","correctAnswer":"A"}]`)}, pipeline.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newVertexGenerator(tt.m, nil)
			_, err := g.Generate(context.Background(), "text", defaultOpts)
			require.Error(t, err)
			assert.Equal(t, tt.kind, pipeline.Classify(err).Kind)
		})
	}

	g := newVertexGenerator(&fakeModel{err: rateLimited}, nil)
	_, err := g.Generate(context.Background(), "text", defaultOpts)
	assert.True(t, errors.Is(err, rateLimited))
}
