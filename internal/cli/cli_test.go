package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("QUIZDOC_CONFIG", "")
	t.Setenv("PROJECT_ID", "")
	t.Setenv("RECORD_BACKEND", "memory")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("DISPATCH_MODE", "inline")
	t.Setenv("QUIZDOC_LOG_FILE", filepath.Join(dir, "quizdoc.log"))
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScoreText(t *testing.T) {
	dir := isolateEnv(t)
	path := writeFile(t, dir, "fox.txt", strings.Repeat("The quick brown fox jumps over the lazy dog. ", 555))

	var out bytes.Buffer
	require.NoError(t, executeWith(context.Background(), &out, "score", path, "--text"))
	assert.Contains(t, out.String(), "Words:             4995")
	assert.Contains(t, out.String(), "ready for question generation")
}

func TestProcessReportsFailures(t *testing.T) {
	dir := isolateEnv(t)
	path := writeFile(t, dir, "notes.txt", "not a pdf")

	var out bytes.Buffer
	err := executeWith(context.Background(), &out, "process", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 documents failed")
	assert.Contains(t, out.String(), "FAIL")
	assert.Contains(t, out.String(), string(pipeline.KindUnsupportedFormat))
}

func TestStatusUnknownDocument(t *testing.T) {
	isolateEnv(t)
	var out bytes.Buffer
	err := executeWith(context.Background(), &out, "status", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(pipeline.KindNotFound))
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		path string
		data string
		want string
	}{
		{"lecture.pdf", "%PDF-1.7", pipeline.PDFMimeType},
		{"lecture.PDF", "", pipeline.PDFMimeType},
		{"upload", "%PDF-1.4\n", pipeline.PDFMimeType},
		{"notes.txt", "hello", "text/plain"},
		{"empty", "", pipeline.PDFMimeType},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, detectMimeType(tt.path, []byte(tt.data)))
		})
	}
}

type scriptedStatus struct {
	statuses []models.UploadStatus
	calls    int
	err      error
}

func (s *scriptedStatus) GetStatus(_ context.Context, id string) (*models.ProcessingStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	st := s.statuses[min(s.calls, len(s.statuses)-1)]
	s.calls++
	return &models.ProcessingStatus{DocumentID: id, Status: st}, nil
}

func TestWaitForTerminal(t *testing.T) {
	ctx := context.Background()

	s := &scriptedStatus{statuses: []models.UploadStatus{models.StatusUploading, models.StatusProcessing, models.StatusCompleted}}
	st, err := waitForTerminal(ctx, s, "doc-1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, 3, s.calls)

	stuck := &scriptedStatus{statuses: []models.UploadStatus{models.StatusProcessing}}
	_, err = waitForTerminal(ctx, stuck, "doc-2", 10*time.Millisecond)
	assert.ErrorContains(t, err, "still processing")

	boom := errors.New("boom")
	_, err = waitForTerminal(ctx, &scriptedStatus{err: boom}, "doc-3", time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestPrintQuestions(t *testing.T) {
	var out bytes.Buffer
	printQuestions(&out, []models.Question{{
		Type:          models.QuestionMultipleChoice,
		Question:      "What colour is the fox?",
		Options:       []string{"Brown", "Red"},
		CorrectAnswer: "Brown",
	}})
	assert.Contains(t, out.String(), "1. [multiple_choice] What colour is the fox?")
	assert.Contains(t, out.String(), "b) Red")
	assert.Contains(t, out.String(), "Answer: Brown")
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, &models.ProcessingStatus{
		DocumentID:  "doc-1",
		Status:      models.StatusFailed,
		CurrentStep: models.StepValidating,
		Progress:    80,
		Error:       &models.ErrorRecord{Kind: "LOW_QUALITY", Details: map[string]string{"qualityScore": "12.0"}},
		CanRetry:    true,
	})
	assert.Contains(t, out.String(), "validating (80%)")
	assert.Contains(t, out.String(), "qualityScore: 12.0")
	assert.Contains(t, out.String(), "Can retry: true")
	assert.Contains(t, out.String(), "Retry allowed: false")
}
