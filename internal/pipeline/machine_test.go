package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

func newTestMachine() *Machine {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewMachine(MachineConfig{Now: func() time.Time { return fixed }})
}

func TestMachineHappyPath(t *testing.T) {
	m := newTestMachine()
	doc := m.StartUpload(&models.Document{ID: "doc-1", Filename: "a.pdf"})
	gen := doc.Generation

	assert.Equal(t, models.StatusUploading, doc.Status)
	assert.Equal(t, 0, doc.Progress)
	assert.Equal(t, models.StepUploading, doc.CurrentStep)

	steps := []struct {
		progress int
		step     models.Step
	}{
		{5, models.StepExtracting},
		{10, models.StepExtracting},
		{30, models.StepCleaning},
		{60, models.StepCleaning},
		{80, models.StepValidating},
	}
	for _, s := range steps {
		d, err := m.Advance(gen, s.progress, s.step, "working")
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, d.Status)
		assert.Equal(t, s.step, d.CurrentStep)
	}

	done, err := m.Complete(gen, Completion{
		Text:     "clean text",
		Metadata: &models.DocumentMetadata{PageCount: 1, QualityScore: 70},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, models.StepCompleted, done.CurrentStep)
	assert.Equal(t, len("clean text"), done.TextLength)
	assert.Equal(t, "clean text", done.ExtractedText)
	require.NotNil(t, done.ProcessedAt)
	assert.Empty(t, m.Snapshot().ExtractedText, "the text lives in the store only")
	assert.Equal(t, len("clean text"), m.Snapshot().TextLength)

	st := m.Status()
	require.NotNil(t, st)
	require.NotNil(t, st.QualityScore)
	assert.Equal(t, 70.0, *st.QualityScore)
	assert.False(t, st.CanRetry)
}

func TestMachineRejectsInvalidAdvance(t *testing.T) {
	tests := []struct {
		name     string
		progress int
		step     models.Step
	}{
		{"decreasing", 5, models.StepExtracting},
		{"above range", 101, ""},
		{"below range", -1, ""},
		{"step outside band", 40, models.StepExtracting},
		{"validating too early", 60, models.StepValidating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			gen := m.StartUpload(&models.Document{ID: "doc-1"}).Generation
			_, err := m.Advance(gen, 10, models.StepExtracting, "start")
			require.NoError(t, err)

			_, err = m.Advance(gen, tt.progress, tt.step, "bad")
			requireKind(t, err, KindInvalidTransition)
			assert.Equal(t, 10, m.Snapshot().Progress)
		})
	}
}

func TestMachineEmptyStepUsesBand(t *testing.T) {
	m := newTestMachine()
	gen := m.StartUpload(&models.Document{ID: "doc-1"}).Generation

	d, err := m.Advance(gen, 0, "", "queued")
	require.NoError(t, err)
	assert.Equal(t, models.StepUploading, d.CurrentStep)
	assert.Equal(t, models.StatusUploading, d.Status)

	d, err = m.Advance(gen, 85, "", "checking")
	require.NoError(t, err)
	assert.Equal(t, models.StepValidating, d.CurrentStep)
}

func TestMachineCompletedIsFinal(t *testing.T) {
	m := newTestMachine()
	gen := m.StartUpload(&models.Document{ID: "doc-1"}).Generation
	_, err := m.Complete(gen, Completion{Text: "x"})
	require.NoError(t, err)

	_, err = m.Advance(gen, 100, "", "again")
	requireKind(t, err, KindInvalidTransition)
	_, err = m.Complete(gen, Completion{Text: "x"})
	requireKind(t, err, KindInvalidTransition)
	assert.Nil(t, m.FailCurrent(errors.New("late")))
}

func TestMachineFailKeepsProgress(t *testing.T) {
	m := newTestMachine()
	gen := m.StartUpload(&models.Document{ID: "doc-1"}).Generation
	_, err := m.Advance(gen, 60, models.StepCleaning, "cleaning")
	require.NoError(t, err)

	d, err := m.Fail(gen, NewError(KindInsufficientText, "The extracted text is too short.", nil))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Equal(t, 60, d.Progress)
	require.NotNil(t, d.Error)
	assert.Equal(t, string(KindInsufficientText), d.Error.Kind)
	assert.Greater(t, d.Generation, gen)

	st := m.Status()
	assert.True(t, st.CanRetry)
	assert.Nil(t, st.QualityScore)
}

func TestMachineFailClassifiesPlainErrors(t *testing.T) {
	m := newTestMachine()
	gen := m.StartUpload(&models.Document{ID: "doc-1"}).Generation

	d, err := m.Fail(gen, errors.New("connection reset by peer"))
	require.NoError(t, err)
	assert.Equal(t, string(KindNetworkError), d.Error.Kind)
	assert.True(t, d.Error.Retryable)
}

func TestMachineFailIdleIsNoop(t *testing.T) {
	m := newTestMachine()
	d, err := m.Fail(0, errors.New("nothing running"))
	assert.NoError(t, err)
	assert.Nil(t, d)
	assert.Nil(t, m.Snapshot())
	assert.Nil(t, m.Status())
}

func TestMachineStaleUpdates(t *testing.T) {
	m := newTestMachine()
	first := m.StartUpload(&models.Document{ID: "doc-1"}).Generation

	_, err := m.Fail(first, NewError(KindTimeout, "slow", nil))
	require.NoError(t, err)

	_, err = m.Advance(first, 30, models.StepCleaning, "late")
	assert.ErrorIs(t, err, ErrStaleUpdate)
	_, err = m.Fail(first, errors.New("late failure"))
	assert.ErrorIs(t, err, ErrStaleUpdate)

	restarted, err := m.Retry()
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, restarted.Status)
	assert.Nil(t, restarted.Error)
	assert.Equal(t, 0, restarted.Progress)

	_, err = m.Advance(first, 30, models.StepCleaning, "late")
	assert.ErrorIs(t, err, ErrStaleUpdate)
	_, err = m.Advance(restarted.Generation, 5, models.StepExtracting, "fresh")
	assert.NoError(t, err)
}

func TestMachineReset(t *testing.T) {
	m := newTestMachine()
	gen := m.StartUpload(&models.Document{ID: "doc-1"}).Generation
	m.Reset()

	assert.Nil(t, m.Snapshot())
	_, err := m.Advance(gen, 10, models.StepExtracting, "late")
	assert.ErrorIs(t, err, ErrStaleUpdate)
	assert.Greater(t, m.Generation(), gen)
}

func TestMachineRetryRules(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		_, err := newTestMachine().Retry()
		requireKind(t, err, KindInvalidTransition)
	})

	t.Run("not failed", func(t *testing.T) {
		m := newTestMachine()
		m.StartUpload(&models.Document{ID: "doc-1"})
		_, err := m.Retry()
		requireKind(t, err, KindInvalidTransition)
	})

	t.Run("non-retryable error", func(t *testing.T) {
		m := newTestMachine()
		gen := m.StartUpload(&models.Document{ID: "doc-1"}).Generation
		_, err := m.Fail(gen, NewError(KindLowQuality, "low", nil))
		require.NoError(t, err)

		_, err = m.Retry()
		requireKind(t, err, KindInvalidTransition)
		assert.Equal(t, models.StatusFailed, m.Snapshot().Status)
	})
}

func TestMachineLoadKeepsGenerationMonotonic(t *testing.T) {
	m := newTestMachine()
	m.Load(&models.Document{ID: "doc-1", Status: models.StatusProcessing, Progress: 30, Generation: 7})
	assert.Equal(t, int64(7), m.Generation())

	_, err := m.Advance(7, 60, models.StepCleaning, "resumed")
	require.NoError(t, err)

	d := m.StartUpload(m.Snapshot())
	assert.Equal(t, int64(8), d.Generation)
}

func TestMachineSnapshotIsCopy(t *testing.T) {
	m := newTestMachine()
	gen := m.StartUpload(&models.Document{ID: "doc-1"}).Generation
	_, err := m.Fail(gen, NewError(KindTimeout, "slow", nil))
	require.NoError(t, err)

	snap := m.Snapshot()
	snap.Error.Message = "changed"
	snap.Progress = 99
	assert.Equal(t, "slow", m.Snapshot().Error.Message)
	assert.Equal(t, 0, m.Snapshot().Progress)
}

func TestMachineLoadDropsText(t *testing.T) {
	m := NewMachine(MachineConfig{})
	m.Load(&models.Document{ID: "doc-1", Status: models.StatusCompleted, Generation: 2, ExtractedText: "long text", TextLength: 9})

	snap := m.Snapshot()
	require.NotNil(t, snap)
	assert.Empty(t, snap.ExtractedText)
	assert.Equal(t, 9, snap.TextLength)
	assert.Equal(t, int64(2), m.Generation())
}
