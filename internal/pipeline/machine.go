package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

// Machine tracks the pipeline state of a single document. Every run of the
// pipeline owns a generation number; failing, resetting or retrying bumps it,
// so late calls from an abandoned run get ErrStaleUpdate instead of mutating
// state. All methods are safe for concurrent use.
type Machine struct {
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
	doc    *models.Document
	gen    int64
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// NewMachine creates an idle Machine.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{logger: cfg.Logger, now: cfg.Now}
}

// Completion carries the results recorded by Complete.
type Completion struct {
	Text     string
	Metadata *models.DocumentMetadata
	Message  string
}

// Load hydrates the machine from a stored record without a transition.
func (m *Machine) Load(doc *models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *doc
	d.ExtractedText = ""
	m.doc = &d
	if d.Generation > m.gen {
		m.gen = d.Generation
	}
}

// StartUpload begins a new run for doc: status uploading, progress 0, no error.
func (m *Machine) StartUpload(doc *models.Document) *models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *doc
	m.doc = &d
	return m.restartLocked()
}

func (m *Machine) restartLocked() *models.Document {
	if m.doc.Generation > m.gen {
		m.gen = m.doc.Generation
	}
	m.gen++
	d := m.doc
	d.Generation = m.gen
	d.Status = models.StatusUploading
	d.CurrentStep = models.StepUploading
	d.Progress = 0
	d.Message = "Uploading document."
	d.Error = nil
	d.ErrorMessage = ""
	d.ProcessedAt = nil
	return m.snapshotLocked()
}

// Advance records progress for the run identified by gen.
func (m *Machine) Advance(gen int64, progress int, step models.Step, message string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRunLocked(gen, "advance"); err != nil {
		return nil, err
	}
	d := m.doc
	if progress < 0 || progress > 100 {
		return nil, m.invalidLocked("advance", fmt.Sprintf("progress %d is outside 0-100", progress))
	}
	if progress < d.Progress {
		return nil, m.invalidLocked("advance", fmt.Sprintf("progress may not decrease from %d to %d", d.Progress, progress))
	}
	band := models.StepForProgress(progress)
	if progress == 0 {
		band = models.StepUploading
	}
	if step != "" && step != band {
		return nil, m.invalidLocked("advance", fmt.Sprintf("step %q does not match progress %d (%q)", step, progress, band))
	}

	d.Progress = progress
	d.CurrentStep = band
	d.Message = message
	if progress > 0 {
		d.Status = models.StatusProcessing
	}
	return m.snapshotLocked(), nil
}

// Complete finishes the run identified by gen successfully. The returned
// document carries the cleaned text; the machine itself does not keep it.
func (m *Machine) Complete(gen int64, c Completion) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRunLocked(gen, "complete"); err != nil {
		return nil, err
	}
	now := m.now()
	d := m.doc
	d.Status = models.StatusCompleted
	d.CurrentStep = models.StepCompleted
	d.Progress = 100
	d.Error = nil
	d.ErrorMessage = ""
	d.ProcessedAt = &now
	d.ExtractedText = ""
	d.TextLength = len(c.Text)
	d.Metadata = c.Metadata
	d.Message = c.Message
	if d.Message == "" {
		d.Message = "Document is ready for question generation."
	}
	done := m.snapshotLocked()
	done.ExtractedText = c.Text
	return done, nil
}

// Fail records err as the outcome of the run identified by gen. Progress is
// left where it was. Failing an idle machine is a no-op returning (nil, nil).
func (m *Machine) Fail(gen int64, err error) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doc == nil {
		return nil, nil
	}
	if cerr := m.checkRunLocked(gen, "fail"); cerr != nil {
		return nil, cerr
	}
	return m.failLocked(err), nil
}

// FailCurrent fails whatever run is active. Callers use it to abandon a
// document without knowing its generation. It is a no-op on an idle or
// terminal machine.
func (m *Machine) FailCurrent(err error) *models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil || m.doc.Status.Terminal() {
		return nil
	}
	return m.failLocked(err)
}

func (m *Machine) failLocked(err error) *models.Document {
	pe := Classify(err)
	if pe == nil {
		pe = NewError(KindInternal, "The pipeline failed without an error.", nil)
	}
	m.gen++
	d := m.doc
	d.Generation = m.gen
	d.Status = models.StatusFailed
	d.Error = pe.Record()
	d.ErrorMessage = pe.Message
	d.Message = pe.Message
	return m.snapshotLocked()
}

// Reset drops the current document and invalidates any in-flight run.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = nil
	m.gen++
}

// Retry restarts a failed document whose error is retryable.
func (m *Machine) Retry() (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doc == nil {
		return nil, m.invalidLocked("retry", "no document is loaded")
	}
	if m.doc.Status != models.StatusFailed {
		return nil, m.invalidLocked("retry", fmt.Sprintf("document is %s, not failed", m.doc.Status))
	}
	if m.doc.Error == nil || !m.doc.Error.Retryable {
		return nil, NewError(KindInvalidTransition,
			"This document failed with an error that cannot be retried. Please upload a different file.", nil)
	}
	return m.restartLocked(), nil
}

// Generation returns the current run's generation.
func (m *Machine) Generation() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Snapshot returns a copy of the current document, or nil when idle.
func (m *Machine) Snapshot() *models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil
	}
	return m.snapshotLocked()
}

// Status returns the projected processing status, or nil when idle.
func (m *Machine) Status() *models.ProcessingStatus {
	d := m.Snapshot()
	if d == nil {
		return nil
	}
	return models.StatusOf(d)
}

func (m *Machine) checkRunLocked(gen int64, op string) error {
	if m.doc == nil || gen != m.gen || m.doc.Status == models.StatusFailed {
		return ErrStaleUpdate
	}
	if m.doc.Status == models.StatusCompleted {
		return m.invalidLocked(op, "document is already completed")
	}
	return nil
}

func (m *Machine) invalidLocked(op, reason string) error {
	id := ""
	if m.doc != nil {
		id = m.doc.ID
	}
	m.logger.Error("Invalid pipeline transition.", "documentId", id, "operation", op, "reason", reason)
	return NewError(KindInvalidTransition, fmt.Sprintf("Invalid %s: %s.", op, reason), nil).
		WithDetail("operation", op)
}

func (m *Machine) snapshotLocked() *models.Document {
	d := *m.doc
	if m.doc.Error != nil {
		e := *m.doc.Error
		d.Error = &e
	}
	if m.doc.Metadata != nil {
		md := *m.doc.Metadata
		d.Metadata = &md
	}
	return &d
}
