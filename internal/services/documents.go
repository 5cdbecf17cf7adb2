// Package services wires the pipeline, the stores and the question
// generator into the operations the functions and the CLI expose.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
	"github.com/Lllllllleong/quizdocflow/internal/questions"
	"github.com/Lllllllleong/quizdocflow/internal/store"
)

const (
	DefaultMinTextLength    = 100
	DefaultPipelineTimeout  = 2 * time.Minute
	DefaultQuestionCacheTTL = 30 * time.Minute

	// persistTimeout bounds the final FAILED write after the run's context is gone.
	persistTimeout = 10 * time.Second
)

// Config holds the service's tunables.
type Config struct {
	MinTextLength    int
	PipelineTimeout  time.Duration
	QuestionCacheTTL time.Duration
	Retry            pipeline.RetryPolicy
}

func (c *Config) defaults() {
	if c.MinTextLength <= 0 {
		c.MinTextLength = DefaultMinTextLength
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = DefaultPipelineTimeout
	}
	if c.QuestionCacheTTL <= 0 {
		c.QuestionCacheTTL = DefaultQuestionCacheTTL
	}
}

// Deps are the collaborators of a DocumentService. Documents, Objects and
// Dispatcher are required; the rest have defaults.
type Deps struct {
	Documents  store.DocumentStore
	Objects    store.ObjectStore
	Dispatcher Dispatcher
	Extractor  *pipeline.Extractor
	Cleaner    *pipeline.Cleaner
	Guard      *pipeline.Guard
	// Generator may be nil when question generation is not configured.
	Generator questions.Generator
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Upload is a file handed to UploadAndProcess.
type Upload struct {
	Filename string
	MimeType string
	Data     []byte
}

// DocumentService runs the document pipeline. Errors returned by its
// exported methods are always *pipeline.ProcessingError.
type DocumentService struct {
	cfg        Config
	docs       store.DocumentStore
	objects    store.ObjectStore
	dispatcher Dispatcher
	extractor  *pipeline.Extractor
	cleaner    *pipeline.Cleaner
	guard      *pipeline.Guard
	generator  questions.Generator
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	// machines holds the state machines of runs this instance has touched.
	// Terminal machines are evicted and the rest expire, so the store stays
	// the only long-lived copy of a document.
	mu       sync.Mutex
	machines *cache.Cache
	loads    singleflight.Group
	cache    *cache.Cache
}

// NewDocumentService creates a DocumentService.
func NewDocumentService(cfg Config, deps Deps) (*DocumentService, error) {
	if deps.Documents == nil || deps.Objects == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("document store, object store and dispatcher must be set")
	}
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Extractor == nil {
		deps.Extractor = pipeline.NewExtractor(pipeline.ExtractorConfig{Logger: deps.Logger}, nil)
	}
	if deps.Cleaner == nil {
		deps.Cleaner = pipeline.NewCleaner(pipeline.CleanerConfig{})
	}
	if deps.Guard == nil {
		deps.Guard = pipeline.NewGuard(pipeline.GuardConfig{Logger: deps.Logger})
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = deps.Logger
	}
	return &DocumentService{
		cfg:        cfg,
		docs:       deps.Documents,
		objects:    deps.Objects,
		dispatcher: deps.Dispatcher,
		extractor:  deps.Extractor,
		cleaner:    deps.Cleaner,
		guard:      deps.Guard,
		generator:  deps.Generator,
		logger:     deps.Logger,
		now:        deps.Now,
		newID:      deps.NewID,
		machines:   cache.New(2*cfg.PipelineTimeout, cfg.PipelineTimeout),
		cache:      cache.New(cfg.QuestionCacheTTL, 2*cfg.QuestionCacheTTL),
	}, nil
}

// Guard returns the service's performance guard.
func (s *DocumentService) Guard() *pipeline.Guard { return s.guard }

// UploadAndProcess validates and stores the file, creates its record and
// hands processing off to the dispatcher. It returns as soon as the run is
// dispatched. A file identical to an already completed document returns
// that document's id without running the pipeline again.
func (s *DocumentService) UploadAndProcess(ctx context.Context, up Upload) (string, error) {
	size := int64(len(up.Data))
	logCtx := s.logger.With("filename", up.Filename, "size", size)

	if err := s.extractor.Validate(up.MimeType, size); err != nil {
		logCtx.Warn("Upload rejected.", "error", err)
		return "", err
	}

	sum := sha256.Sum256(up.Data)
	fileHash := hex.EncodeToString(sum[:])
	dup, err := s.docs.FindByHash(ctx, fileHash, models.StatusCompleted)
	if err != nil {
		return "", s.storageError(logCtx, "failed to query for duplicates", err)
	}
	if dup != nil {
		logCtx.Info("Duplicate file detected. Reusing completed document.", "documentId", dup.ID, "fileHash", fileHash)
		return dup.ID, nil
	}

	id := s.newID()
	logCtx = logCtx.With("documentId", id)

	url, err := s.objects.Put(ctx, store.SourceObjectName(id), up.Data)
	if err != nil {
		return "", s.storageError(logCtx, "failed to store uploaded file", err)
	}

	m := s.machineFor(id)
	doc := m.StartUpload(&models.Document{
		ID:         id,
		Filename:   up.Filename,
		MimeType:   up.MimeType,
		FileSize:   size,
		FileHash:   fileHash,
		StorageURL: url,
		CreatedAt:  s.now().UTC(),
	})
	if err := s.docs.Insert(ctx, doc); err != nil {
		s.dropMachine(id)
		return "", s.storageError(logCtx, "failed to create document record", err)
	}
	logCtx.Info("Document uploaded.", "storageUrl", url)

	if err := s.dispatcher.Dispatch(ctx, Job{DocumentID: id, Generation: doc.Generation}, s); err != nil {
		return "", s.failRun(ctx, logCtx, m, doc.Generation, err)
	}
	return id, nil
}

// ProcessDocument runs the pipeline for the given run of a document:
// download, extract, clean, score and complete. Every transition is
// written to the document store. A run that has been superseded stops
// quietly and returns the current status. generation 0 means the current
// run.
func (s *DocumentService) ProcessDocument(ctx context.Context, documentID string, generation int64) (*models.ProcessingStatus, error) {
	logCtx := s.logger.With("documentId", documentID, "generation", generation)

	m, err := s.machineForRun(ctx, logCtx, documentID, generation)
	if err != nil {
		return nil, err
	}
	defer s.settle(documentID, m)
	if generation == 0 {
		generation = m.Generation()
	}
	snap := m.Snapshot()
	if generation != m.Generation() || snap.Status.Terminal() {
		logCtx.Info("Run is not current. Nothing to do.", "status", snap.Status, "currentGeneration", m.Generation())
		return models.StatusOf(snap), nil
	}

	if adm := s.guard.TryStart(documentID); !adm.Allowed {
		logCtx.Warn("Processing rejected by the performance guard.", "reason", adm.Reason)
		busy := pipeline.NewError(pipeline.KindServiceBusy,
			"Too many documents are being processed. Please retry shortly.", nil).
			WithDetail("reason", adm.Reason)
		ferr := s.failRun(ctx, logCtx, m, generation, busy)
		return m.Status(), ferr
	}
	defer s.guard.StopProcessing(documentID)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.PipelineTimeout)
	defer cancel()

	start := s.now()
	r := &run{s: s, ctx: runCtx, m: m, gen: generation, logger: logCtx}
	doc, err := r.execute(snap)
	if err != nil {
		if errors.Is(err, pipeline.ErrStaleUpdate) {
			logCtx.Info("Run superseded. Stopping.")
			return m.Status(), nil
		}
		ferr := s.failRun(ctx, logCtx, m, generation, err)
		s.trackRun(documentID, start, nil)
		return m.Status(), ferr
	}

	score := doc.Metadata.QualityScore
	s.trackRun(documentID, start, &score)
	logCtx.Info("Document processing completed.", "qualityScore", score, "textLength", doc.TextLength)
	return models.StatusOf(doc), nil
}

// ProcessUploadedObject starts the current run of the document whose
// source object was just written. Objects outside the document layout and
// documents already past the upload step are ignored. A missing record is
// an error so the event is delivered again.
func (s *DocumentService) ProcessUploadedObject(ctx context.Context, bucket, name string) error {
	logCtx := s.logger.With("bucket", bucket, "object", name)
	id, ok := store.DocumentIDFromObject(name)
	if !ok {
		logCtx.Info("Ignoring object outside the document layout.")
		return nil
	}
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return s.storageError(logCtx, "failed to load document for uploaded object", err)
	}
	if doc.Status != models.StatusUploading {
		logCtx.Info("Document is already past upload. Skipping.", "documentId", id, "status", doc.Status)
		return nil
	}
	_, err = s.ProcessDocument(ctx, id, doc.Generation)
	return err
}

// GetStatus returns the document's processing status from the store.
// Concurrent lookups of the same id share one read.
func (s *DocumentService) GetStatus(ctx context.Context, documentID string) (*models.ProcessingStatus, error) {
	logCtx := s.logger.With("documentId", documentID)
	v, err, _ := s.loads.Do(documentID, func() (interface{}, error) {
		return s.docs.Get(ctx, documentID)
	})
	if err != nil {
		return nil, s.storageError(logCtx, "failed to load document", err)
	}
	return models.StatusOf(v.(*models.Document)), nil
}

// Retry restarts a failed document whose error is retryable and dispatches
// a new run.
func (s *DocumentService) Retry(ctx context.Context, documentID string) (*models.ProcessingStatus, error) {
	logCtx := s.logger.With("documentId", documentID)

	m := s.machineFor(documentID)
	if !s.guard.IsActive(documentID) {
		doc, err := s.docs.Get(ctx, documentID)
		if err != nil {
			s.settle(documentID, m)
			return nil, s.storageError(logCtx, "failed to load document", err)
		}
		m.Load(doc)
	}

	doc, err := m.Retry()
	if err != nil {
		logCtx.Warn("Retry refused.", "error", err)
		s.settle(documentID, m)
		return nil, err
	}
	if err := s.persist(ctx, doc); err != nil {
		return nil, s.failRun(ctx, logCtx, m, doc.Generation, s.storageError(logCtx, "failed to record retry", err))
	}
	logCtx.Info("Retrying document.", "generation", doc.Generation)

	if err := s.dispatcher.Dispatch(ctx, Job{DocumentID: documentID, Generation: doc.Generation}, s); err != nil {
		return nil, s.failRun(ctx, logCtx, m, doc.Generation, err)
	}
	return models.StatusOf(doc), nil
}

// run is one execution of the pipeline stages.
type run struct {
	s      *DocumentService
	ctx    context.Context
	m      *pipeline.Machine
	gen    int64
	logger *slog.Logger
}

func (r *run) execute(doc *models.Document) (*models.Document, error) {
	start := r.s.now()

	if err := r.advance(5, models.StepExtracting, "Downloading document."); err != nil {
		return nil, err
	}
	payload, err := r.s.objects.Get(r.ctx, doc.StorageURL)
	if err != nil {
		return nil, r.s.storageError(r.logger, "failed to download uploaded file", err)
	}

	if err := r.advance(10, models.StepExtracting, "Extracting text."); err != nil {
		return nil, err
	}
	extraction, err := r.s.extractor.Extract(r.ctx, payload, doc.MimeType, int64(len(payload)))
	if err != nil {
		return nil, err
	}
	r.logger.Info("Extracted text.", "pageCount", extraction.PageCount, "chars", len(extraction.Text))

	if err := r.advance(30, models.StepCleaning, "Cleaning extracted text."); err != nil {
		return nil, err
	}
	cleaned, err := r.s.cleaner.Clean(r.ctx, extraction.Text)
	if err != nil {
		return nil, err
	}
	if len(cleaned) < r.s.cfg.MinTextLength {
		return nil, pipeline.NewError(pipeline.KindInsufficientText,
			fmt.Sprintf("The extracted text is too short to generate questions (%d characters, at least %d needed).",
				len(cleaned), r.s.cfg.MinTextLength), nil).
			WithDetail("textLength", fmt.Sprint(len(cleaned))).
			WithDetail("minimum", fmt.Sprint(r.s.cfg.MinTextLength))
	}

	if err := r.advance(60, models.StepCleaning, "Scoring text quality."); err != nil {
		return nil, err
	}
	metrics := pipeline.Score(cleaned, extraction.PageCount, extraction.HasImages)

	if err := r.advance(80, models.StepValidating, "Validating text quality."); err != nil {
		return nil, err
	}
	if !pipeline.IsAcceptable(metrics.ReadabilityScore) {
		return nil, pipeline.NewError(pipeline.KindLowQuality,
			fmt.Sprintf("The text quality score %.1f is below the minimum of %.0f.", metrics.ReadabilityScore, pipeline.AcceptanceThreshold), nil).
			WithDetail("qualityScore", fmt.Sprintf("%.1f", metrics.ReadabilityScore))
	}

	done, err := r.m.Complete(r.gen, pipeline.Completion{
		Text: cleaned,
		Metadata: &models.DocumentMetadata{
			PageCount:            extraction.PageCount,
			QualityScore:         metrics.ReadabilityScore,
			ProcessingDurationMs: r.s.now().Sub(start).Milliseconds(),
			Quality:              &metrics,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := r.s.persist(r.ctx, done); err != nil {
		return nil, r.s.storageError(r.logger, "failed to record completion", err)
	}
	return done, nil
}

func (r *run) advance(progress int, step models.Step, message string) error {
	doc, err := r.m.Advance(r.gen, progress, step, message)
	if err != nil {
		return err
	}
	if err := r.s.persist(r.ctx, doc); err != nil {
		return r.s.storageError(r.logger, "failed to record progress", err)
	}
	r.logger.Debug("Progress recorded.", "progress", progress, "step", doc.CurrentStep)
	return nil
}

// failRun records err as the outcome of the run and returns it classified.
// A failure that cannot be written is logged as CRITICAL.
func (s *DocumentService) failRun(ctx context.Context, logCtx *slog.Logger, m *pipeline.Machine, gen int64, err error) error {
	pe := pipeline.Classify(err)
	doc, ferr := m.Fail(gen, pe)
	if errors.Is(ferr, pipeline.ErrStaleUpdate) {
		logCtx.Info("Run superseded. Dropping its failure.", "kind", pe.Kind)
		return pe
	}
	if ferr != nil {
		return ferr
	}
	if doc == nil {
		return pe
	}
	logCtx.Error("Document processing failed.", "kind", pe.Kind, "error", err)

	// The run's context may be the reason it failed.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if perr := s.persist(pctx, doc); perr != nil {
		logCtx.Error("CRITICAL: Failed to update status to FAILED.", "error", perr)
	}
	s.settle(doc.ID, m)
	return pe
}

// persist writes the document's mutable pipeline fields.
func (s *DocumentService) persist(ctx context.Context, doc *models.Document) error {
	fields := map[string]interface{}{
		models.FieldStatus:       doc.Status,
		models.FieldCurrentStep:  doc.CurrentStep,
		models.FieldMessage:      doc.Message,
		models.FieldProgress:     doc.Progress,
		models.FieldGeneration:   doc.Generation,
		models.FieldErrorMessage: doc.ErrorMessage,
		models.FieldError:        doc.Error,
		models.FieldProcessedAt:  doc.ProcessedAt,
	}
	if doc.Status == models.StatusCompleted {
		fields[models.FieldExtractedText] = doc.ExtractedText
		fields[models.FieldTextLength] = doc.TextLength
		fields[models.FieldMetadata] = doc.Metadata
	}
	return s.docs.Update(ctx, doc.ID, fields)
}

// storageError maps a store failure onto the taxonomy.
func (s *DocumentService) storageError(logCtx *slog.Logger, action string, err error) *pipeline.ProcessingError {
	if errors.Is(err, store.ErrNotFound) {
		logCtx.Warn("Document not found.", "action", action, "error", err)
		return pipeline.NewError(pipeline.KindNotFound, "The document could not be found.", err)
	}
	logCtx.Error("Storage call failed.", "action", action, "error", err)
	pe := pipeline.Classify(err)
	if pe.Kind == pipeline.KindInternal {
		return pipeline.NewError(pipeline.KindStorageFailed, "Document storage is unavailable. Please try again.", fmt.Errorf("%s: %w", action, err))
	}
	return pe
}

func (s *DocumentService) trackRun(documentID string, start time.Time, score *float64) {
	s.guard.TrackMetrics(pipeline.MetricSample{
		Operation:    "process",
		DocumentID:   documentID,
		Duration:     s.now().Sub(start),
		MemoryBytes:  s.guard.MemoryInUse(),
		QualityScore: score,
		At:           s.now(),
	})
}

func (s *DocumentService) machineFor(id string) *pipeline.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines.Get(id)
	if !ok {
		m = pipeline.NewMachine(pipeline.MachineConfig{Logger: s.logger, Now: s.now})
	}
	// Every use pushes the expiry back.
	s.machines.Set(id, m, cache.DefaultExpiration)
	return m.(*pipeline.Machine)
}

func (s *DocumentService) dropMachine(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines.Delete(id)
}

// settle evicts m once its document is idle or terminal and no run of it
// holds a guard slot on this instance.
func (s *DocumentService) settle(id string, m *pipeline.Machine) {
	if s.guard.IsActive(id) {
		return
	}
	if snap := m.Snapshot(); snap != nil && !snap.Status.Terminal() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.machines.Get(id); ok && cur == m {
		s.machines.Delete(id)
	}
}

// machineForRun returns a machine that knows about the requested run,
// reloading the record when another instance started a newer one.
func (s *DocumentService) machineForRun(ctx context.Context, logCtx *slog.Logger, id string, gen int64) (*pipeline.Machine, error) {
	m := s.machineFor(id)
	if m.Snapshot() != nil && gen != 0 && gen <= m.Generation() {
		return m, nil
	}
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		s.settle(id, m)
		return nil, s.storageError(logCtx, "failed to load document", err)
	}
	m.Load(doc)
	return m, nil
}
