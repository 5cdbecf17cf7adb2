package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/quizdocflow/internal/config"
	"github.com/Lllllllleong/quizdocflow/internal/gcp"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
	"github.com/Lllllllleong/quizdocflow/internal/questions"
	"github.com/Lllllllleong/quizdocflow/internal/store"
)

// App is a DocumentService together with the clients it owns.
type App struct {
	Service    *DocumentService
	Dispatcher Dispatcher
	closers    []func() error
}

// Close releases every client opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until in-process background runs have finished.
func (a *App) Wait() {
	if d, ok := a.Dispatcher.(*GoroutineDispatcher); ok {
		d.Wait()
	}
}

// Build creates the clients and stores named by cfg and wires them into a
// DocumentService. Question generation is only enabled when a project is set.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{}
	fail := func(err error) (*App, error) {
		_ = app.Close()
		return nil, err
	}

	var docs store.DocumentStore
	switch cfg.RecordBackend {
	case config.BackendFirestore:
		client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, client.Close)
		docs = store.NewFirestoreDocuments(client, cfg.FirestoreCollection)
	default:
		docs = store.NewMemoryDocuments()
	}

	var objects store.ObjectStore
	switch cfg.StorageBackend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fail(fmt.Errorf("failed to create storage client: %w", err))
		}
		app.closers = append(app.closers, client.Close)
		objects = store.NewGCSObjects(client, cfg.UploadsBucket)
	case config.BackendMinIO:
		minioStore, err := store.NewMinIOObjects(ctx, store.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    cfg.MinIO.Region,
			Bucket:    cfg.UploadsBucket,
		})
		if err != nil {
			return fail(err)
		}
		objects = minioStore
	default:
		objects = store.NewMemoryObjects()
	}

	switch cfg.DispatchMode {
	case config.DispatchWorkflow:
		client, err := gcp.NewExecutionsClient(ctx)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, client.Close)
		app.Dispatcher = NewWorkflowDispatcher(client, gcp.WorkflowParent(cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID), logger)
	case config.DispatchInline:
		app.Dispatcher = NewInlineDispatcher(logger)
	case config.DispatchEvent:
		app.Dispatcher = NewEventDispatcher(logger)
	default:
		app.Dispatcher = NewGoroutineDispatcher(logger)
	}

	var generator questions.Generator
	if cfg.ProjectID != "" {
		vertexClient, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexRegion, cfg.VertexModel)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, vertexClient.Close)
		generator = questions.NewVertexGenerator(vertexClient, logger)
	} else {
		logger.Warn("PROJECT_ID is not set. Question generation is disabled.")
	}

	svc, err := NewDocumentService(Config{
		MinTextLength:    cfg.MinTextLength,
		PipelineTimeout:  cfg.PipelineTimeout,
		QuestionCacheTTL: cfg.QuestionCacheTTL,
		Retry: pipeline.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			Logger:      logger,
		},
	}, Deps{
		Documents:  docs,
		Objects:    objects,
		Dispatcher: app.Dispatcher,
		Extractor: pipeline.NewExtractor(pipeline.ExtractorConfig{
			MaxFileSize: cfg.MaxFileSize(),
			Timeout:     cfg.ExtractionTimeout,
			Logger:      logger,
		}, nil),
		Cleaner: pipeline.NewCleaner(pipeline.CleanerConfig{
			ChunkSize:      cfg.ChunkSize,
			ChunkThreshold: int64(cfg.ChunkThresholdMB) << 20,
		}),
		Guard: pipeline.NewGuard(pipeline.GuardConfig{
			MaxConcurrent: cfg.MaxConcurrent,
			MaxMemory:     uint64(cfg.MaxMemoryMB) << 20,
			WindowSize:    cfg.MetricsWindow,
			MaxAge:        cfg.MetricsMaxAge,
			WarnMemory:    uint64(cfg.WarnMemoryMB) << 20,
			WarnDuration:  cfg.WarnDuration,
			WarnQuality:   cfg.WarnQuality,
			Logger:        logger,
		}),
		Generator: generator,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	app.Service = svc
	logger.Info("Document service initialized.",
		"recordBackend", cfg.RecordBackend,
		"storageBackend", cfg.StorageBackend,
		"dispatchMode", cfg.DispatchMode,
	)
	return app, nil
}
