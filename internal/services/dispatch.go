package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

// Job identifies one pipeline run.
type Job struct {
	DocumentID string
	Generation int64
}

// Runner executes a pipeline run. DocumentService implements it.
type Runner interface {
	ProcessDocument(ctx context.Context, documentID string, generation int64) (*models.ProcessingStatus, error)
}

// Dispatcher hands a run off for background execution. A nil error means
// the run was accepted, not that it succeeded.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job, runner Runner) error
}

// GoroutineDispatcher runs each job in its own goroutine in this process.
type GoroutineDispatcher struct {
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewGoroutineDispatcher creates a GoroutineDispatcher.
func NewGoroutineDispatcher(logger *slog.Logger) *GoroutineDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoroutineDispatcher{logger: logger}
}

func (d *GoroutineDispatcher) Dispatch(ctx context.Context, job Job, runner Runner) error {
	// The run outlives the request that started it.
	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := runner.ProcessDocument(bg, job.DocumentID, job.Generation); err != nil {
			d.logger.Warn("Background run finished with an error.", "documentId", job.DocumentID, "generation", job.Generation, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *GoroutineDispatcher) Wait() {
	d.wg.Wait()
}

// InlineDispatcher runs the job before Dispatch returns.
type InlineDispatcher struct {
	logger *slog.Logger
}

// NewInlineDispatcher creates an InlineDispatcher.
func NewInlineDispatcher(logger *slog.Logger) *InlineDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InlineDispatcher{logger: logger}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, job Job, runner Runner) error {
	// Failures are already recorded on the document.
	if _, err := runner.ProcessDocument(ctx, job.DocumentID, job.Generation); err != nil {
		d.logger.Info("Inline run finished with an error.", "documentId", job.DocumentID, "error", err)
	}
	return nil
}

// executionCreator is the part of the Workflows executions client we use.
type executionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowDispatcher starts a Cloud Workflows execution whose step calls the
// ProcessDocument function.
type WorkflowDispatcher struct {
	client executionCreator
	parent string
	logger *slog.Logger
}

// NewWorkflowDispatcher creates a WorkflowDispatcher for the workflow
// resource name parent (see gcp.WorkflowParent).
func NewWorkflowDispatcher(client *executions.Client, parent string, logger *slog.Logger) *WorkflowDispatcher {
	return newWorkflowDispatcher(client, parent, logger)
}

func newWorkflowDispatcher(client executionCreator, parent string, logger *slog.Logger) *WorkflowDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowDispatcher{client: client, parent: parent, logger: logger}
}

func (d *WorkflowDispatcher) Dispatch(ctx context.Context, job Job, _ Runner) error {
	logCtx := d.logger.With("documentId", job.DocumentID, "generation", job.Generation)
	logCtx.Info("Triggering workflow.", "workflow", d.parent)

	payloadBytes, err := json.Marshal(models.ProcessDocumentRequest{
		DocumentID: job.DocumentID,
		Generation: job.Generation,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: d.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := d.client.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	logCtx.Info("Workflow execution started.", "execution", exec.GetName())
	return nil
}

// EventDispatcher does nothing; the storage finalize event for the uploaded
// object starts the run through ProcessUploadedObject.
type EventDispatcher struct {
	logger *slog.Logger
}

// NewEventDispatcher creates an EventDispatcher.
func NewEventDispatcher(logger *slog.Logger) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDispatcher{logger: logger}
}

func (d *EventDispatcher) Dispatch(_ context.Context, job Job, _ Runner) error {
	d.logger.Debug("Waiting for the storage event to start processing.", "documentId", job.DocumentID)
	return nil
}
