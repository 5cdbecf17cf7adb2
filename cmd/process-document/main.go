package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/quizdocflow/internal/api"
	"github.com/Lllllllleong/quizdocflow/internal/config"
	"github.com/Lllllllleong/quizdocflow/internal/models"
)

var fn api.Function

func init() {
	slog.SetDefault(config.FunctionLogger())

	// Called by the workflow step.
	functions.HTTP("ProcessDocument", fn.HTTP(func(h *api.Handlers) http.HandlerFunc { return h.Process }))
	// Triggered by object finalize on the uploads bucket when DISPATCH_MODE=event.
	functions.CloudEvent("ProcessUploadedObject", processUploadedObject)
}

// main is required by the Go Functions Framework.
func main() {}

func processUploadedObject(ctx context.Context, e cloudevents.Event) error {
	app, _, err := fn.Init(ctx)
	if err != nil {
		slog.Error("CRITICAL: Document service initialization failed.", "error", err)
		return err
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data.", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// A returned error makes the trigger redeliver the event.
	return app.Service.ProcessUploadedObject(ctx, gcsEvent.Bucket, gcsEvent.Name)
}
