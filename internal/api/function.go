package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Lllllllleong/quizdocflow/internal/config"
	"github.com/Lllllllleong/quizdocflow/internal/services"
)

// Function lazily builds the document service for a Cloud Function
// instance. The first invocation pays for client creation; a failed build
// is reported on every later call.
type Function struct {
	once     sync.Once
	app      *services.App
	handlers *Handlers
	initErr  error
}

// Init builds the service from the environment on first use.
func (f *Function) Init(ctx context.Context) (*services.App, *Handlers, error) {
	f.once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			f.initErr = fmt.Errorf("load config: %w", err)
			return
		}
		logger := slog.Default()
		f.app, err = services.Build(context.WithoutCancel(ctx), cfg, logger)
		if err != nil {
			f.initErr = err
			return
		}
		f.handlers = NewHandlers(f.app.Service, cfg.MaxFileSize(), logger)
	})
	return f.app, f.handlers, f.initErr
}

// HTTP wraps pick so it runs against the lazily built handlers.
func (f *Function) HTTP(pick func(*Handlers) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, h, err := f.Init(r.Context())
		if err != nil {
			slog.Error("CRITICAL: Document service initialization failed.", "error", err)
			http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
			return
		}
		pick(h)(w, r)
	}
}
