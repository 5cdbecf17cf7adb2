package main

import (
	"log/slog"
	"net/http"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/quizdocflow/internal/api"
	"github.com/Lllllllleong/quizdocflow/internal/config"
)

var fn api.Function

func init() {
	slog.SetDefault(config.FunctionLogger())

	functions.HTTP("HandleStatus", fn.HTTP(func(h *api.Handlers) http.HandlerFunc { return h.Status }))
	functions.HTTP("HandleRetry", fn.HTTP(func(h *api.Handlers) http.HandlerFunc { return h.Retry }))
}

// main is required by the Go Functions Framework.
func main() {}
