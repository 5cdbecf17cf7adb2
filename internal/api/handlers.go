// Package api exposes the document service over plain net/http. The same
// handlers back the Cloud Functions and the local dev server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
	"github.com/Lllllllleong/quizdocflow/internal/services"
)

// formOverhead is the allowance for multipart headers on top of the file.
const formOverhead = 1 << 20

// Service is the part of services.DocumentService the handlers call.
type Service interface {
	UploadAndProcess(ctx context.Context, up services.Upload) (string, error)
	GetStatus(ctx context.Context, documentID string) (*models.ProcessingStatus, error)
	Retry(ctx context.Context, documentID string) (*models.ProcessingStatus, error)
	ProcessDocument(ctx context.Context, documentID string, generation int64) (*models.ProcessingStatus, error)
	GenerateQuestions(ctx context.Context, documentID string, opts models.QuestionOptions) ([]models.Question, error)
}

// Handlers serves the document operations.
type Handlers struct {
	svc         Service
	maxFileSize int64
	logger      *slog.Logger
}

// NewHandlers creates Handlers. maxFileSize bounds the upload body.
func NewHandlers(svc Service, maxFileSize int64, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFileSize <= 0 {
		maxFileSize = pipeline.DefaultMaxFileSize
	}
	return &Handlers{svc: svc, maxFileSize: maxFileSize, logger: logger}
}

// Routes mounts every handler on a new mux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /documents", h.Upload)
	mux.HandleFunc("GET /documents/status", h.Status)
	mux.HandleFunc("POST /documents/retry", h.Retry)
	mux.HandleFunc("POST /documents/process", h.Process)
	mux.HandleFunc("POST /questions", h.GenerateQuestions)
	return mux
}

// Upload accepts a multipart form with the PDF in the "file" field.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+formOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, pipeline.NewError(pipeline.KindFileTooLarge,
				fmt.Sprintf("File exceeds the %dMB limit.", h.maxFileSize>>20), err))
			return
		}
		h.logger.Warn("Could not read upload form.", "error", err)
		http.Error(w, "Bad Request: expected a multipart form with a file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("Failed to read uploaded file.", "error", err)
		http.Error(w, "Bad Request: could not read file", http.StatusBadRequest)
		return
	}

	id, err := h.svc.UploadAndProcess(r.Context(), services.Upload{
		Filename: header.Filename,
		MimeType: uploadMimeType(header.Header.Get("Content-Type"), data),
		Data:     data,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, models.UploadResponse{DocumentID: id, Status: string(models.StatusUploading)})
}

// Status returns the processing status of ?documentId=.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("documentId")
	if id == "" {
		http.Error(w, "Bad Request: documentId is required", http.StatusBadRequest)
		return
	}
	st, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// Retry restarts a failed document.
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req models.RetryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DocumentID == "" {
		http.Error(w, "Bad Request: documentId is required", http.StatusBadRequest)
		return
	}
	st, err := h.svc.Retry(r.Context(), req.DocumentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, st)
}

// Process runs the pipeline for one run, as called by the workflow step. A
// failure that was recorded on the document is reported in the body with a
// 200 so the workflow does not repeat the run.
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req models.ProcessDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DocumentID == "" {
		http.Error(w, "Bad Request: documentId is required", http.StatusBadRequest)
		return
	}
	logCtx := h.logger.With("documentId", req.DocumentID, "executionId", req.ExecutionID)
	st, err := h.svc.ProcessDocument(r.Context(), req.DocumentID, req.Generation)
	if st == nil {
		h.writeError(w, err)
		return
	}
	if err != nil {
		logCtx.Info("Run ended with a recorded failure.", "error", err)
	}
	h.writeJSON(w, http.StatusOK, models.ProcessDocumentResponse{Status: string(st.Status), Processing: st})
}

// GenerateQuestions returns quiz questions for a completed document.
func (h *Handlers) GenerateQuestions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req models.GenerateQuestionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DocumentID == "" {
		http.Error(w, "Bad Request: documentId is required", http.StatusBadRequest)
		return
	}
	qs, err := h.svc.GenerateQuestions(r.Context(), req.DocumentID, req.Options)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, models.GenerateQuestionsResponse{DocumentID: req.DocumentID, Questions: qs})
}

// StatusCode maps an error kind onto an HTTP status.
func StatusCode(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindEmptyOrCorrupted, pipeline.KindInvalidOptions:
		return http.StatusBadRequest
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindDocumentNotReady, pipeline.KindInvalidTransition:
		return http.StatusConflict
	case pipeline.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case pipeline.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case pipeline.KindDecodeFailed, pipeline.KindNoExtractableText,
		pipeline.KindInsufficientText, pipeline.KindLowQuality:
		return http.StatusUnprocessableEntity
	case pipeline.KindRateLimited, pipeline.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case pipeline.KindServiceBusy, pipeline.KindStorageFailed:
		return http.StatusServiceUnavailable
	case pipeline.KindNetworkError, pipeline.KindInvalidCredentials:
		return http.StatusBadGateway
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	pe := pipeline.Classify(err)
	if pe == nil {
		pe = pipeline.NewError(pipeline.KindInternal, "An unexpected error occurred.", nil)
	}
	code := StatusCode(pe.Kind)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed.", "kind", pe.Kind, "error", err)
	}
	h.writeJSON(w, code, models.ErrorResponse{Error: pe.Record()})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write response.", "error", err)
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Warn("Could not decode request body.", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	return false
}

// uploadMimeType prefers the part's declared type and sniffs the content
// when the client sent none.
func uploadMimeType(declared string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
			return mediaType
		}
		return declared
	}
	if len(data) == 0 {
		return pipeline.PDFMimeType
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mediaType
}
