package models

// These structs define the JSON payloads exchanged between the browser, the
// Cloud Workflow and the HTTP functions.

// UploadResponse is returned by the upload function.
type UploadResponse struct {
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
}

// ProcessDocumentRequest is the input for the process-document function,
// sent by the workflow step.
type ProcessDocumentRequest struct {
	DocumentID  string `json:"documentId"`
	Generation  int64  `json:"generation"`
	ExecutionID string `json:"executionId,omitempty"`
}

// ProcessDocumentResponse is the output of the process-document function.
type ProcessDocumentResponse struct {
	Status     string            `json:"status"`
	Processing *ProcessingStatus `json:"processing,omitempty"`
}

// RetryRequest asks for a failed document to be processed again.
type RetryRequest struct {
	DocumentID string `json:"documentId"`
}

// GenerateQuestionsRequest is the input for the generate-questions function.
type GenerateQuestionsRequest struct {
	DocumentID string          `json:"documentId"`
	Options    QuestionOptions `json:"options"`
}

// GenerateQuestionsResponse is the output of the generate-questions function.
type GenerateQuestionsResponse struct {
	DocumentID string     `json:"documentId"`
	Questions  []Question `json:"questions"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error *ErrorRecord `json:"error"`
}

// GCSEvent is the data of a Cloud Storage object-finalized CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}
