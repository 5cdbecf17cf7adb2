package models

import (
	"fmt"
	"time"
)

// UploadStatus is the coarse lifecycle state of a document record.
type UploadStatus string

const (
	StatusUploading  UploadStatus = "uploading"
	StatusProcessing UploadStatus = "processing"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
)

// Terminal reports whether no further pipeline transitions are expected.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step is the fine-grained stage shown while a document is processing.
type Step string

const (
	StepUploading  Step = "uploading"
	StepExtracting Step = "extracting"
	StepCleaning   Step = "cleaning"
	StepValidating Step = "validating"
	StepCompleted  Step = "completed"
)

// StepForProgress maps a progress percentage onto its processing band.
func StepForProgress(progress int) Step {
	switch {
	case progress >= 100:
		return StepCompleted
	case progress >= 80:
		return StepValidating
	case progress >= 30:
		return StepCleaning
	default:
		return StepExtracting
	}
}

// Document is the record for one uploaded PDF in the document store.
// The binary payload itself lives in the object store and is referenced by StorageURL.
type Document struct {
	ID            string            `firestore:"-" json:"id"`
	Filename      string            `firestore:"filename" json:"filename"`
	MimeType      string            `firestore:"mimeType" json:"mimeType"`
	FileSize      int64             `firestore:"fileSize" json:"fileSize"`
	FileHash      string            `firestore:"fileHash,omitempty" json:"fileHash,omitempty"`
	StorageURL    string            `firestore:"storageUrl,omitempty" json:"storageUrl,omitempty"`
	Status        UploadStatus      `firestore:"status" json:"status"`
	CurrentStep   Step              `firestore:"currentStep,omitempty" json:"currentStep,omitempty"`
	Message       string            `firestore:"message,omitempty" json:"message,omitempty"`
	Progress      int               `firestore:"processingProgress" json:"processingProgress"`
	Generation    int64             `firestore:"generation" json:"generation"`
	ExtractedText string            `firestore:"extractedText,omitempty" json:"extractedText,omitempty"`
	TextLength    int               `firestore:"textLength" json:"textLength"`
	ErrorMessage  string            `firestore:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	Error         *ErrorRecord      `firestore:"error,omitempty" json:"error,omitempty"`
	Metadata      *DocumentMetadata `firestore:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt     time.Time         `firestore:"createdAt" json:"createdAt"`
	ProcessedAt   *time.Time        `firestore:"processedAt,omitempty" json:"processedAt,omitempty"`
}

// DocumentMetadata is filled in once extraction and scoring succeed.
type DocumentMetadata struct {
	PageCount            int                 `firestore:"pageCount" json:"pageCount"`
	QualityScore         float64             `firestore:"qualityScore" json:"qualityScore"`
	ProcessingDurationMs int64               `firestore:"processingDurationMs" json:"processingDurationMs"`
	Quality              *TextQualityMetrics `firestore:"quality,omitempty" json:"quality,omitempty"`
}

// ErrorRecord is the persisted, JSON-friendly form of a classified processing error.
type ErrorRecord struct {
	Kind        string            `firestore:"kind" json:"kind"`
	Message     string            `firestore:"message" json:"message"`
	Details     map[string]string `firestore:"details,omitempty" json:"details,omitempty"`
	Recoverable bool              `firestore:"recoverable" json:"recoverable"`
	Retryable   bool              `firestore:"retryable" json:"retryable"`
}

// TextQualityMetrics describes how usable a cleaned text is for question generation.
type TextQualityMetrics struct {
	WordCount               int     `firestore:"wordCount" json:"wordCount"`
	SentenceCount           int     `firestore:"sentenceCount" json:"sentenceCount"`
	AverageWordsPerSentence float64 `firestore:"averageWordsPerSentence" json:"averageWordsPerSentence"`
	ReadabilityScore        float64 `firestore:"readabilityScore" json:"readabilityScore"`
	TextDensity             float64 `firestore:"textDensity" json:"textDensity"`
	HasImages               bool    `firestore:"hasImages" json:"hasImages"`
}

// Field paths used for partial updates. They match the firestore tags above.
const (
	FieldStatus        = "status"
	FieldCurrentStep   = "currentStep"
	FieldMessage       = "message"
	FieldProgress      = "processingProgress"
	FieldGeneration    = "generation"
	FieldExtractedText = "extractedText"
	FieldTextLength    = "textLength"
	FieldErrorMessage  = "errorMessage"
	FieldError         = "error"
	FieldMetadata      = "metadata"
	FieldProcessedAt   = "processedAt"
	FieldStorageURL    = "storageUrl"
)

// Apply sets the named fields on d. It is the in-memory counterpart of a
// Firestore partial update and rejects unknown paths or mistyped values.
func (d *Document) Apply(fields map[string]interface{}) error {
	for path, value := range fields {
		var ok bool
		switch path {
		case FieldStatus:
			d.Status, ok = value.(UploadStatus)
		case FieldCurrentStep:
			d.CurrentStep, ok = value.(Step)
		case FieldMessage:
			d.Message, ok = value.(string)
		case FieldProgress:
			d.Progress, ok = value.(int)
		case FieldGeneration:
			d.Generation, ok = value.(int64)
		case FieldExtractedText:
			d.ExtractedText, ok = value.(string)
		case FieldTextLength:
			d.TextLength, ok = value.(int)
		case FieldErrorMessage:
			d.ErrorMessage, ok = value.(string)
		case FieldStorageURL:
			d.StorageURL, ok = value.(string)
		case FieldError:
			if value == nil {
				d.Error, ok = nil, true
			} else {
				d.Error, ok = value.(*ErrorRecord)
			}
		case FieldMetadata:
			if value == nil {
				d.Metadata, ok = nil, true
			} else {
				d.Metadata, ok = value.(*DocumentMetadata)
			}
		case FieldProcessedAt:
			if value == nil {
				d.ProcessedAt, ok = nil, true
			} else {
				d.ProcessedAt, ok = value.(*time.Time)
			}
		default:
			return fmt.Errorf("unknown document field %q", path)
		}
		if !ok {
			return fmt.Errorf("field %q: unexpected value type %T", path, value)
		}
	}
	return nil
}

// ProcessingStatus is the caller-facing projection of a document's pipeline state.
// It is recomputed on every transition and never stored on its own.
// CanRetry reports a recoverable error the user can act on, possibly by
// uploading a different file. RetryAllowed reports that Retry will accept
// the same document again.
type ProcessingStatus struct {
	DocumentID   string       `json:"documentId"`
	Status       UploadStatus `json:"status"`
	Progress     int          `json:"progress"`
	CurrentStep  Step         `json:"currentStep"`
	Message      string       `json:"message"`
	Error        *ErrorRecord `json:"error,omitempty"`
	CanRetry     bool         `json:"canRetry"`
	RetryAllowed bool         `json:"retryAllowed"`
	QualityScore *float64     `json:"qualityScore,omitempty"`
}

// StatusOf projects a document record into a ProcessingStatus.
func StatusOf(d *Document) *ProcessingStatus {
	st := &ProcessingStatus{
		DocumentID:  d.ID,
		Status:      d.Status,
		Progress:    d.Progress,
		CurrentStep: d.CurrentStep,
		Message:     d.Message,
	}
	if st.CurrentStep == "" {
		st.CurrentStep = StepUploading
		if d.Status == StatusProcessing {
			st.CurrentStep = StepForProgress(d.Progress)
		}
	}
	if d.Error != nil {
		e := *d.Error
		st.Error = &e
		st.CanRetry = e.Recoverable
		st.RetryAllowed = d.Status == StatusFailed && e.Retryable
	}
	if d.Metadata != nil && d.Status == StatusCompleted {
		score := d.Metadata.QualityScore
		st.QualityScore = &score
	}
	return st
}
