package pipeline

import (
	"errors"
	"fmt"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

// Kind is the taxonomy code of a processing failure.
type Kind string

const (
	KindUnsupportedFormat  Kind = "UNSUPPORTED_FORMAT"
	KindEmptyOrCorrupted   Kind = "EMPTY_OR_CORRUPTED"
	KindFileTooLarge       Kind = "FILE_TOO_LARGE"
	KindDecodeFailed       Kind = "DECODE_FAILED"
	KindNoExtractableText  Kind = "NO_EXTRACTABLE_TEXT"
	KindInsufficientText   Kind = "INSUFFICIENT_TEXT"
	KindLowQuality         Kind = "LOW_QUALITY"
	KindTimeout            Kind = "TIMEOUT"
	KindNetworkError       Kind = "NETWORK_ERROR"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindServiceBusy        Kind = "SERVICE_BUSY"
	KindStorageFailed      Kind = "STORAGE_FAILED"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindInvalidTransition  Kind = "INVALID_TRANSITION"
	KindDocumentNotReady   Kind = "DOCUMENT_NOT_READY"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidOptions     Kind = "INVALID_OPTIONS"
	KindInternal           Kind = "INTERNAL"
)

// Decode failure sub-reasons, stored under Details["reason"].
const (
	ReasonPasswordProtected = "password_protected"
	ReasonEncrypted         = "encrypted"
	ReasonMalformed         = "malformed"
	ReasonUnknown           = "unknown"
)

type kindPolicy struct {
	recoverable bool
	retryable   bool
	guidance    string
}

// Retryable kinds must also be recoverable; newError enforces it.
var policies = map[Kind]kindPolicy{
	KindUnsupportedFormat: {recoverable: true},
	KindEmptyOrCorrupted:  {recoverable: true},
	KindFileTooLarge:      {recoverable: true},
	KindDecodeFailed:      {recoverable: true},
	KindNoExtractableText: {recoverable: true},
	KindInsufficientText:  {recoverable: true},
	KindLowQuality:        {recoverable: true},
	KindTimeout:           {recoverable: true, retryable: true},
	KindNetworkError:      {recoverable: true, retryable: true},
	KindRateLimited:       {recoverable: true, retryable: true},
	KindServiceBusy:       {recoverable: true, retryable: true},
	KindStorageFailed:     {recoverable: true, retryable: true},
	KindQuotaExceeded: {
		guidance: "The question generation quota is exhausted. Check the billing account or wait for the quota to reset.",
	},
	KindInvalidCredentials: {
		guidance: "The question generation service rejected the configured credentials. Check the service account and API configuration.",
	},
	KindInvalidTransition: {},
	KindDocumentNotReady:  {recoverable: true},
	KindNotFound:          {recoverable: true},
	KindInvalidOptions:    {recoverable: true},
	KindInternal:          {},
}

// ProcessingError is the only error type callers of the pipeline observe.
type ProcessingError struct {
	Kind        Kind
	Message     string
	Details     map[string]string
	Recoverable bool
	Retryable   bool
	cause       error
}

func (e *ProcessingError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProcessingError) Unwrap() error { return e.cause }

// Record converts the error into its persisted form.
func (e *ProcessingError) Record() *models.ErrorRecord {
	rec := &models.ErrorRecord{
		Kind:        string(e.Kind),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		Retryable:   e.Retryable,
	}
	if len(e.Details) > 0 {
		rec.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			rec.Details[k] = v
		}
	}
	return rec
}

// NewError builds a ProcessingError whose flags come from the kind's policy.
func NewError(kind Kind, message string, cause error) *ProcessingError {
	p, ok := policies[kind]
	if !ok {
		p = policies[KindInternal]
	}
	e := &ProcessingError{
		Kind:        kind,
		Message:     message,
		Recoverable: p.recoverable || p.retryable,
		Retryable:   p.retryable,
		cause:       cause,
	}
	if p.guidance != "" {
		e.Details = map[string]string{"guidance": p.guidance}
	}
	return e
}

// WithDetail attaches a structured detail and returns e for chaining.
func (e *ProcessingError) WithDetail(key, value string) *ProcessingError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// FromRecord rebuilds a ProcessingError from a persisted record.
func FromRecord(rec *models.ErrorRecord) *ProcessingError {
	if rec == nil {
		return nil
	}
	e := &ProcessingError{
		Kind:        Kind(rec.Kind),
		Message:     rec.Message,
		Recoverable: rec.Recoverable || rec.Retryable,
		Retryable:   rec.Retryable,
	}
	for k, v := range rec.Details {
		e.WithDetail(k, v)
	}
	return e
}

// IsKind reports whether err is a ProcessingError of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *ProcessingError
	return errors.As(err, &pe) && pe.Kind == kind
}

// ErrStaleUpdate is returned by state-machine calls that reference a pipeline
// run which has since been failed, reset or restarted. Callers should stop
// their run quietly.
var ErrStaleUpdate = errors.New("stale pipeline update")
