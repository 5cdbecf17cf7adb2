package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	// PDFMimeType is the only accepted upload format.
	PDFMimeType = "application/pdf"

	DefaultMaxFileSize       = 10 * 1024 * 1024
	DefaultExtractionTimeout = 30 * time.Second
)

// DecodedPDF is what a PageDecoder produces: one text per page, in order.
type DecodedPDF struct {
	Pages     []string
	PageCount int
	HasImages bool
}

// PageDecoder turns a PDF payload into per-page text. Implementations report
// parser failures as plain errors; the Extractor classifies them.
type PageDecoder interface {
	Decode(ctx context.Context, payload []byte) (*DecodedPDF, error)
}

// ExtractorConfig configures the Extractor.
type ExtractorConfig struct {
	MaxFileSize int64
	Timeout     time.Duration
	Logger      *slog.Logger
}

func (c *ExtractorConfig) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultExtractionTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Extraction is the result of a successful Extract call.
type Extraction struct {
	Text      string
	PageCount int
	HasImages bool
}

// Extractor validates uploads and pulls raw text out of PDF payloads.
// It has no side effects beyond CPU and memory.
type Extractor struct {
	cfg     ExtractorConfig
	decoder PageDecoder
}

// NewExtractor creates an Extractor. A nil decoder selects the PDF decoder.
func NewExtractor(cfg ExtractorConfig, decoder PageDecoder) *Extractor {
	cfg.defaults()
	if decoder == nil {
		decoder = NewPDFDecoder()
	}
	return &Extractor{cfg: cfg, decoder: decoder}
}

// MaxFileSize returns the configured upload limit in bytes.
func (x *Extractor) MaxFileSize() int64 { return x.cfg.MaxFileSize }

// Validate checks the upload preconditions in order: format, emptiness, size.
func (x *Extractor) Validate(mimeType string, size int64) error {
	if mimeType != PDFMimeType {
		return NewError(KindUnsupportedFormat,
			fmt.Sprintf("Unsupported file type %q. Only PDF files are supported.", mimeType), nil).
			WithDetail("mimeType", mimeType)
	}
	if size <= 0 {
		return NewError(KindEmptyOrCorrupted, "The file is empty or corrupted.", nil)
	}
	if size > x.cfg.MaxFileSize {
		limit := formatMB(x.cfg.MaxFileSize)
		return NewError(KindFileTooLarge,
			fmt.Sprintf("File size %s exceeds the %s limit.", formatMB(size), limit), nil).
			WithDetail("limit", limit).
			WithDetail("size", strconv.FormatInt(size, 10))
	}
	return nil
}

// Extract validates the declared upload and decodes its text. Pages are joined
// by newlines and the text runs inside a page by single spaces.
func (x *Extractor) Extract(ctx context.Context, payload []byte, mimeType string, size int64) (*Extraction, error) {
	if err := x.Validate(mimeType, size); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, x.cfg.Timeout)
	defer cancel()

	start := time.Now()
	decoded, err := x.decode(ctx, payload)
	if err != nil {
		return nil, err
	}

	text := strings.Join(decoded.Pages, "\n")
	if strings.TrimSpace(text) == "" {
		return nil, NewError(KindNoExtractableText,
			"No text could be extracted from the PDF. It may contain only images.", nil).
			WithDetail("pageCount", strconv.Itoa(decoded.PageCount))
	}

	pageCount := decoded.PageCount
	if pageCount == 0 {
		pageCount = len(decoded.Pages)
	}
	x.cfg.Logger.Debug("Extracted PDF text.", "pageCount", pageCount, "chars", len(text), "duration", time.Since(start))
	return &Extraction{Text: text, PageCount: pageCount, HasImages: decoded.HasImages}, nil
}

type decodeResult struct {
	pdf *DecodedPDF
	err error
}

// decode runs the decoder so that a stuck parser cannot outlive the timeout.
func (x *Extractor) decode(ctx context.Context, payload []byte) (*DecodedPDF, error) {
	done := make(chan decodeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- decodeResult{err: fmt.Errorf("pdf decoder panic: %v", r)}
			}
		}()
		pdf, err := x.decoder.Decode(ctx, payload)
		done <- decodeResult{pdf: pdf, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, NewError(KindTimeout,
			fmt.Sprintf("Text extraction did not finish within %s.", x.cfg.Timeout), ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, x.decodeError(ctx, res.err)
		}
		if res.pdf == nil {
			return nil, NewError(KindDecodeFailed, decodeMessage(ReasonUnknown), nil).
				WithDetail("reason", ReasonUnknown)
		}
		return res.pdf, nil
	}
}

func (x *Extractor) decodeError(ctx context.Context, err error) error {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout,
			fmt.Sprintf("Text extraction did not finish within %s.", x.cfg.Timeout), err)
	}
	reason := decodeReason(err.Error())
	x.cfg.Logger.Warn("PDF decode failed.", "reason", reason, "error", err)
	return NewError(KindDecodeFailed, decodeMessage(reason), err).WithDetail("reason", reason)
}

func formatMB(n int64) string {
	mb := float64(n) / (1024 * 1024)
	if n%(1024*1024) == 0 {
		return strconv.FormatInt(n/(1024*1024), 10) + "MB"
	}
	return strconv.FormatFloat(mb, 'f', 1, 64) + "MB"
}
