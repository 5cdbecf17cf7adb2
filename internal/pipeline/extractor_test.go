package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDecoder struct {
	pdf   *DecodedPDF
	err   error
	block bool
	panic bool
	calls atomic.Int32
}

func (f *fakeDecoder) Decode(ctx context.Context, _ []byte) (*DecodedPDF, error) {
	f.calls.Add(1)
	if f.panic {
		panic("parser exploded")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.pdf, f.err
}

func requireKind(t *testing.T, err error, kind Kind) *ProcessingError {
	t.Helper()
	require.Error(t, err)
	var pe *ProcessingError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, kind, pe.Kind, "error: %v", err)
	return pe
}

func TestExtractValidation(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		size     int64
		want     Kind
	}{
		{"wrong format wins over empty", "text/plain", 0, KindUnsupportedFormat},
		{"empty pdf", PDFMimeType, 0, KindEmptyOrCorrupted},
		{"negative size", PDFMimeType, -1, KindEmptyOrCorrupted},
		{"too large", PDFMimeType, 11 * 1024 * 1024, KindFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &fakeDecoder{pdf: &DecodedPDF{Pages: []string{"text"}}}
			x := NewExtractor(ExtractorConfig{}, dec)

			_, err := x.Extract(context.Background(), nil, tt.mimeType, tt.size)
			requireKind(t, err, tt.want)
			assert.Zero(t, dec.calls.Load(), "decoder must not run when validation fails")
		})
	}
}

func TestExtractTooLargeMessage(t *testing.T) {
	x := NewExtractor(ExtractorConfig{}, &fakeDecoder{})
	_, err := x.Extract(context.Background(), nil, PDFMimeType, 11*1024*1024)
	pe := requireKind(t, err, KindFileTooLarge)
	assert.Contains(t, pe.Message, "10MB")
	assert.Equal(t, "10MB", pe.Details["limit"])
	assert.True(t, pe.Recoverable)
	assert.False(t, pe.Retryable)
}

func TestExtractAtLimitIsAccepted(t *testing.T) {
	dec := &fakeDecoder{pdf: &DecodedPDF{Pages: []string{"ok"}, PageCount: 1}}
	x := NewExtractor(ExtractorConfig{}, dec)
	_, err := x.Extract(context.Background(), nil, PDFMimeType, DefaultMaxFileSize)
	require.NoError(t, err)
}

func TestExtractJoinsPages(t *testing.T) {
	dec := &fakeDecoder{pdf: &DecodedPDF{
		Pages:     []string{"page one text", "page two text"},
		PageCount: 2,
		HasImages: true,
	}}
	x := NewExtractor(ExtractorConfig{}, dec)

	got, err := x.Extract(context.Background(), []byte("%PDF"), PDFMimeType, 4)
	require.NoError(t, err)
	assert.Equal(t, "page one text\npage two text", got.Text)
	assert.Equal(t, 2, got.PageCount)
	assert.True(t, got.HasImages)
}

func TestExtractNoText(t *testing.T) {
	dec := &fakeDecoder{pdf: &DecodedPDF{Pages: []string{"", "  "}, PageCount: 2, HasImages: true}}
	x := NewExtractor(ExtractorConfig{}, dec)

	_, err := x.Extract(context.Background(), []byte("%PDF"), PDFMimeType, 4)
	pe := requireKind(t, err, KindNoExtractableText)
	assert.Equal(t, "2", pe.Details["pageCount"])
}

func TestExtractDecodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		dec    *fakeDecoder
		reason string
	}{
		{"password", &fakeDecoder{err: errors.New("pdfcpu read: please provide the correct password")}, ReasonPasswordProtected},
		{"encrypted", &fakeDecoder{err: errors.New("pdfcpu read: file is encrypted")}, ReasonEncrypted},
		{"malformed", &fakeDecoder{err: errors.New("pdfcpu read: corrupt xref section")}, ReasonMalformed},
		{"unknown", &fakeDecoder{err: errors.New("weird")}, ReasonUnknown},
		{"panic", &fakeDecoder{panic: true}, ReasonUnknown},
		{"nil result", &fakeDecoder{}, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := NewExtractor(ExtractorConfig{}, tt.dec)
			_, err := x.Extract(context.Background(), []byte("%PDF"), PDFMimeType, 4)
			pe := requireKind(t, err, KindDecodeFailed)
			assert.Equal(t, tt.reason, pe.Details["reason"])
			assert.True(t, pe.Recoverable)
		})
	}
}

func TestExtractTimeout(t *testing.T) {
	x := NewExtractor(ExtractorConfig{Timeout: 20 * time.Millisecond}, &fakeDecoder{block: true})

	start := time.Now()
	_, err := x.Extract(context.Background(), []byte("%PDF"), PDFMimeType, 4)
	pe := requireKind(t, err, KindTimeout)
	assert.True(t, pe.Retryable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExtractRealPDF(t *testing.T) {
	raw := buildTextPDF("Hello World from the extractor test")
	x := NewExtractor(ExtractorConfig{}, nil)

	got, err := x.Extract(context.Background(), raw, PDFMimeType, int64(len(raw)))
	require.NoError(t, err)
	assert.Equal(t, 1, got.PageCount)
	assert.Contains(t, got.Text, "Hello World")
	assert.False(t, got.HasImages)
}

func TestExtractGarbageIsDecodeFailure(t *testing.T) {
	raw := []byte("this is not a pdf document at all")
	x := NewExtractor(ExtractorConfig{}, nil)

	_, err := x.Extract(context.Background(), raw, PDFMimeType, int64(len(raw)))
	requireKind(t, err, KindDecodeFailed)
}

func TestTextRuns(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"tj", "BT /F1 12 Tf 72 720 Td (Hello) Tj ET", []string{"Hello"}},
		{"tj array", "BT [(Wor) -20 (ld)] TJ ET", []string{"World"}},
		{"hex", "BT <48656C6C6F> Tj ET", []string{"Hello"}},
		{"escapes", `BT (a\(b\)c) Tj (\101) Tj ET`, []string{"a(b)c", "A"}},
		{"nested parens", "BT (f(x)) Tj ET", []string{"f(x)"}},
		{"ignores dicts and comments", "<< /Length 3 >> % (skip) Tj\nBT (x) Tj ET", []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, textRuns([]byte(tt.content)))
		})
	}
}

// buildTextPDF creates a one-page PDF with correct xref offsets.
func buildTextPDF(text string) []byte {
	escaped := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(text)
	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escaped + ") Tj\nET"

	var b strings.Builder
	offsets := make([]int, 6)
	b.WriteString("%PDF-1.4\n")

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n")
	offsets[4] = b.Len()
	b.WriteString("4 0 obj\n<< /Length " + strconv.Itoa(len(stream)) + " >>\nstream\n" + stream + "\nendstream\nendobj\n")
	offsets[5] = b.Len()
	b.WriteString("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xref := b.Len()
	b.WriteString("xref\n0 6\n0000000000 65535 f \n")
	for i := 1; i <= 5; i++ {
		b.WriteString(padOffset(offsets[i]) + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n" + strconv.Itoa(xref) + "\n%%EOF\n")
	return []byte(b.String())
}

func padOffset(n int) string {
	s := strconv.Itoa(n)
	return strings.Repeat("0", 10-len(s)) + s
}
