package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// PDFDecoder validates a payload with pdfcpu, then reads page text with
// ledongthuc/pdf, which understands font encodings. Pages that reader cannot
// handle fall back to scanning the pdfcpu content stream for text operators.
type PDFDecoder struct{}

// NewPDFDecoder returns the default PageDecoder.
func NewPDFDecoder() *PDFDecoder { return &PDFDecoder{} }

// Decode implements PageDecoder.
func (d *PDFDecoder) Decode(ctx context.Context, payload []byte) (*DecodedPDF, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(payload), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	// A reader failure is not fatal: pdfcpu already accepted the structure.
	reader, readerErr := openTextReader(payload)

	out := &DecodedPDF{
		PageCount: pctx.PageCount,
		HasImages: detectImageStreams(pctx),
		Pages:     make([]string, 0, pctx.PageCount),
	}
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var text string
		if readerErr == nil {
			text = readerPageText(reader, pageNr)
		}
		if text == "" {
			text = streamPageText(pctx, pageNr)
		}
		out.Pages = append(out.Pages, text)
	}
	return out, nil
}

func openTextReader(payload []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pdf reader: %v", rec)
		}
	}()
	return pdf.NewReader(bytes.NewReader(payload), int64(len(payload)))
}

// readerPageText returns the page's text runs joined by single spaces.
func readerPageText(r *pdf.Reader, pageNr int) (text string) {
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
		}
	}()
	if pageNr > r.NumPage() {
		return ""
	}
	page := r.Page(pageNr)
	if page.V.IsNull() {
		return ""
	}
	plain, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return joinRuns(strings.Split(plain, "\n"))
}

// streamPageText scans the decoded content stream of one page.
func streamPageText(pctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return joinRuns(textRuns(data))
}

func joinRuns(runs []string) string {
	parts := make([]string, 0, len(runs))
	for _, run := range runs {
		if run = strings.TrimSpace(run); run != "" {
			parts = append(parts, run)
		}
	}
	return strings.Join(parts, " ")
}

// detectImageStreams reports whether the document carries image XObjects.
func detectImageStreams(pctx *model.Context) bool {
	if pctx.Optimize != nil {
		for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(pctx, pageNr)) > 0 {
				return true
			}
		}
	}
	for _, entry := range pctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

// textRuns collects the strings shown by Tj, TJ, ' and " operators. The
// pieces of one TJ array form a single run.
func textRuns(content []byte) []string {
	var (
		runs    []string
		pending []string
	)
	flush := func() {
		if len(pending) > 0 {
			runs = append(runs, strings.Join(pending, ""))
		}
		pending = pending[:0]
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '(':
			s, next := readLiteral(content, i)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(content) && content[i+1] == '<':
			i += 2
		case c == '<':
			s, next := readHex(content, i)
			pending = append(pending, s)
			i = next
		case c == '%':
			for i < len(content) && content[i] != '\n' && content[i] != '\r' {
				i++
			}
		case isOperatorByte(c):
			start := i
			for i < len(content) && isOperatorByte(content[i]) {
				i++
			}
			switch string(content[start:i]) {
			case "Tj", "TJ", "'", "\"":
				flush()
			default:
				if !isNumberToken(content[start:i]) {
					pending = pending[:0]
				}
			}
		default:
			i++
		}
	}
	return runs
}

func isOperatorByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '*' || c == '\'' || c == '"' ||
		(c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+'
}

func isNumberToken(tok []byte) bool {
	for _, c := range tok {
		if !((c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+') {
			return false
		}
	}
	return true
}

// readLiteral decodes a (...) string starting at content[start] == '('.
func readLiteral(content []byte, start int) (string, int) {
	var sb strings.Builder
	depth := 0
	i := start
	for i < len(content) {
		c := content[i]
		switch {
		case c == '\\' && i+1 < len(content):
			i++
			switch e := content[i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for n := 0; n < 2 && i+1 < len(content) && content[i+1] >= '0' && content[i+1] <= '7'; n++ {
						i++
						val = val*8 + int(content[i]-'0')
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(e)
				}
			}
		case c == '(':
			if depth > 0 {
				sb.WriteByte(c)
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
		i++
	}
	return sb.String(), i
}

// readHex decodes a <...> string starting at content[start] == '<'.
func readHex(content []byte, start int) (string, int) {
	var digits []byte
	i := start + 1
	for i < len(content) && content[i] != '>' {
		c := content[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			digits = append(digits, c)
		}
		i++
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for j := 0; j < len(digits); j += 2 {
		out = append(out, hexVal(digits[j])<<4|hexVal(digits[j+1]))
	}
	return string(out), i + 1
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
