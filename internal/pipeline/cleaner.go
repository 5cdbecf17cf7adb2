package pipeline

import (
	"context"
	"regexp"
	"runtime"
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize       = 10000
	DefaultChunkThreshold  = 10 * 1024 * 1024
	defaultYieldEveryChunk = 8
)

var (
	pageNumberLine = regexp.MustCompile(`^[ \t]*[0-9]+[ \t]*$`)
	pageLabelLine  = regexp.MustCompile(`^[ \t]*Page[ \t]+[0-9]+[ \t]*$`)
)

// CleanerConfig configures the Cleaner.
type CleanerConfig struct {
	// ChunkSize is the target chunk length in bytes for large inputs.
	ChunkSize int
	// ChunkThreshold is the estimated memory footprint above which input is
	// processed in chunks.
	ChunkThreshold int64
	// YieldEvery is the number of chunks between scheduler yields.
	YieldEvery int
}

func (c *CleanerConfig) defaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = DefaultChunkThreshold
	}
	if c.YieldEvery <= 0 {
		c.YieldEvery = defaultYieldEveryChunk
	}
}

// Cleaner normalizes raw extracted text.
type Cleaner struct {
	cfg CleanerConfig
}

// NewCleaner creates a Cleaner.
func NewCleaner(cfg CleanerConfig) *Cleaner {
	cfg.defaults()
	return &Cleaner{cfg: cfg}
}

// Clean normalizes raw, switching to chunked processing for large inputs.
// The only possible error is ctx's, observed between chunks.
func (c *Cleaner) Clean(ctx context.Context, raw string) (string, error) {
	if EstimateFootprint(raw) >= c.cfg.ChunkThreshold {
		return c.CleanChunked(ctx, raw, c.cfg.ChunkSize)
	}
	return CleanText(raw), nil
}

// CleanChunked cleans raw in chunks of roughly chunkSize bytes and yields the
// processor between batches. The output is identical to CleanText(raw).
func (c *Cleaner) CleanChunked(ctx context.Context, raw string, chunkSize int) (string, error) {
	var (
		w     cleanWriter
		carry strings.Builder
	)
	for i, chunk := range SplitChunks(raw, chunkSize) {
		if i > 0 && i%c.cfg.YieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			runtime.Gosched()
		}
		idx := strings.IndexAny(chunk, "\r\n")
		if idx < 0 {
			carry.WriteString(chunk)
			continue
		}
		carry.WriteString(chunk[:idx])
		w.line(carry.String())
		carry.Reset()
		carry.WriteString(w.feed(chunk[idx+1:]))
	}
	w.line(carry.String())
	return w.String(), nil
}

// EstimateFootprint approximates the in-memory size of text while cleaning.
func EstimateFootprint(text string) int64 {
	return int64(len(text)) * 2
}

// CleanText is the reference cleaning pass:
//
//  1. line breaks (CRLF, CR, LF) delimit lines
//  2. characters outside printable ASCII, tab, CR and LF become spaces
//  3. lines holding only a number, or only "Page N", are dropped
//  4. remaining whitespace runs, line breaks included, collapse to one space
//  5. leading and trailing whitespace is trimmed
//
// Blank-line collapsing is subsumed by step 4.
func CleanText(raw string) string {
	var w cleanWriter
	w.line(w.feed(raw))
	return w.String()
}

// cleanWriter accumulates cleaned output one complete line at a time.
type cleanWriter struct {
	sb strings.Builder
}

// feed processes every complete line in s and returns the unterminated tail.
func (w *cleanWriter) feed(s string) string {
	for {
		idx := strings.IndexAny(s, "\r\n")
		if idx < 0 {
			return s
		}
		w.line(s[:idx])
		s = s[idx+1:]
	}
}

func (w *cleanWriter) line(line string) {
	if line == "" {
		return
	}
	line = sanitizeASCII(line)
	if pageNumberLine.MatchString(line) || pageLabelLine.MatchString(line) {
		return
	}
	for _, field := range strings.Fields(line) {
		if w.sb.Len() > 0 {
			w.sb.WriteByte(' ')
		}
		w.sb.WriteString(field)
	}
}

func (w *cleanWriter) String() string { return w.sb.String() }

func sanitizeASCII(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if !printableASCII(s[i]) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r < utf8.RuneSelf && printableASCII(byte(r)) {
			sb.WriteByte(byte(r))
		} else {
			sb.WriteByte(' ')
		}
		s = s[size:]
	}
	return sb.String()
}

func printableASCII(b byte) bool {
	return (b >= 0x20 && b <= 0x7e) || b == '\t' || b == '\n' || b == '\r'
}

// SplitChunks cuts text into pieces of at most size bytes, breaking at the
// last space inside each window when there is one. Concatenating the chunks
// yields text again.
func SplitChunks(text string, size int) []string {
	if size < 1 {
		size = 1
	}
	var chunks []string
	for len(text) > size {
		cut := size
		if sp := strings.LastIndexByte(text[:size], ' '); sp > 0 {
			cut = sp + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
