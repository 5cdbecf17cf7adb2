package pipeline

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

const (
	DefaultMaxConcurrent = 3
	DefaultMaxMemory     = 100 * 1024 * 1024
	DefaultMetricsWindow = 100
	DefaultMetricsMaxAge = time.Hour
)

// GuardConfig configures the Guard. Warn* thresholds only produce log lines.
type GuardConfig struct {
	MaxConcurrent int
	MaxMemory     uint64
	WindowSize    int
	MaxAge        time.Duration

	WarnMemory   uint64
	WarnDuration time.Duration
	WarnQuality  float64

	Logger *slog.Logger
	// Memory returns the current memory estimate in bytes. Defaults to the
	// Go heap in use.
	Memory func() uint64
	Now    func() time.Time
}

func (c *GuardConfig) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxMemory == 0 {
		c.MaxMemory = DefaultMaxMemory
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultMetricsWindow
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMetricsMaxAge
	}
	if c.WarnMemory == 0 {
		c.WarnMemory = c.MaxMemory * 8 / 10
	}
	if c.WarnDuration <= 0 {
		c.WarnDuration = 30 * time.Second
	}
	if c.WarnQuality <= 0 {
		c.WarnQuality = AcceptanceThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Memory == nil {
		c.Memory = heapInUse
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Admission is the outcome of an admission check.
type Admission struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// MetricSample is one observation recorded after an operation.
type MetricSample struct {
	Operation    string        `json:"operation"`
	DocumentID   string        `json:"documentId,omitempty"`
	Duration     time.Duration `json:"duration"`
	MemoryBytes  uint64        `json:"memoryBytes"`
	QualityScore *float64      `json:"qualityScore,omitempty"`
	At           time.Time     `json:"at"`
}

// GuardStats is a point-in-time view of the Guard.
type GuardStats struct {
	Active      []string       `json:"active"`
	MemoryBytes uint64         `json:"memoryBytes"`
	Recent      []MetricSample `json:"recent"`
}

// Guard admits or rejects processing work based on concurrency and memory,
// and keeps a bounded window of recent metrics. It is the only state shared
// between pipelines; a single mutex serializes every mutation.
type Guard struct {
	mu     sync.Mutex
	cfg    GuardConfig
	active map[string]struct{}
	window *sampleRing
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	cfg.defaults()
	return &Guard{
		cfg:    cfg,
		active: make(map[string]struct{}),
		window: newSampleRing(cfg.WindowSize),
	}
}

// CanAdmit reports whether a new operation may start now.
func (g *Guard) CanAdmit() Admission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitLocked()
}

func (g *Guard) admitLocked() Admission {
	if n := len(g.active); n >= g.cfg.MaxConcurrent {
		return Admission{Reason: fmt.Sprintf("too many documents are processing (%d of %d)", n, g.cfg.MaxConcurrent)}
	}
	if mem := g.cfg.Memory(); mem > g.cfg.MaxMemory {
		return Admission{Reason: fmt.Sprintf("memory usage %dMB exceeds the %dMB limit", mem>>20, g.cfg.MaxMemory>>20)}
	}
	return Admission{Allowed: true}
}

// TryStart admits id and marks it active in one step. An id that is already
// active is admitted again without counting twice.
func (g *Guard) TryStart(id string) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[id]; ok {
		return Admission{Allowed: true}
	}
	adm := g.admitLocked()
	if adm.Allowed {
		g.active[id] = struct{}{}
	}
	return adm
}

// StartProcessing marks id active without an admission check. Idempotent.
func (g *Guard) StartProcessing(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[id] = struct{}{}
}

// StopProcessing marks id inactive. Idempotent.
func (g *Guard) StopProcessing(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
}

// ActiveCount returns the number of active operations.
func (g *Guard) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// IsActive reports whether id is currently marked active.
func (g *Guard) IsActive(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[id]
	return ok
}

// MemoryInUse returns the current memory estimate in bytes.
func (g *Guard) MemoryInUse() uint64 {
	return g.cfg.Memory()
}

// TrackMetrics appends s to the rolling window and returns the warnings it
// triggered. Warnings are logged and never fail the caller.
func (g *Guard) TrackMetrics(s MetricSample) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s.At.IsZero() {
		s.At = g.cfg.Now()
	}
	g.window.push(s)
	g.window.evictOlderThan(g.cfg.Now().Add(-g.cfg.MaxAge))

	var warnings []string
	if s.MemoryBytes > g.cfg.WarnMemory {
		warnings = append(warnings, fmt.Sprintf("memory %dMB above %dMB", s.MemoryBytes>>20, g.cfg.WarnMemory>>20))
	}
	if s.Duration > g.cfg.WarnDuration {
		warnings = append(warnings, fmt.Sprintf("duration %s above %s", s.Duration.Round(time.Millisecond), g.cfg.WarnDuration))
	}
	if s.QualityScore != nil && *s.QualityScore < g.cfg.WarnQuality {
		warnings = append(warnings, fmt.Sprintf("quality %.1f below %.1f", *s.QualityScore, g.cfg.WarnQuality))
	}
	for _, w := range warnings {
		g.cfg.Logger.Warn("Performance threshold exceeded.", "operation", s.Operation, "documentId", s.DocumentID, "warning", w)
	}
	return warnings
}

// Stats returns active ids (sorted), the memory estimate and recent samples,
// oldest first.
func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window.evictOlderThan(g.cfg.Now().Add(-g.cfg.MaxAge))
	active := make([]string, 0, len(g.active))
	for id := range g.active {
		active = append(active, id)
	}
	sort.Strings(active)
	return GuardStats{
		Active:      active,
		MemoryBytes: g.cfg.Memory(),
		Recent:      g.window.items(),
	}
}

// sampleRing is a fixed-capacity FIFO; pushing onto a full ring evicts the
// oldest sample.
type sampleRing struct {
	buf  []MetricSample
	head int
	size int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]MetricSample, capacity)}
}

func (r *sampleRing) push(s MetricSample) {
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = s
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

func (r *sampleRing) evictOlderThan(cutoff time.Time) {
	for r.size > 0 && r.buf[r.head].At.Before(cutoff) {
		r.buf[r.head] = MetricSample{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
}

func (r *sampleRing) items() []MetricSample {
	out := make([]MetricSample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
