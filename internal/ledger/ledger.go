// Package ledger keeps the append-only error record of a migration run.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/eventlog"
	"github.com/your-org/mediamigrate/internal/redact"
	"github.com/your-org/mediamigrate/pkg/metrics"
)

// Entry is one recorded failure. Entries are never mutated after Record.
type Entry struct {
	Timestamp   time.Time       `json:"timestamp"`
	Phase       migerr.Phase    `json:"phase"`
	Category    migerr.Category `json:"category"`
	AssetID     string          `json:"assetId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Message     string          `json:"message"`
	Retryable   bool            `json:"retryable"`
	Attempts    int             `json:"attempts,omitempty"`
}

// FromError converts a categorized error into an entry.
func FromError(err *migerr.Error) Entry {
	msg := err.Message
	if err.Err != nil {
		if msg == "" {
			msg = err.Err.Error()
		} else {
			msg += ": " + err.Err.Error()
		}
	}
	return Entry{
		Phase:       err.Phase,
		Category:    err.Category,
		AssetID:     err.AssetID,
		DisplayName: err.DisplayName,
		Message:     msg,
		Retryable:   err.Retryable,
		Attempts:    err.Attempts,
	}
}

type Summary struct {
	Total          int            `json:"total"`
	ByPhase        map[string]int `json:"byPhase"`
	RetryableCount int            `json:"retryableCount"`
}

// Document is the exported error log.
type Document struct {
	RunID         string         `json:"runId"`
	GeneratedAt   time.Time      `json:"generatedAt"`
	TotalErrors   int            `json:"totalErrors"`
	ErrorsByPhase map[string]int `json:"errorsByPhase"`
	Entries       []Entry        `json:"entries"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	runID   string
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	entries []Entry
}

type Params struct {
	RunID   string
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func New(p Params) *Ledger {
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Ledger{runID: p.RunID, now: p.Now, metrics: p.Metrics, logger: p.Logger}
}

func (l *Ledger) RunID() string { return l.runID }

// Record redacts and appends e, stamping it if it has no timestamp. It
// returns the entry as stored.
func (l *Ledger) Record(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Message = redact.String(e.Message)
	e.DisplayName = redact.String(e.DisplayName)

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	l.metrics.LedgerEntry(string(e.Phase), e.Retryable)
	l.logger.Warn("error recorded",
		zap.String("phase", string(e.Phase)),
		zap.String("category", string(e.Category)),
		zap.String("asset_id", e.AssetID),
		zap.String("display_name", e.DisplayName),
		zap.Bool("retryable", e.Retryable),
		zap.Int("attempts", e.Attempts),
		zap.String("message", e.Message))
	return e
}

// RecordError records a categorized error. A nil err records nothing.
func (l *Ledger) RecordError(err *migerr.Error) (Entry, bool) {
	if err == nil {
		return Entry{}, false
	}
	return l.Record(FromError(err)), true
}

func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Summary{Total: len(l.entries), ByPhase: map[string]int{}}
	for _, e := range l.entries {
		s.ByPhase[string(e.Phase)]++
		if e.Retryable {
			s.RetryableCount++
		}
	}
	return s
}

func (l *Ledger) Export() Document {
	entries := l.Entries()
	if entries == nil {
		entries = []Entry{}
	}
	byPhase := map[string]int{}
	for _, e := range entries {
		byPhase[string(e.Phase)]++
	}
	return Document{
		RunID:         l.runID,
		GeneratedAt:   l.now().UTC(),
		TotalErrors:   len(entries),
		ErrorsByPhase: byPhase,
		Entries:       entries,
	}
}

// Persist writes <dir>/<runId>-errors.json and <dir>/<runId>-errors.csv and
// returns their paths.
func (l *Ledger) Persist(fs afero.Fs, dir string) ([]string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	doc := l.Export()

	jsonPath := filepath.Join(dir, l.runID+"-errors.json")
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal ledger: %w", err)
	}
	if err := afero.WriteFile(fs, jsonPath, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write ledger json: %w", err)
	}

	var buf bytes.Buffer
	w := eventlog.NewCSVWriter[Entry](&buf).WithHeader(csvColumns...)
	for _, e := range doc.Entries {
		if err := w.Append(e); err != nil {
			return nil, fmt.Errorf("append ledger csv: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush ledger csv: %w", err)
	}
	csvPath := filepath.Join(dir, l.runID+"-errors.csv")
	if err := afero.WriteFile(fs, csvPath, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write ledger csv: %w", err)
	}

	l.logger.Info("ledger persisted",
		zap.String("json", jsonPath),
		zap.String("csv", csvPath),
		zap.Int("entries", doc.TotalErrors),
		zap.Any("by_phase", sortedCounts(doc.ErrorsByPhase)))
	return []string{jsonPath, csvPath}, nil
}

var csvColumns = []string{"timestamp", "phase", "category", "assetId", "displayName", "retryable", "attempts", "message"}

func sortedCounts(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return out
}
