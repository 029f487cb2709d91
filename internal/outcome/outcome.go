// Package outcome summarizes what happened to the assets of a run.
package outcome

import (
	"math"
	"time"

	"github.com/your-org/mediamigrate/internal/ledger"
)

// Bucket is the terminal state of one asset. Every asset lands in exactly one.
type Bucket string

const (
	Succeeded      Bucket = "succeeded"
	FailedDownload Bucket = "failed-download"
	FailedUpload   Bucket = "failed-upload"
)

// Asset is the result of driving one descriptor through the pipeline.
type Asset struct {
	AssetID      string `json:"assetId"`
	DisplayName  string `json:"displayName"`
	Bucket       Bucket `json:"bucket"`
	Key          string `json:"key,omitempty"`
	SidecarKey   string `json:"sidecarKey,omitempty"`
	Bytes        int64  `json:"bytes,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Error        string `json:"error,omitempty"`
	SidecarError string `json:"sidecarError,omitempty"`
	DurationMs   int64  `json:"durationMs"`
}

// Batch is immutable once built.
type Batch struct {
	RunID           string         `json:"runId,omitempty"`
	Total           int            `json:"total"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	FailedDownload  int            `json:"failedDownload"`
	FailedUpload    int            `json:"failedUpload"`
	SidecarFailures int            `json:"sidecarFailures"`
	Skipped         int            `json:"skipped,omitempty"`
	Stopped         bool           `json:"stopped,omitempty"`
	SuccessRate     int            `json:"successRate"`
	StartedAt       time.Time      `json:"startedAt"`
	FinishedAt      time.Time      `json:"finishedAt"`
	Errors          ledger.Summary `json:"errors"`
	ErrorLog        string         `json:"errorLog,omitempty"`
	Results         []Asset        `json:"results,omitempty"`
}

// Tally counts results into a batch whose Total is len(results).
func Tally(results []Asset) Batch {
	var b Batch
	b.Total = len(results)
	for _, r := range results {
		b.add(r)
	}
	b.Results = results
	b.SuccessRate = Rate(b.Succeeded, b.Total)
	return b
}

func (b *Batch) add(r Asset) {
	switch r.Bucket {
	case Succeeded:
		b.Succeeded++
	case FailedDownload:
		b.Failed++
		b.FailedDownload++
	case FailedUpload:
		b.Failed++
		b.FailedUpload++
	}
	if r.SidecarError != "" {
		b.SidecarFailures++
	}
}

// Merge folds other's counts and results into b. Total and SuccessRate are
// left to the caller, which knows how many assets were discovered.
func (b *Batch) Merge(other Batch) {
	for _, r := range other.Results {
		b.add(r)
	}
	b.Results = append(b.Results, other.Results...)
}

// Rate is succeeded/total as a rounded percentage; 0 when total is 0.
func Rate(succeeded, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(succeeded) / float64(total) * 100))
}
