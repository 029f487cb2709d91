// Package errors provides the categorized error taxonomy for a migration run.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/your-org/mediamigrate/internal/redact"
)

// Category classifies a failure by the step that produced it.
type Category string

const (
	// Fatal: the run halts.
	CategoryAuth      Category = "AUTH"      // Credential exchange with the source or destination failed
	CategoryDiscovery Category = "DISCOVERY" // Listing containers or assets failed

	// Per-asset: recovered at the pipeline boundary.
	CategoryFetch    Category = "FETCH"    // Downloading asset bytes failed
	CategoryStore    Category = "STORE"    // Writing asset or sidecar bytes failed
	CategoryMetadata Category = "METADATA" // Sidecar extraction degraded (never fatal)
	CategoryCleanup  Category = "CLEANUP"  // Removing staged bytes failed (never fatal)
)

// Phase names the pipeline step an error is recorded against.
type Phase string

const (
	PhaseAuth      Phase = "auth"
	PhaseDiscovery Phase = "discovery"
	PhaseDownload  Phase = "download"
	PhaseMetadata  Phase = "metadata"
	PhaseUpload    Phase = "upload"
	PhaseSidecar   Phase = "sidecar"
	PhaseCleanup   Phase = "cleanup"
)

// Error is a categorized migration failure.
type Error struct {
	Category    Category
	Phase       Phase
	AssetID     string
	DisplayName string
	Message     string
	Retryable   bool
	Attempts    int
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	subject := ""
	if e.AssetID != "" {
		subject = fmt.Sprintf(" asset %s", e.AssetID)
		if e.DisplayName != "" {
			subject += fmt.Sprintf(" (%s)", e.DisplayName)
		}
	}
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	return fmt.Sprintf("%s %s%s: %s", e.Category, e.Phase, subject, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Redacted returns a copy whose text is safe to hand to callers, loggers and
// trace exporters. The cause chain stays reachable through Unwrap.
func (e *Error) Redacted() *Error {
	c := *e
	c.Message = redact.String(e.Message)
	c.DisplayName = redact.String(e.DisplayName)
	if e.Err != nil {
		c.Err = &scrubbed{text: redact.String(e.Err.Error()), err: e.Err}
	}
	return &c
}

type scrubbed struct {
	text string
	err  error
}

func (s *scrubbed) Error() string { return s.text }
func (s *scrubbed) Unwrap() error { return s.err }

// Fatal reports whether the category halts the run.
func (c Category) Fatal() bool {
	return c == CategoryAuth || c == CategoryDiscovery
}

// Auth wraps a failure to obtain source or destination credentials.
func Auth(message string, cause error) *Error {
	return &Error{Category: CategoryAuth, Phase: PhaseAuth, Message: message, Err: cause}
}

// Discovery wraps a failure to list containers or assets.
func Discovery(message string, cause error) *Error {
	return &Error{Category: CategoryDiscovery, Phase: PhaseDiscovery, Message: message, Err: cause}
}

// Fetch wraps a download failure for one asset.
func Fetch(assetID, displayName string, retryable bool, attempts int, cause error) *Error {
	return &Error{
		Category:    CategoryFetch,
		Phase:       PhaseDownload,
		AssetID:     assetID,
		DisplayName: displayName,
		Retryable:   retryable,
		Attempts:    attempts,
		Err:         cause,
	}
}

// Store wraps an upload failure for an asset (PhaseUpload) or its sidecar (PhaseSidecar).
func Store(phase Phase, assetID, displayName string, retryable bool, attempts int, cause error) *Error {
	return &Error{
		Category:    CategoryStore,
		Phase:       phase,
		AssetID:     assetID,
		DisplayName: displayName,
		Retryable:   retryable,
		Attempts:    attempts,
		Err:         cause,
	}
}

// Metadata reports a degraded sidecar extraction.
func Metadata(assetID, displayName, message string) *Error {
	return &Error{
		Category:    CategoryMetadata,
		Phase:       PhaseMetadata,
		AssetID:     assetID,
		DisplayName: displayName,
		Message:     message,
	}
}

// Cleanup reports a failure to remove staged bytes.
func Cleanup(assetID, displayName string, cause error) *Error {
	return &Error{
		Category:    CategoryCleanup,
		Phase:       PhaseCleanup,
		AssetID:     assetID,
		DisplayName: displayName,
		Err:         cause,
	}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf returns err's category, or "" for uncategorized errors.
func CategoryOf(err error) Category {
	if e, ok := As(err); ok {
		return e.Category
	}
	return ""
}

// IsFatal reports whether err should halt the run.
func IsFatal(err error) bool {
	return CategoryOf(err).Fatal()
}

// IsRetryable reports whether err was classified as transient.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}
