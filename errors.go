package refuadata

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	// ErrNoRows is returned when materialization produces zero data rows.
	ErrNoRows = errors.New("no rows produced")
)

// ConfigError reports a descriptor that cannot be acted on: no sources,
// an unsupported scheme or pagination mode, or a malformed API response
// shape.
type ConfigError struct {
	DatasetID string
	Reason    string
}

// Error implements the error interface.
func (ce *ConfigError) Error() string {
	return fmt.Sprintf("dataset %q misconfigured: %s", ce.DatasetID, ce.Reason)
}

// AttemptError records one failed source attempt within a multi-URL fetch.
type AttemptError struct {
	URL string
	Err error
}

// Error implements the error interface.
func (ae *AttemptError) Error() string {
	return fmt.Sprintf("source %s: %v", ae.URL, ae.Err)
}

// Unwrap returns the underlying cause for use with errors.Is and errors.As.
func (ae *AttemptError) Unwrap() error {
	return ae.Err
}

// DownloadError aggregates the per-source failures of a fetch whose every
// source attempt failed.
type DownloadError struct {
	DatasetID string
	Attempts  []*AttemptError
}

// Error implements the error interface.
func (de *DownloadError) Error() string {
	if len(de.Attempts) == 0 {
		return fmt.Sprintf("download failed for dataset %q", de.DatasetID)
	}
	if len(de.Attempts) == 1 {
		return fmt.Sprintf("download failed for dataset %q: %v", de.DatasetID, de.Attempts[0])
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "download failed for dataset %q with %d attempts:\n", de.DatasetID, len(de.Attempts))
	for i, attempt := range de.Attempts {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, attempt)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
// This implements the multi-error unwrap interface introduced in Go 1.20.
func (de *DownloadError) Unwrap() []error {
	errs := make([]error, len(de.Attempts))
	for i, attempt := range de.Attempts {
		errs[i] = attempt
	}
	return errs
}

// newDownloadError creates a DownloadError from the collected attempts.
// Returns nil if the slice is empty.
func newDownloadError(datasetID string, attempts []*AttemptError) error {
	if len(attempts) == 0 {
		return nil
	}
	return &DownloadError{DatasetID: datasetID, Attempts: attempts}
}
