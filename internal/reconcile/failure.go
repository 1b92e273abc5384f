// Package reconcile brings local runner state in line with what happened on
// the remote hosts after a chain was dispatched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
)

// ErrRunFailed is wrapped by every FailureError.
var ErrRunFailed = errors.New("remote run failed")

// FailureError names the first dataset found with a failed runner.
type FailureError struct {
	Dataset string
	// Diagnostics holds one line per failed runner, as reported by the
	// dataset after its results were fetched.
	Diagnostics []string
}

func (e *FailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dataset '%s' has failed runs", e.Dataset)
	for _, d := range e.Diagnostics {
		b.WriteString("\n  ")
		b.WriteString(d)
	}
	return b.String()
}

func (e *FailureError) Unwrap() error { return ErrRunFailed }

// CheckFailure scans every runner of every dataset, in order. On the first
// failed runner it fetches that dataset's results once and returns a
// *FailureError carrying the dataset's diagnostics. It returns nil when no
// runner has failed.
func CheckFailure(ctx context.Context, datasets []dataset.Dataset) error {
	logger := ctxlog.FromContext(ctx)
	for _, d := range datasets {
		if !hasFailed(d) {
			continue
		}
		logger.Debug("Found failed runner, fetching results.", "dataset", d.Name())
		if err := d.FetchResults(ctx); err != nil {
			return fmt.Errorf("fetch results of dataset '%s': %w", d.Name(), err)
		}
		return &FailureError{Dataset: d.Name(), Diagnostics: d.Errors()}
	}
	logger.Debug("No failed runners.", "datasets", len(datasets))
	return nil
}

func hasFailed(d dataset.Dataset) bool {
	for _, r := range d.Runners() {
		if r.Failed() {
			return true
		}
	}
	return false
}
