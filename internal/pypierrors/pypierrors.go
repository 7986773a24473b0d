// Package pypierrors holds the shared error taxonomy that drives the
// blacklist/retry/abort policy decisions threaded through the conversion
// pipeline (sdist extraction, dependency conversion, the worker loop, and
// the orchestrator).
package pypierrors

import "errors"

// InvalidDistribution marks a release artifact as permanently broken: it
// should never be retried. Its URL is blacklisted.
type InvalidDistribution struct {
	Reason string
}

func (e *InvalidDistribution) Error() string { return "invalid distribution: " + e.Reason }

// UnsupportedDistribution marks a release artifact this converter will
// never be able to handle (not an sdist, oversized, conflicting egg-info
// files). Its URL is blacklisted, same as InvalidDistribution.
type UnsupportedDistribution struct {
	Reason string
}

func (e *UnsupportedDistribution) Error() string { return "unsupported distribution: " + e.Reason }

// InvalidDownload marks a transient failure (checksum mismatch, transport
// error) that should be retried on the next run rather than blacklisted.
type InvalidDownload struct {
	Reason string
}

func (e *InvalidDownload) Error() string { return "invalid download: " + e.Reason }

// NoValidRelease names the outcome where a package's feed would contain
// zero implementations after a finished run: the prior feed file is removed
// and the package is still reported as successfully processed. The worker
// loop handles that case itself and does not return this error.
var NoValidRelease = errors.New("pypierrors: package has no valid release")

// PyPITimeout aborts the entire run (exit code 1) once the upstream index
// has exceeded its retry budget for timeout faults.
var PyPITimeout = errors.New("pypierrors: upstream index timed out repeatedly")

// AsBlacklistable reports whether err should result in a permanent
// blacklist entry (as opposed to a transient retry-next-run condition).
func AsBlacklistable(err error) bool {
	var invalid *InvalidDistribution
	var unsupported *UnsupportedDistribution
	return errors.As(err, &invalid) || errors.As(err, &unsupported)
}

// AsTransient reports whether err should mark the owning package's run as
// unfinished rather than blacklisting anything.
func AsTransient(err error) bool {
	var dl *InvalidDownload
	return errors.As(err, &dl)
}
