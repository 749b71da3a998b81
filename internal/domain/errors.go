package domain

import "errors"

// ConfigError is malformed campaign configuration, surfaced to the
// creator before the campaign ever reaches scheduled.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "invalid config: " + e.Reason }

// ResolutionError wraps a recipient lookup failure. The fire is retried
// on a later tick; the campaign must not advance.
type ResolutionError struct {
	Err error
}

func (e *ResolutionError) Error() string { return "recipient resolution failed: " + e.Err.Error() }
func (e *ResolutionError) Unwrap() error { return e.Err }

// TransientSendError is a per-recipient failure worth retrying within
// the batch. StatusCode is 0 for network-level failures.
type TransientSendError struct {
	StatusCode int
	Err        error
}

func (e *TransientSendError) Error() string { return "transient send error: " + e.Err.Error() }
func (e *TransientSendError) Unwrap() error { return e.Err }

// PermanentSendError is recorded immediately, no retry.
type PermanentSendError struct {
	StatusCode int
	Err        error
}

func (e *PermanentSendError) Error() string { return "permanent send error: " + e.Err.Error() }
func (e *PermanentSendError) Unwrap() error { return e.Err }

// ErrRateLimited is the batch-wide backpressure signal from the mail
// transport. The batch pauses and resumes on a later tick; recipients
// already sent are preserved.
var ErrRateLimited = errors.New("mail transport rate limited")

// BatchFatalError is a whole-batch transport outage before anything in
// the batch got through. The batch is marked FAILED; its recipients
// stay pending for a manual retry pass and count as failed in campaign
// aggregation.
type BatchFatalError struct {
	Err error
}

func (e *BatchFatalError) Error() string { return "batch dispatch failed: " + e.Err.Error() }
func (e *BatchFatalError) Unwrap() error { return e.Err }

var ErrNotFound = errors.New("not found")
