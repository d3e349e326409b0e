package errors

import (
	"syscall"
)

// ErrorCategory represents the category of an error.
type ErrorCategory int

const (
	ErrorPermanent           ErrorCategory = iota // no retry
	ErrorTransient                                // temporary errors - retry with backoff
	ErrorInvalidUsage                             // caller broke the contract
	ErrorConflict                                 // lost a race with another transaction
	ErrorTemporalUnavailable                      // history already purged
	ErrorCorruption                               // data on disk or in memory cannot be trusted
	ErrorTerminated                               // instance closed
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorInvalidUsage:
		return "invalid_usage"
	case ErrorConflict:
		return "conflict"
	case ErrorTemporalUnavailable:
		return "temporal_unavailable"
	case ErrorCorruption:
		return "corruption"
	case ErrorTerminated:
		return "terminated"
	default:
		return "permanent"
	}
}

// Classifier categorizes errors for retry and reporting.
type Classifier struct{}

// NewClassifier creates a new error classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorPermanent
	}

	var sysErr syscall.Errno
	if As(err, &sysErr) {
		switch sysErr {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.ETIMEDOUT, syscall.EINTR:
			return ErrorTransient
		case syscall.EIO, syscall.ENOSPC:
			return ErrorCorruption
		}
	}

	switch {
	case Is(err, ErrInstanceTerminated):
		return ErrorTerminated
	case Is(err, ErrTransactionConflict):
		return ErrorConflict
	case Is(err, ErrTemporalDataNotAvailable):
		return ErrorTemporalUnavailable
	case Is(err, ErrCorruptRecord), Is(err, ErrCRCMismatch), Is(err, ErrCatalogCorrupted):
		return ErrorCorruption
	case Is(err, ErrReadOnlySession), Is(err, ErrInvalidMutation), Is(err, ErrSchemaViolation),
		Is(err, ErrSchemaAltering), Is(err, ErrCatalogNotFound), Is(err, ErrCatalogExists),
		Is(err, ErrCatalogNotServable), Is(err, ErrTransitionInProgress), Is(err, ErrInvalidTransition),
		Is(err, ErrInvalidCatalogName), Is(err, ErrCollectionNotFound), Is(err, ErrCollectionExists),
		Is(err, ErrEntityNotFound), Is(err, ErrTransactionOpen), Is(err, ErrNoTransaction),
		Is(err, ErrConcurrentSessionUse), Is(err, ErrInvalidQuery), Is(err, ErrVersionNotFound):
		return ErrorInvalidUsage
	case Is(err, ErrFileOpen), Is(err, ErrFileWrite), Is(err, ErrFileSync), Is(err, ErrFileRead):
		// could be EAGAIN or ENOENT underneath; let the retry loop find out
		return ErrorTransient
	}

	return ErrorPermanent
}

// ShouldRetry returns true if the error category indicates retry is appropriate.
func (c *Classifier) ShouldRetry(category ErrorCategory) bool {
	return category == ErrorTransient
}

// IsCritical returns true if the error requires immediate attention.
func (c *Classifier) IsCritical(category ErrorCategory) bool {
	return category == ErrorCorruption
}

var defaultClassifier = NewClassifier()

// Classify uses the package classifier.
func Classify(err error) ErrorCategory {
	return defaultClassifier.Classify(err)
}
