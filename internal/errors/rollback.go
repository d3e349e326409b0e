package errors

import (
	"fmt"
)

// RollbackError reports that a transaction was rolled back instead of committed.
type RollbackError struct {
	TxID  string
	Cause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transaction %s rolled back: %v", e.TxID, e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// Surface returns the error a synchronous commit wrapper reports to its caller.
// Invalid usage, corruption and termination pass through untouched, every
// other failure is wrapped into a RollbackError.
func Surface(txID string, err error) error {
	if err == nil {
		return nil
	}
	var rb *RollbackError
	if As(err, &rb) {
		return err
	}
	switch Classify(err) {
	case ErrorInvalidUsage, ErrorCorruption, ErrorTerminated:
		return err
	}
	return &RollbackError{TxID: txID, Cause: err}
}
