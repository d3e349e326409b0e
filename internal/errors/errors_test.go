package errors

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{ErrTransactionConflict, ErrorConflict},
		{Wrap(ErrTemporalDataNotAvailable, "version 3"), ErrorTemporalUnavailable},
		{ErrCRCMismatch, ErrorCorruption},
		{Wrapf(ErrReadOnlySession, "session %s", "x"), ErrorInvalidUsage},
		{ErrInstanceTerminated, ErrorTerminated},
		{ErrFileSync, ErrorTransient},
		{syscall.EAGAIN, ErrorTransient},
		{New("boom"), ErrorPermanent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

func TestSurfacePassesUsageErrorsThrough(t *testing.T) {
	err := Wrap(ErrInvalidMutation, "bad attribute")
	require.Same(t, err, Surface("tx", err))

	err = Wrap(ErrCatalogCorrupted, "replay")
	require.Same(t, err, Surface("tx", err))
}

func TestSurfaceWrapsConflicts(t *testing.T) {
	err := Surface("tx-1", ErrTransactionConflict)
	var rb *RollbackError
	require.True(t, As(err, &rb))
	assert.Equal(t, "tx-1", rb.TxID)
	assert.True(t, Is(err, ErrTransactionConflict))

	// already wrapped stays as is
	assert.Same(t, err, Surface("tx-1", err))
	assert.Nil(t, Surface("tx-1", nil))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	rc := NewRetryControllerWith(time.Millisecond, 2*time.Millisecond, 3)
	calls := 0
	err := rc.Retry(context.Background(), func() error {
		calls++
		return ErrInvalidMutation
	})
	require.ErrorIs(t, err, ErrInvalidMutation)
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	rc := NewRetryControllerWith(time.Millisecond, 2*time.Millisecond, 3)
	calls := 0
	err := rc.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrFileWrite
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
