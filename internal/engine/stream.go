package engine

import (
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/wal"
)

// CommittedBatch is one committed transaction read back from the WAL.
type CommittedBatch struct {
	Version       uint64
	SchemaVersion uint64
	TxID          string
	CommittedAt   time.Time
	Mutations     []mutation.Mutation
}

// MutationStream walks committed transactions. It holds WAL file handles
// and must be closed.
type MutationStream struct {
	mu     sync.Mutex
	stream *wal.Stream
	codec  mutation.Codec
	closed bool
}

func newMutationStream(s *wal.Stream, codec mutation.Codec) *MutationStream {
	return &MutationStream{stream: s, codec: codec}
}

// Next returns the next batch or io.EOF at the end of the stream.
func (m *MutationStream) Next() (*CommittedBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.Wrap(errors.ErrInstanceTerminated, "mutation stream closed")
	}
	b, err := m.stream.Next()
	if err != nil {
		return nil, err
	}
	ms, err := decodeBatch(m.codec, b)
	if err != nil {
		return nil, err
	}
	return &CommittedBatch{
		Version:       b.Marker.Version,
		SchemaVersion: b.Marker.SchemaVersion,
		TxID:          b.Marker.TxID,
		CommittedAt:   b.Marker.CommittedAt,
		Mutations:     ms,
	}, nil
}

// Remaining returns how many batches are left.
func (m *MutationStream) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	return m.stream.Remaining()
}

func (m *MutationStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.stream.Close()
}
