package wal

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

var byteOrder = binary.LittleEndian

// Record is one framed entry of a log segment.
type Record struct {
	Kind    RecordKind
	Version uint64
	Flags   byte
	Payload []byte
}

// EncodeRecord frames a record:
//
//	RecordLen(8) | Kind(1) | Version(8) | Flags(1) | PayloadLen(4) | Payload | CRC32(4)
//
// RecordLen counts the whole record including itself and the CRC.
func EncodeRecord(r Record) ([]byte, error) {
	if len(r.Payload) > MaxPayloadSize {
		return nil, errors.ErrPayloadTooLarge
	}
	total := RecordOverhead + len(r.Payload)
	buf := make([]byte, total)

	off := 0
	byteOrder.PutUint64(buf[off:], uint64(total))
	off += RecordLenSize
	buf[off] = byte(r.Kind)
	off += KindSize
	byteOrder.PutUint64(buf[off:], r.Version)
	off += VersionSize
	buf[off] = r.Flags
	off += FlagsSize
	byteOrder.PutUint32(buf[off:], uint32(len(r.Payload)))
	off += PayloadLenSize
	off += copy(buf[off:], r.Payload)

	byteOrder.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))
	return buf, nil
}

// DecodeRecord parses a full record produced by EncodeRecord.
func DecodeRecord(buf []byte) (*Record, error) {
	if len(buf) < RecordOverhead {
		return nil, errors.ErrCorruptRecord
	}
	total := byteOrder.Uint64(buf)
	if total != uint64(len(buf)) {
		return nil, errors.ErrCorruptRecord
	}

	crcOff := len(buf) - CRCSize
	if crc32.ChecksumIEEE(buf[:crcOff]) != byteOrder.Uint32(buf[crcOff:]) {
		return nil, errors.ErrCRCMismatch
	}

	off := RecordLenSize
	r := &Record{Kind: RecordKind(buf[off])}
	off += KindSize
	r.Version = byteOrder.Uint64(buf[off:])
	off += VersionSize
	r.Flags = buf[off]
	off += FlagsSize
	plen := int(byteOrder.Uint32(buf[off:]))
	off += PayloadLenSize
	if off+plen != crcOff {
		return nil, errors.ErrCorruptRecord
	}
	if r.Kind != RecordMarker && r.Kind != RecordMutation {
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "unknown record kind %d", r.Kind)
	}
	r.Payload = make([]byte, plen)
	copy(r.Payload, buf[off:crcOff])
	return r, nil
}

// TxMarker opens a transaction batch and announces how many mutation records follow.
type TxMarker struct {
	TxID          string
	Version       uint64
	SchemaVersion uint64
	MutationCount uint32
	CommittedAt   time.Time
}

// marker payload: SchemaVersion(8) | MutationCount(4) | CommittedAt(8, unix nanos) | TxIDLen(2) | TxID
func encodeMarker(m TxMarker) ([]byte, error) {
	if len(m.TxID) > MaxTxIDLen {
		return nil, errors.Wrap(errors.ErrPayloadTooLarge, "transaction id")
	}
	buf := make([]byte, 8+4+8+2+len(m.TxID))
	byteOrder.PutUint64(buf[0:], m.SchemaVersion)
	byteOrder.PutUint32(buf[8:], m.MutationCount)
	byteOrder.PutUint64(buf[12:], uint64(m.CommittedAt.UnixNano()))
	byteOrder.PutUint16(buf[20:], uint16(len(m.TxID)))
	copy(buf[22:], m.TxID)
	return buf, nil
}

func decodeMarker(r *Record) (TxMarker, error) {
	p := r.Payload
	if r.Kind != RecordMarker || len(p) < 22 {
		return TxMarker{}, errors.Wrap(errors.ErrCorruptRecord, "transaction marker expected")
	}
	idLen := int(byteOrder.Uint16(p[20:]))
	if len(p) != 22+idLen {
		return TxMarker{}, errors.Wrap(errors.ErrCorruptRecord, "transaction marker length")
	}
	return TxMarker{
		TxID:          string(p[22:]),
		Version:       r.Version,
		SchemaVersion: byteOrder.Uint64(p[0:]),
		MutationCount: byteOrder.Uint32(p[8:]),
		CommittedAt:   time.Unix(0, int64(byteOrder.Uint64(p[12:]))).UTC(),
	}, nil
}

// Payload is the opaque body of one mutation record.
type Payload struct {
	Flags byte
	Data  []byte
}

// Batch is one transaction: a marker followed by its mutation payloads.
type Batch struct {
	Marker    TxMarker
	Mutations []Payload
}

// encodeBatch renders a batch as a contiguous run of records.
func encodeBatch(b Batch) ([]byte, error) {
	b.Marker.MutationCount = uint32(len(b.Mutations))
	mp, err := encodeMarker(b.Marker)
	if err != nil {
		return nil, err
	}
	head, err := EncodeRecord(Record{Kind: RecordMarker, Version: b.Marker.Version, Payload: mp})
	if err != nil {
		return nil, err
	}
	out := head
	for _, m := range b.Mutations {
		rec, err := EncodeRecord(Record{Kind: RecordMutation, Version: b.Marker.Version, Flags: m.Flags, Payload: m.Data})
		if err != nil {
			return nil, err
		}
		out = append(out, rec...)
	}
	return out, nil
}
