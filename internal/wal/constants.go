package wal

const (
	RecordLenSize  = 8
	KindSize       = 1
	VersionSize    = 8
	FlagsSize      = 1
	PayloadLenSize = 4
	CRCSize        = 4

	HeaderSize     = RecordLenSize + KindSize + VersionSize + FlagsSize + PayloadLenSize
	RecordOverhead = HeaderSize + CRCSize
)

const (
	MaxPayloadSize = 16 * 1024 * 1024
	MaxTxIDLen     = 256
)

// RecordKind tells transaction markers apart from mutation records.
type RecordKind byte

const (
	RecordMarker RecordKind = iota + 1
	RecordMutation
)
