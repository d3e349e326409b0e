package mutation

import (
	"bytes"
	"encoding/json"

	"github.com/golang/snappy"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// FlagCompressed marks a snappy-compressed payload.
const FlagCompressed byte = 1 << 0

// Codec turns mutations into log payloads and back.
type Codec struct {
	Compress bool
}

type envelope struct {
	Kind Kind            `json:"k"`
	Body json.RawMessage `json:"m"`
}

// Encode returns the payload and the record flags for m.
func (c Codec) Encode(m Mutation) ([]byte, byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, 0, errors.Wrapf(errors.ErrInvalidMutation, "encode %s: %v", m.Kind(), err)
	}
	raw, err := json.Marshal(envelope{Kind: m.Kind(), Body: body})
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode envelope")
	}
	return c.pack(raw)
}

// Decode parses a payload produced by Encode.
func (c Codec) Decode(flags byte, payload []byte) (Mutation, error) {
	raw, err := unpack(flags, payload)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "decode envelope: %v", err)
	}

	var m Mutation
	switch env.Kind {
	case KindTransaction:
		m = &Transaction{}
	case KindUpsertEntity:
		m = &UpsertEntity{}
	case KindDeleteEntity:
		m = &DeleteEntity{}
	case KindSchema:
		m = &Schema{}
	default:
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "unknown mutation kind %d", env.Kind)
	}

	dec := json.NewDecoder(bytes.NewReader(env.Body))
	dec.UseNumber()
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "decode %s: %v", env.Kind, err)
	}
	if u, ok := m.(*UpsertEntity); ok && u.Entity != nil {
		u.Entity.Attributes = types.NormalizeAttributes(u.Entity.Attributes)
	}
	return m, nil
}

// EncodeEngine encodes an engine mutation.
func (c Codec) EncodeEngine(m *Engine) ([]byte, byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode engine mutation")
	}
	return c.pack(raw)
}

// DecodeEngine parses a payload produced by EncodeEngine.
func (c Codec) DecodeEngine(flags byte, payload []byte) (*Engine, error) {
	raw, err := unpack(flags, payload)
	if err != nil {
		return nil, err
	}
	var m Engine
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "decode engine mutation: %v", err)
	}
	return &m, nil
}

func (c Codec) pack(raw []byte) ([]byte, byte, error) {
	if !c.Compress {
		return raw, 0, nil
	}
	return snappy.Encode(nil, raw), FlagCompressed, nil
}

func unpack(flags byte, payload []byte) ([]byte, error) {
	if flags&FlagCompressed == 0 {
		return payload, nil
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "snappy: %v", err)
	}
	return raw, nil
}
