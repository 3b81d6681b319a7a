package tracer

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot wire field numbers.
const (
	fieldMeta protowire.Number = 1
	fieldData protowire.Number = 2
)

// ErrMalformedSnapshot is returned when a snapshot cannot be decoded.
var ErrMalformedSnapshot = errors.New("tracer: malformed snapshot")

// Snapshot is the deflated form of a tracer, sent to progress reporters.
type Snapshot struct {
	Meta []uint64 `json:"meta"`
	Data []uint64 `json:"data"`
}

// Inflate decodes the snapshot into ranges.
func (s Snapshot) Inflate() Ranges {
	return Inflate(s.Meta, s.Data)
}

// MarshalBinary encodes the snapshot as a protobuf message with two packed
// varint fields. Encoding the same snapshot always yields the same bytes.
func (s Snapshot) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendPacked(b, fieldMeta, s.Meta)
	b = appendPacked(b, fieldData, s.Data)
	return b, nil
}

func appendPacked(b []byte, num protowire.Number, vals []uint64) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// UnmarshalBinary decodes a snapshot. Unpacked repeated fields are accepted
// and unknown fields skipped.
func (s *Snapshot) UnmarshalBinary(b []byte) error {
	var out Snapshot
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
		}
		b = b[n:]

		var dst *[]uint64
		switch num {
		case fieldMeta:
			dst = &out.Meta
		case fieldData:
			dst = &out.Data
		}

		switch {
		case dst != nil && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(m))
				}
				*dst = append(*dst, v)
				packed = packed[m:]
			}
		case dst != nil && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
			}
			b = b[n:]
			*dst = append(*dst, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	*s = out
	return nil
}
