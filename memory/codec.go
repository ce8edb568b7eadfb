package memory

// codec.go - binary update encoding using the Protobuf wire format.
//
//	Update { 1: version (varint)   2: repeated Op (bytes) }
//	Op     { 1: key  2: value  3: clock (varint)  4: client }
//
// The version field is mandatory, so empty input is rejected rather than
// treated as an empty update.

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidUpdate is returned for bytes that are not a well-formed update.
var ErrInvalidUpdate = errors.New("memory: invalid update")

const updateVersion = 1

// ------------------------------------------------------------------ encoder

type enc struct{ buf []byte }

func (e *enc) str(field protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

func (e *enc) u64(field protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, field, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *enc) bytes(field protowire.Number, b []byte) {
	e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

func encodeUpdate(ops []op) []byte {
	e := &enc{}
	e.u64(1, updateVersion)
	for _, o := range ops {
		oe := &enc{}
		oe.str(1, o.key)
		oe.str(2, o.value)
		oe.u64(3, o.clock)
		oe.str(4, o.client)
		e.bytes(2, oe.buf)
	}
	return e.buf
}

// ------------------------------------------------------------------ decoder

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidUpdate, fmt.Sprintf(format, args...))
}

func decodeUpdate(data []byte) ([]op, error) {
	var (
		ops        []op
		hasVersion bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, invalid("bad tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(data)
			if n2 < 0 {
				return nil, invalid("bad version")
			}
			if v != updateVersion {
				return nil, invalid("unsupported version %d", v)
			}
			hasVersion = true
			data = data[n2:]
		case num == 2 && typ == protowire.BytesType:
			b, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return nil, invalid("bad op")
			}
			o, err := decodeOp(b)
			if err != nil {
				return nil, err
			}
			ops = append(ops, o)
			data = data[n2:]
		default:
			n2 := protowire.ConsumeFieldValue(num, typ, data)
			if n2 < 0 {
				return nil, invalid("unknown field %d", num)
			}
			data = data[n2:]
		}
	}
	if !hasVersion {
		return nil, invalid("missing version")
	}
	return ops, nil
}

func decodeOp(data []byte) (op, error) {
	var o op
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return op{}, invalid("op: bad tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n2 := protowire.ConsumeString(data)
			if n2 < 0 {
				return op{}, invalid("op: bad key")
			}
			o.key = s
			data = data[n2:]
		case num == 2 && typ == protowire.BytesType:
			s, n2 := protowire.ConsumeString(data)
			if n2 < 0 {
				return op{}, invalid("op: bad value")
			}
			o.value = s
			data = data[n2:]
		case num == 3 && typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(data)
			if n2 < 0 {
				return op{}, invalid("op: bad clock")
			}
			o.clock = v
			data = data[n2:]
		case num == 4 && typ == protowire.BytesType:
			s, n2 := protowire.ConsumeString(data)
			if n2 < 0 {
				return op{}, invalid("op: bad client")
			}
			o.client = s
			data = data[n2:]
		default:
			n2 := protowire.ConsumeFieldValue(num, typ, data)
			if n2 < 0 {
				return op{}, invalid("op: unknown field %d", num)
			}
			data = data[n2:]
		}
	}
	if o.clock == 0 || o.client == "" {
		return op{}, invalid("op for %q lacks clock or client", o.key)
	}
	return o, nil
}
