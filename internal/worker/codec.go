package worker

// ============================================================================
// Boundary codec
// Responsibility: serialize commands and events crossing into and out of the
// background execution context, so no value is shared between the two sides
// ============================================================================
//
// Wire format is protobuf-compatible, written with protowire:
//
//   Command    1 kind:string  2 total:varint  3 item:SourceItem
//   SourceItem 1 index:varint 2 name:string   3 media_type:string 4 data:bytes
//   Event      1 kind:string  2 index:varint  3 percent:varint    4 label:string
//              5 reason:string 6 error_kind:string 7 result:Result
//   Result     1 data:bytes   2 entries:Record (repeated) 3 archive_size:varint
//              4 format:string
//   Record     1 key:varint   2 name:string   3 size:varint
//
// Unknown fields are skipped. Decoded byte fields are copied out of the
// frame.

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// ErrMalformedFrame is returned for a frame that does not parse.
var ErrMalformedFrame = errors.New("worker: malformed frame")

// ============================================================================
// encode
// ============================================================================

// MarshalCommand encodes cmd.
func MarshalCommand(cmd types.Command) []byte {
	var b []byte
	b = appendString(b, 1, string(cmd.Kind))
	b = appendInt(b, 2, cmd.Total)
	if cmd.Kind == types.CommandProcessItem {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalItem(cmd.Item))
	}
	return b
}

func marshalItem(it types.SourceItem) []byte {
	var b []byte
	b = appendInt(b, 1, it.Index)
	b = appendString(b, 2, it.Name)
	b = appendString(b, 3, it.MediaType)
	if len(it.Data) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, it.Data)
	}
	return b
}

// MarshalEvent encodes ev.
func MarshalEvent(ev types.Event) []byte {
	var b []byte
	b = appendString(b, 1, string(ev.Kind))
	b = appendInt(b, 2, ev.Index)
	b = appendInt(b, 3, ev.Percent)
	b = appendString(b, 4, ev.Label)
	b = appendString(b, 5, ev.Reason)
	b = appendString(b, 6, ev.ErrorKind)
	if ev.Result != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalResult(ev.Result))
	}
	return b
}

func marshalResult(r *types.Result) []byte {
	var b []byte
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	for _, e := range r.Entries {
		var rec []byte
		rec = appendInt(rec, 1, e.Key)
		rec = appendString(rec, 2, e.Name)
		rec = appendInt64(rec, 3, e.Size)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}
	b = appendInt64(b, 3, r.ArchiveSize)
	b = appendString(b, 4, r.Format)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	return appendInt64(b, num, int64(v))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

// ============================================================================
// decode
// ============================================================================

// fieldFunc handles one field; it returns the bytes consumed or a negative
// protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

// walk iterates the fields of one message.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeInt(typ protowire.Type, b []byte, dst *int64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = protowire.DecodeZigZag(v)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

// UnmarshalCommand decodes a frame produced by MarshalCommand.
func UnmarshalCommand(b []byte) (types.Command, error) {
	var (
		cmd   types.Command
		kind  string
		total int64
		item  []byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &kind)
		case 2:
			return consumeInt(typ, b, &total)
		case 3:
			return consumeBytes(typ, b, &item)
		}
		return 0
	})
	if err != nil {
		return cmd, err
	}
	cmd.Kind = types.CommandKind(kind)
	cmd.Total = int(total)
	if item != nil {
		if cmd.Item, err = unmarshalItem(item); err != nil {
			return cmd, err
		}
	}
	return cmd, nil
}

func unmarshalItem(b []byte) (types.SourceItem, error) {
	var (
		it    types.SourceItem
		index int64
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeInt(typ, b, &index)
		case 2:
			return consumeString(typ, b, &it.Name)
		case 3:
			return consumeString(typ, b, &it.MediaType)
		case 4:
			return consumeBytes(typ, b, &it.Data)
		}
		return 0
	})
	it.Index = int(index)
	return it, err
}

// UnmarshalEvent decodes a frame produced by MarshalEvent.
func UnmarshalEvent(b []byte) (types.Event, error) {
	var (
		ev             types.Event
		kind           string
		index, percent int64
		result         []byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &kind)
		case 2:
			return consumeInt(typ, b, &index)
		case 3:
			return consumeInt(typ, b, &percent)
		case 4:
			return consumeString(typ, b, &ev.Label)
		case 5:
			return consumeString(typ, b, &ev.Reason)
		case 6:
			return consumeString(typ, b, &ev.ErrorKind)
		case 7:
			return consumeBytes(typ, b, &result)
		}
		return 0
	})
	if err != nil {
		return ev, err
	}
	ev.Kind = types.EventKind(kind)
	ev.Index = int(index)
	ev.Percent = int(percent)
	if result != nil {
		if ev.Result, err = unmarshalResult(result); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func unmarshalResult(b []byte) (*types.Result, error) {
	r := &types.Result{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBytes(typ, b, &r.Data)
		case 2:
			var raw []byte
			n := consumeBytes(typ, b, &raw)
			if n <= 0 {
				return n
			}
			rec, err := unmarshalRecord(raw)
			if err != nil {
				return -1
			}
			r.Entries = append(r.Entries, rec)
			return n
		case 3:
			return consumeInt(typ, b, &r.ArchiveSize)
		case 4:
			return consumeString(typ, b, &r.Format)
		}
		return 0
	})
	return r, err
}

func unmarshalRecord(b []byte) (types.ArchiveRecord, error) {
	var (
		rec types.ArchiveRecord
		key int64
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeInt(typ, b, &key)
		case 2:
			return consumeString(typ, b, &rec.Name)
		case 3:
			return consumeInt(typ, b, &rec.Size)
		}
		return 0
	})
	rec.Key = int(key)
	return rec, err
}
