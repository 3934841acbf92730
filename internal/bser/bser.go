// Package bser implements the binary serialization used by the watchman daemon.
//
// A PDU is the magic bytes 0x00 0x01, an integer holding the payload length,
// and a single encoded value. Integers are little-endian and use the
// smallest width that holds them.
//
// Decoded values use the following Go types:
//
//	array    []any
//	object   map[string]any
//	string   string
//	integer  int64
//	real     float64
//	bool     bool
//	null     nil
//	template []any of map[string]any
package bser

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

// Type tags.
const (
	tagArray    byte = 0x00
	tagObject   byte = 0x01
	tagString   byte = 0x02
	tagInt8     byte = 0x03
	tagInt16    byte = 0x04
	tagInt32    byte = 0x05
	tagInt64    byte = 0x06
	tagReal     byte = 0x07
	tagTrue     byte = 0x08
	tagFalse    byte = 0x09
	tagNull     byte = 0x0a
	tagTemplate byte = 0x0b
	tagSkip     byte = 0x0c
)

var magic = [2]byte{0x00, 0x01}

// Template is a compact array of objects sharing one key set.
// A row that lacks a key is encoded with the skip marker.
type Template struct {
	Keys []string
	Rows []map[string]any
}

// Marshal encodes v as a bare value without PDU framing.
func Marshal(v any) ([]byte, error) {
	return appendValue(nil, v)
}

// MarshalPDU encodes v and wraps it in PDU framing.
func MarshalPDU(v any) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+11)
	out = append(out, magic[:]...)
	out = appendInt(out, int64(len(payload)))
	return append(out, payload...), nil
}

// Unmarshal decodes a single bare value. Trailing bytes are a protocol error.
func Unmarshal(data []byte) (any, error) {
	d := decodeState{data: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.off != len(data) {
		return nil, domainerrors.Protocolf("bser: %d trailing bytes", len(data)-d.off)
	}
	return v, nil
}

// UnmarshalPDU decodes a complete framed PDU.
func UnmarshalPDU(data []byte) (any, error) {
	if len(data) < 2 || data[0] != magic[0] || data[1] != magic[1] {
		return nil, domainerrors.Protocol("bser: invalid magic")
	}
	d := decodeState{data: data, off: 2}
	n, err := d.readInt()
	if err != nil {
		return nil, err
	}
	if n < 0 || int64(len(data)-d.off) != n {
		return nil, domainerrors.Protocolf("bser: declared length %d, have %d", n, len(data)-d.off)
	}
	return Unmarshal(data[d.off:])
}

func appendInt(buf []byte, n int64) []byte {
	switch {
	case n >= math.MinInt8 && n <= math.MaxInt8:
		return append(buf, tagInt8, byte(int8(n)))
	case n >= math.MinInt16 && n <= math.MaxInt16:
		buf = append(buf, tagInt16)
		return binary.LittleEndian.AppendUint16(buf, uint16(int16(n)))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		buf = append(buf, tagInt32)
		return binary.LittleEndian.AppendUint32(buf, uint32(int32(n)))
	default:
		buf = append(buf, tagInt64)
		return binary.LittleEndian.AppendUint64(buf, uint64(n))
	}
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, tagString)
	buf = appendInt(buf, int64(len(s)))
	return append(buf, s...)
}

func appendValue(buf []byte, v any) ([]byte, error) {
	var err error
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if x {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case string:
		return appendString(buf, x), nil
	case []byte:
		return appendString(buf, string(x)), nil
	case int:
		return appendInt(buf, int64(x)), nil
	case int8:
		return appendInt(buf, int64(x)), nil
	case int16:
		return appendInt(buf, int64(x)), nil
	case int32:
		return appendInt(buf, int64(x)), nil
	case int64:
		return appendInt(buf, x), nil
	case uint8:
		return appendInt(buf, int64(x)), nil
	case uint16:
		return appendInt(buf, int64(x)), nil
	case uint32:
		return appendInt(buf, int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("bser: integer %d overflows int64", x)
		}
		return appendInt(buf, int64(x)), nil
	case float32:
		buf = append(buf, tagReal)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(float64(x))), nil
	case float64:
		buf = append(buf, tagReal)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(x)), nil
	case []string:
		buf = append(buf, tagArray)
		buf = appendInt(buf, int64(len(x)))
		for _, s := range x {
			buf = appendString(buf, s)
		}
		return buf, nil
	case []any:
		buf = append(buf, tagArray)
		buf = appendInt(buf, int64(len(x)))
		for _, e := range x {
			if buf, err = appendValue(buf, e); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]string:
		buf = append(buf, tagObject)
		buf = appendInt(buf, int64(len(x)))
		for _, k := range sortedKeys(x) {
			buf = appendString(buf, k)
			buf = appendString(buf, x[k])
		}
		return buf, nil
	case map[string]any:
		buf = append(buf, tagObject)
		buf = appendInt(buf, int64(len(x)))
		for _, k := range sortedKeys(x) {
			buf = appendString(buf, k)
			if buf, err = appendValue(buf, x[k]); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case Template:
		return appendTemplate(buf, &x)
	case *Template:
		return appendTemplate(buf, x)
	default:
		return nil, fmt.Errorf("bser: unsupported type %T", v)
	}
}

func appendTemplate(buf []byte, t *Template) ([]byte, error) {
	var err error
	buf = append(buf, tagTemplate)
	if buf, err = appendValue(buf, t.Keys); err != nil {
		return nil, err
	}
	buf = appendInt(buf, int64(len(t.Rows)))
	for _, row := range t.Rows {
		for _, k := range t.Keys {
			v, ok := row[k]
			if !ok {
				buf = append(buf, tagSkip)
				continue
			}
			if buf, err = appendValue(buf, v); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type decodeState struct {
	data []byte
	off  int
}

func (d *decodeState) need(n int) error {
	if n < 0 || len(d.data)-d.off < n {
		return domainerrors.Protocolf("bser: truncated input at offset %d", d.off)
	}
	return nil
}

func (d *decodeState) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

// intBody reads the little-endian body of an integer whose tag was already consumed.
func (d *decodeState) intBody(tag byte) (int64, error) {
	var width int
	switch tag {
	case tagInt8:
		width = 1
	case tagInt16:
		width = 2
	case tagInt32:
		width = 4
	case tagInt64:
		width = 8
	default:
		return 0, domainerrors.Protocolf("bser: expected integer, got tag 0x%02x", tag)
	}
	if err := d.need(width); err != nil {
		return 0, err
	}
	b := d.data[d.off : d.off+width]
	d.off += width
	switch width {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	default:
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
}

func (d *decodeState) readInt() (int64, error) {
	tag, err := d.readByte()
	if err != nil {
		return 0, err
	}
	return d.intBody(tag)
}

func (d *decodeState) length() (int, error) {
	n, err := d.readInt()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > int64(len(d.data)) {
		return 0, domainerrors.Protocolf("bser: invalid length %d", n)
	}
	return int(n), nil
}

func (d *decodeState) stringBody() (string, error) {
	n, err := d.length()
	if err != nil {
		return "", err
	}
	if err := d.need(n); err != nil {
		return "", err
	}
	s := string(d.data[d.off : d.off+n])
	d.off += n
	return s, nil
}

func (d *decodeState) value() (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagArray:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for range n {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case tagObject:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		obj := make(map[string]any, n)
		for range n {
			k, err := d.key()
			if err != nil {
				return nil, err
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			obj[k] = v
		}
		return obj, nil
	case tagString:
		return d.stringBody()
	case tagInt8, tagInt16, tagInt32, tagInt64:
		return d.intBody(tag)
	case tagReal:
		if err := d.need(8); err != nil {
			return nil, err
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(d.data[d.off:]))
		d.off += 8
		return f, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagNull:
		return nil, nil
	case tagTemplate:
		return d.template()
	default:
		return nil, domainerrors.Protocolf("bser: unknown tag 0x%02x at offset %d", tag, d.off-1)
	}
}

func (d *decodeState) key() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	if tag != tagString {
		return "", domainerrors.Protocolf("bser: object key has tag 0x%02x", tag)
	}
	return d.stringBody()
}

func (d *decodeState) template() (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if tag != tagArray {
		return nil, domainerrors.Protocol("bser: template keys must be an array")
	}
	nkeys, err := d.length()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, nkeys)
	for range nkeys {
		k, err := d.key()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	nrows, err := d.length()
	if err != nil {
		return nil, err
	}
	rows := make([]any, 0, nrows)
	for range nrows {
		row := make(map[string]any, nkeys)
		for _, k := range keys {
			if err := d.need(1); err != nil {
				return nil, err
			}
			if d.data[d.off] == tagSkip {
				d.off++
				continue
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
