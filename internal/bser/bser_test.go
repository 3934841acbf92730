package bser

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

func TestMarshal_IntegerWidths(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want []byte
	}{
		{"zero", 0, []byte{tagInt8, 0x00}},
		{"int8 max", 127, []byte{tagInt8, 0x7f}},
		{"int8 min", -128, []byte{tagInt8, 0x80}},
		{"int16", 128, []byte{tagInt16, 0x80, 0x00}},
		{"int16 negative", -129, []byte{tagInt16, 0x7f, 0xff}},
		{"int32", 1 << 16, []byte{tagInt32, 0x00, 0x00, 0x01, 0x00}},
		{"int64", 1 << 40, []byte{tagInt64, 0, 0, 0, 0, 0, 0x01, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			back, err := Unmarshal(got)
			require.NoError(t, err)
			assert.Equal(t, tt.in, back)
		})
	}
}

func TestMarshalPDU_Framing(t *testing.T) {
	pdu, err := MarshalPDU("hi")
	require.NoError(t, err)

	// magic, int8 length 5, string tag, int8 length 2, "hi"
	assert.Equal(t, []byte{0x00, 0x01, tagInt8, 0x05, tagString, tagInt8, 0x02, 'h', 'i'}, pdu)
}

func TestRoundTrip_Values(t *testing.T) {
	value := map[string]any{
		"version": "2023.01.01",
		"clock":   "c:123:456",
		"files": []any{
			map[string]any{"name": "a.txt", "exists": true, "new": false, "mode": int64(0o100644)},
			map[string]any{"name": "dir", "exists": false, "new": true, "mode": int64(0o40755)},
		},
		"ratio":   1.5,
		"missing": nil,
		"neg":     int64(math.MinInt64),
	}

	pdu, err := MarshalPDU(value)
	require.NoError(t, err)

	got, err := UnmarshalPDU(pdu)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestTemplate_SkipMarker(t *testing.T) {
	tmpl := Template{
		Keys: []string{"name", "size"},
		Rows: []map[string]any{
			{"name": "a", "size": int64(1)},
			{"name": "b"},
		},
	}

	data, err := Marshal(tmpl)
	require.NoError(t, err)
	assert.Contains(t, string(data), string([]byte{tagSkip}))

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"name": "a", "size": int64(1)},
		map[string]any{"name": "b"},
	}, got)
}

func TestTemplate_HandEncoded(t *testing.T) {
	data := []byte{
		tagTemplate,
		tagArray, tagInt8, 0x01, tagString, tagInt8, 0x01, 'k',
		tagInt8, 0x02,
		tagSkip,
		tagTrue,
	}

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{}, map[string]any{"k": true}}, got)
}

func TestUnmarshalPDU_RejectsBadMagic(t *testing.T) {
	_, err := UnmarshalPDU([]byte{0x01, 0x00, tagInt8, 0x01, tagNull})
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrProtocol)
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"unknown tag", []byte{0x42}},
		{"truncated string", []byte{tagString, tagInt8, 0x05, 'a'}},
		{"truncated int", []byte{tagInt32, 0x01}},
		{"non-string key", []byte{tagObject, tagInt8, 0x01, tagInt8, 0x01, tagNull}},
		{"trailing bytes", []byte{tagNull, tagNull}},
		{"negative length", []byte{tagArray, tagInt8, 0xff}},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			assert.ErrorIs(t, err, domainerrors.ErrProtocol)
		})
	}
}

func TestUnmarshalPDU_LengthMismatch(t *testing.T) {
	_, err := UnmarshalPDU([]byte{0x00, 0x01, tagInt8, 0x05, tagNull})
	assert.ErrorIs(t, err, domainerrors.ErrProtocol)
}

func TestMarshal_UnsupportedType(t *testing.T) {
	_, err := Marshal(struct{}{})
	assert.Error(t, err)
}

func TestMarshal_StringSlicesAndMaps(t *testing.T) {
	data, err := Marshal([]any{"subscribe", "/root", "sub", map[string]any{
		"fields": []string{"name", "exists"},
		"labels": map[string]string{"a": "b"},
	}})
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []any{"subscribe", "/root", "sub", map[string]any{
		"fields": []any{"name", "exists"},
		"labels": map[string]any{"a": "b"},
	}}, got)
}

func TestDecoder_Stream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(map[string]any{"n": int64(1)}))
	require.NoError(t, enc.Encode([]any{"x", int64(300)}))

	dec := NewDecoder(&buf)

	v, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(1)}, v)

	v, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, []any{"x", int64(300)}, v)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_PartialReads(t *testing.T) {
	pdu, err := MarshalPDU(map[string]any{"clock": "c:1:2", "files": []any{}})
	require.NoError(t, err)

	dec := NewDecoder(&oneByteReader{data: pdu})
	v, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"clock": "c:1:2", "files": []any{}}, v)
}

func TestDecoder_Truncated(t *testing.T) {
	pdu, err := MarshalPDU("hello")
	require.NoError(t, err)

	_, err = NewDecoder(bytes.NewReader(pdu[:len(pdu)-2])).Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecoder_BadMagic(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader([]byte{0x07, 0x01, tagInt8, 0x01, tagNull})).Decode()
	assert.ErrorIs(t, err, domainerrors.ErrProtocol)
}

func TestDecoder_BadPayloadKeepsFraming(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{magic[0], magic[1], tagInt8, 0x01, 0x42})
	require.NoError(t, NewEncoder(&buf).Encode("next"))

	dec := NewDecoder(&buf)
	_, err := dec.Decode()
	var payloadErr *PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.ErrorIs(t, err, domainerrors.ErrProtocol)

	v, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "next", v)
}

func TestDecoder_FramingErrorsAreNotPayloadErrors(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader([]byte{magic[0], magic[1], 0x09})).Decode()
	require.ErrorIs(t, err, domainerrors.ErrProtocol)
	var payloadErr *PayloadError
	assert.False(t, errors.As(err, &payloadErr))
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}
