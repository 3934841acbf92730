package bser

import (
	"encoding/binary"
	"fmt"
	"io"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

// maxPDU bounds the payload a Decoder will allocate for a single message.
const maxPDU = 1 << 30

// PayloadError reports a PDU that was framed correctly but whose payload
// failed to decode. The stream is still positioned at the next PDU.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string { return e.Err.Error() }

func (e *PayloadError) Unwrap() error { return e.Err }

// Decoder reads framed PDUs from a stream.
type Decoder struct {
	r   io.Reader
	buf []byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next PDU and returns its value. It blocks until the
// declared length has been read. io.EOF is returned unchanged when the stream
// ends cleanly between PDUs. Payload failures are returned as *PayloadError;
// any other error leaves the stream position unknown.
func (d *Decoder) Decode() (any, error) {
	var head [3]byte
	if _, err := io.ReadFull(d.r, head[:]); err != nil {
		return nil, err
	}
	if head[0] != magic[0] || head[1] != magic[1] {
		return nil, domainerrors.Protocol("bser: invalid magic")
	}

	var width int
	switch head[2] {
	case tagInt8:
		width = 1
	case tagInt16:
		width = 2
	case tagInt32:
		width = 4
	case tagInt64:
		width = 8
	default:
		return nil, domainerrors.Protocolf("bser: invalid length tag 0x%02x", head[2])
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(d.r, lenBuf[:width]); err != nil {
		return nil, unexpected(err)
	}
	var n int64
	switch width {
	case 1:
		n = int64(int8(lenBuf[0]))
	case 2:
		n = int64(int16(binary.LittleEndian.Uint16(lenBuf[:2])))
	case 4:
		n = int64(int32(binary.LittleEndian.Uint32(lenBuf[:4])))
	default:
		n = int64(binary.LittleEndian.Uint64(lenBuf[:8]))
	}
	if n < 0 || n > maxPDU {
		return nil, domainerrors.Protocolf("bser: invalid PDU length %d", n)
	}

	if cap(d.buf) < int(n) {
		d.buf = make([]byte, n)
	}
	d.buf = d.buf[:n]
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, unexpected(err)
	}
	v, err := Unmarshal(d.buf)
	if err != nil {
		return nil, &PayloadError{Err: err}
	}
	return v, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Encoder writes framed PDUs to a stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v as a single PDU.
func (e *Encoder) Encode(v any) error {
	pdu, err := MarshalPDU(v)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(pdu); err != nil {
		return fmt.Errorf("bser: write: %w", err)
	}
	return nil
}
