package proxy

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrTruncated is returned when a frame payload ends before the field
// currently being decoded.
var ErrTruncated = errors.New("proxy: truncated frame")

// ErrTooLong is returned when a string or blob exceeds what its length
// prefix can represent.
var ErrTooLong = errors.New("proxy: field too long")

const maxStringLen = 1<<16 - 1

// Encoder builds a frame payload. All integers are big-endian, strings are
// prefixed with a uint16 length and blobs with a uint32 length, matching the
// decoder exactly. Size the encoder up front; appends never fail.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) WriteInt8(v int8) {
	e.buf = append(e.buf, byte(v))
}

func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) WriteInt32(v int32) {
	e.WriteUint32(uint32(v))
}

func (e *Encoder) WriteInt64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

// WriteString writes a P16 string: uint16 length followed by the UTF-8
// bytes. The caller must have checked the 65535 byte limit.
func (e *Encoder) WriteString(s string) {
	e.WriteUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes writes a uint32 length followed by the raw bytes.
func (e *Encoder) WriteBytes(p []byte) {
	e.WriteUint32(uint32(len(p)))
	e.buf = append(e.buf, p...)
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Decoder walks a frame payload. It does not copy the source buffer: slices
// returned by ReadBytes alias it, and the caller must copy anything it keeps
// past the buffer's lifetime. The first short read makes the error sticky
// and every later read returns a zero value.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder returns a decoder over buf. The decoder keeps a reference to
// buf for its whole lifetime.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) fail() {
	if d.err == nil {
		d.err = errors.WithStack(ErrTruncated)
	}
}

func (d *Decoder) ReadUint8() uint8 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.fail()
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *Decoder) ReadInt8() int8 {
	return int8(d.ReadUint8())
}

func (d *Decoder) ReadUint16() uint16 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 2 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v
}

func (d *Decoder) ReadUint32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 4 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *Decoder) ReadInt32() int32 {
	return int32(d.ReadUint32())
}

func (d *Decoder) ReadInt64() int64 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 8 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return int64(v)
}

// ReadString reads a P16 string.
func (d *Decoder) ReadString() string {
	n := int(d.ReadUint16())
	if d.err != nil {
		return ""
	}
	if len(d.buf) < n {
		d.fail()
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

// ReadBytes reads a uint32-prefixed blob. The returned slice aliases the
// decoder's buffer.
func (d *Decoder) ReadBytes() []byte {
	n := int(d.ReadUint32())
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.fail()
		return nil
	}
	p := d.buf[:n]
	d.buf = d.buf[n:]
	return p
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf)
}

// Err returns the sticky decode error, if any.
func (d *Decoder) Err() error {
	return d.err
}
