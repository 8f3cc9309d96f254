// Package proxy implements the snapdbproxy wire protocol: the Order and
// OrderResult envelopes, their binary codec, and the framed transport used
// on both sides of a proxy connection.
//
// Every frame is a 4 byte tag, a 4 byte big-endian payload length and the
// payload itself. Orders travel under the "CQLP" tag; results come back
// under "SUCS" or "ERRO" depending on whether the order succeeded.
package proxy

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

const (
	// OrderTag opens every client to proxy frame.
	OrderTag = "CQLP"
	// SuccessTag and ErrorTag open proxy to client frames.
	SuccessTag = "SUCS"
	ErrorTag   = "ERRO"

	frameHeaderLen = 8

	// maxPayloadLen bounds a single frame. A frame claiming more than
	// this is treated as protocol corruption, not as a large request.
	maxPayloadLen = 64 << 20
)

// ErrBadTag is returned when a frame opens with an unexpected tag.
var ErrBadTag = errors.New("proxy: unexpected frame tag")

func writeFrame(w io.Writer, tag string, payload []byte) error {
	buf := make([]byte, frameHeaderLen+len(payload))
	copy(buf, tag)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func readFrame(r io.Reader) (tag string, payload []byte, err error) {
	var head [frameHeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		// EOF before any byte means the peer hung up cleanly.
		if err == io.EOF {
			return "", nil, err
		}
		return "", nil, errors.Wrap(err, "read frame header")
	}
	n := binary.BigEndian.Uint32(head[4:])
	if n > maxPayloadLen {
		return "", nil, errors.Errorf("read frame: payload length %d exceeds limit", n)
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, errors.Wrap(err, "read frame payload")
	}
	return string(head[:4]), payload, nil
}

// WriteOrder frames and sends one order.
func WriteOrder(w io.Writer, o *Order) error {
	payload, err := o.Encode()
	if err != nil {
		return err
	}
	return writeFrame(w, OrderTag, payload)
}

// ReadOrder reads and decodes the next order frame. io.EOF is returned
// untouched when the peer hung up between frames. On decode failure the
// returned order is non-nil and invalid so the caller can tell a protocol
// error from a transport error.
func ReadOrder(r io.Reader) (*Order, error) {
	tag, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if tag != OrderTag {
		return nil, errors.Wrapf(ErrBadTag, "got %q, want %q", tag, OrderTag)
	}
	return DecodeOrder(payload)
}

// WriteResult frames and sends one result; the tag carries Succeeded.
func WriteResult(w io.Writer, res *OrderResult) error {
	payload, err := res.Encode()
	if err != nil {
		return err
	}
	tag := SuccessTag
	if !res.Succeeded {
		tag = ErrorTag
	}
	return writeFrame(w, tag, payload)
}

// ReadResult reads and decodes the next result frame.
func ReadResult(r io.Reader) (*OrderResult, error) {
	tag, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if tag != SuccessTag && tag != ErrorTag {
		return nil, errors.Wrapf(ErrBadTag, "got %q", tag)
	}
	res, err := DecodeOrderResult(payload)
	if err != nil {
		return nil, err
	}
	res.Succeeded = tag == SuccessTag
	return res, nil
}

// Conn is the client side of a proxy connection. Orders on one Conn are
// strictly serialized: SendOrder holds the connection for the full
// request/response exchange.
type Conn struct {
	mtx  sync.Mutex
	conn net.Conn
}

// NewConn wraps an established connection to a proxy.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// SendOrder sends one order and waits for its result.
func (c *Conn) SendOrder(o *Order) (*OrderResult, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := WriteOrder(c.conn, o); err != nil {
		return nil, err
	}
	return ReadResult(c.conn)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
