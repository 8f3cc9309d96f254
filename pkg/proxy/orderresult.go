package proxy

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// OrderResult is the proxy's reply to one order. The meaning of the result
// blobs depends on the order kind that produced them: row data is a
// flattened sequence of column blobs, and declare kinds prepend the newly
// assigned cursor or batch handle as a 4 byte integer.
type OrderResult struct {
	Succeeded bool
	Results   [][]byte
}

// AddResult appends one result blob.
func (r *OrderResult) AddResult(p []byte) {
	r.Results = append(r.Results, p)
}

// AddHandle appends a cursor or batch handle as a 4 byte big-endian blob.
func (r *OrderResult) AddHandle(h int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(h))
	r.AddResult(b[:])
}

// Handle decodes blob i as a handle previously written with AddHandle.
func (r *OrderResult) Handle(i int) (int32, error) {
	if i >= len(r.Results) || len(r.Results[i]) != 4 {
		return 0, errors.New("proxy: result blob is not a handle")
	}
	return int32(binary.BigEndian.Uint32(r.Results[i])), nil
}

// Encode serializes the result payload (without the transport frame
// header; success is carried by the frame tag).
func (r *OrderResult) Encode() ([]byte, error) {
	if len(r.Results) > maxStringLen {
		return nil, errors.Wrap(ErrTooLong, "order result")
	}
	size := 2
	for _, p := range r.Results {
		size += 4 + len(p)
	}
	e := NewEncoder(size)
	e.WriteUint16(uint16(len(r.Results)))
	for _, p := range r.Results {
		e.WriteBytes(p)
	}
	return e.Bytes(), nil
}

// DecodeOrderResult rebuilds a result from a frame payload. The returned
// result owns its blobs; buf may be reused afterwards. Succeeded is left
// false, the transport sets it from the frame tag.
func DecodeOrderResult(buf []byte) (*OrderResult, error) {
	r := &OrderResult{}
	d := NewDecoder(buf)
	count := int(d.ReadUint16())
	if d.Err() == nil && count > 0 {
		r.Results = make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			p := d.ReadBytes()
			if d.Err() != nil {
				break
			}
			r.Results = append(r.Results, append([]byte(nil), p...))
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.Wrap(err, "decode order result")
	}
	if d.Remaining() != 0 {
		return nil, errors.Errorf("decode order result: %d trailing bytes", d.Remaining())
	}
	return r, nil
}
