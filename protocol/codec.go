package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"ledgerchat/address"
)

// ErrDecode is the sentinel every DecodeError unwraps to.
var ErrDecode = errors.New("protocol: decode failed")

// DecodeError reports a byte layout that does not match the record kind.
type DecodeError struct {
	Record string
	Field  string
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode %s.%s at offset %d: %s", e.Record, e.Field, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrDecode
}

type encoder struct {
	buf []byte
}

func newEncoder(sizeHint int) *encoder {
	return &encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) boolean(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) key(k address.PublicKey) {
	e.buf = append(e.buf, k[:]...)
}

func (e *encoder) keys(ks []address.PublicKey) {
	e.u32(uint32(len(ks)))
	for _, k := range ks {
		e.key(k)
	}
}

func (e *encoder) optionalString(s *string) {
	if s == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.str(*s)
}

func (e *encoder) bytes() []byte {
	return e.buf
}

type decoder struct {
	record string
	data   []byte
	off    int
}

func newDecoder(record string, data []byte) *decoder {
	return &decoder{record: record, data: data}
}

func (d *decoder) fail(field, reason string) error {
	return &DecodeError{Record: d.record, Field: field, Offset: d.off, Reason: reason}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.off
}

func (d *decoder) take(field string, n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, d.fail(field, fmt.Sprintf("need %d bytes, have %d", n, d.remaining()))
	}
	out := d.data[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) u8(field string) (uint8, error) {
	raw, err := d.take(field, 1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

func (d *decoder) boolean(field string) (bool, error) {
	start := d.off
	v, err := d.u8(field)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		d.off = start
		return false, d.fail(field, fmt.Sprintf("invalid bool byte 0x%02x", v))
	}
}

func (d *decoder) u32(field string) (uint32, error) {
	raw, err := d.take(field, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func (d *decoder) u64(field string) (uint64, error) {
	raw, err := d.take(field, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (d *decoder) str(field string) (string, error) {
	start := d.off
	n, err := d.u32(field)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(d.remaining()) {
		d.off = start
		return "", d.fail(field, fmt.Sprintf("length prefix %d exceeds remaining %d bytes", n, d.remaining()-4))
	}
	raw, err := d.take(field, int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		d.off = start
		return "", d.fail(field, "invalid utf-8")
	}
	return string(raw), nil
}

func (d *decoder) key(field string) (address.PublicKey, error) {
	var k address.PublicKey
	raw, err := d.take(field, address.PublicKeySize)
	if err != nil {
		return k, err
	}
	copy(k[:], raw)
	return k, nil
}

func (d *decoder) keys(field string) ([]address.PublicKey, error) {
	start := d.off
	n, err := d.u32(field)
	if err != nil {
		return nil, err
	}
	if uint64(n)*address.PublicKeySize > uint64(d.remaining()) {
		d.off = start
		return nil, d.fail(field, fmt.Sprintf("count %d exceeds remaining %d bytes", n, d.remaining()-4))
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]address.PublicKey, n)
	for i := range out {
		if out[i], err = d.key(field); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *decoder) optionalString(field string) (*string, error) {
	start := d.off
	flag, err := d.u8(field)
	if err != nil {
		return nil, err
	}
	switch flag {
	case 0:
		return nil, nil
	case 1:
		s, err := d.str(field)
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		d.off = start
		return nil, d.fail(field, fmt.Sprintf("invalid presence byte 0x%02x", flag))
	}
}

// finish rejects trailing bytes. Only instruction payloads require it.
func (d *decoder) finish() error {
	if d.remaining() != 0 {
		return d.fail("end", fmt.Sprintf("%d trailing bytes", d.remaining()))
	}
	return nil
}
