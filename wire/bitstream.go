package wire

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/networknext/next/address"
)

// BitWriter/BitReader implement the bitpacked stream spec.md §4.1
// requires for backend and control packets: bits, int(min..max),
// uint64, float, double, bool, string(max_len), address, bytes(n).
// Generalized from the teacher's fixed byte-offset Marshal/Unmarshal in
// packet.go into a variable-width bit stream, since the backend
// messages in spec.md §4.9 have many small ranged integer fields that
// don't deserve a full byte each.

// BitWriter accumulates bits MSB-first within each byte.
type BitWriter struct {
	buf     []byte
	bitPos  uint // next bit to write within buf[len(buf)-1], 0 == fresh byte
}

// NewBitWriter creates an empty BitWriter.
func NewBitWriter() *BitWriter {
	return &BitWriter{}
}

// WriteBits writes the low nbits of value.
func (w *BitWriter) WriteBits(value uint64, nbits int) {
	for i := nbits - 1; i >= 0; i-- {
		bit := byte((value >> uint(i)) & 1)
		if w.bitPos == 0 {
			w.buf = append(w.buf, 0)
		}
		w.buf[len(w.buf)-1] |= bit << (7 - w.bitPos)
		w.bitPos = (w.bitPos + 1) % 8
	}
}

// WriteBool writes a single bit.
func (w *BitWriter) WriteBool(v bool) {
	if v {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// WriteInt writes value, known by both sides to lie in [min,max], using
// the minimum number of bits needed to span that range.
func (w *BitWriter) WriteInt(value, min, max int64) error {
	if value < min || value > max {
		return fmt.Errorf("write int: value %d out of range [%d,%d]", value, min, max)
	}
	nbits := bitsForRange(min, max)
	w.WriteBits(uint64(value-min), nbits)
	return nil
}

// WriteUint64 writes a full 64-bit value.
func (w *BitWriter) WriteUint64(v uint64) {
	w.WriteBits(v, 64)
}

// WriteFloat writes a float32 as its raw 32 bits.
func (w *BitWriter) WriteFloat(v float32) {
	w.WriteBits(uint64(math.Float32bits(v)), 32)
}

// WriteDouble writes a float64 as its raw 64 bits.
func (w *BitWriter) WriteDouble(v float64) {
	w.WriteBits(math.Float64bits(v), 64)
}

// WriteString writes a length-prefixed string capped at maxLen bytes.
func (w *BitWriter) WriteString(s string, maxLen int) error {
	if len(s) > maxLen {
		return fmt.Errorf("write string: length %d exceeds max %d", len(s), maxLen)
	}
	nbits := bitsForRange(0, int64(maxLen))
	w.WriteBits(uint64(len(s)), nbits)
	for i := 0; i < len(s); i++ {
		w.WriteBits(uint64(s[i]), 8)
	}
	return nil
}

// WriteBytes writes exactly n raw bytes.
func (w *BitWriter) WriteBytes(b []byte) {
	for _, v := range b {
		w.WriteBits(uint64(v), 8)
	}
}

// WriteAddress encodes the tagged union: 2-bit kind tag, then either
// nothing (None), 4 bytes + port (IPv4), or 16 bytes + port (IPv6).
func (w *BitWriter) WriteAddress(a address.Address) {
	w.WriteBits(uint64(a.Kind()), 2)
	switch a.Kind() {
	case address.KindIPv4:
		b := a.As4()
		w.WriteBytes(b[:])
		w.WriteBits(uint64(a.Port()), 16)
	case address.KindIPv6:
		b := a.As16()
		w.WriteBytes(b[:])
		w.WriteBits(uint64(a.Port()), 16)
	}
}

// Bytes returns the written byte slice (padded with zero bits in the
// final byte if not aligned).
func (w *BitWriter) Bytes() []byte {
	return w.buf
}

// BitReader consumes a BitWriter-produced stream.
type BitReader struct {
	buf    []byte
	bytePos int
	bitPos  uint
}

// NewBitReader wraps data for reading.
func NewBitReader(data []byte) *BitReader {
	return &BitReader{buf: data}
}

func (r *BitReader) ReadBits(nbits int) (uint64, error) {
	var v uint64
	for i := 0; i < nbits; i++ {
		if r.bytePos >= len(r.buf) {
			return 0, fmt.Errorf("read bits: underflow reading bit %d of %d", i, nbits)
		}
		bit := (r.buf[r.bytePos] >> (7 - r.bitPos)) & 1
		v = (v << 1) | uint64(bit)
		r.bitPos++
		if r.bitPos == 8 {
			r.bitPos = 0
			r.bytePos++
		}
	}
	return v, nil
}

func (r *BitReader) ReadBool() (bool, error) {
	v, err := r.ReadBits(1)
	return v == 1, err
}

func (r *BitReader) ReadInt(min, max int64) (int64, error) {
	nbits := bitsForRange(min, max)
	v, err := r.ReadBits(nbits)
	if err != nil {
		return 0, fmt.Errorf("read int: %w", err)
	}
	return int64(v) + min, nil
}

func (r *BitReader) ReadUint64() (uint64, error) {
	return r.ReadBits(64)
}

func (r *BitReader) ReadFloat() (float32, error) {
	v, err := r.ReadBits(32)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(v)), nil
}

func (r *BitReader) ReadDouble() (float64, error) {
	v, err := r.ReadBits(64)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *BitReader) ReadString(maxLen int) (string, error) {
	nbits := bitsForRange(0, int64(maxLen))
	n, err := r.ReadBits(nbits)
	if err != nil {
		return "", fmt.Errorf("read string: length: %w", err)
	}
	if int(n) > maxLen {
		return "", fmt.Errorf("read string: length %d exceeds max %d", n, maxLen)
	}
	buf := make([]byte, n)
	for i := range buf {
		v, err := r.ReadBits(8)
		if err != nil {
			return "", fmt.Errorf("read string: byte %d: %w", i, err)
		}
		buf[i] = byte(v)
	}
	return string(buf), nil
}

func (r *BitReader) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := range buf {
		v, err := r.ReadBits(8)
		if err != nil {
			return nil, fmt.Errorf("read bytes: byte %d: %w", i, err)
		}
		buf[i] = byte(v)
	}
	return buf, nil
}

func (r *BitReader) ReadAddress() (address.Address, error) {
	kind, err := r.ReadBits(2)
	if err != nil {
		return address.None, fmt.Errorf("read address: kind: %w", err)
	}
	switch address.Kind(kind) {
	case address.KindNone:
		return address.None, nil
	case address.KindIPv4:
		b, err := r.ReadBytes(4)
		if err != nil {
			return address.None, fmt.Errorf("read address: ipv4: %w", err)
		}
		port, err := r.ReadBits(16)
		if err != nil {
			return address.None, fmt.Errorf("read address: port: %w", err)
		}
		var ip [4]byte
		copy(ip[:], b)
		return addressFrom4(ip, uint16(port)), nil
	case address.KindIPv6:
		b, err := r.ReadBytes(16)
		if err != nil {
			return address.None, fmt.Errorf("read address: ipv6: %w", err)
		}
		port, err := r.ReadBits(16)
		if err != nil {
			return address.None, fmt.Errorf("read address: port: %w", err)
		}
		var ip [16]byte
		copy(ip[:], b)
		return addressFrom16(ip, uint16(port)), nil
	default:
		return address.None, fmt.Errorf("read address: unknown kind %d", kind)
	}
}

// bitsForRange returns the number of bits needed to represent any value
// in [min,max].
func bitsForRange(min, max int64) int {
	span := uint64(max - min)
	if span == 0 {
		return 1
	}
	return bits.Len64(span)
}
