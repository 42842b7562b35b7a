// Package routetoken implements RouteToken and ContinueToken, spec.md's
// data model entries for the encrypted route-installation payloads a
// backend embeds in ROUTE_UPDATE and a server forwards to relays.
package routetoken

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/networknext/next/address"
)

// PrivateKeySize is the length of the per-hop route private key
// embedded in a decrypted RouteToken.
const PrivateKeySize = 32

// RouteToken is the plaintext form of spec.md's RouteToken: {expire_timestamp,
// session_id, session_version, kbps_up, kbps_down, next_address,
// private_key(32B)}.
type RouteToken struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
	KbpsUp          uint32
	KbpsDown        uint32
	NextAddress     address.Address
	PrivateKey      [PrivateKeySize]byte
}

// ContinueToken is the plaintext form of spec.md's ContinueToken:
// {expire_timestamp, session_id, session_version}.
type ContinueToken struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
}

// encodedRouteTokenSize is the fixed plaintext layout size before AEAD
// sealing: 8 (expire) + 8 (session id) + 1 (version) + 4 (kbps up) +
// 4 (kbps down) + 19 (address: 1 tag + 16 max + 2 port) + 32 (private key).
const encodedRouteTokenSize = 8 + 8 + 1 + 4 + 4 + 19 + PrivateKeySize

const encodedContinueTokenSize = 8 + 8 + 1

// EncryptRouteToken seals a RouteToken under the shared router/route
// key pair, for the backend to embed in a ROUTE_UPDATE token array.
// nonce must be unique per encryption (spec.md's token arrays carry one
// nonce per entry, distinct from the packet-level sequence nonce).
func EncryptRouteToken(token RouteToken, nonce [chacha20poly1305.NonceSize]byte, key [chacha20poly1305.KeySize]byte) ([]byte, error) {
	plaintext := encodeRouteToken(token)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt route token: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// DecryptRouteToken opens a route token sealed by EncryptRouteToken,
// using the router public key + server/client route private key
// derived shared key, per spec.md §4.8.
func DecryptRouteToken(ciphertext []byte, nonce [chacha20poly1305.NonceSize]byte, key [chacha20poly1305.KeySize]byte) (RouteToken, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return RouteToken{}, fmt.Errorf("decrypt route token: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return RouteToken{}, fmt.Errorf("decrypt route token: authentication failed")
	}
	return decodeRouteToken(plaintext)
}

func encodeRouteToken(t RouteToken) []byte {
	buf := make([]byte, encodedRouteTokenSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], t.ExpireTimestamp)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], t.SessionID)
	off += 8
	buf[off] = t.SessionVersion
	off++
	binary.LittleEndian.PutUint32(buf[off:], t.KbpsUp)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], t.KbpsDown)
	off += 4
	off += encodeAddress(buf[off:], t.NextAddress)
	copy(buf[off:], t.PrivateKey[:])
	return buf
}

func decodeRouteToken(buf []byte) (RouteToken, error) {
	if len(buf) != encodedRouteTokenSize {
		return RouteToken{}, fmt.Errorf("decode route token: expected %d bytes, got %d", encodedRouteTokenSize, len(buf))
	}
	var t RouteToken
	off := 0
	t.ExpireTimestamp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	t.SessionID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	t.SessionVersion = buf[off]
	off++
	t.KbpsUp = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	t.KbpsDown = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	addr, n, err := decodeAddress(buf[off:])
	if err != nil {
		return RouteToken{}, fmt.Errorf("decode route token: %w", err)
	}
	t.NextAddress = addr
	off += n
	copy(t.PrivateKey[:], buf[off:off+PrivateKeySize])
	return t, nil
}

// EncryptContinueToken seals a ContinueToken the same way as a
// RouteToken, for use in CONTINUE_REQUEST/RESPONSE token arrays.
func EncryptContinueToken(token ContinueToken, nonce [chacha20poly1305.NonceSize]byte, key [chacha20poly1305.KeySize]byte) ([]byte, error) {
	plaintext := encodeContinueToken(token)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt continue token: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// DecryptContinueToken opens a continue token sealed by EncryptContinueToken.
func DecryptContinueToken(ciphertext []byte, nonce [chacha20poly1305.NonceSize]byte, key [chacha20poly1305.KeySize]byte) (ContinueToken, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return ContinueToken{}, fmt.Errorf("decrypt continue token: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return ContinueToken{}, fmt.Errorf("decrypt continue token: authentication failed")
	}
	return decodeContinueToken(plaintext)
}

func encodeContinueToken(t ContinueToken) []byte {
	buf := make([]byte, encodedContinueTokenSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.ExpireTimestamp)
	binary.LittleEndian.PutUint64(buf[8:16], t.SessionID)
	buf[16] = t.SessionVersion
	return buf
}

func decodeContinueToken(buf []byte) (ContinueToken, error) {
	if len(buf) != encodedContinueTokenSize {
		return ContinueToken{}, fmt.Errorf("decode continue token: expected %d bytes, got %d", encodedContinueTokenSize, len(buf))
	}
	return ContinueToken{
		ExpireTimestamp: binary.LittleEndian.Uint64(buf[0:8]),
		SessionID:       binary.LittleEndian.Uint64(buf[8:16]),
		SessionVersion:  buf[16],
	}, nil
}

// encodeAddress writes a fixed 19-byte slot: 1 tag byte, 16 address
// bytes (zero-padded for IPv4/None), 2 port bytes. A fixed-width
// encoding (rather than the wire bitstream's variable-width union) is
// used here because route tokens are themselves sealed as one opaque
// AEAD blob, not bit-packed alongside other fields.
func encodeAddress(buf []byte, a address.Address) int {
	buf[0] = byte(a.Kind())
	switch a.Kind() {
	case address.KindIPv4:
		b := a.As4()
		copy(buf[1:5], b[:])
	case address.KindIPv6:
		b := a.As16()
		copy(buf[1:17], b[:])
	}
	binary.LittleEndian.PutUint16(buf[17:19], a.Port())
	return 19
}

func decodeAddress(buf []byte) (address.Address, int, error) {
	if len(buf) < 19 {
		return address.None, 0, fmt.Errorf("decode address: too short")
	}
	kind := address.Kind(buf[0])
	port := binary.LittleEndian.Uint16(buf[17:19])
	switch kind {
	case address.KindNone:
		return address.None, 19, nil
	case address.KindIPv4:
		var b [4]byte
		copy(b[:], buf[1:5])
		return address.FromIP(netipAddrFrom4(b), port), 19, nil
	case address.KindIPv6:
		var b [16]byte
		copy(b[:], buf[1:17])
		return address.FromIP(netipAddrFrom16(b), port), 19, nil
	default:
		return address.None, 0, fmt.Errorf("decode address: unknown kind %d", kind)
	}
}
