package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/networknext/next/address"
)

// HeaderSize is the 33-byte encrypted-session header: sequence(8) +
// session_id(8) + session_version(1) + AEAD tag(16), spec.md §4.1.
const HeaderSize = 8 + 8 + 1 + 16

// SessionKey is a 32-byte ChaCha20-Poly1305-IETF key for one direction
// of a session (send or receive).
type SessionKey [chacha20poly1305.KeySize]byte

// WriteHeader authenticates {sequence, sessionID, sessionVersion} with
// an empty plaintext ChaCha20-Poly1305-IETF seal, writing the 33-byte
// header described in spec.md §4.1: the 16-byte AEAD tag over
// associated data {session_id, session_version} is the entire MAC
// output, since there is no header plaintext to encrypt.
func WriteHeader(t PacketType, sequence, sessionID uint64, sessionVersion uint8, key SessionKey) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("write header: new cipher: %w", err)
	}

	nonce := headerNonce(t, sequence)
	ad := headerAD(sessionID, sessionVersion)

	tag := aead.Seal(nil, nonce, nil, ad)
	if len(tag) != 16 {
		return nil, fmt.Errorf("write header: unexpected tag length %d", len(tag))
	}

	out := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(out[0:8], sequence)
	binary.LittleEndian.PutUint64(out[8:16], sessionID)
	out[16] = sessionVersion
	copy(out[17:33], tag)
	return out, nil
}

// ReadHeader verifies a 33-byte header against key and returns the
// decoded fields. Spec.md §8's round-trip property: ReadHeader(
// WriteHeader(type, seq, sid, sv, key)) == (type, seq, sid, sv) under
// matching key, and fails under any altered field.
func ReadHeader(t PacketType, header []byte, key SessionKey) (sequence, sessionID uint64, sessionVersion uint8, err error) {
	if len(header) != HeaderSize {
		return 0, 0, 0, fmt.Errorf("read header: expected %d bytes, got %d", HeaderSize, len(header))
	}

	sequence = binary.LittleEndian.Uint64(header[0:8])
	sessionID = binary.LittleEndian.Uint64(header[8:16])
	sessionVersion = header[16]
	tag := header[17:33]

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read header: new cipher: %w", err)
	}

	nonce := headerNonce(t, sequence)
	ad := headerAD(sessionID, sessionVersion)

	if _, err := aead.Open(nil, nonce, tag, ad); err != nil {
		return 0, 0, 0, fmt.Errorf("read header: authentication failed")
	}
	return sequence, sessionID, sessionVersion, nil
}

// headerNonce builds the 12-byte nonce: type(u32 LE) || sequence(u64 LE).
func headerNonce(t PacketType, sequence uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint32(nonce[0:4], uint32(t))
	binary.LittleEndian.PutUint64(nonce[4:12], sequence)
	return nonce
}

// headerAD builds the associated data: session_id || session_version.
func headerAD(sessionID uint64, sessionVersion uint8) []byte {
	ad := make([]byte, 9)
	binary.LittleEndian.PutUint64(ad[0:8], sessionID)
	ad[8] = sessionVersion
	return ad
}

// EncryptBody seals payload under key using a per-packet nonce derived
// from the packet's sequence number, for the "Encrypted packets" table
// in spec.md §4.1 (DIRECT_PING/PONG, CLIENT_STATS, ROUTE_UPDATE(_ACK)):
// session kx-derived key plus an 8-byte sequence nonce.
func EncryptBody(plaintext []byte, sequence uint64, key SessionKey, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt body: new cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:12], sequence)
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// DecryptBody opens ciphertext sealed by EncryptBody.
func DecryptBody(ciphertext []byte, sequence uint64, key SessionKey, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt body: new cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:12], sequence)
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt body: authentication failed")
	}
	return plaintext, nil
}

// minEncryptedPacketSize is the shortest an encrypted-session packet can
// be: type(1) + chonkle(15) + nonce(8) + AEAD tag(16) + pittle(2), with
// an empty plaintext.
const minEncryptedPacketSize = 1 + 15 + 8 + 16 + 2

// WriteEncryptedPacket assembles spec.md §6's "encrypted-session packet"
// framing used by DIRECT_PING/PONG, CLIENT_STATS and ROUTE_UPDATE(_ACK):
// `type || chonkle(15) || nonce(8) || ciphertext(body+16B tag) || pittle(2)`.
// The 8-byte on-wire nonce is just sequence, matching EncryptBody's
// derivation so ReadEncryptedPacket can recover it without a session
// header.
func WriteEncryptedPacket(t PacketType, sequence uint64, plaintext []byte, key SessionKey, additionalData []byte, magic Magic, from, to address.Address) ([]byte, error) {
	ciphertext, err := EncryptBody(plaintext, sequence, key, additionalData)
	if err != nil {
		return nil, fmt.Errorf("write encrypted packet: %w", err)
	}

	total := 1 + 15 + 8 + len(ciphertext) + 2
	out := make([]byte, total)
	out[0] = byte(t)

	chonk := chonkle(magic, from, to, total)
	copy(out[1:16], chonk[:])
	binary.LittleEndian.PutUint64(out[16:24], sequence)
	copy(out[24:], ciphertext)

	trailer := pittle(from, to, total)
	out[total-2] = trailer[0]
	out[total-1] = trailer[1]
	return out, nil
}

// ReadEncryptedPacket validates the chonkle/pittle envelope (trying each
// epoch of magic) and opens the AEAD ciphertext, returning the packet's
// type, sequence and plaintext.
func ReadEncryptedPacket(data []byte, magic MagicSet, from, to address.Address, key SessionKey, additionalData []byte) (t PacketType, sequence uint64, plaintext []byte, err error) {
	if len(data) < minEncryptedPacketSize {
		return 0, 0, nil, fmt.Errorf("read encrypted packet: too short: %d bytes", len(data))
	}
	t = PacketType(data[0])

	ok := false
	for _, m := range magic.All() {
		if AdvancedFilter(data, m, from, to) {
			ok = true
			break
		}
	}
	if !ok {
		return 0, 0, nil, fmt.Errorf("read encrypted packet: chonkle/pittle check failed")
	}

	sequence = binary.LittleEndian.Uint64(data[16:24])
	ciphertext := data[24 : len(data)-2]
	plaintext, err = DecryptBody(ciphertext, sequence, key, additionalData)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("read encrypted packet: %w", err)
	}
	return t, sequence, plaintext, nil
}
