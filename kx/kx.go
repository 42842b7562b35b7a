// Package kx implements the client/server key exchange used to derive
// a session's send/receive keys during the UPGRADE handshake: a
// Curve25519 Diffie-Hellman shared secret run through HKDF-SHA256,
// per spec.md's `kx_keypair` data-model field.
package kx

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the Curve25519 scalar/point size.
const KeySize = curve25519.PointSize

// SessionKeySize is the ChaCha20-Poly1305-IETF key size HKDF expands
// into for each direction of a session.
const SessionKeySize = 32

// KeyPair is one side's ephemeral Curve25519 key pair for a session
// handshake.
type KeyPair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// Generate creates a fresh random Curve25519 key pair.
func Generate() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return KeyPair{}, fmt.Errorf("kx generate: %w", err)
	}
	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kx generate: %w", err)
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// SessionKeys holds the two directional keys derived from a completed
// handshake, matching spec.md's {send_key, receive_key} pair on both
// ClientSession and ServerSessionEntry (swapped between the two sides).
type SessionKeys struct {
	SendKey    [SessionKeySize]byte
	ReceiveKey [SessionKeySize]byte
}

// clientSendInfo/serverSendInfo are the HKDF "info" labels distinguishing
// the two directions derived from one shared secret, so that the
// client's send key is the server's receive key and vice versa.
var (
	clientSendInfo = []byte("next client to server")
	serverSendInfo = []byte("next server to client")
)

// DeriveClientKeys computes the shared secret from the client's private
// key and the server's public key, then derives {send_key, receive_key}
// from the client's point of view.
func DeriveClientKeys(clientPrivateKey, serverPublicKey [KeySize]byte) (SessionKeys, error) {
	shared, err := curve25519.X25519(clientPrivateKey[:], serverPublicKey[:])
	if err != nil {
		return SessionKeys{}, fmt.Errorf("kx derive client keys: %w", err)
	}
	var keys SessionKeys
	if err := deriveKey(shared, clientSendInfo, keys.SendKey[:]); err != nil {
		return SessionKeys{}, err
	}
	if err := deriveKey(shared, serverSendInfo, keys.ReceiveKey[:]); err != nil {
		return SessionKeys{}, err
	}
	return keys, nil
}

// DeriveServerKeys computes the same shared secret from the server's
// side and derives {send_key, receive_key} from the server's point of
// view (send/receive swapped relative to DeriveClientKeys).
func DeriveServerKeys(serverPrivateKey, clientPublicKey [KeySize]byte) (SessionKeys, error) {
	shared, err := curve25519.X25519(serverPrivateKey[:], clientPublicKey[:])
	if err != nil {
		return SessionKeys{}, fmt.Errorf("kx derive server keys: %w", err)
	}
	var keys SessionKeys
	if err := deriveKey(shared, serverSendInfo, keys.SendKey[:]); err != nil {
		return SessionKeys{}, err
	}
	if err := deriveKey(shared, clientSendInfo, keys.ReceiveKey[:]); err != nil {
		return SessionKeys{}, err
	}
	return keys, nil
}

// DeriveSharedKey computes a raw X25519 shared secret and uses it
// directly as a 32-byte symmetric key, with no HKDF label. This is the
// "router public key + own route private key" combination spec.md §3
// names for decrypting a RouteToken/ContinueToken: unlike the
// directional session keys above, a route token's sealing key has no
// send/receive split, so the shared point itself is the key.
func DeriveSharedKey(privateKey, publicKey [KeySize]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(privateKey[:], publicKey[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("kx derive shared key: %w", err)
	}
	var key [32]byte
	copy(key[:], shared)
	return key, nil
}

func deriveKey(secret, info, out []byte) error {
	reader := hkdf.New(sha256.New, secret, nil, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("kx hkdf expand: %w", err)
	}
	return nil
}
