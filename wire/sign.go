package wire

import (
	"crypto/ed25519"
	"fmt"
)

// SignatureSize is the trailing Ed25519 signature length spec.md §6
// appends to signed packets before the pittle trailer.
const SignatureSize = ed25519.SignatureSize

// Sign signs type||body (the packet's content excluding the chonkle
// field, per spec.md §4.1 "Signed packets") with privateKey.
func Sign(t PacketType, body []byte, privateKey ed25519.PrivateKey) []byte {
	msg := make([]byte, 1+len(body))
	msg[0] = byte(t)
	copy(msg[1:], body)
	return ed25519.Sign(privateKey, msg)
}

// VerifySignature checks a signature produced by Sign.
func VerifySignature(t PacketType, body []byte, signature []byte, publicKey ed25519.PublicKey) error {
	if len(signature) != SignatureSize {
		return fmt.Errorf("verify signature: expected %d bytes, got %d", SignatureSize, len(signature))
	}
	msg := make([]byte, 1+len(body))
	msg[0] = byte(t)
	copy(msg[1:], body)
	if !ed25519.Verify(publicKey, msg, signature) {
		return fmt.Errorf("verify signature: signature check failed")
	}
	return nil
}
