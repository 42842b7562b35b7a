package routetoken

import (
	"testing"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/networknext/next/address"
)

func testKey() [chacha20poly1305.KeySize]byte {
	var k [chacha20poly1305.KeySize]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestRouteTokenRoundTrip(t *testing.T) {
	addr, err := address.Parse("203.0.113.5:40000")
	if err != nil {
		t.Fatal(err)
	}
	token := RouteToken{
		ExpireTimestamp: 123456,
		SessionID:       0xABCDEF,
		SessionVersion:  3,
		KbpsUp:          1000,
		KbpsDown:        2000,
		NextAddress:     addr,
	}
	for i := range token.PrivateKey {
		token.PrivateKey[i] = byte(i * 7)
	}

	key := testKey()
	var nonce [chacha20poly1305.NonceSize]byte
	nonce[0] = 1

	ciphertext, err := EncryptRouteToken(token, nonce, key)
	if err != nil {
		t.Fatalf("EncryptRouteToken: %v", err)
	}

	got, err := DecryptRouteToken(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("DecryptRouteToken: %v", err)
	}

	if got.ExpireTimestamp != token.ExpireTimestamp || got.SessionID != token.SessionID ||
		got.SessionVersion != token.SessionVersion || got.KbpsUp != token.KbpsUp ||
		got.KbpsDown != token.KbpsDown || got.PrivateKey != token.PrivateKey {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, token)
	}
	if !got.NextAddress.Equal(token.NextAddress) {
		t.Errorf("address mismatch: got %v want %v", got.NextAddress, token.NextAddress)
	}
}

func TestRouteTokenTamperedCiphertextRejected(t *testing.T) {
	key := testKey()
	var nonce [chacha20poly1305.NonceSize]byte

	ciphertext, err := EncryptRouteToken(RouteToken{SessionID: 1}, nonce, key)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext[0] ^= 0xFF

	if _, err := DecryptRouteToken(ciphertext, nonce, key); err == nil {
		t.Errorf("expected authentication failure on tampered route token")
	}
}

func TestContinueTokenRoundTrip(t *testing.T) {
	key := testKey()
	var nonce [chacha20poly1305.NonceSize]byte
	nonce[3] = 9

	token := ContinueToken{ExpireTimestamp: 555, SessionID: 777, SessionVersion: 2}
	ciphertext, err := EncryptContinueToken(token, nonce, key)
	if err != nil {
		t.Fatalf("EncryptContinueToken: %v", err)
	}
	got, err := DecryptContinueToken(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("DecryptContinueToken: %v", err)
	}
	if got != token {
		t.Errorf("round trip mismatch: got %+v want %+v", got, token)
	}
}

func TestRouteTokenNoneAddress(t *testing.T) {
	key := testKey()
	var nonce [chacha20poly1305.NonceSize]byte

	token := RouteToken{SessionID: 42, NextAddress: address.None}
	ciphertext, err := EncryptRouteToken(token, nonce, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptRouteToken(ciphertext, nonce, key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextAddress.IsNone() {
		t.Errorf("expected NextAddress to round-trip as None")
	}
}
