package wire

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/networknext/next/address"
)

func testAddrs(t *testing.T) (from, to address.Address) {
	t.Helper()
	a, err := address.Parse("10.0.0.1:30000")
	if err != nil {
		t.Fatal(err)
	}
	b, err := address.Parse("10.0.0.2:40000")
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestChonkleDeterministicAndSensitive(t *testing.T) {
	from, to := testAddrs(t)
	magic := Magic{1, 2, 3, 4, 5, 6, 7, 8}

	c1 := chonkle(magic, from, to, 100)
	c2 := chonkle(magic, from, to, 100)
	if c1 != c2 {
		t.Fatalf("chonkle is not deterministic")
	}

	magic2 := magic
	magic2[0] ^= 0xFF
	c3 := chonkle(magic2, from, to, 100)
	if c3 == c1 {
		t.Fatalf("flipping a magic byte did not change chonkle output")
	}
}

func TestControlPacketRoundTrip(t *testing.T) {
	from, to := testAddrs(t)
	var magicSet MagicSet
	magicSet.Current = Magic{9, 9, 9, 9, 9, 9, 9, 9}

	body := []byte("hello world")
	data, err := WriteControlPacket(PacketPing, body, magicSet.Current, from, to, nil)
	if err != nil {
		t.Fatalf("WriteControlPacket: %v", err)
	}

	if !BasicFilter(data) {
		t.Errorf("basic filter rejected a well-formed control packet")
	}

	gotType, gotBody, err := ReadControlPacket(data, magicSet, from, to, nil)
	if err != nil {
		t.Fatalf("ReadControlPacket: %v", err)
	}
	if gotType != PacketPing {
		t.Errorf("type mismatch: got %v want %v", gotType, PacketPing)
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("body mismatch: got %q want %q", gotBody, body)
	}
}

func TestSignedControlPacketRoundTrip(t *testing.T) {
	from, to := testAddrs(t)
	var magicSet MagicSet
	magicSet.Current = Magic{1, 1, 1, 1, 1, 1, 1, 1}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	body := []byte("upgrade request body")
	data, err := WriteControlPacket(PacketUpgradeRequest, body, magicSet.Current, from, to, priv)
	if err != nil {
		t.Fatalf("WriteControlPacket: %v", err)
	}

	gotType, gotBody, err := ReadControlPacket(data, magicSet, from, to, pub)
	if err != nil {
		t.Fatalf("ReadControlPacket: %v", err)
	}
	if gotType != PacketUpgradeRequest || !bytes.Equal(gotBody, body) {
		t.Errorf("round trip mismatch")
	}

	// Tamper with the body and confirm signature verification fails.
	data[20] ^= 0xFF
	if _, _, err := ReadControlPacket(data, magicSet, from, to, pub); err == nil {
		t.Errorf("expected signature verification failure on tampered body")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	var key SessionKey
	for i := range key {
		key[i] = byte(i)
	}

	header, err := WriteHeader(PacketDirectPing, 42, 0xDEADBEEF, 7, key)
	if err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if len(header) != HeaderSize {
		t.Fatalf("expected header size %d, got %d", HeaderSize, len(header))
	}

	seq, sid, sv, err := ReadHeader(PacketDirectPing, header, key)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if seq != 42 || sid != 0xDEADBEEF || sv != 7 {
		t.Errorf("mismatch: seq=%d sid=%d sv=%d", seq, sid, sv)
	}

	// Altering any field should fail verification.
	tampered := append([]byte(nil), header...)
	tampered[0] ^= 0xFF
	if _, _, _, err := ReadHeader(PacketDirectPing, tampered, key); err == nil {
		t.Errorf("expected failure reading header with altered sequence byte")
	}

	var wrongKey SessionKey
	if _, _, _, err := ReadHeader(PacketDirectPing, header, wrongKey); err == nil {
		t.Errorf("expected failure reading header under wrong key")
	}
}

func TestPayloadPacketRoundTrip(t *testing.T) {
	from, to := testAddrs(t)
	magic := Magic{5, 5, 5, 5, 5, 5, 5, 5}
	var magicSet MagicSet
	magicSet.Current = magic

	var key SessionKey
	for i := range key {
		key[i] = byte(i * 3)
	}

	payload := []byte("game state update")
	data, err := WritePayloadPacket(PacketClientToServer, 1, 777, 1, key, payload, magic, from, to)
	if err != nil {
		t.Fatalf("WritePayloadPacket: %v", err)
	}

	seq, sid, sv, gotPayload, err := ReadPayloadPacket(data, magicSet, from, to, key)
	if err != nil {
		t.Fatalf("ReadPayloadPacket: %v", err)
	}
	if seq != 1 || sid != 777 || sv != 1 {
		t.Errorf("header mismatch: seq=%d sid=%d sv=%d", seq, sid, sv)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload mismatch: got %q want %q", gotPayload, payload)
	}
}

func TestBasicFilterBoundary(t *testing.T) {
	// 17 bytes must be rejected.
	data := make([]byte, 17)
	data[0] = byte(PacketPing)
	if BasicFilter(data) {
		t.Errorf("basic filter accepted a 17-byte non-passthrough packet")
	}
}

func TestBasicFilterAcceptsPassthroughAnyLength(t *testing.T) {
	data := WritePassthrough([]byte{1, 2, 3})
	if !BasicFilter(data) {
		t.Errorf("basic filter rejected a passthrough packet")
	}
}

func TestDirectPacketRoundTrip(t *testing.T) {
	from, to := testAddrs(t)
	magic := Magic{2, 2, 2, 2, 2, 2, 2, 2}
	var magicSet MagicSet
	magicSet.Current = magic

	payload := []byte{0xAA, 0xAA, 0xAA}
	data := WriteDirectPacket(3, 99, payload, magic, from, to)

	oss, seq, got, err := ReadDirectPacket(data, magicSet, from, to)
	if err != nil {
		t.Fatalf("ReadDirectPacket: %v", err)
	}
	if oss != 3 || seq != 99 {
		t.Errorf("header mismatch: oss=%d seq=%d", oss, seq)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch")
	}
}

func TestBitStreamRoundTrip(t *testing.T) {
	w := NewBitWriter()
	if err := w.WriteInt(42, 0, 100); err != nil {
		t.Fatal(err)
	}
	w.WriteBool(true)
	w.WriteUint64(0x0123456789ABCDEF)
	w.WriteFloat(3.5)
	w.WriteDouble(2.71828)
	if err := w.WriteString("hello", 16); err != nil {
		t.Fatal(err)
	}
	w.WriteBytes([]byte{1, 2, 3})

	a, _ := address.Parse("192.168.1.1:8080")
	w.WriteAddress(a)

	r := NewBitReader(w.Bytes())
	if v, err := r.ReadInt(0, 100); err != nil || v != 42 {
		t.Fatalf("ReadInt: got %d, %v", v, err)
	}
	if v, err := r.ReadBool(); err != nil || !v {
		t.Fatalf("ReadBool: got %v, %v", v, err)
	}
	if v, err := r.ReadUint64(); err != nil || v != 0x0123456789ABCDEF {
		t.Fatalf("ReadUint64: got %x, %v", v, err)
	}
	if v, err := r.ReadFloat(); err != nil || v != 3.5 {
		t.Fatalf("ReadFloat: got %v, %v", v, err)
	}
	if v, err := r.ReadDouble(); err != nil || v != 2.71828 {
		t.Fatalf("ReadDouble: got %v, %v", v, err)
	}
	if s, err := r.ReadString(16); err != nil || s != "hello" {
		t.Fatalf("ReadString: got %q, %v", s, err)
	}
	if b, err := r.ReadBytes(3); err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("ReadBytes: got %v, %v", b, err)
	}
	if addr, err := r.ReadAddress(); err != nil || !addr.Equal(a) {
		t.Fatalf("ReadAddress: got %v, %v", addr, err)
	}
}
