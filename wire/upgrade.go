package wire

import "fmt"

// UpgradeRequestBody is UPGRADE_REQUEST's bitpacked body. The server
// sends this first (spec.md's lifecycle: "Server session: pending on
// upgrade_session(addr, user_id)"), minting the session id and an
// ephemeral kx keypair before the client has said anything; it also
// carries the server's current {previous, current, upcoming} magic
// window, since the client has no other channel to learn it.
type UpgradeRequestBody struct {
	SessionID   uint64
	UserHash    uint64
	KxPublicKey [32]byte
	Magic       [3]Magic
}

// EncodeUpgradeRequest bitpacks an UpgradeRequestBody.
func EncodeUpgradeRequest(b UpgradeRequestBody) []byte {
	w := NewBitWriter()
	w.WriteUint64(b.SessionID)
	w.WriteUint64(b.UserHash)
	w.WriteBytes(b.KxPublicKey[:])
	for _, m := range b.Magic {
		w.WriteBytes(m[:])
	}
	return w.Bytes()
}

// DecodeUpgradeRequest reverses EncodeUpgradeRequest.
func DecodeUpgradeRequest(data []byte) (UpgradeRequestBody, error) {
	r := NewBitReader(data)
	var b UpgradeRequestBody
	var err error
	if b.SessionID, err = r.ReadUint64(); err != nil {
		return UpgradeRequestBody{}, fmt.Errorf("decode upgrade request: %w", err)
	}
	if b.UserHash, err = r.ReadUint64(); err != nil {
		return UpgradeRequestBody{}, fmt.Errorf("decode upgrade request: %w", err)
	}
	pub, err := r.ReadBytes(32)
	if err != nil {
		return UpgradeRequestBody{}, fmt.Errorf("decode upgrade request: %w", err)
	}
	copy(b.KxPublicKey[:], pub)
	for i := range b.Magic {
		m, err := r.ReadBytes(8)
		if err != nil {
			return UpgradeRequestBody{}, fmt.Errorf("decode upgrade request: magic[%d]: %w", i, err)
		}
		copy(b.Magic[i][:], m)
	}
	return b, nil
}

// UpgradeResponseBody is UPGRADE_RESPONSE's body: the client echoes the
// session id back with its own ephemeral kx public key, letting the
// server derive the shared session keys (spec.md "Server session: ...
// upgraded on UPGRADE_RESPONSE (receives kx session keys)").
type UpgradeResponseBody struct {
	SessionID   uint64
	KxPublicKey [32]byte
}

// EncodeUpgradeResponse bitpacks an UpgradeResponseBody.
func EncodeUpgradeResponse(b UpgradeResponseBody) []byte {
	w := NewBitWriter()
	w.WriteUint64(b.SessionID)
	w.WriteBytes(b.KxPublicKey[:])
	return w.Bytes()
}

// DecodeUpgradeResponse reverses EncodeUpgradeResponse.
func DecodeUpgradeResponse(data []byte) (UpgradeResponseBody, error) {
	r := NewBitReader(data)
	var b UpgradeResponseBody
	var err error
	if b.SessionID, err = r.ReadUint64(); err != nil {
		return UpgradeResponseBody{}, fmt.Errorf("decode upgrade response: %w", err)
	}
	pub, err := r.ReadBytes(32)
	if err != nil {
		return UpgradeResponseBody{}, fmt.Errorf("decode upgrade response: %w", err)
	}
	copy(b.KxPublicKey[:], pub)
	return b, nil
}

// UpgradeConfirmBody is UPGRADE_CONFIRM's body: the session id the
// server just promoted from pending to upgraded (spec.md "Client
// session: ... upgraded on UPGRADE_CONFIRM").
type UpgradeConfirmBody struct {
	SessionID uint64
}

// EncodeUpgradeConfirm bitpacks an UpgradeConfirmBody.
func EncodeUpgradeConfirm(b UpgradeConfirmBody) []byte {
	w := NewBitWriter()
	w.WriteUint64(b.SessionID)
	return w.Bytes()
}

// DecodeUpgradeConfirm reverses EncodeUpgradeConfirm.
func DecodeUpgradeConfirm(data []byte) (UpgradeConfirmBody, error) {
	r := NewBitReader(data)
	id, err := r.ReadUint64()
	if err != nil {
		return UpgradeConfirmBody{}, fmt.Errorf("decode upgrade confirm: %w", err)
	}
	return UpgradeConfirmBody{SessionID: id}, nil
}
