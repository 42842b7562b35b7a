package wire

// ClientStatsBody is CLIENT_STATS's encrypted-session-packet plaintext:
// the per-update snapshot spec.md §4.6 item 4 describes, sent from
// client to server so the server can forward it into the backend's
// SESSION_UPDATE_REQUEST.
type ClientStatsBody struct {
	DirectRTT, DirectJitter, DirectLoss float32
	NextRTT, NextJitter, NextLoss       float32
	KbpsUpDirect, KbpsUpNext            float32
	PacketsSent, PacketsLost, PacketsOOO uint64
	FallbackToDirect                    bool
}

// EncodeClientStats bitpacks a ClientStatsBody.
func EncodeClientStats(b ClientStatsBody) []byte {
	w := NewBitWriter()
	w.WriteFloat(b.DirectRTT)
	w.WriteFloat(b.DirectJitter)
	w.WriteFloat(b.DirectLoss)
	w.WriteFloat(b.NextRTT)
	w.WriteFloat(b.NextJitter)
	w.WriteFloat(b.NextLoss)
	w.WriteFloat(b.KbpsUpDirect)
	w.WriteFloat(b.KbpsUpNext)
	w.WriteUint64(b.PacketsSent)
	w.WriteUint64(b.PacketsLost)
	w.WriteUint64(b.PacketsOOO)
	w.WriteBool(b.FallbackToDirect)
	return w.Bytes()
}

// DecodeClientStats reverses EncodeClientStats.
func DecodeClientStats(data []byte) (ClientStatsBody, error) {
	r := NewBitReader(data)
	var b ClientStatsBody
	var err error
	if b.DirectRTT, err = r.ReadFloat(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.DirectJitter, err = r.ReadFloat(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.DirectLoss, err = r.ReadFloat(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.NextRTT, err = r.ReadFloat(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.NextJitter, err = r.ReadFloat(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.NextLoss, err = r.ReadFloat(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.KbpsUpDirect, err = r.ReadFloat(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.KbpsUpNext, err = r.ReadFloat(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.PacketsSent, err = r.ReadUint64(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.PacketsLost, err = r.ReadUint64(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.PacketsOOO, err = r.ReadUint64(); err != nil {
		return ClientStatsBody{}, err
	}
	if b.FallbackToDirect, err = r.ReadBool(); err != nil {
		return ClientStatsBody{}, err
	}
	return b, nil
}
