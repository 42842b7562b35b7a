package nextutil

// CopyString returns a defensive copy of s truncated to maxLen bytes,
// the Go analogue of the original SDK's copy_string helper used when
// stashing a string into a fixed-capacity struct field (e.g. a debug
// message or datacenter name) so the caller's buffer can't be mutated
// out from under the copy.
func CopyString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// CopyBytes returns a defensive copy of b.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
