package nextutil

import "lukechampine.com/blake3"

// Hash computes a 64-bit structural hash of data. No package in this
// module calls it: ServerCore stores the caller's user id as user_hash
// unhashed, and SessionTable keys its filters on the address string and
// the session id bytes. Grounded on the teacher's blake3 dependency rather
// than stdlib FNV: FNV-1a is reserved for the wire-level chonkle, which
// spec.md pins to FNV-1a by name (see wire/magic.go); everywhere else a
// faster, better-distributed hash is preferable and blake3 is already a
// direct dependency of the pack.
func Hash(data []byte) uint64 {
	sum := blake3.Sum256(data)
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(sum[i]) << (8 * i)
	}
	return v
}

// HashString hashes a user-supplied identifier such as a user id string
// with Hash.
func HashString(s string) uint64 {
	return Hash([]byte(s))
}
