package history

import "crypto/sha256"

// ComputeEventID computes a SHA256 digest of an identifying byte string
// for one history row, used as route_events' dedup key. Returns a
// 32-byte digest suitable for BYTEA storage.
func ComputeEventID(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
