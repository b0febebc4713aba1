package staging

// ============================================================================
// Record checksums
// Responsibility: CRC32 over a segment frame's key, length and payload
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// frameChecksum covers the key and length fields as well as the payload, so a
// frame read back under the wrong key or with a torn length fails the check.
func frameChecksum(key uint64, payload []byte) uint32 {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], key)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	h := crc32.NewIEEE()
	h.Write(hdr[:])
	h.Write(payload)
	return h.Sum32()
}

// verifyFrame reports whether payload matches the stored checksum.
func verifyFrame(key uint64, payload []byte, stored uint32) (uint32, bool) {
	actual := frameChecksum(key, payload)
	return actual, actual == stored
}
