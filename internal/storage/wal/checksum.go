package wal

// ============================================================================
// Checksums
// Responsibility: CRC32 over the identifying fields and the task image
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE of seq, type, task ID and the
// raw task bytes. The timestamp is excluded.
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Seq)
	h.Write(seq[:])
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.TaskID))
	h.Write([]byte{0})
	h.Write(e.Task)
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the event.
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
