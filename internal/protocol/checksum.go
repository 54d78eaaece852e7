package protocol

import (
	"hash"
	"hash/crc32"
)

// Checksum computes the image checksum carried in the header.
// It is CRC-32 (IEEE), the same polynomial ESP-IDF uses for otadata.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// NewChecksum returns a streaming hash producing the same value as Checksum.
func NewChecksum() hash.Hash32 {
	return crc32.NewIEEE()
}
