package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSize is returned when a buffer is shorter (or, for headers,
	// longer) than its wire format allows.
	ErrInvalidSize = errors.New("invalid size")

	// ErrInvalidFormat is returned when a buffer has the right size but its
	// content is inconsistent: wrong magic, or a chunk size that overruns
	// the buffer.
	ErrInvalidFormat = errors.New("invalid format")
)

// Header declares the shape of the incoming image.
type Header struct {
	Magic     uint32
	Version   uint32
	FileSize  uint32
	ChunkSize uint32
	Checksum  uint32
}

// NewHeader creates a header with the agreed magic.
func NewHeader(version, fileSize, chunkSize, checksum uint32) *Header {
	return &Header{
		Magic:     HeaderMagic,
		Version:   version,
		FileSize:  fileSize,
		ChunkSize: chunkSize,
		Checksum:  checksum,
	}
}

// Encode serializes the header.
func (h *Header) Encode() []byte {
	// Layout (little-endian):
	// 0-3:   magic
	// 4-7:   version
	// 8-11:  file size
	// 12-15: chunk size
	// 16-19: checksum
	data := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(data[0:4], h.Magic)
	binary.LittleEndian.PutUint32(data[4:8], h.Version)
	binary.LittleEndian.PutUint32(data[8:12], h.FileSize)
	binary.LittleEndian.PutUint32(data[12:16], h.ChunkSize)
	binary.LittleEndian.PutUint32(data[16:20], h.Checksum)
	return data
}

// DecodeHeader parses an update header.
// The buffer must be exactly HeaderSize bytes.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) != HeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes, want %d", ErrInvalidSize, len(data), HeaderSize)
	}

	h := &Header{
		Magic:     binary.LittleEndian.Uint32(data[0:4]),
		Version:   binary.LittleEndian.Uint32(data[4:8]),
		FileSize:  binary.LittleEndian.Uint32(data[8:12]),
		ChunkSize: binary.LittleEndian.Uint32(data[12:16]),
		Checksum:  binary.LittleEndian.Uint32(data[16:20]),
	}

	if h.Magic != HeaderMagic {
		return nil, fmt.Errorf("%w: magic 0x%08X, want 0x%08X", ErrInvalidFormat, h.Magic, HeaderMagic)
	}

	return h, nil
}

// Chunk is one data unit of the image.
type Chunk struct {
	Sequence uint32
	Size     uint32
	Payload  []byte
}

// NewChunk creates a chunk carrying payload.
func NewChunk(seq uint32, payload []byte) *Chunk {
	return &Chunk{
		Sequence: seq,
		Size:     uint32(len(payload)),
		Payload:  payload,
	}
}

// Encode serializes the chunk envelope followed by its payload.
func (c *Chunk) Encode() []byte {
	// 0-3: sequence
	// 4-7: payload size
	// 8+:  payload
	data := make([]byte, ChunkHeaderSize+len(c.Payload))
	binary.LittleEndian.PutUint32(data[0:4], c.Sequence)
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(c.Payload)))
	copy(data[ChunkHeaderSize:], c.Payload)
	return data
}

// DecodeChunk parses a chunk envelope.
// The declared size is authoritative: trailing bytes past it are ignored,
// a size larger than the remaining buffer is rejected.
func DecodeChunk(data []byte) (*Chunk, error) {
	if len(data) < ChunkHeaderSize {
		return nil, fmt.Errorf("%w: chunk is %d bytes, minimum is %d", ErrInvalidSize, len(data), ChunkHeaderSize)
	}

	c := &Chunk{
		Sequence: binary.LittleEndian.Uint32(data[0:4]),
		Size:     binary.LittleEndian.Uint32(data[4:8]),
	}

	available := uint64(len(data) - ChunkHeaderSize)
	if uint64(c.Size) > available {
		return nil, fmt.Errorf("%w: chunk %d declares %d bytes, buffer holds %d",
			ErrInvalidFormat, c.Sequence, c.Size, available)
	}

	c.Payload = data[ChunkHeaderSize : ChunkHeaderSize+int(c.Size)]
	return c, nil
}

// Status is the two-byte record published on the status characteristic.
type Status struct {
	State    uint8
	Progress uint8
}

// Encode serializes the status record.
func (s Status) Encode() []byte {
	return []byte{s.State, s.Progress}
}

// DecodeStatus parses a status notification.
func DecodeStatus(data []byte) (Status, error) {
	if len(data) < StatusSize {
		return Status{}, fmt.Errorf("%w: status is %d bytes, want %d", ErrInvalidSize, len(data), StatusSize)
	}
	return Status{State: data[0], Progress: data[1]}, nil
}
