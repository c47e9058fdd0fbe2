// Package chunker slices files into fixed-size chunks with sequence numbers
// and blake2b-256 integrity tags. All functions are pure; nothing here
// touches the network or keeps state between calls.
package chunker

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// DefaultChunkSize is 64 KB, the unit of wire transfer.
const DefaultChunkSize = 64 * 1024

// ErrSequenceOutOfRange indicates a sequence number past the end of the file.
var ErrSequenceOutOfRange = errors.New("chunker: sequence out of range")

// Chunk is one fixed-size slice of a file plus its integrity tag.
type Chunk struct {
	Sequence uint64
	Data     []byte
	Tag      [32]byte
}

// Codec reads and verifies chunks for one chunk size.
type Codec struct {
	ChunkSize int
}

// NewCodec returns a codec, substituting DefaultChunkSize for non-positive
// sizes.
func NewCodec(chunkSize int) Codec {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return Codec{ChunkSize: chunkSize}
}

// Count returns the number of chunks a file of the given size splits into.
func (c Codec) Count(size int64) uint64 {
	if size <= 0 {
		return 0
	}
	chunks := uint64(size) / uint64(c.ChunkSize)
	if uint64(size)%uint64(c.ChunkSize) != 0 {
		chunks++
	}
	return chunks
}

// Offset returns the byte offset of a sequence number.
func (c Codec) Offset(sequence uint64) int64 {
	return int64(sequence) * int64(c.ChunkSize)
}

// ReadChunk reads and tags the chunk at the given sequence. The final chunk
// may be shorter than ChunkSize.
func (c Codec) ReadChunk(r io.ReaderAt, totalSize int64, sequence uint64) (Chunk, error) {
	offset := c.Offset(sequence)
	if offset >= totalSize {
		return Chunk{}, ErrSequenceOutOfRange
	}

	length := int64(c.ChunkSize)
	if offset+length > totalSize {
		length = totalSize - offset
	}

	data := make([]byte, length)
	if _, err := r.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return Chunk{}, fmt.Errorf("read chunk %d at offset %d: %w", sequence, offset, err)
	}

	return Chunk{Sequence: sequence, Data: data, Tag: Tag(data)}, nil
}

// Verify reports whether the chunk's data matches its tag.
func (c Codec) Verify(chunk Chunk) bool {
	return Tag(chunk.Data) == chunk.Tag
}

// Tag computes the blake2b-256 integrity tag for a chunk payload.
func Tag(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// FileChecksum computes the whole-file blake2b-256 checksum in hex.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("init checksum hasher: %w", err)
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
