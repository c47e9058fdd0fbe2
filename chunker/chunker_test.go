package chunker

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCount(t *testing.T) {
	codec := NewCodec(1024)

	require.Equal(t, uint64(0), codec.Count(0))
	require.Equal(t, uint64(1), codec.Count(1))
	require.Equal(t, uint64(1), codec.Count(1024))
	require.Equal(t, uint64(2), codec.Count(1025))
	require.Equal(t, uint64(3), codec.Count(3*1024))
}

func TestNewCodecDefaultsChunkSize(t *testing.T) {
	require.Equal(t, DefaultChunkSize, NewCodec(0).ChunkSize)
	require.Equal(t, DefaultChunkSize, NewCodec(-5).ChunkSize)
}

func TestReadChunkShortFinalChunk(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 2500)
	path := writeTempFile(t, content)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		_ = file.Close()
	}()

	codec := NewCodec(1024)
	size := int64(len(content))
	require.Equal(t, uint64(3), codec.Count(size))

	first, err := codec.ReadChunk(file, size, 0)
	require.NoError(t, err)
	require.Len(t, first.Data, 1024)
	require.True(t, codec.Verify(first))

	last, err := codec.ReadChunk(file, size, 2)
	require.NoError(t, err)
	require.Len(t, last.Data, 2500-2048)
	require.True(t, codec.Verify(last))
	require.Equal(t, uint64(2), last.Sequence)
}

func TestReadChunkPastEnd(t *testing.T) {
	path := writeTempFile(t, []byte("short"))
	file, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		_ = file.Close()
	}()

	codec := NewCodec(1024)
	_, err = codec.ReadChunk(file, 5, 1)
	require.ErrorIs(t, err, ErrSequenceOutOfRange)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	codec := NewCodec(1024)
	chunk := Chunk{Sequence: 0, Data: []byte("payload"), Tag: Tag([]byte("payload"))}
	require.True(t, codec.Verify(chunk))

	chunk.Data[0] ^= 0xff
	require.False(t, codec.Verify(chunk))
}

func TestFileChecksumStable(t *testing.T) {
	content := bytes.Repeat([]byte("abc"), 10000)
	path := writeTempFile(t, content)

	first, err := FileChecksum(path)
	require.NoError(t, err)
	second, err := FileChecksum(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 64)

	other := writeTempFile(t, append(content, 'x'))
	different, err := FileChecksum(other)
	require.NoError(t, err)
	require.NotEqual(t, first, different)
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}
