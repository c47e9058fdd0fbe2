package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload, err := EncodeJSON(FileStart{
		Filename:     "report.pdf",
		TotalSize:    1 << 20,
		Mtime:        1700000000000,
		ChunkSize:    64 * 1024,
		ChecksumAlgo: ChecksumAlgoBlake2b256,
	})
	require.NoError(t, err)

	frame := Frame{JobID: uuid.New(), Type: TypeFileStart, Payload: payload}

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, frame))

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	require.Equal(t, frame.JobID, got.JobID)
	require.Equal(t, frame.Type, got.Type)
	require.Equal(t, frame.Payload, got.Payload)
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	frame := Frame{JobID: ControlJobID, Type: TypePing}

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, frame))

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	require.Equal(t, TypePing, got.Type)
	require.Empty(t, got.Payload)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	frame := Frame{Type: TypeChunk, Payload: make([]byte, MaxPayloadSize+1)}
	var buffer bytes.Buffer
	require.ErrorIs(t, WriteFrame(&buffer, frame), ErrPayloadTooLarge)
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[16] = 0x7f

	_, err := ReadFrame(bytes.NewReader(header))
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[16] = byte(TypeChunk)
	binary.BigEndian.PutUint32(header[17:], MaxPayloadSize+1)

	_, err := ReadFrame(bytes.NewReader(header))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	frame := Frame{JobID: uuid.New(), Type: TypeChunk, Payload: []byte("abcdef")}
	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, frame))

	truncated := buffer.Bytes()[:buffer.Len()-2]
	_, err := ReadFrame(bytes.NewReader(truncated))
	require.Error(t, err)
}

func TestChunkPayloadRoundTrip(t *testing.T) {
	data := []byte("chunk data bytes")
	var tag [32]byte
	for i := range tag {
		tag[i] = byte(i)
	}

	payload := EncodeChunkPayload(42, tag, data)

	sequence, gotTag, gotData, err := DecodeChunkPayload(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(42), sequence)
	require.Equal(t, tag, gotTag)
	require.Equal(t, data, gotData)
}

func TestDecodeChunkPayloadTooShort(t *testing.T) {
	_, _, _, err := DecodeChunkPayload(make([]byte, chunkPrefixSize-1))
	require.ErrorIs(t, err, ErrShortChunkPayload)
}

func TestReadFrameWithTimeoutIdleConnection(t *testing.T) {
	client, server := net.Pipe()
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	_, err := ReadFrameWithTimeout(server, 50*time.Millisecond)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestReadFrameWithTimeoutStalledMidHeader(t *testing.T) {
	client, server := net.Pipe()
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	go func() {
		// A header fragment, then silence.
		_, _ = client.Write([]byte{1, 2, 3, 4, 5})
	}()

	_, err := ReadFrameWithTimeout(server, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrFrameStalled)

	// A stall must not look like idleness, or the reader would keep going
	// and lose the frame boundary.
	var netErr net.Error
	require.False(t, errors.As(err, &netErr) && netErr.Timeout())
}

func TestReadFrameWithTimeoutToleratesSlowProgress(t *testing.T) {
	client, server := net.Pipe()
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	frame := Frame{JobID: uuid.New(), Type: TypeChunk, Payload: bytes.Repeat([]byte{0xab}, 100)}
	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, frame))
	raw := buffer.Bytes()

	// Dribble the frame out with gaps below the timeout; each read renews
	// the deadline, so the whole frame may take longer than one timeout.
	go func() {
		for offset := 0; offset < len(raw); offset += 10 {
			end := offset + 10
			if end > len(raw) {
				end = len(raw)
			}
			if _, err := client.Write(raw[offset:end]); err != nil {
				return
			}
			time.Sleep(30 * time.Millisecond)
		}
	}()

	got, err := ReadFrameWithTimeout(server, 80*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, frame.JobID, got.JobID)
	require.Equal(t, frame.Payload, got.Payload)
}
