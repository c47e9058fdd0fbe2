package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ChecksumAlgoBlake2b256 is the only checksum algorithm currently spoken.
// FILE_START carries the name so a future version can negotiate.
const ChecksumAlgoBlake2b256 = "blake2b-256"

// FILE_ABORT reason codes.
const (
	AbortReasonCancelled        = "cancelled"
	AbortReasonChecksumMismatch = "checksum_mismatch"
	AbortReasonSizeMismatch     = "size_mismatch"
	AbortReasonWriteFailed      = "write_failed"
	AbortReasonReadFailed       = "read_failed"
	AbortReasonRetriesExhausted = "retries_exhausted"
	AbortReasonBusy             = "busy"
)

// ErrShortChunkPayload indicates a CHUNK payload shorter than its fixed
// prefix. Fatal to the connection, like any malformed frame.
var ErrShortChunkPayload = errors.New("wire: chunk payload too short")

// FileStart opens a transfer. The sender announces the file; the receiver
// answers with its own FileStart whose ResumeFromSeq is the first sequence
// it still needs, letting an interrupted transfer pick up mid-file.
// ConfirmedSeqs lists sequences at or above ResumeFromSeq that were already
// confirmed out of order, so the sender skips those too.
type FileStart struct {
	Filename      string   `json:"filename"`
	TotalSize     int64    `json:"total_size"`
	Mtime         int64    `json:"mtime"`
	ChunkSize     int      `json:"chunk_size"`
	ChecksumAlgo  string   `json:"checksum_algo"`
	ResumeFromSeq uint64   `json:"resume_from_seq"`
	ConfirmedSeqs []uint64 `json:"confirmed_seqs,omitempty"`
}

// ChunkAck confirms one chunk was verified and durably written.
type ChunkAck struct {
	Sequence uint64 `json:"sequence"`
}

// FileComplete carries the whole-file checksum. The sender emits it once
// every chunk is acknowledged; the receiver echoes it back after the file
// verifies and is moved into place.
type FileComplete struct {
	Checksum string `json:"whole_file_checksum"`
}

// FileAbort terminates a transfer with a machine-readable reason code.
type FileAbort struct {
	ReasonCode string `json:"reason_code"`
	Message    string `json:"message,omitempty"`
}

// EncodeJSON marshals a control message payload.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control payload: %w", err)
	}
	return payload, nil
}

// DecodeJSON unmarshals a control message payload.
func DecodeJSON(payload []byte, message any) error {
	if err := json.Unmarshal(payload, message); err != nil {
		return fmt.Errorf("decode control payload: %w", err)
	}
	return nil
}

// chunkPrefixSize is the CHUNK payload prefix: 8-byte sequence number
// followed by a 32-byte blake2b-256 tag over the data.
const chunkPrefixSize = 8 + 32

// EncodeChunkPayload builds the binary CHUNK payload.
func EncodeChunkPayload(sequence uint64, tag [32]byte, data []byte) []byte {
	payload := make([]byte, chunkPrefixSize+len(data))
	binary.BigEndian.PutUint64(payload[:8], sequence)
	copy(payload[8:chunkPrefixSize], tag[:])
	copy(payload[chunkPrefixSize:], data)
	return payload
}

// DecodeChunkPayload splits a CHUNK payload into its parts. The data slice
// aliases the payload.
func DecodeChunkPayload(payload []byte) (sequence uint64, tag [32]byte, data []byte, err error) {
	if len(payload) < chunkPrefixSize {
		return 0, tag, nil, ErrShortChunkPayload
	}
	sequence = binary.BigEndian.Uint64(payload[:8])
	copy(tag[:], payload[8:chunkPrefixSize])
	return sequence, tag, payload[chunkPrefixSize:], nil
}
