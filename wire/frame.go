// Package wire implements the length-prefixed frame format shared by both
// peers: a fixed header carrying the job id, message type and payload length,
// followed by the payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

const (
	// HeaderSize is the fixed frame header length:
	// 16-byte job id, 1-byte type, 4-byte payload length.
	HeaderSize = 21
	// MaxPayloadSize is the maximum accepted frame payload size (10 MB).
	MaxPayloadSize = 10 * 1024 * 1024
)

var (
	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds max size")
	// ErrUnknownMessageType indicates an unrecognized type byte. Fatal to
	// the connection that produced it.
	ErrUnknownMessageType = errors.New("wire: unknown message type")
	// ErrFrameStalled indicates the peer stopped sending mid-frame. The
	// stream has no recoverable frame boundary after this.
	ErrFrameStalled = errors.New("wire: frame read stalled mid-frame")
)

// MessageType identifies the protocol message carried by a frame.
type MessageType byte

const (
	TypeFileStart    MessageType = 0x01
	TypeChunk        MessageType = 0x02
	TypeChunkAck     MessageType = 0x03
	TypeFileComplete MessageType = 0x04
	TypeFileAbort    MessageType = 0x05

	// TypePing and TypePong are connection-level keepalive frames sent
	// under the zero job id; they never reach a transfer.
	TypePing MessageType = 0x10
	TypePong MessageType = 0x11
)

// String returns the wire name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeFileStart:
		return "FILE_START"
	case TypeChunk:
		return "CHUNK"
	case TypeChunkAck:
		return "CHUNK_ACK"
	case TypeFileComplete:
		return "FILE_COMPLETE"
	case TypeFileAbort:
		return "FILE_ABORT"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

func (t MessageType) valid() bool {
	switch t {
	case TypeFileStart, TypeChunk, TypeChunkAck, TypeFileComplete, TypeFileAbort, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// ControlJobID is the all-zero job id reserved for connection-level frames.
var ControlJobID = uuid.Nil

// Frame is one protocol frame: routing header plus raw payload.
type Frame struct {
	JobID   uuid.UUID
	Type    MessageType
	Payload []byte
}

// WriteFrame writes one frame: header then payload.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	header := make([]byte, HeaderSize)
	copy(header[:16], frame.JobID[:])
	header[16] = byte(frame.Type)
	binary.BigEndian.PutUint32(header[17:], uint32(len(frame.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(frame.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one frame. A malformed header (unknown type, oversized
// length) is returned as an error and must be treated as fatal to the
// connection.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}

	var frame Frame
	copy(frame.JobID[:], header[:16])
	frame.Type = MessageType(header[16])
	length := binary.BigEndian.Uint32(header[17:])

	if !frame.Type.valid() {
		return Frame{}, ErrUnknownMessageType
	}
	if length > MaxPayloadSize {
		return Frame{}, ErrPayloadTooLarge
	}
	if length == 0 {
		return frame, nil
	}

	frame.Payload = make([]byte, int(length))
	if _, err := io.ReadFull(r, frame.Payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}

	return frame, nil
}

// ReadFrameWithTimeout reads a frame, bounding how long the peer may go
// without delivering any bytes. The deadline is renewed on every read, so a
// slow link that keeps making progress is never cut off. A timeout with
// nothing consumed surfaces as a net.Error timeout the caller can treat as
// idleness; a timeout after a partial frame surfaces as ErrFrameStalled,
// since continuing to read would desynchronize the stream.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) (Frame, error) {
	if timeout <= 0 {
		return ReadFrame(conn)
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	reader := &deadlineReader{conn: conn, timeout: timeout}
	frame, err := ReadFrame(reader)
	if err != nil && reader.consumed > 0 && isTimeoutError(err) {
		return Frame{}, fmt.Errorf("%w after %d bytes: %v", ErrFrameStalled, reader.consumed, err)
	}
	return frame, err
}

// deadlineReader renews the connection read deadline before every read and
// counts consumed bytes, so ReadFrameWithTimeout can tell an idle timeout
// from a stall mid-frame.
type deadlineReader struct {
	conn     net.Conn
	timeout  time.Duration
	consumed int
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	n, err := r.conn.Read(p)
	r.consumed += n
	return n, err
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
