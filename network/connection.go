package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"lanstream/wire"
)

const (
	// DefaultDialTimeout bounds outbound TCP connect duration.
	DefaultDialTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read so the read loop can
	// notice shutdown.
	DefaultFrameReadTimeout = 30 * time.Second
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// ErrNotConnected indicates a send was attempted without a live connection.
var ErrNotConnected = errors.New("network: not connected")

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	PeerName          string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	Logger            *logrus.Entry
}

// PeerConnection manages one framed TCP session with a peer. It owns the
// socket exclusively: all writes go through SendFrame, and a background
// read loop delivers inbound frames. Keepalive ping/pong frames are handled
// here and never surfaced.
type PeerConnection struct {
	conn net.Conn

	peerName string

	sendMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	inbound chan wire.Frame

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error

	log *logrus.Entry
}

func newPeerConnection(conn net.Conn, options ConnectionOptions) *PeerConnection {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	log := options.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	pc := &PeerConnection{
		conn:              conn,
		peerName:          options.PeerName,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		inbound:           make(chan wire.Frame, 64),
		closed:            make(chan struct{}),
		log:               log.WithField("peer", options.PeerName),
	}

	pc.touchActivity()
	go pc.readLoop()
	go pc.keepAliveLoop()

	return pc
}

// Frames returns inbound protocol frames, keepalives excluded.
func (pc *PeerConnection) Frames() <-chan wire.Frame {
	return pc.inbound
}

// Done is closed when the connection is fully torn down.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any. A clean close
// by either side returns nil.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// RemoteHost returns the remote peer's host address without port.
func (pc *PeerConnection) RemoteHost() string {
	host, _, err := net.SplitHostPort(pc.conn.RemoteAddr().String())
	if err != nil {
		return pc.conn.RemoteAddr().String()
	}
	return host
}

// SendFrame writes one frame to the socket.
func (pc *PeerConnection) SendFrame(frame wire.Frame) error {
	select {
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := wire.WriteFrame(pc.conn, frame); err != nil {
		pc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	pc.touchActivity()
	return nil
}

// Close terminates the connection without an error.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		frame, err := wire.ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}

			// Malformed headers and frames stalled mid-read are fatal:
			// once framing is lost there is no way to find the next
			// frame boundary.
			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()

		switch frame.Type {
		case wire.TypePing:
			_ = pc.SendFrame(wire.Frame{JobID: wire.ControlJobID, Type: wire.TypePong})
		case wire.TypePong:
			pc.ackPong()
		default:
			select {
			case pc.inbound <- frame:
			case <-pc.closed:
				return
			}
		}
	}
}

func (pc *PeerConnection) keepAliveLoop() {
	checkEvery := pc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = pc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastActivity.Load()))
			if idleFor < pc.keepAliveInterval {
				continue
			}

			if pc.isWaitingPong() {
				continue
			}

			if err := pc.SendFrame(wire.Frame{JobID: wire.ControlJobID, Type: wire.TypePing}); err != nil {
				return
			}
			pc.setWaitingPong(time.Now().Add(pc.keepAliveTimeout))
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		if err != nil {
			pc.log.WithError(err).Debug("connection closed with error")
		}

		_ = pc.conn.Close()
		close(pc.closed)
	})
}
