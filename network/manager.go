package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"lanstream/models"
	"lanstream/wire"
)

const (
	// DefaultReconnectInitialDelay is the first auto-reconnect delay.
	DefaultReconnectInitialDelay = 1 * time.Second
	// DefaultReconnectMaxDelay caps the delay between reconnect attempts.
	DefaultReconnectMaxDelay = 30 * time.Second
	// DefaultReconnectWindow bounds total auto-reconnect time after a drop.
	DefaultReconnectWindow = 3 * time.Minute
)

// ReasonReconnectExhausted is the state-change reason reported when the
// reconnect window closes without re-establishing the connection.
const ReasonReconnectExhausted = "reconnect window exhausted"

// AddressResolver resolves a peer name to a dialable endpoint. Satisfied by
// discovery.Resolver for peers without a configured host.
type AddressResolver interface {
	Lookup(ctx context.Context, name string) (host string, port int, err error)
}

// ManagerOptions configures one per-peer ConnectionManager.
type ManagerOptions struct {
	Peer models.Peer

	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	// ReconnectWindow bounds how long auto-reconnect keeps trying after an
	// established connection drops. Once exhausted, the peer stays
	// disconnected until Connect is called again.
	ReconnectWindow time.Duration

	// Resolver is consulted when the peer profile has no host.
	Resolver AddressResolver

	// OnStateChange is invoked on every connection state transition.
	OnStateChange func(state models.ConnectionState, reason string)
	// OnFrame receives every inbound protocol frame from the peer.
	OnFrame func(frame wire.Frame)

	Logger *logrus.Entry
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.ReconnectInitialDelay <= 0 {
		out.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if out.ReconnectMaxDelay <= 0 {
		out.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if out.ReconnectWindow <= 0 {
		out.ReconnectWindow = DefaultReconnectWindow
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return out
}

// ConnectionManager owns the connection lifecycle for one peer: manual
// connect and disconnect, adoption of inbound sockets, and automatic
// reconnection with exponential backoff after an established connection
// drops. At most one live connection per peer exists at a time.
type ConnectionManager struct {
	opts ManagerOptions
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	state             models.ConnectionState
	conn              *PeerConnection
	reconnectCancel   context.CancelFunc
	suppressReconnect bool
}

// NewConnectionManager returns a manager in the disconnected state.
func NewConnectionManager(options ManagerOptions) *ConnectionManager {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &ConnectionManager{
		opts:   opts,
		log:    opts.Logger.WithField("peer", opts.Peer.Name),
		ctx:    ctx,
		cancel: cancel,
		state:  models.StateDisconnected,
	}
}

// Peer returns the peer this manager serves.
func (m *ConnectionManager) Peer() models.Peer {
	return m.opts.Peer
}

// State returns the current connection state.
func (m *ConnectionManager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the peer now. A manual connect cancels any in-flight
// auto-reconnect loop, which resets its backoff schedule. Already being
// connected is not an error.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.suppressReconnect = false
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	m.mu.Unlock()

	m.setState(models.StateConnecting, "")
	if err := m.dialAndAttach(ctx); err != nil {
		m.setState(models.StateDisconnected, err.Error())
		return err
	}
	return nil
}

// Disconnect closes the live connection (if any) without triggering
// auto-reconnect.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.suppressReconnect = true
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		return
	}
	m.setState(models.StateDisconnected, "")
}

// Adopt takes ownership of an inbound socket from the listener. When a live
// connection already exists the new socket is closed; the established
// connection wins.
func (m *ConnectionManager) Adopt(raw net.Conn) {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		m.log.Debug("rejecting duplicate inbound connection")
		_ = raw.Close()
		return
	}
	m.suppressReconnect = false
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	m.mu.Unlock()

	pc := m.wrap(raw)
	m.attach(pc)
}

// SendFrame sends one frame over the live connection.
func (m *ConnectionManager) SendFrame(frame wire.Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendFrame(frame)
}

// Close shuts the manager down permanently.
func (m *ConnectionManager) Close() {
	m.cancel()
	m.Disconnect()
}

func (m *ConnectionManager) wrap(raw net.Conn) *PeerConnection {
	return newPeerConnection(raw, ConnectionOptions{
		PeerName:          m.opts.Peer.Name,
		KeepAliveInterval: m.opts.KeepAliveInterval,
		KeepAliveTimeout:  m.opts.KeepAliveTimeout,
		FrameReadTimeout:  m.opts.FrameReadTimeout,
		Logger:            m.opts.Logger,
	})
}

func (m *ConnectionManager) dialAndAttach(ctx context.Context) error {
	address, err := m.resolveAddress(ctx)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: m.opts.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}

	m.mu.Lock()
	if m.conn != nil {
		// An inbound connection won the race.
		m.mu.Unlock()
		_ = raw.Close()
		return nil
	}
	m.mu.Unlock()

	pc := m.wrap(raw)
	m.attach(pc)
	return nil
}

func (m *ConnectionManager) resolveAddress(ctx context.Context) (string, error) {
	peer := m.opts.Peer
	if peer.Host != "" {
		return peer.Address(), nil
	}
	if m.opts.Resolver == nil {
		return "", fmt.Errorf("peer %q has no host and no resolver is configured", peer.Name)
	}

	host, port, err := m.opts.Resolver.Lookup(ctx, peer.Name)
	if err != nil {
		return "", fmt.Errorf("resolve peer %q: %w", peer.Name, err)
	}
	if port <= 0 {
		port = peer.Port
	}
	return (models.Peer{Host: host, Port: port}).Address(), nil
}

func (m *ConnectionManager) attach(pc *PeerConnection) {
	m.mu.Lock()
	m.conn = pc
	m.mu.Unlock()

	m.setState(models.StateConnected, "")
	m.log.WithField("remote", pc.RemoteHost()).Info("peer connected")

	go m.pump(pc)
}

// pump forwards inbound frames until the connection dies, then decides
// whether to start the auto-reconnect loop.
func (m *ConnectionManager) pump(pc *PeerConnection) {
	for {
		select {
		case frame := <-pc.Frames():
			if m.opts.OnFrame != nil {
				m.opts.OnFrame(frame)
			}
		case <-pc.Done():
			// Deliver frames that arrived before the close.
			for {
				select {
				case frame := <-pc.Frames():
					if m.opts.OnFrame != nil {
						m.opts.OnFrame(frame)
					}
					continue
				default:
				}
				break
			}
			m.handleConnectionClosed(pc)
			return
		}
	}
}

func (m *ConnectionManager) handleConnectionClosed(pc *PeerConnection) {
	m.mu.Lock()
	if m.conn != pc {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	suppress := m.suppressReconnect
	m.mu.Unlock()

	reason := ""
	if err := pc.LastError(); err != nil {
		reason = err.Error()
	}
	m.setState(models.StateDisconnected, reason)

	if suppress || m.ctx.Err() != nil {
		return
	}
	m.startReconnect()
}

func (m *ConnectionManager) startReconnect() {
	m.mu.Lock()
	if m.reconnectCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.reconnectCancel = cancel
	m.mu.Unlock()

	go m.reconnectLoop(ctx, cancel)
}

func (m *ConnectionManager) reconnectLoop(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		m.mu.Lock()
		if m.reconnectCancel != nil {
			m.reconnectCancel = nil
		}
		m.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.ReconnectInitialDelay
	bo.MaxInterval = m.opts.ReconnectMaxDelay
	bo.MaxElapsedTime = m.opts.ReconnectWindow
	bo.Reset()

	attempt := 0
	for {
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			m.log.WithField("attempts", attempt).Warn("giving up on reconnect")
			m.setState(models.StateDisconnected, ReasonReconnectExhausted)
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		attempt++
		m.setState(models.StateConnecting, "")
		if err := m.dialAndAttach(ctx); err != nil {
			m.log.WithError(err).WithField("attempt", attempt).Debug("reconnect attempt failed")
			m.setState(models.StateDisconnected, "")
			continue
		}

		m.log.WithField("attempt", attempt).Info("reconnected")
		return
	}
}

func (m *ConnectionManager) setState(state models.ConnectionState, reason string) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()

	if (changed || reason != "") && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(state, reason)
	}
}
