package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lanstream/models"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []models.ConnectionState
	ch     chan models.ConnectionStateChanged
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan models.ConnectionStateChanged, 64)}
}

func (r *stateRecorder) record(state models.ConnectionState, reason string) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	r.ch <- models.ConnectionStateChanged{State: state, Reason: reason}
}

func (r *stateRecorder) await(t *testing.T, want models.ConnectionState, timeout time.Duration) models.ConnectionStateChanged {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case change := <-r.ch:
			if change.State == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// holdingListener accepts connections and keeps them open until closed.
func holdingListener(t *testing.T) (net.Listener, *sync.Map) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	conns := &sync.Map{}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conns.Store(conn, struct{}{})
		}
	}()

	t.Cleanup(func() {
		_ = listener.Close()
		conns.Range(func(key, _ any) bool {
			_ = key.(net.Conn).Close()
			return true
		})
	})
	return listener, conns
}

func managerPeer(listener net.Listener) models.Peer {
	addr := listener.Addr().(*net.TCPAddr)
	return models.Peer{Name: "remote", Host: addr.IP.String(), Port: addr.Port}
}

func TestManagerConnectAndDisconnect(t *testing.T) {
	listener, _ := holdingListener(t)
	recorder := newStateRecorder()

	m := NewConnectionManager(ManagerOptions{
		Peer:          managerPeer(listener),
		OnStateChange: recorder.record,
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	recorder.await(t, models.StateConnected, 2*time.Second)
	require.Equal(t, models.StateConnected, m.State())

	m.Disconnect()
	recorder.await(t, models.StateDisconnected, 2*time.Second)
	require.Equal(t, models.StateDisconnected, m.State())
}

func TestManagerConnectFailsForDeadEndpoint(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	peer := managerPeer(listener)
	require.NoError(t, listener.Close())

	m := NewConnectionManager(ManagerOptions{Peer: peer, DialTimeout: 500 * time.Millisecond})
	defer m.Close()

	require.Error(t, m.Connect(context.Background()))
	require.Equal(t, models.StateDisconnected, m.State())
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	listener, conns := holdingListener(t)
	recorder := newStateRecorder()

	m := NewConnectionManager(ManagerOptions{
		Peer:                  managerPeer(listener),
		ReconnectInitialDelay: 30 * time.Millisecond,
		ReconnectMaxDelay:     60 * time.Millisecond,
		ReconnectWindow:       5 * time.Second,
		OnStateChange:         recorder.record,
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	recorder.await(t, models.StateConnected, 2*time.Second)

	// Drop the established connection from the remote side.
	conns.Range(func(key, _ any) bool {
		_ = key.(net.Conn).Close()
		conns.Delete(key)
		return true
	})

	recorder.await(t, models.StateDisconnected, 2*time.Second)
	recorder.await(t, models.StateConnected, 5*time.Second)
	require.Equal(t, models.StateConnected, m.State())
}

func TestManagerGivesUpAfterReconnectWindow(t *testing.T) {
	listener, conns := holdingListener(t)
	recorder := newStateRecorder()

	m := NewConnectionManager(ManagerOptions{
		Peer:                  managerPeer(listener),
		DialTimeout:           200 * time.Millisecond,
		ReconnectInitialDelay: 30 * time.Millisecond,
		ReconnectMaxDelay:     60 * time.Millisecond,
		ReconnectWindow:       400 * time.Millisecond,
		OnStateChange:         recorder.record,
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	recorder.await(t, models.StateConnected, 2*time.Second)

	// Kill the listener so every reconnect attempt fails.
	require.NoError(t, listener.Close())
	conns.Range(func(key, _ any) bool {
		_ = key.(net.Conn).Close()
		return true
	})

	deadline := time.After(10 * time.Second)
	for {
		select {
		case change := <-recorder.ch:
			if change.State == models.StateDisconnected && change.Reason == ReasonReconnectExhausted {
				require.Equal(t, models.StateDisconnected, m.State())
				return
			}
		case <-deadline:
			t.Fatal("never reported reconnect window exhausted")
		}
	}
}

func TestManagerDisconnectSuppressesReconnect(t *testing.T) {
	listener, _ := holdingListener(t)
	recorder := newStateRecorder()

	m := NewConnectionManager(ManagerOptions{
		Peer:                  managerPeer(listener),
		ReconnectInitialDelay: 20 * time.Millisecond,
		OnStateChange:         recorder.record,
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	recorder.await(t, models.StateConnected, 2*time.Second)

	m.Disconnect()
	recorder.await(t, models.StateDisconnected, 2*time.Second)

	// No reconnect attempt should follow a user-initiated disconnect.
	select {
	case change := <-recorder.ch:
		t.Fatalf("unexpected state change after disconnect: %s", change.State)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestManagerAdoptRejectsDuplicate(t *testing.T) {
	m := NewConnectionManager(ManagerOptions{Peer: models.Peer{Name: "remote"}})
	defer m.Close()

	firstClient, _ := tcpPair(t)
	secondClient, secondServer := tcpPair(t)

	m.Adopt(firstClient)
	require.Equal(t, models.StateConnected, m.State())

	m.Adopt(secondClient)

	// The duplicate socket is closed; its remote end sees EOF.
	require.NoError(t, secondServer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err := secondServer.Read(buf)
	require.Error(t, err)
}
