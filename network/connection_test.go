package network

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lanstream/wire"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = listener.Close()
	}()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestConnectionDeliversFrames(t *testing.T) {
	clientRaw, serverRaw := tcpPair(t)

	pc := newPeerConnection(clientRaw, ConnectionOptions{PeerName: "remote"})
	defer func() {
		_ = pc.Close()
	}()

	payload, err := wire.EncodeJSON(wire.ChunkAck{Sequence: 7})
	require.NoError(t, err)
	frame := wire.Frame{JobID: uuid.New(), Type: wire.TypeChunkAck, Payload: payload}
	require.NoError(t, wire.WriteFrame(serverRaw, frame))

	select {
	case got := <-pc.Frames():
		require.Equal(t, frame.JobID, got.JobID)
		require.Equal(t, wire.TypeChunkAck, got.Type)
		require.Equal(t, payload, got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestConnectionAnswersPing(t *testing.T) {
	clientRaw, serverRaw := tcpPair(t)

	pc := newPeerConnection(clientRaw, ConnectionOptions{PeerName: "remote"})
	defer func() {
		_ = pc.Close()
	}()

	require.NoError(t, wire.WriteFrame(serverRaw, wire.Frame{JobID: wire.ControlJobID, Type: wire.TypePing}))

	got, err := wire.ReadFrameWithTimeout(serverRaw, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypePong, got.Type)
	require.Equal(t, wire.ControlJobID, got.JobID)
}

func TestKeepAliveMaintainsIdleConnections(t *testing.T) {
	clientRaw, serverRaw := tcpPair(t)

	opts := ConnectionOptions{
		KeepAliveInterval: 80 * time.Millisecond,
		KeepAliveTimeout:  200 * time.Millisecond,
		FrameReadTimeout:  40 * time.Millisecond,
	}
	client := newPeerConnection(clientRaw, opts)
	server := newPeerConnection(serverRaw, opts)
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	time.Sleep(500 * time.Millisecond)

	select {
	case <-client.Done():
		t.Fatal("client dropped during idle keep-alive period")
	default:
	}
	select {
	case <-server.Done():
		t.Fatal("server dropped during idle keep-alive period")
	default:
	}
}

func TestPongTimeoutClosesConnection(t *testing.T) {
	clientRaw, serverRaw := tcpPair(t)

	pc := newPeerConnection(clientRaw, ConnectionOptions{
		KeepAliveInterval: 60 * time.Millisecond,
		KeepAliveTimeout:  120 * time.Millisecond,
		FrameReadTimeout:  30 * time.Millisecond,
	})
	defer func() {
		_ = pc.Close()
	}()

	// The raw side never answers the ping.
	_ = serverRaw

	select {
	case <-pc.Done():
		require.ErrorIs(t, pc.LastError(), ErrPongTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("connection should close after pong timeout")
	}
}

func TestMalformedFrameIsFatal(t *testing.T) {
	clientRaw, serverRaw := tcpPair(t)

	pc := newPeerConnection(clientRaw, ConnectionOptions{PeerName: "remote"})
	defer func() {
		_ = pc.Close()
	}()

	// A header with an unknown type byte desynchronizes the stream.
	header := make([]byte, wire.HeaderSize)
	header[16] = 0x7f
	_, err := serverRaw.Write(header)
	require.NoError(t, err)

	select {
	case <-pc.Done():
		require.Error(t, pc.LastError())
		require.ErrorIs(t, pc.LastError(), wire.ErrUnknownMessageType)
	case <-time.After(2 * time.Second):
		t.Fatal("connection should close on malformed frame")
	}
}

func TestRemotePeerClosingIsCleanClose(t *testing.T) {
	clientRaw, serverRaw := tcpPair(t)

	pc := newPeerConnection(clientRaw, ConnectionOptions{PeerName: "remote"})
	defer func() {
		_ = pc.Close()
	}()

	require.NoError(t, serverRaw.Close())

	select {
	case <-pc.Done():
		require.NoError(t, pc.LastError())
	case <-time.After(2 * time.Second):
		t.Fatal("connection should notice remote close")
	}
}

func TestSendFrameAfterCloseFails(t *testing.T) {
	clientRaw, _ := tcpPair(t)

	pc := newPeerConnection(clientRaw, ConnectionOptions{PeerName: "remote"})
	require.NoError(t, pc.Close())

	err := pc.SendFrame(wire.Frame{JobID: wire.ControlJobID, Type: wire.TypePing})
	require.Error(t, err)
}
