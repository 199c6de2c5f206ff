package peer

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
	"time"

	"leech/pkg/protocol"
	"leech/pkg/ratelimit"
)

// pipePeers returns the two ends of a net.Pipe. Both ends already support
// the RemoteAddr and deadline calls that Accept and handshakeOver make.
func pipePeers(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestConnectAndAcceptHandshake(t *testing.T) {
	infoHash := sha1.Sum([]byte("torrent"))
	clientID := sha1.Sum([]byte("client"))
	remoteID := sha1.Sum([]byte("remote"))

	clientConn, serverConn := pipePeers(t)
	defer clientConn.Close()
	defer serverConn.Close()

	events := make(chan Event, 16)
	addr := netip.MustParseAddrPort("127.0.0.1:6881")

	done := make(chan struct{})
	var serverPeer *Peer
	var serverErr error
	go func() {
		serverPeer, serverErr = Accept(serverConn, infoHash, remoteID, events)
		close(done)
	}()

	clientPeer, err := handshakeOver(clientConn, addr, infoHash, clientID, events, true)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	<-done
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}

	if !clientPeer.AmChoking || !clientPeer.PeerChoking {
		t.Errorf("expected fresh peer to start choked in both directions")
	}
	if serverPeer == nil {
		t.Fatalf("expected server-side peer")
	}
}

func TestReadLoopEmitsBitfieldAndHaveEvents(t *testing.T) {
	infoHash := sha1.Sum([]byte("torrent"))
	clientID := sha1.Sum([]byte("client"))
	remoteID := sha1.Sum([]byte("remote"))

	clientConn, serverConn := pipePeers(t)
	defer clientConn.Close()
	defer serverConn.Close()

	events := make(chan Event, 16)
	addr := netip.MustParseAddrPort("127.0.0.1:6881")

	serverDone := make(chan *Peer, 1)
	go func() {
		sp, err := Accept(serverConn, infoHash, remoteID, events)
		if err != nil {
			serverDone <- nil
			return
		}
		serverDone <- sp
	}()

	clientPeer, err := handshakeOver(clientConn, addr, infoHash, clientID, events, true)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	serverPeer := <-serverDone
	if serverPeer == nil {
		t.Fatalf("server handshake failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientPeer.Start(ctx)
	defer clientPeer.Stop()

	if err := protocol.WriteMessage(serverConn, protocol.MessageBitfield([]byte{0b10000000})); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	select {
	case e := <-events:
		if e.Kind != EventBitfield || !e.BF.Has(0) {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bitfield event")
	}

	if err := protocol.WriteMessage(serverConn, protocol.MessageHave(3)); err != nil {
		t.Fatalf("write have: %v", err)
	}

	select {
	case e := <-events:
		if e.Kind != EventHave || e.Index != 3 {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for have event")
	}
}

func TestSendInterestedTogglesLocalFlag(t *testing.T) {
	infoHash := sha1.Sum([]byte("torrent"))
	clientID := sha1.Sum([]byte("client"))
	remoteID := sha1.Sum([]byte("remote"))

	clientConn, serverConn := pipePeers(t)
	defer clientConn.Close()
	defer serverConn.Close()

	events := make(chan Event, 16)
	addr := netip.MustParseAddrPort("127.0.0.1:6881")

	serverDone := make(chan struct{})
	go func() {
		Accept(serverConn, infoHash, remoteID, events)
		close(serverDone)
	}()

	clientPeer, err := handshakeOver(clientConn, addr, infoHash, clientID, events, true)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	<-serverDone

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientPeer.Start(ctx)
	defer clientPeer.Stop()

	clientPeer.SendInterested()
	if !clientPeer.AmInterested {
		t.Fatalf("expected AmInterested true")
	}

	msg, err := protocol.ReadMessage(serverConn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.ID != protocol.Interested {
		t.Fatalf("expected Interested message, got %v", msg.ID)
	}
}

func TestSendPieceThrottledByEgressLimiter(t *testing.T) {
	infoHash := sha1.Sum([]byte("torrent"))
	clientID := sha1.Sum([]byte("client"))
	remoteID := sha1.Sum([]byte("remote"))

	clientConn, serverConn := pipePeers(t)
	defer clientConn.Close()
	defer serverConn.Close()

	events := make(chan Event, 16)
	addr := netip.MustParseAddrPort("127.0.0.1:6881")

	serverDone := make(chan struct{})
	go func() {
		Accept(serverConn, infoHash, remoteID, events)
		close(serverDone)
	}()

	clientPeer, err := handshakeOver(clientConn, addr, infoHash, clientID, events, true)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	<-serverDone

	block := make([]byte, 32)
	clientPeer.SetLimiter(ratelimit.New(ratelimit.Config{EgressBytesPerSec: int64(len(block))}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientPeer.Start(ctx)
	defer clientPeer.Stop()

	clientPeer.SendPiece(0, 0, block)

	msg, err := protocol.ReadMessage(serverConn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.ID != protocol.Piece {
		t.Fatalf("expected Piece message, got %v", msg.ID)
	}
}
