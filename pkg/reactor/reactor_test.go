package reactor

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
	"time"

	"leech/pkg/peer"
	"leech/pkg/piece"
	"leech/pkg/protocol"
)

// memSink is an in-memory piece.Sink/reactor.Sink double used to avoid
// touching the filesystem in this package's tests.
type memSink struct {
	pieceLength int
	totalSize   int64
	buf         map[int]map[int][]byte
	flushed     map[int][]byte
}

func newMemSink(pieceLength int, totalSize int64) *memSink {
	return &memSink{
		pieceLength: pieceLength,
		totalSize:   totalSize,
		buf:         make(map[int]map[int][]byte),
		flushed:     make(map[int][]byte),
	}
}

func (s *memSink) BufferBlock(pieceIndex, begin int, data []byte) error {
	if s.buf[pieceIndex] == nil {
		s.buf[pieceIndex] = make(map[int][]byte)
	}
	s.buf[pieceIndex][begin] = append([]byte(nil), data...)
	return nil
}

func (s *memSink) FlushPiece(pieceIndex int, expected [sha1.Size]byte) (bool, error) {
	pl, _ := piece.PieceLengthAt(pieceIndex, s.totalSize, int64(s.pieceLength))
	full := make([]byte, 0, pl)
	bc := piece.BlocksInPiece(pl)
	for bi := 0; bi < bc; bi++ {
		begin, _, _ := piece.BlockBounds(pl, bi)
		full = append(full, s.buf[pieceIndex][begin]...)
	}
	if sha1.Sum(full) != expected {
		return false, nil
	}
	s.flushed[pieceIndex] = full
	return true, nil
}

func (s *memSink) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	if data, ok := s.flushed[pieceIndex]; ok {
		return data[begin : begin+length], nil
	}
	return make([]byte, length), nil
}

// TestReactorServesRequestFromUnchokedPeer drives a raw wire client against
// a listening Reactor: handshake, announce an empty bitfield, get unchoked,
// send a Request, and confirm the reactor answers with the matching Piece.
func TestReactorServesRequestFromUnchokedPeer(t *testing.T) {
	data := bytes.Repeat([]byte{0x7A}, piece.BlockLength)
	hash := sha1.Sum(data)
	sink := newMemSink(piece.BlockLength, int64(len(data)))
	sink.flushed[0] = data // this side already has the piece, i.e. a seeder

	store := piece.NewStore([][sha1.Size]byte{hash}, int64(len(data)), int64(len(data)), sink, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	infoHash := sha1.Sum([]byte("torrent"))
	clientID := sha1.Sum([]byte("seeder"))

	r := New(clientID, infoHash, store, sink, ln, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	remoteID := sha1.Sum([]byte("leecher"))
	hs := protocol.NewHandshake(infoHash, remoteID)
	if _, err := hs.Perform(conn); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	if err := protocol.WriteMessage(conn, protocol.MessageBitfield([]byte{0x00})); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}
	if err := protocol.WriteMessage(conn, protocol.MessageInterested()); err != nil {
		t.Fatalf("write interested: %v", err)
	}

	// The server also sends its own bitfield right after the handshake;
	// skip anything that isn't the Unchoke we're waiting for.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			t.Fatalf("read unchoke: %v", err)
		}
		if msg != nil && msg.ID == protocol.Unchoke {
			break
		}
	}

	if err := protocol.WriteMessage(conn, protocol.MessageRequest(0, 0, uint32(len(data)))); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	pieceMsg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read piece: %v", err)
	}
	if pieceMsg == nil || pieceMsg.ID != protocol.Piece {
		t.Fatalf("expected Piece, got %+v", pieceMsg)
	}
	_, _, block, ok := pieceMsg.ParsePiece()
	if !ok || !bytes.Equal(block, data) {
		t.Fatalf("served block mismatch")
	}

	cancel()
	<-done
}

// TestStrikePeerDisconnectsAfterBudget confirms a peer blamed for
// MaxHashFailStrikes consecutive piece-hash failures gets disconnected.
func TestStrikePeerDisconnectsAfterBudget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	infoHash := sha1.Sum([]byte("torrent"))
	clientID := sha1.Sum([]byte("client"))
	serverID := sha1.Sum([]byte("server"))

	events := make(chan peer.Event, 8)

	serverDone := make(chan *peer.Peer, 1)
	go func() {
		p, err := peer.Accept(server, infoHash, serverID, events)
		if err != nil {
			t.Errorf("peer.Accept: %v", err)
		}
		serverDone <- p
	}()

	hs := protocol.NewHandshake(infoHash, clientID)
	if _, err := hs.Perform(client); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	p := <-serverDone
	if p == nil {
		t.Fatal("Accept returned nil peer")
	}

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	r := New(clientID, infoHash, nil, nil, nil, nil)
	ps := &peerState{p: p}
	r.peers[addr] = ps

	for i := 1; i <= defaultMaxHashFailStrikes; i++ {
		disconnected := r.strikePeer(ps, addr, i)
		if i < defaultMaxHashFailStrikes && disconnected {
			t.Fatalf("strike %d: disconnected too early", i)
		}
		if i == defaultMaxHashFailStrikes && !disconnected {
			t.Fatalf("strike %d: expected disconnect at budget", i)
		}
	}
}
