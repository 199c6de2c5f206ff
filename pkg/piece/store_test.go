package piece

import (
	"bytes"
	"crypto/sha1"
	"net/netip"
	"testing"
	"time"

	"leech/pkg/bitfield"
)

// fakeSink buffers blocks in memory and verifies against the expected hash,
// mirroring storage.Disk's contract without touching the filesystem.
type fakeSink struct {
	pieceLength int
	totalSize   int64
	buf         map[int]map[int][]byte
	flushed     map[int][]byte
}

func newFakeSink(pieceLength int, totalSize int64) *fakeSink {
	return &fakeSink{
		pieceLength: pieceLength,
		totalSize:   totalSize,
		buf:         make(map[int]map[int][]byte),
		flushed:     make(map[int][]byte),
	}
}

func (f *fakeSink) BufferBlock(pieceIndex, begin int, data []byte) error {
	if f.buf[pieceIndex] == nil {
		f.buf[pieceIndex] = make(map[int][]byte)
	}
	cp := append([]byte(nil), data...)
	f.buf[pieceIndex][begin] = cp
	return nil
}

func (f *fakeSink) FlushPiece(pieceIndex int, expected [sha1.Size]byte) (bool, error) {
	pl, _ := PieceLengthAt(pieceIndex, f.totalSize, int64(f.pieceLength))
	full := make([]byte, 0, pl)
	bc := BlocksInPiece(pl)
	for bi := 0; bi < bc; bi++ {
		begin, _, _ := BlockBounds(pl, bi)
		full = append(full, f.buf[pieceIndex][begin]...)
	}

	if sha1.Sum(full) != expected {
		return false, nil
	}

	f.flushed[pieceIndex] = full
	return true, nil
}

func twoBlockPiece(t *testing.T) ([sha1.Size]byte, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte{0xAB}, BlockLength+100)
	return sha1.Sum(data), data
}

func TestStoreAssemblesTwoBlockPiece(t *testing.T) {
	hash, data := twoBlockPiece(t)
	pieceLength := int64(len(data))

	sink := newFakeSink(int(pieceLength), pieceLength)
	store := NewStore([][sha1.Size]byte{hash}, pieceLength, pieceLength, sink, nil)

	peer := netip.MustParseAddrPort("127.0.0.1:6881")
	peerBF := bitfield.New(1)
	peerBF.Set(0)

	req1, ok := store.NextRequest(peer, peerBF)
	if !ok {
		t.Fatalf("expected a request")
	}
	if req1.Begin != 0 || req1.Length != BlockLength {
		t.Fatalf("req1 = %+v", req1)
	}

	outcome, err := store.RecordBlock(peer, 0, req1.Begin, data[req1.Begin:req1.Begin+req1.Length])
	if err != nil {
		t.Fatalf("RecordBlock: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("outcome = %v, want Accepted", outcome)
	}

	req2, ok := store.NextRequest(peer, peerBF)
	if !ok {
		t.Fatalf("expected a second request")
	}
	if req2.Begin != BlockLength {
		t.Fatalf("req2.Begin = %d, want %d", req2.Begin, BlockLength)
	}

	outcome, err = store.RecordBlock(peer, 0, req2.Begin, data[req2.Begin:req2.Begin+req2.Length])
	if err != nil {
		t.Fatalf("RecordBlock: %v", err)
	}
	if outcome != PieceVerified {
		t.Fatalf("outcome = %v, want PieceVerified", outcome)
	}

	if !store.IsComplete() {
		t.Errorf("expected store to be complete")
	}
	if store.Completion() != 1 {
		t.Errorf("Completion() = %v, want 1", store.Completion())
	}
	if !bytes.Equal(sink.flushed[0], data) {
		t.Errorf("flushed data mismatch")
	}

	downloaded, uploaded, left := store.Progress()
	if downloaded != int64(len(data)) {
		t.Errorf("downloaded = %d, want %d", downloaded, len(data))
	}
	if uploaded != 0 {
		t.Errorf("uploaded = %d, want 0", uploaded)
	}
	if left != 0 {
		t.Errorf("left = %d, want 0", left)
	}

	store.CreditUpload(1234)
	if _, uploaded, _ := store.Progress(); uploaded != 1234 {
		t.Errorf("uploaded after credit = %d, want 1234", uploaded)
	}
}

func TestStoreRejectsDuplicateBlock(t *testing.T) {
	hash, data := twoBlockPiece(t)
	pieceLength := int64(len(data))
	sink := newFakeSink(int(pieceLength), pieceLength)
	store := NewStore([][sha1.Size]byte{hash}, pieceLength, pieceLength, sink, nil)

	peer := netip.MustParseAddrPort("127.0.0.1:6881")
	peerBF := bitfield.New(1)
	peerBF.Set(0)

	req, _ := store.NextRequest(peer, peerBF)
	if _, err := store.RecordBlock(peer, 0, req.Begin, data[:req.Length]); err != nil {
		t.Fatalf("RecordBlock: %v", err)
	}

	outcome, err := store.RecordBlock(peer, 0, req.Begin, data[:req.Length])
	if err != nil {
		t.Fatalf("RecordBlock (dup): %v", err)
	}
	if outcome != Rejected {
		t.Errorf("outcome = %v, want Rejected", outcome)
	}
}

func TestStoreHashMismatchResetsBlocks(t *testing.T) {
	hash, data := twoBlockPiece(t)
	pieceLength := int64(len(data))
	sink := newFakeSink(int(pieceLength), pieceLength)
	store := NewStore([][sha1.Size]byte{hash}, pieceLength, pieceLength, sink, nil)

	peer := netip.MustParseAddrPort("127.0.0.1:6881")
	peerBF := bitfield.New(1)
	peerBF.Set(0)

	req1, _ := store.NextRequest(peer, peerBF)
	store.RecordBlock(peer, 0, req1.Begin, data[req1.Begin:req1.Begin+req1.Length])

	req2, _ := store.NextRequest(peer, peerBF)
	corrupt := make([]byte, req2.Length)
	outcome, err := store.RecordBlock(peer, 0, req2.Begin, corrupt)
	if err != nil {
		t.Fatalf("RecordBlock: %v", err)
	}
	if outcome != PieceFailed {
		t.Fatalf("outcome = %v, want PieceFailed", outcome)
	}

	req3, ok := store.NextRequest(peer, peerBF)
	if !ok || req3.Begin != 0 {
		t.Fatalf("expected piece to be re-requested from the start, got %+v ok=%v", req3, ok)
	}
}

func TestStoreMarkTimedOutReclaimsBlock(t *testing.T) {
	hash, data := twoBlockPiece(t)
	pieceLength := int64(len(data))
	sink := newFakeSink(int(pieceLength), pieceLength)
	store := NewStore([][sha1.Size]byte{hash}, pieceLength, pieceLength, sink, nil)
	store.requestTimeout = time.Millisecond

	peer := netip.MustParseAddrPort("127.0.0.1:6881")
	peerBF := bitfield.New(1)
	peerBF.Set(0)

	req, ok := store.NextRequest(peer, peerBF)
	if !ok {
		t.Fatalf("expected request")
	}

	time.Sleep(5 * time.Millisecond)
	reclaimed := store.MarkTimedOut(time.Now())
	if len(reclaimed) != 1 || reclaimed[0].Begin != req.Begin {
		t.Fatalf("reclaimed = %+v", reclaimed)
	}

	req2, ok := store.NextRequest(peer, peerBF)
	if !ok || req2.Begin != req.Begin {
		t.Fatalf("expected the same block to be re-offered, got %+v", req2)
	}
}

func TestStoreSkipsPieceMissingFromPeerBitfield(t *testing.T) {
	h1, d1 := twoBlockPiece(t)
	pieceLength := int64(len(d1))
	sink := newFakeSink(int(pieceLength), 2*pieceLength)
	store := NewStore([][sha1.Size]byte{h1, h1}, 2*pieceLength, pieceLength, sink, nil)

	peer := netip.MustParseAddrPort("127.0.0.1:6881")
	peerBF := bitfield.New(2) // has neither piece yet

	if _, ok := store.NextRequest(peer, peerBF); ok {
		t.Fatalf("expected no request when peer has no pieces")
	}
}
