package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"leech/pkg/bitfield"
)

// Sink persists verified piece data and is the only thing Store needs to
// know about storage. storage.Disk implements it.
type Sink interface {
	BufferBlock(pieceIndex, begin int, data []byte) error
	FlushPiece(pieceIndex int, expected [sha1.Size]byte) (bool, error)
}

// Request describes one block a peer should be asked for. Peer identifies
// who it was (to be) requested from; NextRequest fills it with the peer
// passed in, and MarkTimedOut fills it with the owner being reclaimed from.
type Request struct {
	Piece  int
	Begin  int
	Length int
	Peer   netip.AddrPort
}

// Outcome classifies the result of RecordBlock.
type Outcome int

const (
	// Accepted: the block was new data for a piece still being
	// assembled; more blocks remain before the piece can be verified.
	Accepted Outcome = iota

	// PieceVerified: this was the piece's last outstanding block, and
	// its SHA-1 matched the expected hash.
	PieceVerified

	// PieceFailed: this was the piece's last outstanding block, but the
	// SHA-1 did not match; all of the piece's blocks have been reset to
	// wanted.
	PieceFailed

	// Rejected: the block was not currently outstanding (duplicate,
	// already-verified piece, or out-of-range indices) and was
	// discarded.
	Rejected
)

type blockStatus uint8

const (
	blockWant blockStatus = iota
	blockRequested
	blockDone
)

type pieceEntry struct {
	length      int
	blockCount  int
	sha         [sha1.Size]byte
	status      []blockStatus
	requestedAt []time.Time
	owner       []netip.AddrPort
	doneCount   int
	verified    bool
}

// Store is the sequential-selection piece tracker the reactor drives.
// Methods that read or change piece state take the store's mutex and the
// byte counters are atomic, so the reactor's event and timeout loops and
// status readers such as Reactor.Stats can call it concurrently.
type Store struct {
	mu sync.RWMutex

	totalSize   int64
	pieceLength int64
	pieces      []*pieceEntry
	bf          bitfield.Bitfield

	nextPiece int
	nextBlock int

	requestTimeout time.Duration

	downloaded atomic.Int64
	uploaded   atomic.Int64

	sink Sink
	log  *slog.Logger
}

const defaultRequestTimeout = 30 * time.Second

// NewStore builds a Store for a torrent with the given per-piece SHA-1
// hashes, total content size, and piece length.
func NewStore(pieceHashes [][sha1.Size]byte, totalSize, pieceLength int64, sink Sink, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	n := len(pieceHashes)
	pieces := make([]*pieceEntry, n)
	for i := range pieceHashes {
		pl, _ := PieceLengthAt(i, totalSize, pieceLength)
		bc := BlocksInPiece(pl)

		pieces[i] = &pieceEntry{
			length:      pl,
			blockCount:  bc,
			sha:         pieceHashes[i],
			status:      make([]blockStatus, bc),
			requestedAt: make([]time.Time, bc),
			owner:       make([]netip.AddrPort, bc),
		}
	}

	return &Store{
		totalSize:      totalSize,
		pieceLength:    pieceLength,
		pieces:         pieces,
		bf:             bitfield.New(n),
		requestTimeout: defaultRequestTimeout,
		sink:           sink,
		log:            log.With("component", "piece_store"),
	}
}

// SetRequestTimeout overrides the duration after which an in-flight block
// request is eligible for reclaim by MarkTimedOut. d <= 0 is ignored.
func (s *Store) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// Bitfield returns a copy of this store's have-bitmap.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.bf.Clone()
}

// PieceCount returns the number of pieces this torrent has.
func (s *Store) PieceCount() int {
	return len(s.pieces)
}

// IsComplete reports whether every piece has been verified.
func (s *Store) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.nextPiece >= len(s.pieces)
}

// Completion returns the fraction of pieces verified, in [0,1].
func (s *Store) Completion() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.pieces) == 0 {
		return 1
	}
	return float64(s.bf.Count()) / float64(len(s.pieces))
}

// HasAnyWantedPiece reports whether peerBF advertises any piece this store
// still needs, starting from the current sequential cursor onward.
func (s *Store) HasAnyWantedPiece(peerBF bitfield.Bitfield) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := s.nextPiece; i < len(s.pieces); i++ {
		if !s.pieces[i].verified && peerBF.Has(i) {
			return true
		}
	}
	return false
}

// NextRequest returns the next block to request from peer, given the
// bitfield peer has advertised. Pieces are walked once in ascending index
// from the sequential cursor: the first piece that is not verified, that
// peer has, and that still has a wanted block supplies the request, and
// within it the lowest-offset wanted block is chosen. Pieces peer lacks,
// or whose blocks are all requested or received, are skipped.
func (s *Store) NextRequest(peer netip.AddrPort, peerBF bitfield.Bitfield) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceCursorLocked()

	for pi := s.nextPiece; pi < len(s.pieces); pi++ {
		ps := s.pieces[pi]
		if ps.verified || !peerBF.Has(pi) {
			continue
		}

		first := 0
		if pi == s.nextPiece {
			first = s.nextBlock
		}
		for bi := first; bi < ps.blockCount; bi++ {
			if ps.status[bi] != blockWant {
				continue
			}

			begin, length, err := BlockBounds(ps.length, bi)
			if err != nil {
				s.log.Error("block bounds", "piece", pi, "block", bi, "error", err)
				continue
			}

			ps.status[bi] = blockRequested
			ps.requestedAt[bi] = time.Now()
			ps.owner[bi] = peer

			return Request{Piece: pi, Begin: begin, Length: length, Peer: peer}, true
		}
	}

	return Request{}, false
}

// advanceCursorLocked skips verified pieces at the front of the queue.
func (s *Store) advanceCursorLocked() {
	for s.nextPiece < len(s.pieces) && s.pieces[s.nextPiece].verified {
		s.nextPiece++
		s.nextBlock = 0
	}
}

// MarkRequested re-stamps a block as freshly requested, used when a
// request is resent after a partial timeout.
func (s *Store) MarkRequested(peer netip.AddrPort, pieceIdx, begin int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bi, ok := s.blockIndexLocked(pieceIdx, begin)
	if !ok {
		return
	}

	ps := s.pieces[pieceIdx]
	ps.status[bi] = blockRequested
	ps.requestedAt[bi] = time.Now()
	ps.owner[bi] = peer
}

// MarkTimedOut resets any block requested more than the store's timeout
// ago back to wanted, and returns the (piece, begin) pairs reclaimed so the
// reactor can issue cancels.
func (s *Store) MarkTimedOut(now time.Time) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []Request

	for pIdx, ps := range s.pieces {
		if ps.verified {
			continue
		}
		for bi := 0; bi < ps.blockCount; bi++ {
			if ps.status[bi] != blockRequested {
				continue
			}
			if now.Sub(ps.requestedAt[bi]) < s.requestTimeout {
				continue
			}

			owner := ps.owner[bi]
			ps.status[bi] = blockWant
			begin, length, err := BlockBounds(ps.length, bi)
			if err != nil {
				continue
			}
			reclaimed = append(reclaimed, Request{Piece: pIdx, Begin: begin, Length: length, Peer: owner})

			if pIdx < s.nextPiece {
				s.nextPiece = pIdx
				s.nextBlock = bi
			} else if pIdx == s.nextPiece && bi < s.nextBlock {
				s.nextBlock = bi
			}
		}
	}

	return reclaimed
}

// OnPeerGone reclaims every block owned by peer back to wanted, used when
// a peer connection drops mid-transfer.
func (s *Store) OnPeerGone(peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pIdx, ps := range s.pieces {
		if ps.verified {
			continue
		}
		for bi := 0; bi < ps.blockCount; bi++ {
			if ps.status[bi] == blockRequested && ps.owner[bi] == peer {
				ps.status[bi] = blockWant
				if pIdx < s.nextPiece {
					s.nextPiece = pIdx
					s.nextBlock = bi
				}
			}
		}
	}
}

// RecordBlock accepts data received for (pieceIdx, begin) from peer. When
// this completes a piece, it verifies the piece's SHA-1 against the
// metainfo hash and flushes it to the sink.
func (s *Store) RecordBlock(peer netip.AddrPort, pieceIdx, begin int, data []byte) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return Rejected, fmt.Errorf("piece store: piece index %d out of range", pieceIdx)
	}

	ps := s.pieces[pieceIdx]
	if ps.verified {
		return Rejected, nil
	}

	bi, ok := s.blockIndexLocked(pieceIdx, begin)
	if !ok {
		return Rejected, fmt.Errorf("piece store: no block at piece %d begin %d", pieceIdx, begin)
	}
	if ps.status[bi] == blockDone {
		return Rejected, nil
	}

	if err := s.sink.BufferBlock(pieceIdx, begin, data); err != nil {
		return Rejected, fmt.Errorf("piece store: buffer block: %w", err)
	}

	ps.status[bi] = blockDone
	ps.doneCount++

	if ps.doneCount < ps.blockCount {
		return Accepted, nil
	}

	ok, err := s.sink.FlushPiece(pieceIdx, ps.sha)
	if err != nil {
		return Rejected, fmt.Errorf("piece store: flush piece %d: %w", pieceIdx, err)
	}
	if !ok {
		s.log.Warn("piece hash mismatch, re-downloading", "piece", pieceIdx)
		for i := range ps.status {
			ps.status[i] = blockWant
		}
		ps.doneCount = 0

		if pieceIdx < s.nextPiece {
			s.nextPiece = pieceIdx
			s.nextBlock = 0
		}
		return PieceFailed, nil
	}

	ps.verified = true
	s.bf.Set(pieceIdx)
	s.downloaded.Add(int64(ps.length))
	s.advanceCursorLocked()

	return PieceVerified, nil
}

// CreditUpload records nbytes of Piece payload handed to a peer, for the
// tracker's "uploaded" accounting.
func (s *Store) CreditUpload(nbytes int64) {
	s.uploaded.Add(nbytes)
}

// Progress returns the downloaded/uploaded/left byte counters the
// tracker client reports on each announce. downloaded is the sum of
// every Verified piece's length; left is totalSize minus downloaded and
// never goes negative.
func (s *Store) Progress() (downloaded, uploaded, left int64) {
	downloaded = s.downloaded.Load()
	uploaded = s.uploaded.Load()
	left = s.totalSize - downloaded
	if left < 0 {
		left = 0
	}
	return downloaded, uploaded, left
}

func (s *Store) blockIndexLocked(pieceIdx, begin int) (int, bool) {
	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return 0, false
	}
	ps := s.pieces[pieceIdx]

	bi := BlockIndexForBegin(begin, ps.length, BlockLength)
	if bi < 0 || bi >= ps.blockCount {
		return 0, false
	}
	return bi, true
}
