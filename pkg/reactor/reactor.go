// Package reactor owns a torrent's peer table and drives its piece store.
// Every peer connection forwards decoded wire events over one channel to a
// single event loop; peer goroutines never touch shared per-torrent state
// directly. Reactor.Run also runs a dial loop, a block-timeout loop and,
// when a listener is set, an accept loop on goroutines of their own. These
// loops share the peer table under the reactor's mutex, and the piece store
// guards its own state with its own lock.
package reactor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"leech/pkg/bitfield"
	"leech/pkg/peer"
	"leech/pkg/piece"
	"leech/pkg/protocol"
	"leech/pkg/ratelimit"
	"leech/pkg/retry"

	"golang.org/x/sync/errgroup"
)

// Sink is what the reactor needs from storage to serve upload requests.
type Sink interface {
	ReadBlock(pieceIndex, begin, length int) ([]byte, error)
}

// Config tunes the reactor's peer and request handling.
type Config struct {
	MaxPeers                   int
	MaxInflightRequestsPerPeer int
	DialTimeout                time.Duration
	KeepAliveInterval          time.Duration
	TimeoutCheckInterval       time.Duration

	// MaxHashFailStrikes is how many pieces a single peer may be blamed
	// for failing SHA-1 verification (as the peer whose block completed
	// the piece) before the reactor disconnects it. Zero uses the
	// package default of 3.
	MaxHashFailStrikes int

	// ReadTimeout and WriteTimeout are the per-call socket deadlines each
	// peer connection uses. A write that misses its deadline stops the
	// peer's write loop; a read that misses it is retried, and the peer is
	// dropped only once the peer package's idle timeout passes with no
	// frame received. Zero leaves the peer package's own defaults in place.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// OutboundQueueBacklog sizes each peer's outbound message queue. Zero
	// leaves the peer package's own default in place.
	OutboundQueueBacklog int

	// EnableIPv6 allows dialing IPv6 peer candidates from AdmitPeers.
	// When false, IPv6 candidates are dropped before the dial queue.
	EnableIPv6 bool

	// Limiter, if non-nil, throttles every peer's Piece payload
	// bytes in both directions. Shared across the whole peer table so
	// the cap applies to the torrent as a whole, not per-connection.
	Limiter *ratelimit.Limiter
}

func withDefaultConfig() Config {
	return Config{
		MaxPeers:                   50,
		MaxInflightRequestsPerPeer: 5,
		DialTimeout:                30 * time.Second,
		KeepAliveInterval:          2 * time.Minute,
		TimeoutCheckInterval:       10 * time.Second,
		MaxHashFailStrikes:         defaultMaxHashFailStrikes,
	}
}

// defaultMaxHashFailStrikes is the per-peer SHA-1-mismatch strike budget:
// a peer whose delivered block completes a piece that then fails
// verification is blamed once; after this many blames it is disconnected.
const defaultMaxHashFailStrikes = 3

// peerState is the reactor's private bookkeeping for one connection. Only
// the reactor's own loops read or write it, never a peer goroutine.
type peerState struct {
	p              *peer.Peer
	bf             bitfield.Bitfield
	peerChoking    bool
	peerInterested bool
	inflight       int
	strikes        int
}

// Reactor drives one torrent's download/upload session.
type Reactor struct {
	cfg Config
	log *slog.Logger

	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte

	store *piece.Store
	sink  Sink

	events   chan peer.Event
	peerAddr chan netip.AddrPort
	listener net.Listener

	mu    sync.RWMutex
	peers map[netip.AddrPort]*peerState

	dialSem chan struct{}
}

// Stats is a point-in-time snapshot safe to read from another goroutine.
type Stats struct {
	ActivePeers int
	Downloaded  int64
	Uploaded    int64
	Left        int64
	Completion  float64
}

// New builds a Reactor for one torrent. listener may be nil if this
// session is not accepting inbound connections.
func New(
	clientID, infoHash [sha1.Size]byte,
	store *piece.Store,
	sink Sink,
	listener net.Listener,
	cfg *Config,
) *Reactor {
	c := withDefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.MaxHashFailStrikes <= 0 {
		c.MaxHashFailStrikes = defaultMaxHashFailStrikes
	}

	return &Reactor{
		cfg:      c,
		log:      slog.Default().With("component", "reactor", "info_hash", hex.EncodeToString(infoHash[:])),
		infoHash: infoHash,
		clientID: clientID,
		store:    store,
		sink:     sink,
		events:   make(chan peer.Event, 256),
		peerAddr: make(chan netip.AddrPort, c.MaxPeers),
		listener: listener,
		peers:    make(map[netip.AddrPort]*peerState),
		dialSem:  make(chan struct{}, max(1, c.MaxPeers/2)),
	}
}

// AdmitPeers enqueues candidate addresses (typically from a tracker
// announce) to be dialed. Excess beyond the channel's buffer is dropped;
// the next announce will offer more candidates.
func (r *Reactor) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		if addr.Addr().Is6() && !r.cfg.EnableIPv6 {
			continue
		}
		select {
		case r.peerAddr <- addr:
		default:
			r.log.Warn("reactor.peer_queue.full", "addr", addr.String())
		}
	}
}

// Stats returns a snapshot of current session counters.
func (r *Reactor) Stats() Stats {
	r.mu.RLock()
	active := len(r.peers)
	r.mu.RUnlock()

	d, u, left := r.store.Progress()

	return Stats{
		ActivePeers: active,
		Downloaded:  d,
		Uploaded:    u,
		Left:        left,
		Completion:  r.store.Completion(),
	}
}

// Run drives the reactor's event, dial, timeout and (with a listener)
// accept loops until ctx is cancelled or one of them returns an error,
// then closes every peer connection. It returns when all its goroutines
// have exited.
func (r *Reactor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.eventLoop(ctx) })
	g.Go(func() error { return r.dialLoop(ctx) })
	g.Go(func() error { return r.timeoutLoop(ctx) })
	if r.listener != nil {
		g.Go(func() error { return r.acceptLoop(ctx) })
	}

	err := g.Wait()
	r.closeAllPeers()
	return err
}

func (r *Reactor) dialLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case addr, ok := <-r.peerAddr:
			if !ok {
				return nil
			}

			r.mu.RLock()
			_, have := r.peers[addr]
			count := len(r.peers)
			r.mu.RUnlock()

			if have || count >= r.cfg.MaxPeers {
				continue
			}

			select {
			case r.dialSem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}

			go func(addr netip.AddrPort) {
				defer func() { <-r.dialSem }()

				// Up to 3 connect attempts, 2s apart, before giving up on addr.
				var p *peer.Peer
				err := retry.Do(ctx, func(rctx context.Context) error {
					dctx, cancel := context.WithTimeout(rctx, r.cfg.DialTimeout)
					defer cancel()

					var cerr error
					p, cerr = peer.Connect(dctx, addr, r.infoHash, r.clientID, r.events)
					return cerr
				}, retry.WithLinearBackoff(3, 2*time.Second)...)
				if err != nil {
					r.log.Debug("reactor.dial.failed", "addr", addr.String(), "err", err)
					return
				}
				r.registerPeer(ctx, p)
			}(addr)
		}
	}
}

func (r *Reactor) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = r.listener.Close()
	}()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		go func() {
			r.mu.RLock()
			count := len(r.peers)
			r.mu.RUnlock()
			if count >= r.cfg.MaxPeers {
				_ = conn.Close()
				return
			}

			p, err := peer.Accept(conn, r.infoHash, r.clientID, r.events)
			if err != nil {
				return
			}
			r.registerPeer(ctx, p)
		}()
	}
}

func (r *Reactor) registerPeer(ctx context.Context, p *peer.Peer) {
	r.mu.Lock()
	if _, dup := r.peers[p.Addr]; dup {
		r.mu.Unlock()
		_ = p.Stop()
		return
	}
	r.peers[p.Addr] = &peerState{p: p, peerChoking: true}
	r.mu.Unlock()

	if r.cfg.Limiter != nil {
		p.SetLimiter(r.cfg.Limiter)
	}
	p.SetTiming(r.cfg.ReadTimeout, r.cfg.WriteTimeout, r.cfg.KeepAliveInterval, r.cfg.OutboundQueueBacklog)
	p.Start(ctx)
	p.SendBitfield(r.store.Bitfield())
}

func (r *Reactor) closeAllPeers() {
	r.mu.Lock()
	states := make([]*peerState, 0, len(r.peers))
	for _, ps := range r.peers {
		states = append(states, ps)
	}
	r.peers = make(map[netip.AddrPort]*peerState)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ps := range states {
		wg.Add(1)
		go func(ps *peerState) {
			defer wg.Done()
			_ = ps.p.Stop()
		}(ps)
	}
	wg.Wait()
}

func (r *Reactor) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TimeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			reclaimed := r.store.MarkTimedOut(now)
			for _, req := range reclaimed {
				r.mu.Lock()
				if ps, ok := r.peers[req.Peer]; ok {
					if ps.inflight > 0 {
						ps.inflight--
					}
				}
				r.mu.Unlock()
			}
			r.fillAllRequests()
		}
	}
}

func (r *Reactor) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e := <-r.events:
			r.handleEvent(e)
		}
	}
}

func (r *Reactor) handleEvent(e peer.Event) {
	r.mu.Lock()
	ps, ok := r.peers[e.Addr]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch e.Kind {
	case peer.EventBitfield:
		r.mu.Lock()
		ps.bf = e.BF
		r.mu.Unlock()
		r.maybeExpressInterest(ps)

	case peer.EventHave:
		r.mu.Lock()
		if ps.bf.Len() == 0 {
			ps.bf = bitfield.New(r.store.PieceCount())
		}
		ps.bf.Set(e.Index)
		r.mu.Unlock()
		r.maybeExpressInterest(ps)

	case peer.EventChoke:
		r.mu.Lock()
		ps.peerChoking = true
		r.mu.Unlock()

	case peer.EventUnchoke:
		r.mu.Lock()
		ps.peerChoking = false
		r.mu.Unlock()
		r.fillRequests(ps)

	case peer.EventInterested:
		r.mu.Lock()
		ps.peerInterested = true
		r.mu.Unlock()
		ps.p.SendUnchoke()

	case peer.EventNotInterested:
		r.mu.Lock()
		ps.peerInterested = false
		r.mu.Unlock()

	case peer.EventPiece:
		r.mu.Lock()
		if ps.inflight > 0 {
			ps.inflight--
		}
		r.mu.Unlock()

		outcome, err := r.store.RecordBlock(e.Addr, e.Index, e.Begin, e.Block)
		if err != nil {
			r.log.Warn("reactor.record_block.error", "err", err)
		}
		switch outcome {
		case piece.PieceVerified:
			r.broadcastHave(e.Index, e.Addr)
		case piece.PieceFailed:
			// e.Addr supplied the block that completed the piece and
			// triggered the failed hash check; blame it for this piece.
			if r.strikePeer(ps, e.Addr, e.Index) {
				return
			}
		}
		r.fillRequests(ps)

	case peer.EventRequest:
		if ps.p.AmChoking {
			return
		}
		block, err := r.sink.ReadBlock(e.Index, e.Begin, e.Len)
		if err != nil {
			r.log.Debug("reactor.serve_block.error", "err", err)
			return
		}
		ps.p.SendPiece(e.Index, e.Begin, block)
		r.store.CreditUpload(int64(len(block)))

	case peer.EventCancel:
		// Requests are served synchronously as soon as they arrive, so
		// there is nothing queued to cancel.

	case peer.EventPort:
		// No DHT node to forward this to; accept and ignore.

	case peer.EventDisconnected:
		r.store.OnPeerGone(e.Addr)
		r.mu.Lock()
		delete(r.peers, e.Addr)
		r.mu.Unlock()
	}
}

// strikePeer records a SHA-1-mismatch strike against addr and disconnects
// it once it reaches the configured budget. Returns true if the peer was
// disconnected (the caller should not go on to use ps).
func (r *Reactor) strikePeer(ps *peerState, addr netip.AddrPort, pieceIdx int) bool {
	r.mu.Lock()
	ps.strikes++
	over := ps.strikes >= r.cfg.MaxHashFailStrikes
	r.mu.Unlock()

	if !over {
		return false
	}

	r.log.Warn("reactor.peer.hash_fail_strikes", "addr", addr.String(), "piece", pieceIdx, "strikes", ps.strikes)
	go func() { _ = ps.p.Stop() }()
	return true
}

func (r *Reactor) maybeExpressInterest(ps *peerState) {
	r.mu.RLock()
	bf := ps.bf
	r.mu.RUnlock()

	if r.store.HasAnyWantedPiece(bf) {
		ps.p.SendInterested()
	} else {
		ps.p.SendNotInterested()
	}
}

func (r *Reactor) fillAllRequests() {
	r.mu.RLock()
	states := make([]*peerState, 0, len(r.peers))
	for _, ps := range r.peers {
		states = append(states, ps)
	}
	r.mu.RUnlock()

	for _, ps := range states {
		r.fillRequests(ps)
	}
}

func (r *Reactor) fillRequests(ps *peerState) {
	if ps.peerChoking {
		return
	}

	for {
		r.mu.RLock()
		inflight := ps.inflight
		bf := ps.bf
		r.mu.RUnlock()

		if inflight >= r.cfg.MaxInflightRequestsPerPeer {
			return
		}

		req, ok := r.store.NextRequest(ps.p.Addr, bf)
		if !ok {
			return
		}

		ps.p.SendRequest(req.Piece, req.Begin, req.Length)

		r.mu.Lock()
		ps.inflight++
		r.mu.Unlock()
	}
}

func (r *Reactor) broadcastHave(pieceIdx int, exclude netip.AddrPort) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for addr, ps := range r.peers {
		if addr == exclude {
			continue
		}
		ps.p.Send(protocol.MessageHave(uint32(pieceIdx)))
	}
}
