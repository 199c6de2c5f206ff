// Package peer manages a single connection to a remote BitTorrent client:
// the handshake, the read/write goroutines, and the per-peer choke/
// interest state. Anything that needs to touch shared torrent state (the
// piece store, the peer table) is published as an Event onto a channel
// owned by the reactor rather than mutated directly, so the reactor
// remains the single writer of that state.
package peer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"leech/pkg/bitfield"
	"leech/pkg/protocol"
	"leech/pkg/ratelimit"

	"golang.org/x/sync/errgroup"
)

const (
	readTimeout       = 45 * time.Second
	writeTimeout      = 45 * time.Second
	keepAliveInterval = 2 * time.Minute
	idleTimeout       = 5 * time.Minute
	outboundLen       = 64
)

// EventKind classifies an Event published by a peer's read loop.
type EventKind int

const (
	EventChoke EventKind = iota
	EventUnchoke
	EventInterested
	EventNotInterested
	EventBitfield
	EventHave
	EventPiece
	EventRequest
	EventCancel
	EventPort
	EventDisconnected
)

// Event is a decoded wire message (or connection lifecycle notice)
// addressed to the reactor. Addr identifies which peer it came from; the
// reactor looks the Peer up by Addr in its table.
type Event struct {
	Addr  netip.AddrPort
	Kind  EventKind
	Index int    // Have, Request, Cancel, Piece
	Begin int    // Request, Cancel, Piece
	Len   int    // Request, Cancel
	Block []byte // Piece
	BF    bitfield.Bitfield
	Port  uint16
	Err   error // EventDisconnected
}

// Peer represents one live connection to a remote client.
type Peer struct {
	Addr netip.AddrPort

	conn net.Conn
	log  *slog.Logger

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte

	events  chan<- Event
	outq    chan *protocol.Message
	grp     *errgroup.Group
	started bool
	cancel  context.CancelFunc

	limiter *ratelimit.Limiter

	readTimeout       time.Duration
	writeTimeout      time.Duration
	keepAliveInterval time.Duration
}

// Connect dials addr, performs the BitTorrent handshake, and returns a
// Peer ready to Start. events is the reactor's shared inbound channel;
// every decoded message from this peer is sent there once Start runs.
func Connect(
	ctx context.Context,
	addr netip.AddrPort,
	infoHash, clientID [sha1.Size]byte,
	events chan<- Event,
) (*Peer, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	return handshakeOver(conn, addr, infoHash, clientID, events, true)
}

// Accept completes the responder side of a handshake over an already
// accepted inbound connection. The responder reads the initiator's
// handshake before sending its own, mirroring how a real TCP accept
// sees the peer's bytes first.
func Accept(
	conn net.Conn,
	infoHash, clientID [sha1.Size]byte,
	events chan<- Event,
) (*Peer, error) {
	addr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		addr = netip.AddrPort{}
	}

	return handshakeOver(conn, addr, infoHash, clientID, events, false)
}

func handshakeOver(
	conn net.Conn,
	addr netip.AddrPort,
	infoHash, clientID [sha1.Size]byte,
	events chan<- Event,
	initiator bool,
) (*Peer, error) {
	l := slog.Default().With(
		"remote", conn.RemoteAddr().String(),
		"info_hash", hex.EncodeToString(infoHash[:]),
	)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	hs := protocol.NewHandshake(infoHash, clientID)

	var peerHS *protocol.Handshake
	var err error
	if initiator {
		peerHS, err = hs.Perform(conn)
	} else {
		peerHS, err = respondHandshake(conn, hs)
	}
	if err != nil {
		l.Warn("peer.handshake.failed", "err", err)
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	l.Info("peer.handshake.ok", "peer_id", hex.EncodeToString(peerHS.PeerID[:]))

	return &Peer{
		Addr:              addr,
		conn:              conn,
		log:               l,
		AmChoking:         true,
		AmInterested:      false,
		PeerChoking:       true,
		PeerInterested:    false,
		infoHash:          infoHash,
		clientID:          clientID,
		events:            events,
		outq:              make(chan *protocol.Message, outboundLen),
		readTimeout:       readTimeout,
		writeTimeout:      writeTimeout,
		keepAliveInterval: keepAliveInterval,
	}, nil
}

// SetTiming overrides this peer's read/write deadlines, keep-alive cadence,
// and outbound queue depth. Must be called before Start; zero values leave
// the corresponding default in place.
func (p *Peer) SetTiming(readT, writeT, keepAlive time.Duration, outboundBacklog int) {
	if readT > 0 {
		p.readTimeout = readT
	}
	if writeT > 0 {
		p.writeTimeout = writeT
	}
	if keepAlive > 0 {
		p.keepAliveInterval = keepAlive
	}
	if outboundBacklog > 0 && !p.started {
		p.outq = make(chan *protocol.Message, outboundBacklog)
	}
}

// respondHandshake performs the responder side of a handshake: read the
// initiator's frame first, check the info hash, then reply with ours.
func respondHandshake(conn net.Conn, hs *protocol.Handshake) (*protocol.Handshake, error) {
	peerHS, err := protocol.ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	if peerHS.InfoHash != hs.InfoHash {
		return nil, protocol.ErrInfoHashMismatch
	}
	if _, err := conn.Write(hs.Serialize()); err != nil {
		return nil, err
	}
	return peerHS, nil
}

// SetLimiter attaches a shared bandwidth limiter this peer's read/write
// loops consult before crediting inbound/outbound Piece payloads. Must be
// called before Start. A nil limiter (the default) means unthrottled.
func (p *Peer) SetLimiter(l *ratelimit.Limiter) {
	p.limiter = l
}

// Start launches the read and write loops. It is safe to call only once.
func (p *Peer) Start(ctx context.Context) {
	if p.started {
		p.log.Warn("peer.start.ignored", "reason", "already started")
		return
	}
	p.started = true

	childCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(childCtx)

	p.cancel = cancel
	p.grp = g

	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
}

// Stop tears the connection down and waits for both loops to exit.
func (p *Peer) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	_ = p.conn.Close()

	var err error
	if p.grp != nil {
		err = p.grp.Wait()
		p.grp = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Peer) emit(kind EventKind, fn func(*Event)) {
	e := Event{Addr: p.Addr, Kind: kind}
	if fn != nil {
		fn(&e)
	}

	select {
	case p.events <- e:
	default:
		p.log.Warn("peer.event.dropped", "kind", kind)
	}
}

// Send queues a message for the write loop. It never blocks the reactor:
// a full outbound queue means the peer isn't draining fast enough, and
// the caller should treat it as backpressure rather than stalling.
func (p *Peer) Send(m *protocol.Message) bool {
	select {
	case p.outq <- m:
		return true
	default:
		p.log.Warn("peer.send.dropped", "message", m.ID.String())
		return false
	}
}

func (p *Peer) SendInterested() {
	if p.AmInterested {
		return
	}
	p.AmInterested = true
	p.Send(protocol.MessageInterested())
}

func (p *Peer) SendNotInterested() {
	if !p.AmInterested {
		return
	}
	p.AmInterested = false
	p.Send(protocol.MessageNotInterested())
}

func (p *Peer) SendChoke() {
	if p.AmChoking {
		return
	}
	p.AmChoking = true
	p.Send(protocol.MessageChoke())
}

func (p *Peer) SendUnchoke() {
	if !p.AmChoking {
		return
	}
	p.AmChoking = false
	p.Send(protocol.MessageUnchoke())
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) {
	p.Send(protocol.MessageBitfield(bf.Bytes()))
}

func (p *Peer) SendRequest(index, begin, length int) {
	p.Send(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
}

func (p *Peer) SendCancel(index, begin, length int) {
	p.Send(protocol.MessageCancel(uint32(index), uint32(begin), uint32(length)))
}

func (p *Peer) SendPiece(index, begin int, block []byte) {
	p.Send(protocol.MessagePiece(uint32(index), uint32(begin), block))
}

func (p *Peer) readLoop(ctx context.Context) error {
	l := p.log.With("loop", "read")
	lastRecv := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.readMessage()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if time.Since(lastRecv) > idleTimeout {
				l.Warn("peer.idle.timeout", "idle", time.Since(lastRecv))
				p.emit(EventDisconnected, func(e *Event) { e.Err = context.DeadlineExceeded })
				return context.DeadlineExceeded
			}
			continue
		}
		if err != nil {
			p.emit(EventDisconnected, func(e *Event) { e.Err = err })
			return err
		}

		if msg == nil { // keep-alive
			lastRecv = time.Now()
			continue
		}
		lastRecv = time.Now()

		if err := msg.ValidatePayloadSize(); err != nil {
			l.Warn("peer.msg.malformed", "id", msg.ID.String(), "err", err)
			continue
		}

		// Only a Piece's block bytes count against the rate budget, not
		// its 8-byte index/begin header.
		if msg.ID == protocol.Piece && p.limiter != nil {
			if err := p.limiter.ReserveIngress(ctx, len(msg.Payload)-8); err != nil {
				p.emit(EventDisconnected, func(e *Event) { e.Err = err })
				return err
			}
		}

		p.dispatch(msg)
	}
}

func (p *Peer) dispatch(msg *protocol.Message) {
	switch msg.ID {
	case protocol.Choke:
		p.PeerChoking = true
		p.emit(EventChoke, nil)

	case protocol.Unchoke:
		p.PeerChoking = false
		p.emit(EventUnchoke, nil)

	case protocol.Interested:
		p.PeerInterested = true
		p.emit(EventInterested, nil)

	case protocol.NotInterested:
		p.PeerInterested = false
		p.emit(EventNotInterested, nil)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		p.emit(EventBitfield, func(e *Event) { e.BF = bf })

	case protocol.Have:
		idx, ok := msg.ParseHave()
		if !ok {
			return
		}
		p.emit(EventHave, func(e *Event) { e.Index = int(idx) })

	case protocol.Piece:
		idx, begin, block, ok := msg.ParsePiece()
		if !ok {
			return
		}
		p.emit(EventPiece, func(e *Event) {
			e.Index, e.Begin, e.Block = int(idx), int(begin), block
		})

	case protocol.Request:
		idx, begin, length, ok := msg.ParseRequest()
		if !ok {
			return
		}
		p.emit(EventRequest, func(e *Event) {
			e.Index, e.Begin, e.Len = int(idx), int(begin), int(length)
		})

	case protocol.Cancel:
		idx, begin, length, ok := msg.ParseRequest()
		if !ok {
			return
		}
		p.emit(EventCancel, func(e *Event) {
			e.Index, e.Begin, e.Len = int(idx), int(begin), int(length)
		})

	case protocol.Port:
		port, ok := msg.ParsePort()
		if !ok {
			return
		}
		p.emit(EventPort, func(e *Event) { e.Port = port })

	default:
		p.log.Warn("peer.msg.unknown", "id", int(msg.ID))
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	keepAliveTicker := time.NewTicker(p.keepAliveInterval)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-p.outq:
			if !ok {
				return nil
			}
			if msg != nil && msg.ID == protocol.Piece && p.limiter != nil {
				if err := p.limiter.ReserveEgress(ctx, len(msg.Payload)-8); err != nil {
					return err
				}
			}
			if err := p.writeMessage(msg); err != nil {
				return err
			}

		case <-keepAliveTicker.C:
			if err := p.writeMessage(nil); err != nil {
				return err
			}
		}
	}
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	return protocol.WriteMessage(p.conn, message)
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	return protocol.ReadMessage(p.conn)
}
