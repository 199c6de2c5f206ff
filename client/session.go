// Package client wires the torrent, piece store, storage sink, tracker
// client, and reactor together into one downloadable/seedable session —
// the glue a CLI driver calls into, mirroring the teacher's own
// torrent.Client/Torrent split but built around an explicit per-session
// value instead of a global torrent registry.
package client

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"time"

	"leech/pkg/config"
	"leech/pkg/piece"
	"leech/pkg/ratelimit"
	"leech/pkg/reactor"
	"leech/pkg/storage"
	"leech/pkg/torrent"
	"leech/pkg/tracker"
)

// Session drives a single torrent from metainfo to verified-complete (or
// until its context is cancelled). Only one Session exists per running
// torrent; the CLI driver owns its lifetime.
type Session struct {
	cfg      *config.Config
	metainfo *torrent.Metainfo
	peerID   [sha1.Size]byte

	store   *piece.Store
	sink    *storage.Disk
	tracker *tracker.Tracker
	reactor *reactor.Reactor

	log *slog.Logger
}

// New builds a Session for metainfo, downloading into cfg.DefaultDownloadDir.
// listener may be nil to disable accepting inbound connections.
func New(metainfo *torrent.Metainfo, cfg *config.Config, listener net.Listener) (*Session, error) {
	if cfg == nil {
		c := config.Load()
		cfg = c
	}

	total := metainfo.Size()
	if total <= 0 {
		return nil, errors.New("client: torrent has no content length")
	}

	log := slog.Default().With(
		"component", "session",
		"info_hash", hex.EncodeToString(metainfo.Info.Hash[:]),
		"name", metainfo.Info.Name,
	)

	paths, lens := fileLayout(metainfo)
	sink, err := storage.Open(cfg.DefaultDownloadDir, metainfo.Info.Name, paths, lens, metainfo.Info.PieceLength)
	if err != nil {
		return nil, fmt.Errorf("client: open storage: %w", err)
	}

	store := piece.NewStore(metainfo.Info.Pieces, total, metainfo.Info.PieceLength, sink, log)
	store.SetRequestTimeout(cfg.RequestTimeout)

	trk, err := tracker.NewTracker(metainfo.Announce, metainfo.AnnounceList, log)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("client: tracker: %w", err)
	}

	peerID, err := newPeerID(cfg.ClientIDPrefix)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("client: peer id: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.MaxUploadRate > 0 || cfg.MaxDownloadRate > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			EgressBytesPerSec:  cfg.MaxUploadRate,
			IngressBytesPerSec: cfg.MaxDownloadRate,
		})
	}

	rc := &reactor.Config{
		MaxPeers:                   cfg.MaxPeers,
		MaxInflightRequestsPerPeer: cfg.MaxInflightRequestsPerPeer,
		DialTimeout:                cfg.DialTimeout,
		KeepAliveInterval:          cfg.PeerHeartbeatInterval,
		TimeoutCheckInterval:       cfg.KeepAliveInterval,
		ReadTimeout:                cfg.ReadTimeout,
		WriteTimeout:               cfg.WriteTimeout,
		OutboundQueueBacklog:       cfg.PeerOutboundQueueBacklog,
		EnableIPv6:                 cfg.EnableIPv6 && cfg.HasIPV6,
		Limiter:                    limiter,
	}

	r := reactor.New(peerID, metainfo.Info.Hash, store, sink, listener, rc)

	return &Session{
		cfg:      cfg,
		metainfo: metainfo,
		peerID:   peerID,
		store:    store,
		sink:     sink,
		tracker:  trk,
		reactor:  r,
		log:      log,
	}, nil
}

// Run drives the session until ctx is cancelled or the torrent completes.
// It returns nil on a verified-complete download.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() { errCh <- s.reactor.Run(ctx) }()
	go func() {
		errCh <- s.tracker.Run(
			ctx,
			tracker.AnnounceParams{
				InfoHash: s.metainfo.Info.Hash,
				PeerID:   s.peerID,
				Port:     s.cfg.Port,
				NumWant:  s.cfg.NumWant,
			},
			s.statsFunc,
			s.reactor.AdmitPeers,
			s.cfg.MinAnnounceInterval,
			s.cfg.MaxAnnounceBackoff,
			s.cfg.AnnounceInterval,
		)
	}()

	completion := time.NewTicker(time.Second)
	defer completion.Stop()

	for {
		select {
		case <-ctx.Done():
			<-errCh
			<-errCh
			return s.sink.Close()

		case err := <-errCh:
			cancel()
			<-errCh
			closeErr := s.sink.Close()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return closeErr

		case <-completion.C:
			if s.store.IsComplete() {
				s.log.Info("session.download.complete")
				cancel()
			}
		}
	}
}

// Stats returns a snapshot of the reactor's current counters.
func (s *Session) Stats() reactor.Stats {
	return s.reactor.Stats()
}

func (s *Session) statsFunc() (downloaded, uploaded, left uint64) {
	d, u, l := s.store.Progress()
	return uint64(d), uint64(u), uint64(l)
}

func fileLayout(m *torrent.Metainfo) ([][]string, []int64) {
	if len(m.Info.Files) == 0 {
		return [][]string{{m.Info.Name}}, []int64{m.Info.Length}
	}

	paths := make([][]string, len(m.Info.Files))
	lens := make([]int64, len(m.Info.Files))
	for i, f := range m.Info.Files {
		paths[i] = f.Path
		lens[i] = f.Length
	}
	return paths, lens
}

// newPeerID builds a 20-byte peer identifier: an 8-byte client prefix
// (e.g. "-LE0001-") followed by 12 random ASCII digits, the Azureus-style
// convention most trackers expect.
func newPeerID(prefix string) ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	if prefix == "" {
		prefix = "-LE0001-"
	}
	if len(prefix) != 8 {
		return id, fmt.Errorf("client: peer id prefix must be 8 bytes, got %d", len(prefix))
	}
	copy(id[:], prefix)

	for i := 8; i < sha1.Size; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return id, err
		}
		id[i] = '0' + byte(n.Int64())
	}
	return id, nil
}

// ListenerFromPort opens a TCP listener on port for inbound peer
// connections, binding all interfaces. Returns (nil, nil) when port is 0,
// meaning this session does not accept inbound connections.
func ListenerFromPort(port uint16) (net.Listener, error) {
	if port == 0 {
		return nil, nil
	}
	return net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
}
