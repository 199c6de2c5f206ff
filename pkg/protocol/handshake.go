package protocol

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
)

const (
	pstr            = "BitTorrent protocol"
	szReservedBytes = 8
)

// ErrInfoHashMismatch is returned by Handshake.Perform when the peer's
// handshake advertises a different info hash than ours.
var ErrInfoHashMismatch = errors.New("protocol: handshake info hash mismatch")

// Handshake is the 68-byte preamble exchanged before any length-prefixed
// message is sent: <pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>.
type Handshake struct {
	Pstr     string
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// NewHandshake builds a standard BitTorrent protocol handshake for the
// given info hash and local peer id. None of the reserved bits are set;
// leech advertises no extension protocol support.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     pstr,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(h.Pstr)+49)

	buf[0] = byte(len(h.Pstr))
	offset := 1
	offset += copy(buf[offset:], h.Pstr)
	offset += copy(buf[offset:], make([]byte, szReservedBytes))
	offset += copy(buf[offset:], h.InfoHash[:])
	offset += copy(buf[offset:], h.PeerID[:])

	return buf
}

// Perform writes h to rw and reads back the peer's handshake, returning
// the peer's parsed Handshake. It fails if the peer's info hash does not
// match ours; the caller is responsible for checking PeerID against any
// value it was told to expect (e.g. in a tracker peer list).
func (h *Handshake) Perform(rw io.ReadWriter) (*Handshake, error) {
	if _, err := rw.Write(h.Serialize()); err != nil {
		return nil, err
	}

	res, err := ReadHandshake(rw)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(h.InfoHash[:], res.InfoHash[:]) {
		return nil, ErrInfoHashMismatch
	}
	return res, nil
}

// ReadHandshake reads and parses a handshake frame from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	sizeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return nil, err
	}

	pstrlen := sizeBuf[0]
	if pstrlen == 0 {
		return nil, errors.New("protocol: handshake pstrlen is 0")
	}

	rest := make([]byte, 48+int(pstrlen))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	var infoHash, peerID [sha1.Size]byte
	copy(infoHash[:], rest[int(pstrlen)+szReservedBytes:int(pstrlen)+szReservedBytes+sha1.Size])
	copy(peerID[:], rest[int(pstrlen)+szReservedBytes+sha1.Size:])

	return &Handshake{
		Pstr:     string(rest[:pstrlen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}, nil
}
