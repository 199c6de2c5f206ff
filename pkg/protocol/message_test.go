package protocol

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	infoHash := sha1.Sum([]byte("some-info-dict"))
	peerID := sha1.Sum([]byte("-LE0001-abcdefghijkl"))

	h := NewHandshake(infoHash, peerID)
	serialized := h.Serialize()

	got, err := ReadHandshake(bytes.NewReader(serialized))
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.Pstr != pstr {
		t.Errorf("Pstr = %q, want %q", got.Pstr, pstr)
	}
	if got.InfoHash != infoHash {
		t.Errorf("InfoHash mismatch")
	}
	if got.PeerID != peerID {
		t.Errorf("PeerID mismatch")
	}
}

func TestHandshakePerformRejectsMismatchedInfoHash(t *testing.T) {
	ourHash := sha1.Sum([]byte("our-torrent"))
	theirHash := sha1.Sum([]byte("their-torrent"))
	peerID := sha1.Sum([]byte("peer"))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		peerHandshake := NewHandshake(theirHash, peerID)
		serverSide, err := ReadHandshake(server)
		if err != nil {
			return
		}
		_ = serverSide
		server.Write(peerHandshake.Serialize())
	}()

	h := NewHandshake(ourHash, peerID)
	if _, err := h.Perform(client); err != ErrInfoHashMismatch {
		t.Fatalf("Perform error = %v, want ErrInfoHashMismatch", err)
	}
}

func TestMessageMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := []*Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(42),
		MessageBitfield([]byte{0xFF, 0x00, 0x80}),
		MessageRequest(1, 16384, 16384),
		MessagePiece(1, 0, []byte("block-data")),
		MessageCancel(1, 16384, 16384),
		MessagePort(6881),
	}

	for _, m := range cases {
		raw, err := m.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary(%v): %v", m.ID, err)
		}

		var got Message
		if err := got.UnmarshalBinary(raw); err != nil {
			t.Fatalf("UnmarshalBinary(%v): %v", m.ID, err)
		}
		if got.ID != m.ID || !bytes.Equal(got.Payload, m.Payload) {
			t.Errorf("round trip mismatch for %v: got %+v", m.ID, got)
		}
		if err := got.ValidatePayloadSize(); err != nil {
			t.Errorf("ValidatePayloadSize(%v): %v", m.ID, err)
		}
	}
}

func TestReadMessageNormalizesKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !IsKeepAlive(m) {
		t.Errorf("expected keep-alive, got %+v", m)
	}
}

func TestReadMessageWriteMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := MessageRequest(3, 0, 16384)

	if err := WriteMessage(&buf, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseRequestAndPiece(t *testing.T) {
	req := MessageRequest(5, 16384, 16384)
	idx, begin, length, ok := req.ParseRequest()
	if !ok || idx != 5 || begin != 16384 || length != 16384 {
		t.Fatalf("ParseRequest = %d %d %d %v", idx, begin, length, ok)
	}

	piece := MessagePiece(5, 16384, []byte("hello"))
	pidx, pbegin, block, ok := piece.ParsePiece()
	if !ok || pidx != 5 || pbegin != 16384 || string(block) != "hello" {
		t.Fatalf("ParsePiece = %d %d %q %v", pidx, pbegin, block, ok)
	}
}

func TestReadMessageRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	var lp [4]byte
	binary.BigEndian.PutUint32(lp[:], maxMessageLength+1)
	buf.Write(lp[:])

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected an error for an oversized length prefix")
	}
}

func TestValidatePayloadSizeRejectsMalformed(t *testing.T) {
	bad := &Message{ID: Have, Payload: []byte{1, 2}}
	if err := bad.ValidatePayloadSize(); err != ErrBadPayloadSize {
		t.Errorf("expected ErrBadPayloadSize, got %v", err)
	}
}
