package tracker

import (
	"net/netip"
	"testing"

	"leech/pkg/bencode"
)

func TestDecodeCompactPeersV4(t *testing.T) {
	// Two peers: 127.0.0.1:6881 and 10.0.0.2:51413.
	raw := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0xC8, 0xD5}

	peers, err := decodePeers(raw, false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}

	want0 := netip.MustParseAddrPort("127.0.0.1:6881")
	if peers[0] != want0 {
		t.Errorf("peers[0] = %v, want %v", peers[0], want0)
	}
}

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	_, err := decodePeers([]byte{1, 2, 3}, false)
	if err == nil {
		t.Fatalf("expected error for malformed compact peer bytes")
	}
}

func TestDecodeDictPeers(t *testing.T) {
	d1 := bencode.NewDict()
	d1.Set("ip", "127.0.0.1")
	d1.Set("port", int64(6881))

	d2 := bencode.NewDict()
	d2.Set("ip", "192.168.1.5")
	d2.Set("port", int64(51413))

	peers, err := decodeDictPeers([]any{d1, d2})
	if err != nil {
		t.Fatalf("decodeDictPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].Addr().String() != "127.0.0.1" || peers[0].Port() != 6881 {
		t.Errorf("peers[0] = %v", peers[0])
	}
}

func TestDecodePeersDispatchesOnType(t *testing.T) {
	compact := []byte{127, 0, 0, 1, 0x1A, 0xE1}
	if _, err := decodePeers(compact, false); err != nil {
		t.Errorf("compact []byte: %v", err)
	}
	if _, err := decodePeers(string(compact), false); err != nil {
		t.Errorf("compact string: %v", err)
	}
	if _, err := decodePeers(42, false); err == nil {
		t.Errorf("expected error for unsupported type")
	}
}
