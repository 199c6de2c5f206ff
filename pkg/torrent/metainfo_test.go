package torrent

import (
	"encoding/hex"
	"testing"

	"leech/pkg/bencode"
)

func buildSingleFileTorrent(t *testing.T) []byte {
	t.Helper()

	info := bencode.NewDict()
	info.Set("length", int64(20))
	info.Set("name", "hello.txt")
	info.Set("piece length", int64(10))
	info.Set("pieces", string(make([]byte, 40)))

	root := bencode.NewDict()
	root.Set("announce", "http://tracker.example/announce")
	root.Set("info", info)

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestParseMetainfoSingleFile(t *testing.T) {
	data := buildSingleFileTorrent(t)

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	if mi.Info.Name != "hello.txt" {
		t.Errorf("Name = %q", mi.Info.Name)
	}
	if mi.Info.Length != 20 {
		t.Errorf("Length = %d", mi.Info.Length)
	}
	if mi.Size() != 20 {
		t.Errorf("Size() = %d", mi.Size())
	}
	if len(mi.Info.Pieces) != 2 {
		t.Errorf("Pieces count = %d, want 2", len(mi.Info.Pieces))
	}
}

func TestInfoHashStableAcrossRoundTrip(t *testing.T) {
	data := buildSingleFileTorrent(t)

	mi1, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	// Re-decode, re-encode, re-parse: the hash must be identical, since
	// the info dict's byte representation is canonical.
	raw, err := bencode.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reEncoded, err := bencode.Marshal(raw)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	mi2, err := ParseMetainfo(reEncoded)
	if err != nil {
		t.Fatalf("ParseMetainfo (re-encoded): %v", err)
	}

	if mi1.Info.Hash != mi2.Info.Hash {
		t.Errorf("hash mismatch: %s vs %s",
			hex.EncodeToString(mi1.Info.Hash[:]),
			hex.EncodeToString(mi2.Info.Hash[:]))
	}
}

func TestParseMetainfoRejectsMissingAnnounce(t *testing.T) {
	info := bencode.NewDict()
	info.Set("length", int64(1))
	info.Set("name", "f")
	info.Set("piece length", int64(1))
	info.Set("pieces", string(make([]byte, 20)))

	root := bencode.NewDict()
	root.Set("info", info)

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if _, err := ParseMetainfo(data); err != ErrAnnounceMissing {
		t.Errorf("got %v, want ErrAnnounceMissing", err)
	}
}

func TestParseMetainfoMultiFile(t *testing.T) {
	f1 := bencode.NewDict()
	f1.Set("length", int64(5))
	f1.Set("path", []any{"a.txt"})
	f2 := bencode.NewDict()
	f2.Set("length", int64(7))
	f2.Set("path", []any{"sub", "b.txt"})

	info := bencode.NewDict()
	info.Set("files", []any{f1, f2})
	info.Set("name", "bundle")
	info.Set("piece length", int64(4))
	info.Set("pieces", string(make([]byte, 60)))

	root := bencode.NewDict()
	root.Set("announce", "http://tracker.example/announce")
	root.Set("info", info)

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	if mi.Size() != 12 {
		t.Errorf("Size() = %d, want 12", mi.Size())
	}
	if len(mi.Info.Files) != 2 {
		t.Fatalf("Files count = %d, want 2", len(mi.Info.Files))
	}
	if mi.Info.Files[1].Path[0] != "sub" {
		t.Errorf("Files[1].Path = %v", mi.Info.Files[1].Path)
	}
}
