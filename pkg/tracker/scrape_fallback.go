package tracker

import (
	"bytes"
	"fmt"
	"time"

	"leech/pkg/bencode"
)

// scrapeFieldKind tags each entry of scrapeFields, the BEP-3
// announce-response fields this parser knows how to recover, with the
// bencode value kind it expects to follow the key token.
type scrapeFieldKind int

const (
	scrapeInt scrapeFieldKind = iota
	scrapeString
)

var scrapeFields = []struct {
	key  string
	kind scrapeFieldKind
}{
	{"interval", scrapeInt},
	{"min interval", scrapeInt},
	{"tracker id", scrapeString},
	{"complete", scrapeInt},
	{"incomplete", scrapeInt},
	{"peers", scrapeString},
	{"warning message", scrapeString},
}

// parseAnnounceResponseFallback recovers what it can from a tracker
// response that failed ordinary bencode decoding (a non-compliant tracker
// emitting an otherwise-sensible reply, e.g. one with unordered or
// duplicate dict keys). It locates each known key as a literal bencoded
// byte-string token ("<len>:<key>") directly in the response body and
// decodes whatever bencode value immediately follows it, skipping any key
// it can't find rather than failing the whole announce.
//
// Per spec, this is a last resort: the body need not be a single valid
// bencoded document for this to succeed, only well-formed at each found
// key's value.
func parseAnnounceResponseFallback(data []byte) (*AnnounceResponse, error) {
	out := &AnnounceResponse{}
	found := false

	for _, f := range scrapeFields {
		token := []byte(fmt.Sprintf("%d:%s", len(f.key), f.key))
		idx := bytes.Index(data, token)
		if idx < 0 {
			continue
		}

		dec := bencode.NewDecoder(data[idx+len(token):])
		v, err := dec.DecodeValue()
		if err != nil {
			continue
		}
		found = true

		switch f.key {
		case "interval":
			if n, ok := v.(int64); ok {
				out.Interval = time.Duration(n) * time.Second
			}
		case "min interval":
			if n, ok := v.(int64); ok {
				out.MinInterval = time.Duration(n) * time.Second
			}
		case "tracker id":
			if s, ok := v.(string); ok {
				out.TrackerID = s
			}
		case "complete":
			if n, ok := v.(int64); ok {
				out.Seeders = n
			}
		case "incomplete":
			if n, ok := v.(int64); ok {
				out.Leechers = n
			}
		case "peers":
			switch pv := v.(type) {
			case string:
				peers, err := decodePeers(pv, false)
				if err == nil {
					out.Peers = peers
				}
			case []any:
				peers, err := decodeDictPeers(pv)
				if err == nil {
					out.Peers = peers
				}
			}
		case "warning message":
			if s, ok := v.(string); ok {
				out.WarningMessage = s
			}
		}
	}

	if !found {
		return nil, fmt.Errorf("tracker: scrape fallback: no recognizable fields in response")
	}
	return out, nil
}
