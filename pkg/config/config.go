package config

import (
	"net"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// DefaultDownloadDir is the default directory where NEW torrent files
	// are saved. Changing this only affects new torrents; existing torrents
	// continue downloading to their original location.
	DefaultDownloadDir string

	// Port is the TCP port this client listens on for incoming peer
	// connections.
	Port uint16

	// NumWant is the maximum number of peers to request the tracker.
	NumWant uint32

	// MaxUploadRate limits upload speed in bytes/second. 0 = unlimited.
	MaxUploadRate int64

	// MaxDownloadRate limits download speed in bytes/second. 0 = unlimited.
	MaxDownloadRate int64

	// AnnounceInterval overrides tracker's suggested interval.
	// 0 uses tracker default.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a minimum time between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// EnableIPv6 allows connections to IPv6 peers.
	EnableIPv6 bool

	// EnableDHT enables DHT for peer discovery (future).
	EnableDHT bool

	// EnablePEX enables peer exchange protocol (future).
	EnablePEX bool

	// ClientIDPrefix customizes the peer ID prefix (e.g., "-EC0001-").
	// Must be exactly 8 bytes. Empty uses default.
	ClientIDPrefix string

	// hasIPV6 keeps track of whether or not the system supports IPV6
	// addresses.
	HasIPV6 bool

	// RequestTimeout is the baseline time after which an in-flight block
	// can be considered timed-out and re-assigned. You can adapt it
	// per-peer using RTT.
	RequestTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer connections
	// allowed.
	MaxPeers int

	// MaxInflightRequestsPerPeer limits how many requests can be
	// outstanding to a single peer at once.
	MaxInflightRequestsPerPeer int

	// PeerHeartbeatInterval is how often to send keep-alive messages to
	// peer to maintain the connection.
	PeerHeartbeatInterval time.Duration

	// ReadTimeout is the maximum time to wait for data from a peer before
	// considering the connection stalled.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending data to a peer
	// before considering the connection stalled.
	WriteTimeout time.Duration

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// KeepAliveInterval is how often to check peer connection health and
	// close idle connections.
	KeepAliveInterval time.Duration

	// PeerOutboundQueueBacklog is the maximum messages that peer can have
	// in its buffer.
	PeerOutboundQueueBacklog int
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() Config {
	downloadDir := getDefaultDownloadDir()

	return Config{
		DefaultDownloadDir:         downloadDir,
		Port:                       6969,
		NumWant:                    50,
		MaxUploadRate:              0, // unlimited
		MaxDownloadRate:            0, // unlimited
		AnnounceInterval:           0, // use tracker default
		MinAnnounceInterval:        2 * time.Minute,
		MaxAnnounceBackoff:         5 * time.Minute,
		EnableIPv6:                 true,
		EnableDHT:                  false,
		EnablePEX:                  false,
		ClientIDPrefix:             "-LE0001-",
		HasIPV6:                    hasIPV6(),
		RequestTimeout:             30 * time.Second,
		MaxPeers:                   50,
		MaxInflightRequestsPerPeer: 5,
		PeerHeartbeatInterval:      2 * time.Minute,
		ReadTimeout:                45 * time.Second,
		WriteTimeout:               45 * time.Second,
		DialTimeout:                30 * time.Second,
		KeepAliveInterval:          2 * time.Minute,
		PeerOutboundQueueBacklog:   25,
	}
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch goruntime.GOOS {
	case "windows":
		return filepath.Join(home, "Downloads", "leech")
	case "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default: // linux, bsd, etc.
		return filepath.Join(
			home,
			".local",
			"share",
			"leech",
			"downloads",
		)
	}
}
