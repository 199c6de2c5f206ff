// Command leech downloads (and seeds) a single torrent from a .torrent
// file, driven entirely from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leech/client"
	"leech/pkg/config"
	"leech/pkg/logging"
	"leech/pkg/torrent"

	"github.com/alecthomas/kingpin"
)

var app = kingpin.New("leech", "A sequential-download BitTorrent client")

var (
	torrentPath = app.Arg("torrent", "Path to a .torrent file").Required().String()
	downloadDir = app.Flag("dir", "Download directory (defaults to the platform download dir)").Short('d').String()
	port        = app.Flag("port", "TCP port to listen on for inbound peers (0 keeps the configured default)").Short('p').Uint16()
	uploadRate  = app.Flag("up", "Max upload rate in bytes/sec (0 = unlimited)").Int64()
	downRate    = app.Flag("down", "Max download rate in bytes/sec (0 = unlimited)").Int64()
	maxPeers    = app.Flag("max-peers", "Maximum concurrent peer connections").Int()
	verbose     = app.Flag("verbose", "Enable debug logging").Short('v').Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	setupLogger(*verbose)
	config.Init()

	cfg := buildConfig()

	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		slog.Error("leech.torrent.read_failed", "path", *torrentPath, "err", err)
		os.Exit(1)
	}

	meta, err := torrent.ParseMetainfo(data)
	if err != nil {
		slog.Error("leech.torrent.parse_failed", "path", *torrentPath, "err", err)
		os.Exit(1)
	}

	listener, err := client.ListenerFromPort(cfg.Port)
	if err != nil {
		slog.Error("leech.listen.failed", "port", cfg.Port, "err", err)
		os.Exit(1)
	}

	sess, err := client.New(meta, cfg, listener)
	if err != nil {
		slog.Error("leech.session.init_failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportProgress(ctx, sess)

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("leech.session.failed", "err", err)
		os.Exit(1)
	}

	slog.Info("leech.done", "name", meta.Info.Name)
}

// buildConfig starts from the package defaults and layers CLI overrides on
// top, leaving anything the user didn't pass at its default value.
func buildConfig() *config.Config {
	return config.Update(func(c *config.Config) {
		if *downloadDir != "" {
			c.DefaultDownloadDir = *downloadDir
		}
		if *port != 0 {
			c.Port = *port
		}
		if *uploadRate != 0 {
			c.MaxUploadRate = *uploadRate
		}
		if *downRate != 0 {
			c.MaxDownloadRate = *downRate
		}
		if *maxPeers != 0 {
			c.MaxPeers = *maxPeers
		}
	})
}

func reportProgress(ctx context.Context, sess *client.Session) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := sess.Stats()
			fmt.Printf(
				"peers=%d downloaded=%d uploaded=%d left=%d\n",
				s.ActivePeers, s.Downloaded, s.Uploaded, s.Left,
			)
		}
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	} else {
		opts.SlogOpts.Level = slog.LevelInfo
		opts.SlogOpts.AddSource = false
	}

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}
