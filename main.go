package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gobit/gobit/torrent"
)

func main() {
	var (
		port       = flag.Int("port", 6881, "listening port for incoming peer connections")
		dir        = flag.String("dir", ".", "directory to store downloaded files in")
		uploadRate = flag.Int("upload-rate", 0, "upload rate limit in bytes/sec, 0 for unlimited")
		maxPeers   = flag.Int("max-peers", 60, "maximum number of connected peers")
		progress   = flag.Bool("progress", true, "show a terminal progress display")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gobit [flags] <path-to-torrent-file>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	mi, err := torrent.ParseMetainfoFile(flag.Arg(0))
	if err != nil {
		logger.Fatalf("parsing metainfo: %v", err)
	}

	ov, err := torrent.NewOverseer(torrent.OverseerConfig{
		ListenPort: *port,
		UploadRate: *uploadRate,
		MaxPeers:   *maxPeers,
		LogOutput:  os.Stderr,
	})
	if err != nil {
		logger.Fatalf("starting overseer: %v", err)
	}
	defer ov.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t, err := ov.AddTorrent(ctx, mi, *dir, torrent.Config{MaxPeers: *maxPeers})
	if err != nil {
		logger.Fatalf("adding torrent %q: %v", mi.Name, err)
	}

	var obs *progressObserver
	if *progress {
		obs = newProgressObserver(mi.Name, mi.TotalSize, os.Stdout)
		t.SetObserver(obs)
	}

	<-ctx.Done()
	if obs != nil {
		obs.finish()
	}
}
