package torrent

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// OverseerConfig carries the process-wide settings that apply to every
// torrent managed by an Overseer.
type OverseerConfig struct {
	ListenPort   int
	UploadRate   int // bytes/sec, 0 = unlimited
	MaxOpenFiles int
	MaxPeers     int
	DesiredPeers int
	LogOutput    io.Writer
	Announcer    Announcer
}

func (c OverseerConfig) withDefaults() OverseerConfig {
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	if c.Announcer == nil {
		c.Announcer = NewHTTPAnnouncer()
	}
	return c
}

// Overseer is the process-wide coordinator: it owns the single shared
// Hasher, Sender, and Receiver, the peer-id used for every torrent, and
// the info_hash -> Torrent registry. Torrents are added and removed at
// runtime; the background workers and 1 Hz heartbeat run for the
// lifetime of the Overseer.
type Overseer struct {
	cfg       OverseerConfig
	peerID    PeerID
	announcer Announcer

	log        *log.Logger
	hasher     *Hasher
	sender     *Sender
	receiver   *Receiver
	listenPort uint16

	mu       sync.RWMutex
	torrents map[[20]byte]*Torrent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewOverseer constructs and starts the shared background workers
// (Hasher, Sender, Receiver, heartbeat). Call Close to shut everything
// down.
func NewOverseer(cfg OverseerConfig) (*Overseer, error) {
	cfg = cfg.withDefaults()
	logger := log.New(cfg.LogOutput, "[overseer] ", log.LstdFlags)
	ov := &Overseer{
		cfg:       cfg,
		peerID:    NewPeerID(),
		announcer: cfg.Announcer,
		log:       logger,
		torrents:  make(map[[20]byte]*Torrent),
		stopCh:    make(chan struct{}),
	}
	ov.hasher = NewHasher(log.New(cfg.LogOutput, "[hasher] ", log.LstdFlags))
	ov.sender = NewSender(ov, cfg.UploadRate, log.New(cfg.LogOutput, "[sender] ", log.LstdFlags))

	recv, err := NewReceiver(ov, cfg.ListenPort, log.New(cfg.LogOutput, "[receiver] ", log.LstdFlags))
	if err != nil {
		return nil, err
	}
	ov.receiver = recv
	ov.listenPort = portOf(recv.Addr())

	ov.wg.Add(3)
	go func() { defer ov.wg.Done(); ov.hasher.Run() }()
	go func() { defer ov.wg.Done(); ov.sender.Run() }()
	go func() { defer ov.wg.Done(); ov.receiver.Run() }()
	ov.wg.Add(1)
	go func() { defer ov.wg.Done(); ov.heartbeatLoop() }()

	return ov, nil
}

func portOf(addr net.Addr) uint16 {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}

func (ov *Overseer) logOutput() io.Writer { return ov.cfg.LogOutput }

// AddTorrent registers mi under its info_hash and starts it.
func (ov *Overseer) AddTorrent(ctx context.Context, mi *Metainfo, dir string, cfg Config) (*Torrent, error) {
	if cfg.MaxOpenFiles == 0 {
		cfg.MaxOpenFiles = ov.cfg.MaxOpenFiles
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = ov.cfg.MaxPeers
	}
	if cfg.DesiredPeers == 0 {
		cfg.DesiredPeers = ov.cfg.DesiredPeers
	}
	t, err := NewTorrent(ov, mi, dir, cfg)
	if err != nil {
		return nil, err
	}
	ov.mu.Lock()
	if _, exists := ov.torrents[mi.InfoHash]; exists {
		ov.mu.Unlock()
		return nil, &MetadataError{Field: "info_hash", Cause: errDuplicateTorrent}
	}
	ov.torrents[mi.InfoHash] = t
	ov.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		ov.mu.Lock()
		delete(ov.torrents, mi.InfoHash)
		ov.mu.Unlock()
		return nil, err
	}
	return t, nil
}

// RemoveTorrent stops and unregisters the torrent with the given
// info_hash, if any.
func (ov *Overseer) RemoveTorrent(ctx context.Context, infoHash [20]byte) {
	ov.mu.Lock()
	t, ok := ov.torrents[infoHash]
	delete(ov.torrents, infoHash)
	ov.mu.Unlock()
	if ok {
		t.Stop(ctx)
	}
}

func (ov *Overseer) lookup(infoHash [20]byte) *Torrent {
	ov.mu.RLock()
	defer ov.mu.RUnlock()
	return ov.torrents[infoHash]
}

func (ov *Overseer) snapshotTorrents() []*Torrent {
	ov.mu.RLock()
	defer ov.mu.RUnlock()
	out := make([]*Torrent, 0, len(ov.torrents))
	for _, t := range ov.torrents {
		out = append(out, t)
	}
	return out
}

// allPeers returns every peer across every torrent, used by the Sender's
// per-tick sweep.
func (ov *Overseer) allPeers() []*Peer {
	var out []*Peer
	for _, t := range ov.snapshotTorrents() {
		out = append(out, t.snapshotPeers()...)
	}
	return out
}

// SetUploadRate adjusts the process-wide upload-rate limit at runtime.
func (ov *Overseer) SetUploadRate(bytesPerSec int) {
	ov.sender.SetRate(bytesPerSec)
}

// heartbeatLoop drives each torrent's 1 Hz heartbeat and the per-peer
// rate-counter tick.
func (ov *Overseer) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-ov.stopCh:
			return
		case <-ticker.C:
			for _, p := range ov.allPeers() {
				p.tick()
			}
			for _, t := range ov.snapshotTorrents() {
				t.Heartbeat(ctx)
			}
		}
	}
}

// Close stops every torrent and every background worker.
func (ov *Overseer) Close() {
	close(ov.stopCh)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, t := range ov.snapshotTorrents() {
		t.Stop(ctx)
	}
	ov.hasher.Stop()
	ov.sender.Stop()
	ov.receiver.Stop()
	ov.wg.Wait()
}

var errDuplicateTorrent = duplicateTorrentError{}

type duplicateTorrentError struct{}

func (duplicateTorrentError) Error() string { return "torrent already registered" }
