package torrent

import (
	"context"
	"log"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"
)

const (
	maxPeersDefault     = 60
	desiredPeersDefault = 30
	connectTimeout      = 30 * time.Second
	heartbeatInterval   = 1 * time.Second
)

// State is the coarse lifecycle state of a Torrent, reported to an
// optional observer.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateComplete
	StateStopped
	StateFailed
)

// Torrent is the per-torrent state machine: piece/chunk ownership
// bitmaps, peer roster, rarity counters, choking algorithm, tracker
// schedule, and endgame trigger. It owns one TrackerClient and N Peers;
// Peers hold a non-owning back-reference.
type Torrent struct {
	ov  *Overseer
	mi  *Metainfo
	log *log.Logger

	fs     *FileStore
	pieces *pieceTable
	ck     *choker

	tracker        *TrackerClient
	nextAnnounceAt time.Time
	canAnnounce    bool

	peerID    PeerID
	maxPeers  int
	desired   int

	peersMu sync.RWMutex
	peers   map[*Peer]struct{}

	dataMu       sync.Mutex
	pendingPeers []PeerAddr
	uploaded     int64
	downloaded   int64
	lastChoke    time.Time

	state State
	obs   Observer

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config carries per-torrent construction options not fixed by the
// metainfo itself.
type Config struct {
	MaxOpenFiles int
	MaxPeers     int
	DesiredPeers int
}

func (c Config) withDefaults() Config {
	if c.MaxPeers <= 0 {
		c.MaxPeers = maxPeersDefault
	}
	if c.DesiredPeers <= 0 {
		c.DesiredPeers = desiredPeersDefault
	}
	return c
}

// NewTorrent constructs a Torrent bound to an Overseer, opening no files
// and making no connections until Start is called.
func NewTorrent(ov *Overseer, mi *Metainfo, dir string, cfg Config) (*Torrent, error) {
	cfg = cfg.withDefaults()
	fs, err := NewFileStore(dir, mi.Files, cfg.MaxOpenFiles)
	if err != nil {
		return nil, err
	}
	logger := log.New(ov.logOutput(), "[torrent "+shortHash(mi.InfoHash)+"] ", log.LstdFlags)
	t := &Torrent{
		ov:       ov,
		mi:       mi,
		log:      logger,
		fs:       fs,
		pieces:   newPieceTable(mi),
		peerID:   ov.peerID,
		maxPeers: cfg.MaxPeers,
		desired:  cfg.DesiredPeers,
		peers:    make(map[*Peer]struct{}),
		stopCh:   make(chan struct{}),
	}
	t.ck = newChoker(t)
	t.tracker = NewTrackerClient(ov.announcer, mi.AnnounceList, mi.InfoHash, t.peerID, ov.listenPort, logger)
	return t, nil
}

func shortHash(h [20]byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[i*2] = hex[h[i]>>4]
		out[i*2+1] = hex[h[i]&0xf]
	}
	return string(out)
}

// SetObserver installs an optional status observer.
func (t *Torrent) SetObserver(o Observer) { t.obs = o }

// Start opens the backing files, schedules verification for any piece
// whose backing file(s) came back reopened with a matching length, and
// announces "started". Registration with the Overseer is done by
// AddTorrent before Start is called.
func (t *Torrent) Start(ctx context.Context) error {
	reopened, err := t.fs.Prepare()
	if err != nil {
		t.fail(err)
		return err
	}
	// A piece is a hashing candidate on startup only if every file
	// range it covers came back reopened.
	for i := 0; i < t.mi.NumPieces; i++ {
		if t.pieceFilesAllReopened(i, reopened) {
			t.pieces.setHashing(i, true)
			t.ov.hasher.Enqueue(t, i)
		}
	}
	t.state = StateRunning
	t.notify()
	t.canAnnounce = true
	t.tryAnnounce(ctx, "started")
	return nil
}

func (t *Torrent) pieceFilesAllReopened(i int, reopened map[string]bool) bool {
	start := t.mi.PieceOffset(i)
	end := start + t.mi.PieceLength(i)
	var off int64
	for _, f := range t.mi.Files {
		fStart, fEnd := off, off+f.Length
		off = fEnd
		if fEnd <= start || fStart >= end {
			continue
		}
		if !reopened[f.Path] {
			return false
		}
	}
	return true
}

// Stop announces "stopped" best-effort, cancels outstanding hash jobs,
// and tears down every peer before the Torrent itself is discarded.
func (t *Torrent) Stop(ctx context.Context) {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		_, _ = t.tracker.Announce(ctx, "stopped", t.uploaded, t.downloadedBytes(), t.pieces.leftBytes(), 0)
		t.ov.hasher.CancelAll(t)
		for _, p := range t.snapshotPeers() {
			p.shutdown()
		}
		t.fs.Close()
		t.state = StateStopped
		t.notify()
	})
}

// addDownloaded counts n bytes of newly-written chunk data toward the
// tracker/observer progress total, independent of when (or whether) the
// containing piece later passes hash verification.
func (t *Torrent) addDownloaded(n int64) {
	t.dataMu.Lock()
	t.downloaded += n
	t.dataMu.Unlock()
}

func (t *Torrent) downloadedBytes() int64 {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	return t.downloaded
}

func (t *Torrent) isComplete() bool { return t.pieces.haveAll() }

func (t *Torrent) snapshotPeers() []*Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *Torrent) peerCount() int {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return len(t.peers)
}

// --- tracker scheduling ------------------------------------------------

func (t *Torrent) tryAnnounce(ctx context.Context, event string) {
	if !t.canAnnounce {
		return
	}
	numwant := 0
	if !t.isComplete() {
		numwant = 2 * (t.desired - t.peerCount())
		if numwant < 0 {
			numwant = 0
		}
	}
	res, err := t.tracker.Announce(ctx, event, t.uploaded, t.downloadedBytes(), t.pieces.leftBytes(), numwant)
	if err != nil {
		t.log.Printf("announce %q failed: %v", event, err)
		t.nextAnnounceAt = time.Now().Add(60 * time.Second)
		return
	}
	interval := res.Interval
	if t.peerCount() < t.desired && res.MinInterval > 0 {
		interval = res.MinInterval
	}
	t.nextAnnounceAt = time.Now().Add(time.Duration(interval) * time.Second)
	t.addPendingPeers(res.Peers)
}

func (t *Torrent) addPendingPeers(addrs []PeerAddr) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	seen := make(map[string]struct{}, len(t.pendingPeers))
	for _, a := range t.pendingPeers {
		seen[a.String()] = struct{}{}
	}
	for _, a := range addrs {
		if _, ok := seen[a.String()]; ok {
			continue
		}
		t.pendingPeers = append(t.pendingPeers, a)
		seen[a.String()] = struct{}{}
	}
}

func (t *Torrent) popPendingPeer() (PeerAddr, bool) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	if len(t.pendingPeers) == 0 {
		return PeerAddr{}, false
	}
	a := t.pendingPeers[0]
	t.pendingPeers = t.pendingPeers[1:]
	return a, true
}

// --- heartbeat (1 Hz per torrent) --------------------------------------

func (t *Torrent) Heartbeat(ctx context.Context) {
	t.sweepDeadPeers()
	t.topUpConnections(ctx)
	if time.Now().After(t.nextAnnounceAt) {
		t.tryAnnounce(ctx, "")
	}
	if time.Since(t.lastChoke) >= chokeIntervalDefault {
		t.ck.review()
		t.lastChoke = time.Now()
	}
}

func (t *Torrent) sweepDeadPeers() {
	for _, p := range t.snapshotPeers() {
		if p.isShuttingDown() {
			t.removePeer(p)
			continue
		}
		if p.isDead() {
			t.log.Printf("kicking dead peer %s", p.addr)
			p.shutdown()
			t.removePeer(p)
		}
	}
}

func (t *Torrent) topUpConnections(ctx context.Context) {
	for t.peerCount() < t.desired {
		addr, ok := t.popPendingPeer()
		if !ok {
			return
		}
		go t.dialPeer(ctx, addr)
	}
}

func (t *Torrent) dialPeer(ctx context.Context, addr PeerAddr) {
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr.String())
	if err != nil {
		t.log.Printf("connect %s: %v", addr, &ConnectError{Addr: addr.String(), Cause: err})
		return
	}
	t.ov.receiver.handshakeOutbound(t, conn, addr.String())
}

// --- peer admission -----------------------------------------------------

// admitPeer registers a Peer that has just completed its handshake,
// rejecting a duplicate connection to the same address, a self
// connection, or one that would exceed max_peers. It returns false if
// the peer was rejected (caller must close the connection).
func (t *Torrent) admitPeer(p *Peer) bool {
	if p.remote == t.peerID {
		return false
	}
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if len(t.peers) >= t.maxPeers {
		return false
	}
	for existing := range t.peers {
		if existing.addr == p.addr {
			return false
		}
	}
	t.peers[p] = struct{}{}
	p.handshaking = false
	return true
}

func (t *Torrent) removePeer(p *Peer) {
	t.peersMu.Lock()
	_, existed := t.peers[p]
	delete(t.peers, p)
	t.peersMu.Unlock()
	if !existed {
		return
	}
	// subtract cardinality for every piece this peer still had.
	for i := 0; i < t.mi.NumPieces; i++ {
		if p.hasPiece(i) {
			t.pieces.adjustCardinality(i, -1)
		}
	}
	t.pieces.clearAllRequestsFrom(p)
	t.ck.review()
}

// --- wire-message handling (called by Receiver) -----------------------

// onHave processes an incoming `have` message.
func (t *Torrent) onHave(p *Peer, index uint32) error {
	if int(index) >= t.mi.NumPieces {
		return &ProtocolError{Reason: "have index out of range"}
	}
	if !p.hasPiece(int(index)) {
		p.setHavePiece(int(index))
		t.pieces.adjustCardinality(int(index), 1)
	}
	t.reviewInterest(p)
	return nil
}

// onBitfield processes the single, first post-handshake bitfield
// message; sent any later in the connection, it is a protocol violation.
func (t *Torrent) onBitfield(p *Peer, payload []byte) error {
	want := (t.mi.NumPieces + 7) / 8
	if len(payload) != want {
		return &ProtocolError{Reason: "bitfield length mismatch"}
	}
	p.mu.Lock()
	seen := p.anyMessageSeen
	p.mu.Unlock()
	if seen {
		return &ProtocolError{Reason: "bitfield must be first message"}
	}
	bf := Bitfield(payload)
	for i := 0; i < t.mi.NumPieces; i++ {
		if bf.Get(i) {
			p.setHavePiece(i)
			t.pieces.adjustCardinality(i, 1)
		}
	}
	t.reviewInterest(p)
	return nil
}

func (t *Torrent) markMessageSeen(p *Peer) {
	p.mu.Lock()
	p.anyMessageSeen = true
	p.mu.Unlock()
}

// onChokeReceived clears requested_by entries naming p: a peer that
// chokes us is telling us it will not serve our outstanding requests.
func (t *Torrent) onChokeReceived(p *Peer) {
	p.mu.Lock()
	p.amChoked = true
	p.mu.Unlock()
	p.clearOutstanding()
	t.pieces.clearAllRequestsFrom(p)
}

func (t *Torrent) onUnchokeReceived(p *Peer) {
	p.mu.Lock()
	p.amChoked = false
	p.mu.Unlock()
	t.refillPipeline(p)
}

func (t *Torrent) onInterestedReceived(p *Peer, interested bool) {
	p.mu.Lock()
	p.peerInterested = interested
	p.mu.Unlock()
}

// reviewInterest recomputes and sends interested/not-interested for p
// after any change to either side's bitmap.
func (t *Torrent) reviewInterest(p *Peer) {
	have := t.pieces.snapshotHave()
	p.sendInterested(p.isInteresting(have, t.mi.NumPieces))
	if !p.isAmChoked() {
		t.refillPipeline(p)
	}
}

// onRequest services an incoming upload request.
func (t *Torrent) onRequest(p *Peer, req blockRequest) error {
	if int(req.Index) >= t.mi.NumPieces || req.Length > ChunkSize {
		return &ProtocolError{Reason: "request out of range"}
	}
	if !t.pieces.have(int(req.Index)) {
		return nil
	}
	if p.isPeerChoked() {
		return nil
	}
	data := make([]byte, req.Length)
	if err := t.readPieceRange(int(req.Index), int64(req.Begin), data); err != nil {
		return nil
	}
	p.queueMessage(Message{ID: MsgPiece, Payload: encodePieceMessage(pieceMessage{req.Index, req.Begin, data})})
	return nil
}

// onCancel drops a queued upload for the given block, if any.
func (t *Torrent) onCancel(p *Peer, req blockRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := encodeBlockRequest(req)
	kept := p.sendQueue[:0]
	for _, f := range p.sendQueue {
		if len(f) >= 5+8 && MessageID(f[4]) == MsgPiece && sameBlock(f, target) {
			continue
		}
		kept = append(kept, f)
	}
	p.sendQueue = kept
}

func sameBlock(pieceFrame, req []byte) bool {
	// pieceFrame payload starts at offset 5 (len+id); compare index/begin.
	if len(pieceFrame) < 13 {
		return false
	}
	return pieceFrame[5] == req[0] && pieceFrame[6] == req[1] && pieceFrame[7] == req[2] && pieceFrame[8] == req[3] &&
		pieceFrame[9] == req[4] && pieceFrame[10] == req[5] && pieceFrame[11] == req[6] && pieceFrame[12] == req[7]
}

// onPieceMessage is the chunk-receipt pipeline: it validates, writes,
// deduplicates against endgame duplicates, and triggers a hash job once
// every chunk of a piece is held.
func (t *Torrent) onPieceMessage(p *Peer, pm pieceMessage) error {
	if int(pm.Index) >= t.mi.NumPieces {
		return &ProtocolError{Reason: "piece index out of range"}
	}
	if len(pm.Data) > ChunkSize || pm.Begin%ChunkSize != 0 {
		return &ProtocolError{Reason: "malformed piece block"}
	}
	p.removeOutstanding(pm.Index, pm.Begin)
	p.recordRx(len(pm.Data))
	chunk := chunkIndexOf(int64(pm.Begin))

	if t.pieces.have(int(pm.Index)) {
		// late endgame duplicate: discard, let the sender/scheduler move on.
		t.refillPipeline(p)
		return nil
	}
	if t.pieces.haveChunk(int(pm.Index), chunk) {
		t.refillPipeline(p)
		return nil
	}

	off := t.mi.PieceOffset(int(pm.Index)) + int64(pm.Begin)
	if err := t.writeAbsolute(off, pm.Data); err != nil {
		t.fail(err)
		return nil
	}
	t.addDownloaded(int64(len(pm.Data)))

	others := t.pieces.clearRequest(int(pm.Index), chunk, p)
	for _, other := range others {
		other.sendCancel(pm.Index, pm.Begin, uint32(len(pm.Data)))
	}

	complete := t.pieces.onChunkWritten(int(pm.Index), chunk)
	if complete {
		t.pieces.setHashing(int(pm.Index), true)
		t.ov.hasher.Enqueue(t, int(pm.Index))
	}
	t.refillPipeline(p)
	return nil
}

func (t *Torrent) writeAbsolute(offset int64, data []byte) error {
	remaining := data
	pos := offset
	var fileStart int64
	for _, f := range t.mi.Files {
		fEnd := fileStart + f.Length
		if pos >= fEnd {
			fileStart = fEnd
			continue
		}
		if len(remaining) == 0 {
			break
		}
		inFileOff := pos - fileStart
		n := f.Length - inFileOff
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if err := t.fs.WriteAt(f.Path, inFileOff, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		pos += n
		fileStart = fEnd
	}
	return nil
}

// readPieceRange reads len(buf) bytes of piece i starting at in-piece
// offset, spanning multiple backing files as needed.
func (t *Torrent) readPieceRange(i int, offset int64, buf []byte) error {
	absOffset := t.mi.PieceOffset(i) + offset
	remaining := buf
	pos := absOffset
	var fileStart int64
	for _, f := range t.mi.Files {
		fEnd := fileStart + f.Length
		if pos >= fEnd {
			fileStart = fEnd
			continue
		}
		if len(remaining) == 0 {
			break
		}
		inFileOff := pos - fileStart
		n := f.Length - inFileOff
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if err := t.fs.ReadAt(f.Path, inFileOff, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		pos += n
		fileStart = fEnd
	}
	return nil
}

// onHashComplete is the hash-result pipeline: on success it announces
// the piece to every peer and re-evaluates interest; on failure the
// piece becomes re-requestable.
func (t *Torrent) onHashComplete(i int, ok bool) {
	if !ok {
		t.pieces.onHashFail(i)
		t.notify()
		return
	}
	t.pieces.onHashSuccess(i)
	for _, p := range t.snapshotPeers() {
		p.sendHave(i)
	}
	t.reviewAllInterest()
	if t.pieces.haveAll() {
		t.onComplete()
	}
	t.notify()
}

func (t *Torrent) reviewAllInterest() {
	for _, p := range t.snapshotPeers() {
		t.reviewInterest(p)
	}
}

func (t *Torrent) onComplete() {
	t.state = StateComplete
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	t.tryAnnounce(ctx, "completed")
	for _, p := range t.snapshotPeers() {
		if p.numPiecesHave == t.mi.NumPieces {
			p.shutdown() // disconnect seeders; we have nothing left to want from them.
		}
	}
}

func (t *Torrent) fail(err error) {
	t.state = StateFailed
	t.log.Printf("fatal: %v", err)
	t.notify()
}

func (t *Torrent) notify() {
	if t.obs != nil {
		t.obs.OnTorrentState(t.mi.InfoHash, t.state, t.downloadedBytes(), t.mi.TotalSize, t.uploaded, t.peerCount())
	}
}

// --- piece scheduling: rarest-first, with endgame fallback --------------

// refillPipeline tops up p's outstanding-request count up to
// max_outstanding by picking the rarest wanted chunks it can serve.
func (t *Torrent) refillPipeline(p *Peer) {
	if p.isAmChoked() || t.state == StateFailed {
		return
	}
	endgame := t.pieces.endgame()
	for p.outstandingCount() < maxOutstandingDefault {
		piece, chunk, ok := t.pickChunkFor(p, endgame)
		if !ok {
			return
		}
		length := t.chunkLength(piece, chunk)
		t.pieces.addRequest(piece, chunk, p)
		p.sendRequest(uint32(piece), uint32(chunk)*ChunkSize, uint32(length))
	}
}

func (t *Torrent) chunkLength(piece, chunk int) int64 {
	pieceLen := t.mi.PieceLength(piece)
	begin := int64(chunk) * ChunkSize
	remaining := pieceLen - begin
	if remaining > ChunkSize {
		return ChunkSize
	}
	return remaining
}

// pickChunkFor implements the rarest-first candidate order with random
// tie-breaking.
func (t *Torrent) pickChunkFor(p *Peer, endgame bool) (piece, chunk int, ok bool) {
	type candidate struct {
		piece, rarity int
	}
	var cands []candidate
	for i := 0; i < t.mi.NumPieces; i++ {
		if !p.hasPiece(i) || t.pieces.have(i) || t.pieces.isHashing(i) {
			continue
		}
		cands = append(cands, candidate{i, t.pieces.cardinalityOf(i)})
	}
	if len(cands) == 0 {
		return 0, 0, false
	}
	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].rarity < cands[j].rarity })

	for _, c := range cands {
		n := t.mi.ChunksInPiece(c.piece)
		for ch := 0; ch < n; ch++ {
			if t.pieces.haveChunk(c.piece, ch) {
				continue
			}
			if !endgame && t.pieces.isRequested(c.piece, ch) {
				continue
			}
			return c.piece, ch, true
		}
	}
	return 0, 0, false
}
