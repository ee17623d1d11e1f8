package torrent

import (
	"net"
	"sync"
	"time"
)

const (
	maxOutstandingDefault = 20
	snubTimeoutDefault     = 30 * time.Second
	kickTimeoutDefault     = 120 * time.Second
	ringBufferSize         = 2 * MaxFrameLen
)

// outstandingRequest is one (piece, offset, length) block we have asked
// a peer for but not yet received.
type outstandingRequest struct {
	piece, begin, length uint32
	requestedAt          time.Time
}

// Peer owns one live TCP connection: its framed-message codec, handshake
// state, remote bitfield, outstanding request bookkeeping, and per-second
// rate counters. It keeps a non-owning back-reference to its Torrent; the
// Torrent tears down every Peer before it is itself discarded.
type Peer struct {
	torrent *Torrent
	conn    net.Conn
	addr    string
	remote  PeerID
	incoming bool

	mu              sync.Mutex
	amChoked        bool
	amInterested    bool
	peerChoked      bool
	peerInterested  bool
	handshaking     bool
	haveBits        Bitfield
	numPiecesHave   int
	anyMessageSeen  bool
	outstanding     []outstandingRequest
	sendQueue       [][]byte
	rxBytesThisSec  int64
	txBytesThisSec  int64
	rxRate          int64
	txRate          int64
	lastRxTime      time.Time
	shuttingDown    bool
	snubbedFor      time.Duration

	recvBuf *ringBuffer

	done chan struct{}
}

// newPeer constructs a Peer bound to t. choked=true, interested=false
// initially.
func newPeer(t *Torrent, conn net.Conn, addr string, incoming bool) *Peer {
	return &Peer{
		torrent:      t,
		conn:         conn,
		addr:         addr,
		incoming:     incoming,
		amChoked:     true,
		peerChoked:   true,
		handshaking:  true,
		haveBits:     NewBitfield(t.mi.NumPieces),
		lastRxTime:   time.Now(),
		recvBuf:      newRingBuffer(ringBufferSize),
		done:         make(chan struct{}),
	}
}

func (p *Peer) isSnubbed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastRxTime) >= snubTimeoutDefault
}

func (p *Peer) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastRxTime) >= kickTimeoutDefault
}

func (p *Peer) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

// shutdown marks the peer for teardown; the owning Receiver/Torrent
// sweep frees it on its next pass.
func (p *Peer) shutdown() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	p.mu.Unlock()
	close(p.done)
	p.conn.Close()
}

// queueFrame appends an encoded frame to the outgoing FIFO. The Sender
// drains this queue under the peer's lock.
func (p *Peer) queueFrame(buf []byte) {
	p.mu.Lock()
	p.sendQueue = append(p.sendQueue, buf)
	p.mu.Unlock()
}

func (p *Peer) queueMessage(msg Message) { p.queueFrame(EncodeMessage(msg)) }

func (p *Peer) hasQueuedFrames() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sendQueue) > 0
}

// popQueuedFrame removes and returns the head of the send queue.
func (p *Peer) popQueuedFrame() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sendQueue) == 0 {
		return nil, false
	}
	f := p.sendQueue[0]
	p.sendQueue = p.sendQueue[1:]
	return f, true
}

// requeueFrame puts a partially-written frame's remainder back at the
// head of the queue.
func (p *Peer) requeueFrame(remainder []byte) {
	p.mu.Lock()
	p.sendQueue = append([][]byte{remainder}, p.sendQueue...)
	p.mu.Unlock()
}

// sendChoke/sendUnchoke send the corresponding zero-payload message and
// update local state.
func (p *Peer) sendChoke() {
	p.mu.Lock()
	already := p.peerChoked
	p.peerChoked = true
	p.mu.Unlock()
	if !already {
		p.queueMessage(Message{ID: MsgChoke})
	}
}

func (p *Peer) sendUnchoke() {
	p.mu.Lock()
	already := !p.peerChoked
	p.peerChoked = false
	p.mu.Unlock()
	if !already {
		p.queueMessage(Message{ID: MsgUnchoke})
	}
}

func (p *Peer) sendInterested(interested bool) {
	p.mu.Lock()
	changed := p.amInterested != interested
	p.amInterested = interested
	p.mu.Unlock()
	if !changed {
		return
	}
	if interested {
		p.queueMessage(Message{ID: MsgInterested})
	} else {
		p.queueMessage(Message{ID: MsgNotInterested})
	}
}

func (p *Peer) sendHave(piece int) {
	p.queueMessage(Message{ID: MsgHave, Payload: encodeHave(uint32(piece))})
}

func (p *Peer) sendBitfield(bf Bitfield) {
	if bf.Count() == 0 {
		return
	}
	p.queueMessage(Message{ID: MsgBitfield, Payload: append([]byte(nil), bf...)})
}

func (p *Peer) sendCancel(piece, begin, length uint32) {
	p.queueMessage(Message{ID: MsgCancel, Payload: encodeBlockRequest(blockRequest{piece, begin, length})})
	p.mu.Lock()
	kept := p.outstanding[:0]
	for _, r := range p.outstanding {
		if !(r.piece == piece && r.begin == begin) {
			kept = append(kept, r)
		}
	}
	p.outstanding = kept
	p.mu.Unlock()
}

func (p *Peer) sendRequest(piece, begin, length uint32) {
	p.mu.Lock()
	p.outstanding = append(p.outstanding, outstandingRequest{piece, begin, length, time.Now()})
	p.mu.Unlock()
	p.queueMessage(Message{ID: MsgRequest, Payload: encodeBlockRequest(blockRequest{piece, begin, length})})
}

func (p *Peer) outstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

func (p *Peer) removeOutstanding(piece, begin uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.outstanding {
		if r.piece == piece && r.begin == begin {
			p.outstanding = append(p.outstanding[:i], p.outstanding[i+1:]...)
			return true
		}
	}
	return false
}

// clearOutstanding drops every outstanding request, returning them, e.g.
// on choke-received.
func (p *Peer) clearOutstanding() []outstandingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outstanding
	p.outstanding = nil
	return out
}

func (p *Peer) setHavePiece(i int) {
	p.mu.Lock()
	if !p.haveBits.Get(i) {
		p.haveBits.Set(i, true)
		p.numPiecesHave++
	}
	p.mu.Unlock()
}

func (p *Peer) hasPiece(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.haveBits.Get(i)
}

func (p *Peer) isInteresting(have Bitfield, numPieces int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < numPieces; i++ {
		if p.haveBits.Get(i) && !have.Get(i) {
			return true
		}
	}
	return false
}

// recordRx/recordTx update byte counters for the current second; tick
// snapshots and resets them into the rolling rx/tx rate.
func (p *Peer) recordRx(n int) {
	p.mu.Lock()
	p.rxBytesThisSec += int64(n)
	p.lastRxTime = time.Now()
	p.mu.Unlock()
}

func (p *Peer) recordTx(n int) {
	p.mu.Lock()
	p.txBytesThisSec += int64(n)
	p.mu.Unlock()
}

// tick snapshots and resets the rolling rate counters. Called once per
// second by the Overseer's heartbeat loop.
func (p *Peer) tick() {
	p.mu.Lock()
	p.rxRate = p.rxBytesThisSec
	p.txRate = p.txBytesThisSec
	p.rxBytesThisSec = 0
	p.txBytesThisSec = 0
	p.mu.Unlock()
}

func (p *Peer) rates() (rx, tx int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rxRate, p.txRate
}

func (p *Peer) isPeerInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

func (p *Peer) isAmChoked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amChoked
}

// isPeerChoked reports whether we have choked this peer (i.e. whether we
// are willing to serve its requests).
func (p *Peer) isPeerChoked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoked
}

// ringBuffer is a hand-rolled circular receive buffer: it provides O(1)
// framing without reallocation, sized >= 2*max_frame_len so a single
// in-flight frame can never wrap past unread data.
type ringBuffer struct {
	buf        []byte
	readPos    int
	writePos   int
	size       int // bytes currently buffered
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, n)}
}

func (rb *ringBuffer) free() int { return len(rb.buf) - rb.size }

// writeSlice returns the contiguous slice available for the next read(2)
// call, which may be shorter than free() when the buffer wraps.
func (rb *ringBuffer) writeSlice() []byte {
	if rb.free() == 0 {
		return nil
	}
	end := rb.writePos + rb.free()
	if end <= len(rb.buf) {
		return rb.buf[rb.writePos:end]
	}
	return rb.buf[rb.writePos:]
}

func (rb *ringBuffer) commitWrite(n int) {
	rb.writePos = (rb.writePos + n) % len(rb.buf)
	rb.size += n
}

// peekUint32 reads a big-endian uint32 at the start of the buffered
// region without consuming it; ok is false if fewer than 4 bytes are
// buffered.
func (rb *ringBuffer) peekUint32() (v uint32, ok bool) {
	if rb.size < 4 {
		return 0, false
	}
	var b [4]byte
	for i := 0; i < 4; i++ {
		b[i] = rb.buf[(rb.readPos+i)%len(rb.buf)]
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

// takeFrame extracts a full frame (4-byte length prefix + payload) if
// the buffer holds one, advancing readPos past it.
func (rb *ringBuffer) takeFrame() ([]byte, bool) {
	length, ok := rb.peekUint32()
	if !ok {
		return nil, false
	}
	total := 4 + int(length)
	if rb.size < total {
		return nil, false
	}
	out := make([]byte, int(length))
	for i := 0; i < int(length); i++ {
		out[i] = rb.buf[(rb.readPos+4+i)%len(rb.buf)]
	}
	rb.readPos = (rb.readPos + total) % len(rb.buf)
	rb.size -= total
	return out, true
}
