package torrent

import (
	"crypto/sha1"
	"log"
	"sync"
)

const hashReadChunk = 8 * 1024

// hashJob is one queued (torrent, piece) pair awaiting verification.
type hashJob struct {
	t     *Torrent
	piece int
}

// Hasher is the single background worker shared by all torrents that
// computes SHA-1 over piece-sized ranges read through each torrent's
// FileStore. One worker services every torrent's verification queue so
// CPU-bound hashing never competes with a torrent's own goroutines.
type Hasher struct {
	log *log.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []hashJob
	terminate bool
}

// NewHasher constructs a Hasher; call Run in its own goroutine.
func NewHasher(logger *log.Logger) *Hasher {
	h := &Hasher{log: logger}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Enqueue tail-inserts a verification job and wakes the worker.
func (h *Hasher) Enqueue(t *Torrent, piece int) {
	h.mu.Lock()
	h.queue = append(h.queue, hashJob{t: t, piece: piece})
	h.cond.Signal()
	h.mu.Unlock()
}

// CancelAll removes every queued job belonging to t. Callers must call
// this before tearing t down, so a stale job never calls back into a
// dead torrent.
func (h *Hasher) CancelAll(t *Torrent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.queue[:0]
	for _, j := range h.queue {
		if j.t != t {
			kept = append(kept, j)
		}
	}
	h.queue = kept
}

// Stop signals the worker to exit after draining no further jobs.
func (h *Hasher) Stop() {
	h.mu.Lock()
	h.terminate = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Run pops jobs until terminated, suspending on an empty queue.
func (h *Hasher) Run() {
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.terminate {
			h.cond.Wait()
		}
		if h.terminate {
			h.mu.Unlock()
			return
		}
		job := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		ok, err := h.verify(job.t, job.piece)
		if err != nil {
			h.log.Printf("[hasher] piece %d of %x: %v", job.piece, job.t.mi.InfoHash, err)
			continue
		}
		job.t.onHashComplete(job.piece, ok)
	}
}

// verify reads piece i in hashReadChunk-sized reads through the owning
// torrent's FileStore, feeding an incremental SHA-1 whose final sum is
// identical to a single-shot hash over the same bytes.
func (h *Hasher) verify(t *Torrent, i int) (bool, error) {
	length := t.mi.PieceLength(i)
	sum := sha1.New()
	var read int64
	buf := make([]byte, hashReadChunk)
	for read < length {
		n := int64(hashReadChunk)
		if length-read < n {
			n = length - read
		}
		if err := t.readPieceRange(i, read, buf[:n]); err != nil {
			return false, err
		}
		sum.Write(buf[:n])
		read += n
	}
	var got [20]byte
	copy(got[:], sum.Sum(nil))
	return got == t.mi.PieceHash[i], nil
}
