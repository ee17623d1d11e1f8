package torrent

import (
	"log"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

const senderTick = 10 * time.Millisecond

// Sender is the single background worker that drains every peer's
// outgoing frame queue, honoring a process-wide upload-rate limit. A
// limit of 0 means unlimited.
type Sender struct {
	ov      *Overseer
	log     *log.Logger
	limiter *rate.Limiter
	stopCh  chan struct{}
}

// NewSender constructs a Sender. ratePerSec <= 0 disables limiting.
func NewSender(ov *Overseer, ratePerSec int, logger *log.Logger) *Sender {
	s := &Sender{ov: ov, log: logger, stopCh: make(chan struct{})}
	s.SetRate(ratePerSec)
	return s
}

// SetRate adjusts the global upload-rate limit at runtime. The burst
// size is at least one full piece-message frame so a single large write
// is never permanently rejected by AllowN.
func (s *Sender) SetRate(ratePerSec int) {
	if ratePerSec <= 0 {
		s.limiter = nil
		return
	}
	burst := ratePerSec
	if burst < MaxFrameLen {
		burst = MaxFrameLen
	}
	s.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
}

func (s *Sender) Stop() { close(s.stopCh) }

// Run drives the send loop until Stop is called: each tick it visits
// every known peer in random order and writes as many queued frames as
// the rate limiter currently allows.
func (s *Sender) Run() {
	ticker := time.NewTicker(senderTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sender) sweep() {
	peers := s.ov.allPeers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	for _, p := range peers {
		if p.isShuttingDown() {
			continue
		}
		s.drain(p)
	}
}

// drain writes as many of p's queued frames as the rate limiter permits
// in this tick, re-queuing any frame the limiter declines so write order
// is preserved across ticks.
func (s *Sender) drain(p *Peer) {
	for p.hasQueuedFrames() {
		frame, ok := p.popQueuedFrame()
		if !ok {
			return
		}
		if s.limiter != nil && !s.limiter.AllowN(time.Now(), len(frame)) {
			p.requeueFrame(frame)
			return
		}
		n, err := p.conn.Write(frame)
		if err != nil {
			p.shutdown()
			return
		}
		p.recordTx(n)
		if n < len(frame) {
			p.requeueFrame(frame[n:])
			return
		}
	}
}
