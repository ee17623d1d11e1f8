package torrent

import (
	"math/rand"
	"sort"
	"time"
)

const (
	chokeIntervalDefault   = 10 * time.Second
	optimisticEveryNRounds = 3
	maxUnchokedDefault     = 4 // 3 regular + 1 optimistic
)

// choker runs the choking algorithm on a 10s tick: it keeps the top
// three interested peers by transfer rate unchoked, plus one rotating
// optimistic-unchoke slot. Snubbed peers sort behind every non-snubbed
// candidate for the regular slots and are never picked for the
// optimistic slot.
type choker struct {
	t              *Torrent
	roundIndex     int
	optimisticPeer *Peer
	unchoked       map[*Peer]struct{}
}

func newChoker(t *Torrent) *choker {
	return &choker{t: t, unchoked: make(map[*Peer]struct{})}
}

// review recomputes the unchoked set and issues choke/unchoke frames for
// any peer whose state changed.
func (ck *choker) review() {
	peers := ck.t.snapshotPeers()
	candidates := make([]*Peer, 0, len(peers))
	for _, p := range peers {
		if p.isPeerInterested() {
			candidates = append(candidates, p)
		}
	}

	leecher := !ck.t.isComplete()
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i], candidates[j]
		siSnubbed, sjSnubbed := si.isSnubbed(), sj.isSnubbed()
		if siSnubbed != sjSnubbed {
			// snubbed peers sort last; one still gets a regular slot when
			// fewer than three non-snubbed peers are interested.
			return sjSnubbed
		}
		ri, ti := si.rates()
		rj, tj := sj.rates()
		var vi, vj int64
		if leecher {
			vi, vj = ri, rj
		} else {
			vi, vj = ti, tj
		}
		return vi > vj
	})

	regularSlots := maxUnchokedDefault - 1
	newUnchoked := make(map[*Peer]struct{}, maxUnchokedDefault)
	for i := 0; i < len(candidates) && i < regularSlots; i++ {
		newUnchoked[candidates[i]] = struct{}{}
	}

	ck.roundIndex++
	if ck.roundIndex%optimisticEveryNRounds == 1 || ck.optimisticPeer == nil {
		ck.optimisticPeer = pickOptimistic(candidates, newUnchoked)
	}
	if ck.optimisticPeer != nil {
		if _, already := newUnchoked[ck.optimisticPeer]; !already {
			newUnchoked[ck.optimisticPeer] = struct{}{}
		}
	}

	for p := range newUnchoked {
		if _, was := ck.unchoked[p]; !was {
			p.sendUnchoke()
		}
	}
	for p := range ck.unchoked {
		if _, still := newUnchoked[p]; !still {
			p.sendChoke()
		}
	}
	ck.unchoked = newUnchoked
}

// pickOptimistic chooses uniformly at random among currently-choked,
// interested, non-snubbed candidates.
func pickOptimistic(candidates []*Peer, alreadyUnchoked map[*Peer]struct{}) *Peer {
	eligible := make([]*Peer, 0, len(candidates))
	for _, p := range candidates {
		if _, ok := alreadyUnchoked[p]; ok {
			continue
		}
		if p.isSnubbed() {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[rand.Intn(len(eligible))]
}
