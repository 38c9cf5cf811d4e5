package hycast

import (
	"github.com/emirpasic/gods/v2/sets/linkedhashset"
)

// A bookkeeper tracks per-peer request/response performance so the manager
// can replace the worst-performing peer. Bookkeepers have no locking of
// their own: they are only accessed under the manager mutex.
type bookkeeper interface {
	// add starts tracking a peer.
	add(p *Peer)

	// erase purges every entry for a peer.
	erase(p *Peer)

	// contains reports whether the peer is tracked.
	contains(p *Peer) bool

	// resetCounts zeroes the per-peer counters at the start of an
	// improvement period.
	resetCounts()

	// worstPeer returns the peer with the lowest counter, ties broken by
	// oldest insertion. Nil if no peer is tracked.
	worstPeer() *Peer
}

/******************************************************************************/

type pubEntry struct {
	count uint64 // requests served this period
	seq   uint64 // insertion order, for tie-breaks
}

// pubBookkeeper tracks how much each subscriber has requested from the
// publisher.
type pubBookkeeper struct {
	entries map[*Peer]*pubEntry
	nextSeq uint64
}

func newPubBookkeeper(maxPeers int) *pubBookkeeper {
	return &pubBookkeeper{entries: make(map[*Peer]*pubEntry, maxPeers)}
}

func (bk *pubBookkeeper) add(p *Peer) {
	if _, ok := bk.entries[p]; !ok {
		bk.entries[p] = &pubEntry{seq: bk.nextSeq}
		bk.nextSeq++
	}
}

func (bk *pubBookkeeper) erase(p *Peer) {
	delete(bk.entries, p)
}

func (bk *pubBookkeeper) contains(p *Peer) bool {
	_, ok := bk.entries[p]
	return ok
}

// requested counts a served request for the peer.
func (bk *pubBookkeeper) requested(p *Peer) {
	if e, ok := bk.entries[p]; ok {
		e.count++
	}
}

func (bk *pubBookkeeper) resetCounts() {
	for _, e := range bk.entries {
		e.count = 0
	}
}

func (bk *pubBookkeeper) worstPeer() *Peer {
	var worst *Peer
	var worstE *pubEntry
	for p, e := range bk.entries {
		if worst == nil || e.count < worstE.count ||
			(e.count == worstE.count && e.seq < worstE.seq) {
			worst, worstE = p, e
		}
	}
	return worst
}

/******************************************************************************/

type subEntry struct {
	requested *linkedhashset.Set[NoteReq] // outstanding requests, oldest first
	count     uint64                      // items received this period
	seq       uint64                      // insertion order, for tie-breaks
}

// subBookkeeper tracks outstanding requests, alternate sources for each
// announced item, and the remote path-to-publisher balance.
type subBookkeeper struct {
	entries    map[*Peer]*subEntry
	assigned   map[NoteReq]*Peer   // the one peer a request was dispatched to
	alternates map[NoteReq][]*Peer // peers that announced but weren't picked, by arrival
	nextSeq    uint64
}

func newSubBookkeeper(maxPeers int) *subBookkeeper {
	return &subBookkeeper{
		entries:    make(map[*Peer]*subEntry, maxPeers),
		assigned:   make(map[NoteReq]*Peer),
		alternates: make(map[NoteReq][]*Peer),
	}
}

func (bk *subBookkeeper) add(p *Peer) {
	if _, ok := bk.entries[p]; !ok {
		bk.entries[p] = &subEntry{
			requested: linkedhashset.New[NoteReq](),
			seq:       bk.nextSeq,
		}
		bk.nextSeq++
	}
}

func (bk *subBookkeeper) erase(p *Peer) {
	e, ok := bk.entries[p]
	if !ok {
		return
	}
	for _, nr := range e.requested.Values() {
		if bk.assigned[nr] == p {
			delete(bk.assigned, nr)
		}
	}
	for nr, alts := range bk.alternates {
		trimmed := alts[:0]
		for _, alt := range alts {
			if alt != p {
				trimmed = append(trimmed, alt)
			}
		}
		if len(trimmed) == 0 {
			delete(bk.alternates, nr)
		} else {
			bk.alternates[nr] = trimmed
		}
	}
	delete(bk.entries, p)
}

func (bk *subBookkeeper) contains(p *Peer) bool {
	_, ok := bk.entries[p]
	return ok
}

// shouldRequest reports whether the item should be requested from the
// peer: true iff no peer currently has it outstanding. Otherwise the peer
// is recorded as an alternate source, in announcement-arrival order.
func (bk *subBookkeeper) shouldRequest(p *Peer, nr NoteReq) bool {
	holder, ok := bk.assigned[nr]
	if !ok {
		return true
	}
	if holder == p {
		return false
	}
	for _, alt := range bk.alternates[nr] {
		if alt == p {
			return false
		}
	}
	bk.alternates[nr] = append(bk.alternates[nr], p)
	return false
}

// requested records the item as outstanding from the peer.
func (bk *subBookkeeper) requested(p *Peer, nr NoteReq) {
	if e, ok := bk.entries[p]; ok {
		bk.assigned[nr] = p
		e.requested.Add(nr)
	}
}

// received reports whether the item was outstanding from exactly this
// peer. If so the assignment is removed and the peer's counter bumped.
func (bk *subBookkeeper) received(p *Peer, nr NoteReq) bool {
	if bk.assigned[nr] != p {
		return false
	}
	delete(bk.assigned, nr)
	delete(bk.alternates, nr)
	e := bk.entries[p]
	e.requested.Remove(nr)
	e.count++
	return true
}

// getRequested returns the peer's outstanding requests, oldest first.
func (bk *subBookkeeper) getRequested(p *Peer) []NoteReq {
	if e, ok := bk.entries[p]; ok {
		return e.requested.Values()
	}
	return nil
}

// popBestAlt pops the earliest alternate source of the item that is still
// a member. Nil if none remains.
func (bk *subBookkeeper) popBestAlt(nr NoteReq) *Peer {
	alts := bk.alternates[nr]
	for len(alts) > 0 {
		alt := alts[0]
		alts = alts[1:]
		if _, ok := bk.entries[alt]; ok {
			if len(alts) == 0 {
				delete(bk.alternates, nr)
			} else {
				bk.alternates[nr] = alts
			}
			return alt
		}
	}
	delete(bk.alternates, nr)
	return nil
}

// pathCounts returns how many tracked peers do and don't have a path to
// the publisher.
func (bk *subBookkeeper) pathCounts() (numPath, numNoPath int) {
	for p := range bk.entries {
		if p.IsPathToPub() {
			numPath++
		} else {
			numNoPath++
		}
	}
	return
}

func (bk *subBookkeeper) resetCounts() {
	for _, e := range bk.entries {
		e.count = 0
	}
}

func (bk *subBookkeeper) worstPeer() *Peer {
	return bk.worst(func(*Peer) bool { return true })
}

// worstPeerWithPath restricts worst-peer selection to peers whose
// path-to-publisher flag matches hasPath.
func (bk *subBookkeeper) worstPeerWithPath(hasPath bool) *Peer {
	return bk.worst(func(p *Peer) bool { return p.IsPathToPub() == hasPath })
}

func (bk *subBookkeeper) worst(match func(*Peer) bool) *Peer {
	var worst *Peer
	var worstE *subEntry
	for p, e := range bk.entries {
		if !match(p) {
			continue
		}
		if worst == nil || e.count < worstE.count ||
			(e.count == worstE.count && e.seq < worstE.seq) {
			worst, worstE = p, e
		}
	}
	return worst
}
