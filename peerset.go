package hycast

import (
	"sync"
)

// PeerSet holds the active peers, keyed by remote socket address. Sends
// never happen under the set lock: broadcast snapshots the peers, releases
// the lock and then queues on each peer's own outbound queue.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[SockAddr]*Peer
}

func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[SockAddr]*Peer)}
}

// Activate inserts the peer and starts its workers. A peer with the same
// remote address may only be inserted once.
func (ps *PeerSet) Activate(p *Peer) error {
	ps.mu.Lock()
	if _, ok := ps.peers[p.rmtAddr]; ok {
		ps.mu.Unlock()
		return ErrPeerExists
	}
	ps.peers[p.rmtAddr] = p
	ps.mu.Unlock()

	return p.start()
}

// remove takes the peer out of the set. Only the peer that is actually
// stored under the address is removed.
func (ps *PeerSet) remove(p *Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if cur, ok := ps.peers[p.rmtAddr]; ok && cur == p {
		delete(ps.peers, p.rmtAddr)
	}
}

// Get returns the peer with the given remote address, or nil.
func (ps *PeerSet) Get(addr SockAddr) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[addr]
}

// Size returns the number of active peers.
func (ps *PeerSet) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// snapshot copies the current peers so callers can iterate without the
// lock.
func (ps *PeerSet) snapshot() []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	peers := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		peers = append(peers, p)
	}
	return peers
}

// NotifyProd announces available product-information to every peer except
// the one the item came from.
func (ps *PeerSet) NotifyProd(index ProdIndex, exclude *Peer) {
	for _, p := range ps.snapshot() {
		if p == exclude {
			continue
		}
		p.NotifyProd(index)
	}
}

// NotifySeg announces an available data-segment to every peer except the
// one the item came from.
func (ps *PeerSet) NotifySeg(id DataSegId, exclude *Peer) {
	for _, p := range ps.snapshot() {
		if p == exclude {
			continue
		}
		p.NotifySeg(id)
	}
}

// GotPath tells every peer, except the one that caused the transition,
// that the local node now has a path to the publisher.
func (ps *PeerSet) GotPath(exclude *Peer) {
	for _, p := range ps.snapshot() {
		if p == exclude {
			continue
		}
		p.NotifyPath(true)
	}
}

// LostPath tells every peer, except the one that caused the transition,
// that the local node no longer has a path to the publisher.
func (ps *PeerSet) LostPath(exclude *Peer) {
	for _, p := range ps.snapshot() {
		if p == exclude {
			continue
		}
		p.NotifyPath(false)
	}
}

// Halt terminates every peer in the set.
func (ps *PeerSet) Halt() {
	for _, p := range ps.snapshot() {
		p.Halt()
	}
}
