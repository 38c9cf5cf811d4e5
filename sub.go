package hycast

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// dialTimeout bounds a single connection attempt to a potential server.
const dialTimeout = 10 * time.Second

// SubNode is the upper layer of a subscriber manager. The manager calls
// ShouldRequest before dispatching a request, hands received items up via
// the Recv methods, and serves other subscribers' requests via the Get
// methods. Implementations must be safe for concurrent use.
type SubNode interface {
	// ShouldRequest reports whether the item is still wanted. False means
	// the node already has it, typically via multicast.
	ShouldRequest(nr NoteReq) bool

	// RecvProdInfo accepts product-information obtained from a peer. A
	// true return means the item was new and should be relayed onward.
	RecvProdInfo(info ProdInfo) bool

	// RecvDataSeg accepts a data-segment obtained from a peer. A true
	// return means the item was new and should be relayed onward.
	RecvDataSeg(seg DataSeg) bool

	// GetProdInfo serves a remote peer's request from the local store.
	GetProdInfo(index ProdIndex) (ProdInfo, bool)

	// GetDataSeg serves a remote peer's request from the local store.
	GetDataSeg(id DataSegId) (DataSeg, bool)
}

// SubP2pMgr is a subscriber's P2P manager. It maintains connections to
// other nodes, requests items announced by notices, repairs the set when
// peers die, and keeps the peer-set balanced between peers that do and
// don't have a path to the publisher.
type SubP2pMgr struct {
	p2pCore
	bk      *subBookkeeper
	pool    *ServerPool
	node    SubNode
	lclPath bool // mu held
}

// NewSubP2pMgr creates a subscriber manager that draws server addresses
// from pool and reports to node. Call Run to execute it.
func NewSubP2pMgr(cfg Config, pool *ServerPool, node SubNode) (*SubP2pMgr, error) {
	if pool == nil || node == nil {
		return nil, fmt.Errorf("%w: nil pool or node", ErrInvalidArgument)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	m := &SubP2pMgr{
		bk:   newSubBookkeeper(int(cfg.MaxPeers)),
		pool: pool,
		node: node,
	}
	if err := m.init(cfg, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SubP2pMgr) bookkeeper() bookkeeper { return m.bk }

// HasPathToPub reports whether this node is currently transitively
// connected to the publisher.
func (m *SubP2pMgr) HasPathToPub() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lclPath
}

func (m *SubP2pMgr) lclHasPath() bool {
	return m.HasPathToPub()
}

func (m *SubP2pMgr) startTasks2() {
	m.wg.Add(1)
	go m.connectLoop()
}

// tryAddFull admits a newcomer into a saturated set only when its
// path-to-publisher group is under-represented, evicting the worst peer
// of the over-represented group.
func (m *SubP2pMgr) tryAddFull(p *Peer) bool {
	numPath, numNoPath := m.bk.pathCounts()
	var worst *Peer
	if p.IsPathToPub() {
		if numPath < numNoPath {
			worst = m.bk.worstPeerWithPath(false)
		}
	} else {
		if numNoPath < numPath {
			worst = m.bk.worstPeerWithPath(true)
		}
	}
	if worst == nil {
		return false
	}
	slog.Info(fmt.Sprintf("[hycast] evicting %s to balance paths for %s", worst, p),
		"event", "hycast:sub:rebalance")
	m.evict(worst)
	return m.add(p) == nil
}

// added notes a new peer's path status: a first path-peer means this node
// just gained a path to the publisher. mu held.
func (m *SubP2pMgr) added(p *Peer) {
	if p.IsPathToPub() && !m.lclPath {
		m.lclPath = true
		slog.Info("[hycast] gained path to publisher", "event", "hycast:sub:got_path")
		m.peerSet.GotPath(p)
	}
}

// stopped2 recycles a dialed peer's address, reassigns its outstanding
// requests to the best alternate source of each item, and notes whether
// the last path to the publisher went with it. mu held.
func (m *SubP2pMgr) stopped2(p *Peer) {
	if p.dialed {
		m.pool.Consider(p.rmtAddr)
	}
	if p.IsPathToPub() && m.lclPath {
		// bk still tracks p; the rest of the count is the other peers
		if numPath, _ := m.bk.pathCounts(); numPath-1 == 0 {
			m.lclPath = false
			slog.Info("[hycast] lost path to publisher", "event", "hycast:sub:lost_path")
			m.peerSet.LostPath(p)
		}
	}
	for _, nr := range m.bk.getRequested(p) {
		alt := m.bk.popBestAlt(nr)
		if alt == nil {
			continue // no other peer announced it; wait for a new notice
		}
		var err error
		if nr.IsProd() {
			err = alt.RequestProd(nr.Prod())
		} else {
			err = alt.RequestSeg(nr.SegId())
		}
		if err == nil {
			m.bk.requested(alt, nr)
			slog.Debug(fmt.Sprintf("[hycast] reassigned %s from %s to %s", nr, p, alt),
				"event", "hycast:sub:reassign")
		}
	}
}

// connectLoop keeps the peer-set fed: whenever there is room it pops a
// server address from the pool and dials it.
func (m *SubP2pMgr) connectLoop() {
	defer m.wg.Done()

	for {
		if !m.waitToConnect() {
			return
		}
		addr, err := m.pool.Pop(m.doneCh)
		if err != nil {
			return
		}

		conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
		if err != nil {
			if isTransientErr(err) {
				slog.Info(fmt.Sprintf("[hycast] couldn't connect to %s: %s", addr, err),
					"event", "hycast:sub:dial_fail")
				m.pool.Consider(addr)
				continue
			}
			m.setTaskErr(fmt.Errorf("connect to %s: %w", addr, err))
			return
		}
		setKeepAlive(conn, m.cfg.KeepAlive)

		p := NewPeer(conn, addr, m)
		p.dialed = true
		if err := p.Handshake(m.lclHasPath(), handshakeTimeout); err != nil {
			slog.Info(fmt.Sprintf("[hycast] handshake with %s failed: %s", addr, err),
				"event", "hycast:p2p:handshake_fail")
			p.Halt()
			m.pool.Consider(addr)
			continue
		}
		if !m.tryAdd(p) {
			p.Halt()
			m.pool.Consider(addr)
		}
	}
}

// waitToConnect blocks until the peer-set has room. False means the
// manager is done.
func (m *SubP2pMgr) waitToConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.done && m.taskErr == nil && m.peerSet.Size() >= int(m.cfg.MaxPeers) {
		m.cond.Wait()
	}
	return !m.done && m.taskErr == nil
}

// RecvPathNotice tracks the local path-to-publisher status: gained when
// the first path-peer appears, lost when the last disappears. Transitions
// are relayed to the other peers.
func (m *SubP2pMgr) RecvPathNotice(hasPath bool, p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	numPath, _ := m.bk.pathCounts()
	if hasPath && !m.lclPath && numPath >= 1 {
		m.lclPath = true
		slog.Info("[hycast] gained path to publisher", "event", "hycast:sub:got_path")
		m.peerSet.GotPath(p)
	} else if !hasPath && m.lclPath && numPath == 0 {
		m.lclPath = false
		slog.Info("[hycast] lost path to publisher", "event", "hycast:sub:lost_path")
		m.peerSet.LostPath(p)
	}
}

// recvNotice decides whether to request the announced item from the
// announcing peer. The decision and the outstanding-request record are
// made atomically per item, so an item is only ever requested from one
// peer at a time; peers that lose the race are remembered as alternates.
func (m *SubP2pMgr) recvNotice(nr NoteReq, p *Peer) bool {
	m.mu.Lock()
	if m.done || !m.bk.contains(p) || !m.bk.shouldRequest(p, nr) {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	// the repository lookup must not run under the manager mutex
	if !m.node.ShouldRequest(nr) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done || !m.bk.contains(p) || !m.bk.shouldRequest(p, nr) {
		return false
	}
	m.bk.requested(p, nr)
	return true
}

func (m *SubP2pMgr) RecvProdNotice(index ProdIndex, p *Peer) bool {
	if index == 0 {
		return false
	}
	return m.recvNotice(ProdNote(index), p)
}

func (m *SubP2pMgr) RecvSegNotice(id DataSegId, p *Peer) bool {
	if id.Prod == 0 {
		return false
	}
	return m.recvNotice(SegNote(id), p)
}

// RecvProdRequest serves another subscriber's request from the local
// store.
func (m *SubP2pMgr) RecvProdRequest(index ProdIndex, p *Peer) (ProdInfo, bool) {
	return m.node.GetProdInfo(index)
}

// RecvSegRequest serves another subscriber's request from the local
// store.
func (m *SubP2pMgr) RecvSegRequest(id DataSegId, p *Peer) (DataSeg, bool) {
	return m.node.GetDataSeg(id)
}

// RecvProdInfo accepts requested product-information, hands it up, and
// relays a notice to the other peers if it was new.
func (m *SubP2pMgr) RecvProdInfo(info ProdInfo, p *Peer) {
	nr := ProdNote(info.Index)
	m.mu.Lock()
	ok := m.bk.contains(p) && m.bk.received(p, nr)
	m.mu.Unlock()
	if !ok {
		slog.Debug(fmt.Sprintf("[hycast] unrequested product-information %s from %s", info, p),
			"event", "hycast:sub:unrequested")
		return
	}
	if m.node.RecvProdInfo(info) {
		m.peerSet.NotifyProd(info.Index, p)
	}
}

// RecvDataSeg accepts a requested data-segment, hands it up, and relays a
// notice to the other peers if it was new.
func (m *SubP2pMgr) RecvDataSeg(seg DataSeg, p *Peer) {
	nr := SegNote(seg.Id)
	m.mu.Lock()
	ok := m.bk.contains(p) && m.bk.received(p, nr)
	m.mu.Unlock()
	if !ok {
		slog.Debug(fmt.Sprintf("[hycast] unrequested data-segment %s from %s", seg, p),
			"event", "hycast:sub:unrequested")
		return
	}
	if m.node.RecvDataSeg(seg) {
		m.peerSet.NotifySeg(seg.Id, p)
	}
}

func (m *SubP2pMgr) Stopped(p *Peer) {
	m.stoppedPeer(p)
}
