package hycast

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// handshakeTimeout bounds the initial path-status exchange on a new
// connection.
const handshakeTimeout = 10 * time.Second

// mgrOps is what a concrete manager adds to the shared core: the observer
// contract plus the implementation-specific hooks. Hooks marked "mu held"
// are invoked under the core mutex.
type mgrOps interface {
	PeerManager

	bookkeeper() bookkeeper  // mu held
	tryAddFull(p *Peer) bool // mu held; admission when the set is saturated
	added(p *Peer)           // mu held; after successful admission
	stopped2(p *Peer)        // mu held; variant-specific cleanup
	startTasks2()
	lclHasPath() bool
}

// p2pCore is the shared machinery of the publisher and subscriber
// managers: the membership state under one mutex, the acceptor and
// improver tasks, and lifecycle control.
//
// Invariant: a peer is in peerSet, the bookkeeper and the peers index
// together, or in none of them; membership changes happen under mu.
type p2pCore struct {
	cfg  Config
	self mgrOps

	mu      sync.Mutex
	cond    *sync.Cond
	done    bool
	taskErr error

	peerSet *PeerSet
	peers   map[SockAddr]*Peer

	lsn     net.Listener
	running atomic.Bool
	doneCh  chan struct{}
	endOnce sync.Once
	wg      sync.WaitGroup
}

func (m *p2pCore) init(cfg Config, self mgrOps) error {
	m.cfg = cfg
	m.self = self
	m.cond = sync.NewCond(&m.mu)
	m.peerSet = NewPeerSet()
	m.peers = make(map[SockAddr]*Peer, cfg.MaxPeers)
	m.doneCh = make(chan struct{})

	lsn, err := net.Listen("tcp", cfg.ListenAddr.String())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	m.lsn = lsn
	return nil
}

// LclAddr returns the address the manager is listening on. Useful when
// the configured port was 0.
func (m *p2pCore) LclAddr() SockAddr {
	return SockAddrFromNetAddr(m.lsn.Addr())
}

// Size returns the number of active peers.
func (m *p2pCore) Size() int {
	return m.peerSet.Size()
}

// NotifyProd announces available product-information to all peers.
func (m *p2pCore) NotifyProd(index ProdIndex) error {
	if index == 0 {
		return fmt.Errorf("%w: unset product index", ErrInvalidArgument)
	}
	m.peerSet.NotifyProd(index, nil)
	return nil
}

// NotifySeg announces an available data-segment to all peers.
func (m *p2pCore) NotifySeg(id DataSegId) error {
	if id.Prod == 0 {
		return fmt.Errorf("%w: unset product index", ErrInvalidArgument)
	}
	m.peerSet.NotifySeg(id, nil)
	return nil
}

// Run executes the manager until Halt is called or a task fails, then
// shuts everything down and returns the failure, if any. Calling Run a
// second time is a programmer bug.
func (m *p2pCore) Run() error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		m.lsn.Close()
		return nil
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop()
	m.wg.Add(1)
	go m.improveLoop()
	m.self.startTasks2()

	err := m.waitUntilDone()
	m.shutdown()
	return err
}

// Halt stops execution. Idempotent; safe from any goroutine. If called
// before Run, the manager will never execute.
func (m *p2pCore) Halt() {
	m.mu.Lock()
	m.done = true
	m.cond.Broadcast()
	m.mu.Unlock()
	m.end()
}

// end closes the cancellation channel exactly once.
func (m *p2pCore) end() {
	m.endOnce.Do(func() { close(m.doneCh) })
}

// setTaskErr records the first fatal task error and wakes Run.
func (m *p2pCore) setTaskErr(err error) {
	m.mu.Lock()
	if m.taskErr == nil && !m.done {
		m.taskErr = err
		m.cond.Broadcast()
	}
	m.mu.Unlock()
	m.end()
}

func (m *p2pCore) waitUntilDone() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.done && m.taskErr == nil {
		m.cond.Wait()
	}
	return m.taskErr
}

func (m *p2pCore) shutdown() {
	m.mu.Lock()
	m.done = true
	m.cond.Broadcast()
	m.mu.Unlock()
	m.end()

	m.lsn.Close()
	m.peerSet.Halt()
	m.wg.Wait()
}

// acceptLoop accepts inbound connections and offers the resulting peers
// for admission.
func (m *p2pCore) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.lsn.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.setTaskErr(fmt.Errorf("accept: %w", err))
			return
		}

		rmtAddr := SockAddrFromNetAddr(conn.RemoteAddr())
		slog.Debug(fmt.Sprintf("[hycast] accepted connection from %s", rmtAddr),
			"event", "hycast:p2p:accept")
		go m.admit(conn, rmtAddr)
	}
}

// admit handshakes an inbound connection and tries to add the peer.
// Rejected peers are simply closed; the subscriber variant additionally
// recycles their address via stopped2-style bookkeeping in tryAdd callers.
func (m *p2pCore) admit(conn net.Conn, rmtAddr SockAddr) {
	setKeepAlive(conn, m.cfg.KeepAlive)

	p := NewPeer(conn, rmtAddr, m.self)
	if err := p.Handshake(m.self.lclHasPath(), handshakeTimeout); err != nil {
		slog.Info(fmt.Sprintf("[hycast] handshake with %s failed: %s", rmtAddr, err),
			"event", "hycast:p2p:handshake_fail")
		p.Halt()
		return
	}
	if !m.tryAdd(p) {
		p.Halt()
	}
}

// tryAdd adds the peer if there is capacity, or defers to the variant's
// saturated-admission policy.
func (m *p2pCore) tryAdd(p *Peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done {
		return false
	}

	n := m.peerSet.Size()
	switch {
	case n < int(m.cfg.MaxPeers):
		return m.add(p) == nil
	case n > int(m.cfg.MaxPeers):
		slog.Info(fmt.Sprintf("[hycast] peer %s not added: peer-set over-full", p),
			"event", "hycast:p2p:overfull")
		return false
	default:
		return m.self.tryAddFull(p)
	}
}

// add inserts the peer into all three indexes and starts it. mu held.
func (m *p2pCore) add(p *Peer) error {
	bk := m.self.bookkeeper()
	bk.add(p)
	if err := m.peerSet.Activate(p); err != nil {
		bk.erase(p)
		slog.Info(fmt.Sprintf("[hycast] couldn't add peer %s: %s", p, err),
			"event", "hycast:p2p:add_fail")
		return err
	}
	m.peers[p.rmtAddr] = p
	m.self.added(p)
	m.cond.Broadcast() // restart improver evaluation, wake connector
	slog.Info(fmt.Sprintf("[hycast] added peer %s (%d/%d)", p, m.peerSet.Size(), m.cfg.MaxPeers),
		"event", "hycast:p2p:add")
	return nil
}

// stoppedPeer is the shared part of the Stopped callback: classify the
// terminating error, then atomically remove the peer from all indexes and
// reassign what it owed.
func (m *p2pCore) stoppedPeer(p *Peer) {
	if err := p.Err(); err != nil && !isTransientErr(err) && !isProtocolErr(err) {
		m.setTaskErr(fmt.Errorf("peer %s: %w", p, err))
	} else if err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Info(fmt.Sprintf("[hycast] peer %s terminated: %s", p, err),
			"event", "hycast:p2p:peer_err")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.peerSet.remove(p)
	if m.done {
		return
	}
	if !m.self.bookkeeper().contains(p) {
		return
	}
	m.self.stopped2(p)
	m.self.bookkeeper().erase(p)
	delete(m.peers, p.rmtAddr)
	m.cond.Broadcast()
	slog.Info(fmt.Sprintf("[hycast] removed peer %s (%d/%d)", p, m.peerSet.Size(), m.cfg.MaxPeers),
		"event", "hycast:p2p:remove")
}

// evict removes the peer from all three indexes and halts it. Removal is
// synchronous so a replacement can be admitted without the active peer
// count ever exceeding its bound. mu held.
func (m *p2pCore) evict(p *Peer) {
	m.peerSet.remove(p)
	m.self.stopped2(p)
	m.self.bookkeeper().erase(p)
	delete(m.peers, p.rmtAddr)
	p.Halt()
	slog.Info(fmt.Sprintf("[hycast] evicted peer %s (%d/%d)", p, m.peerSet.Size(), m.cfg.MaxPeers),
		"event", "hycast:p2p:evict")
}

// improveLoop periodically halts the worst-performing peer while the set
// is saturated, bounding churn to one replacement per period.
func (m *p2pCore) improveLoop() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		m.self.bookkeeper().resetCounts()
		m.mu.Unlock()

		select {
		case <-time.After(m.cfg.ImprovementPeriod):
		case <-m.doneCh:
			return
		}

		var worst *Peer
		m.mu.Lock()
		if !m.done && m.peerSet.Size() == int(m.cfg.MaxPeers) {
			worst = m.self.bookkeeper().worstPeer()
		}
		m.mu.Unlock()

		if worst != nil {
			slog.Info(fmt.Sprintf("[hycast] replacing worst peer %s", worst),
				"event", "hycast:p2p:improve")
			worst.Halt()
		}
	}
}

func setKeepAlive(conn net.Conn, period time.Duration) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		if period > 0 {
			tc.SetKeepAlivePeriod(period)
		}
	}
}
