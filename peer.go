package hycast

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PeerManager observes a Peer. The peer invokes these callbacks on its
// receive worker; implementations must be safe under concurrent invocation
// from multiple peers' workers.
type PeerManager interface {
	// RecvPathNotice handles the remote node's path-to-publisher status.
	RecvPathNotice(hasPath bool, p *Peer)

	// RecvProdNotice handles a notice of available product-information.
	// A true return directs the peer to request the information.
	RecvProdNotice(index ProdIndex, p *Peer) bool

	// RecvSegNotice handles a notice of an available data-segment.
	// A true return directs the peer to request the segment.
	RecvSegNotice(id DataSegId, p *Peer) bool

	// RecvProdRequest handles a request for product-information. The
	// information is sent to the remote peer if the second value is true.
	RecvProdRequest(index ProdIndex, p *Peer) (ProdInfo, bool)

	// RecvSegRequest handles a request for a data-segment. The segment is
	// sent to the remote peer if the second value is true.
	RecvSegRequest(id DataSegId, p *Peer) (DataSeg, bool)

	// RecvProdInfo handles product-information from the remote peer.
	RecvProdInfo(info ProdInfo, p *Peer)

	// RecvDataSeg handles a data-segment from the remote peer.
	RecvDataSeg(seg DataSeg, p *Peer)

	// Stopped is invoked exactly once, after both of the peer's workers
	// have exited.
	Stopped(p *Peer)
}

// Peer states.
const (
	peerNew int32 = iota
	peerRunning
	peerDraining
	peerDead
)

// sendQueueDepth bounds each peer's outbound queues.
const sendQueueDepth = 128

// Peer is one end of a duplex connection to a remote node. It owns a send
// worker draining two bounded queues and a receive worker that parses PDUs
// and dispatches them to the PeerManager.
type Peer struct {
	conn    net.Conn
	rmtAddr SockAddr
	mgr     PeerManager
	enc     *pduWriter
	dec     *pduReader

	// sendQ carries requests and data; producers block until drained or
	// the peer dies. noticeQ carries notices; when full the oldest notice
	// is dropped and counted.
	sendQ   chan pdu
	noticeQ chan pdu

	state   atomic.Int32
	rmtPath atomic.Bool
	drops   atomic.Uint64
	created time.Time
	dialed  bool // set before activation by the side that dialed

	done     chan struct{}
	haltOnce sync.Once
	stopOnce sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// NewPeer wraps an established connection to the remote node at rmtAddr.
// The peer does nothing until started by PeerSet.Activate.
func NewPeer(conn net.Conn, rmtAddr SockAddr, mgr PeerManager) *Peer {
	return &Peer{
		conn:    conn,
		rmtAddr: rmtAddr,
		mgr:     mgr,
		enc:     newPduWriter(conn),
		dec:     newPduReader(conn),
		sendQ:   make(chan pdu, sendQueueDepth),
		noticeQ: make(chan pdu, sendQueueDepth),
		done:    make(chan struct{}),
		created: time.Now(),
	}
}

// Handshake exchanges path-to-publisher status with the remote node: each
// side writes its own status, then reads the other's. Both sides write
// first, so the exchange cannot deadlock. Must complete before the peer is
// activated.
func (p *Peer) Handshake(lclHasPath bool, timeout time.Duration) error {
	if timeout > 0 {
		p.conn.SetDeadline(time.Now().Add(timeout))
		defer p.conn.SetDeadline(time.Time{})
	}
	if err := p.enc.writePdu(pdu{id: PduPubPathNotice, pubPath: lclHasPath}); err != nil {
		return fmt.Errorf("send path status: %w", err)
	}
	pd, err := p.dec.readPdu()
	if err != nil {
		return fmt.Errorf("recv path status: %w", err)
	}
	if pd.id != PduPubPathNotice {
		return fmt.Errorf("%w: expected %s, got %s", ErrBadPduId, PduPubPathNotice, pd.id)
	}
	p.rmtPath.Store(pd.pubPath)
	return nil
}

// RmtAddr returns the socket address of the remote node. Peers with equal
// remote addresses are the same peer.
func (p *Peer) RmtAddr() SockAddr {
	return p.rmtAddr
}

// IsPathToPub reports the remote node's last notified path-to-publisher
// status.
func (p *Peer) IsPathToPub() bool {
	return p.rmtPath.Load()
}

// NoticeDrops returns the number of notices dropped because the notice
// queue was full.
func (p *Peer) NoticeDrops() uint64 {
	return p.drops.Load()
}

// Err returns the error that terminated the peer, if any.
func (p *Peer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Peer) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Peer) String() string {
	return p.rmtAddr.String()
}

// start spawns the send and receive workers. Called by PeerSet.Activate.
func (p *Peer) start() error {
	if !p.state.CompareAndSwap(peerNew, peerRunning) {
		return ErrHalted
	}

	p.wg.Add(2)
	go p.sendLoop()
	go p.recvLoop()
	go func() {
		p.wg.Wait()
		p.state.Store(peerDead)
		p.stopOnce.Do(func() { p.mgr.Stopped(p) })
	}()
	return nil
}

// Halt shuts the connection down in both directions, causing both workers
// to exit. Idempotent and safe from any goroutine.
func (p *Peer) Halt() {
	p.drain(nil)
}

// drain moves the peer into the Draining state: new sends fail fast and
// blocked I/O returns. err, if non-nil, is recorded as the terminating
// error.
func (p *Peer) drain(err error) {
	p.haltOnce.Do(func() {
		if err != nil {
			p.setErr(err)
		}
		// a peer halted before activation goes straight to Dead and is
		// never reported as stopped
		if p.state.CompareAndSwap(peerNew, peerDead) {
			p.stopOnce.Do(func() {})
		} else {
			p.state.Store(peerDraining)
		}
		close(p.done)
		if tc, ok := p.conn.(*net.TCPConn); ok {
			tc.CloseRead()
			tc.CloseWrite()
		}
		p.conn.Close()
	})
}

// NotifyPath tells the remote node whether the local node has a path to
// the publisher. Path status changes go on the blocking queue: dropping
// one would leave the remote's view stale forever.
func (p *Peer) NotifyPath(hasPath bool) {
	p.enqueue(pdu{id: PduPubPathNotice, pubPath: hasPath})
}

// NotifyProd announces available product-information to the remote node.
func (p *Peer) NotifyProd(index ProdIndex) {
	p.enqueueNotice(pdu{id: PduProdInfoNotice, prod: index})
}

// NotifySeg announces an available data-segment to the remote node.
func (p *Peer) NotifySeg(id DataSegId) {
	p.enqueueNotice(pdu{id: PduDataSegNotice, segId: id})
}

// RequestProd asks the remote node for product-information. The caller is
// responsible for recording the request as outstanding.
func (p *Peer) RequestProd(index ProdIndex) error {
	return p.enqueue(pdu{id: PduProdInfoRequest, prod: index})
}

// RequestSeg asks the remote node for a data-segment. The caller is
// responsible for recording the request as outstanding.
func (p *Peer) RequestSeg(id DataSegId) error {
	return p.enqueue(pdu{id: PduDataSegRequest, segId: id})
}

// SendProdInfo sends product-information to the remote node.
func (p *Peer) SendProdInfo(info ProdInfo) error {
	return p.enqueue(pdu{id: PduProdInfo, info: info})
}

// SendDataSeg sends a data-segment to the remote node.
func (p *Peer) SendDataSeg(seg DataSeg) error {
	return p.enqueue(pdu{id: PduDataSeg, seg: seg})
}

// enqueue queues a request or data PDU, blocking until there is room or
// the peer dies.
func (p *Peer) enqueue(pd pdu) error {
	if p.state.Load() != peerRunning {
		return ErrHalted
	}
	select {
	case p.sendQ <- pd:
		return nil
	case <-p.done:
		return ErrHalted
	}
}

// enqueueNotice queues a notice PDU without blocking. When the queue is
// full the oldest queued notice is dropped in its favor.
func (p *Peer) enqueueNotice(pd pdu) {
	if p.state.Load() != peerRunning {
		return
	}
	for {
		select {
		case p.noticeQ <- pd:
			return
		case <-p.done:
			return
		default:
		}
		select {
		case <-p.noticeQ:
			if n := p.drops.Add(1); n == 1 || n%64 == 0 {
				slog.Warn(fmt.Sprintf("[hycast] peer %s dropped %d notices", p, n),
					"event", "hycast:peer:notice_drop")
			}
		default:
		}
	}
}

// sendLoop drains the outbound queues onto the connection. On shutdown the
// remaining PDUs are flushed best-effort.
func (p *Peer) sendLoop() {
	defer p.wg.Done()

	enc := p.enc
	for {
		select {
		case <-p.done:
			p.flush(enc)
			return
		case pd := <-p.sendQ:
			if err := enc.writePdu(pd); err != nil {
				p.drain(err)
				return
			}
		case pd := <-p.noticeQ:
			if err := enc.writePdu(pd); err != nil {
				p.drain(err)
				return
			}
		}
	}
}

// flush writes whatever is still queued. Failures are expected once the
// connection is shut down and are ignored.
func (p *Peer) flush(enc *pduWriter) {
	for {
		select {
		case pd := <-p.sendQ:
			if enc.writePdu(pd) != nil {
				return
			}
		case pd := <-p.noticeQ:
			if enc.writePdu(pd) != nil {
				return
			}
		default:
			return
		}
	}
}

// recvLoop reads PDUs and dispatches them to the PeerManager until the
// connection fails or is shut down.
func (p *Peer) recvLoop() {
	defer p.wg.Done()

	dec := p.dec
	for {
		pd, err := dec.readPdu()
		if err != nil {
			p.drain(err)
			return
		}

		switch pd.id {
		case PduPubPathNotice:
			p.rmtPath.Store(pd.pubPath)
			p.mgr.RecvPathNotice(pd.pubPath, p)

		case PduProdInfoNotice:
			if p.mgr.RecvProdNotice(pd.prod, p) {
				if err := p.RequestProd(pd.prod); err != nil {
					p.drain(err)
					return
				}
			}

		case PduDataSegNotice:
			if p.mgr.RecvSegNotice(pd.segId, p) {
				if err := p.RequestSeg(pd.segId); err != nil {
					p.drain(err)
					return
				}
			}

		case PduProdInfoRequest:
			if info, ok := p.mgr.RecvProdRequest(pd.prod, p); ok {
				if err := p.SendProdInfo(info); err != nil {
					p.drain(err)
					return
				}
			} else {
				slog.Debug(fmt.Sprintf("[hycast] no product-information %d for peer %s", pd.prod, p),
					"event", "hycast:peer:prod_info_miss")
			}

		case PduDataSegRequest:
			if seg, ok := p.mgr.RecvSegRequest(pd.segId, p); ok {
				if err := p.SendDataSeg(seg); err != nil {
					p.drain(err)
					return
				}
			} else {
				slog.Debug(fmt.Sprintf("[hycast] no data-segment %s for peer %s", pd.segId, p),
					"event", "hycast:peer:data_seg_miss")
			}

		case PduProdInfo:
			p.mgr.RecvProdInfo(pd.info, p)

		case PduDataSeg:
			p.mgr.RecvDataSeg(pd.seg, p)
		}
	}
}
