package hycast

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher is the origin node: it multicasts each published product and
// serves the P2P repair mesh from its repository.
type Publisher struct {
	cfg  Config
	repo Repository
	mgr  *PubP2pMgr
	sndr *McastSndr
	next atomic.Uint32
}

// NewPublisher creates a publisher node. The multicast sender is only set
// up when cfg.McastGroup is configured; without it products are still
// served over P2P.
func NewPublisher(cfg Config, repo Repository) (*Publisher, error) {
	mgr, err := NewPubP2pMgr(cfg, repo)
	if err != nil {
		return nil, err
	}
	pub := &Publisher{cfg: cfg, repo: repo, mgr: mgr}
	if cfg.McastGroup.Addr.IsSet() {
		pub.sndr, err = NewMcastSndr(cfg.McastGroup, cfg.McastIface)
		if err != nil {
			mgr.Halt()
			return nil, err
		}
	}
	return pub, nil
}

// LclAddr returns the P2P server address.
func (pub *Publisher) LclAddr() SockAddr {
	return pub.mgr.LclAddr()
}

// Run executes the publisher until Halt is called or a task fails.
func (pub *Publisher) Run() error {
	return pub.mgr.Run()
}

// Halt stops the publisher. Idempotent.
func (pub *Publisher) Halt() {
	pub.mgr.Halt()
	if pub.sndr != nil {
		pub.sndr.Close()
	}
}

// Publish stores a new product, multicasts it and announces it to the
// P2P mesh. Returns the product-information under which it was published.
func (pub *Publisher) Publish(name string, data []byte) (ProdInfo, error) {
	if name == "" || len(data) == 0 {
		return ProdInfo{}, fmt.Errorf("%w: empty product name or data", ErrInvalidArgument)
	}

	index := ProdIndex(pub.next.Add(1))
	size := ProdSize(len(data))
	info := NewProdInfo(index, name, size)

	if _, err := pub.repo.StoreProdInfo(info); err != nil {
		return ProdInfo{}, err
	}
	if pub.sndr != nil {
		if err := pub.sndr.SendProdInfo(info); err != nil {
			slog.Warn(fmt.Sprintf("[hycast] couldn't multicast %s: %s", info, err),
				"event", "hycast:pub:mcast_fail")
		}
	}
	pub.mgr.NotifyProd(index)

	for offset := SegOffset(0); offset < size; offset += SegOffset(CanonSegSize) {
		seg := NewDataSeg(DataSegId{Prod: index, Offset: offset}, size, data[offset:])
		if _, err := pub.repo.StoreDataSeg(seg); err != nil {
			return ProdInfo{}, err
		}
		if pub.sndr != nil {
			if err := pub.sndr.SendDataSeg(seg); err != nil {
				slog.Warn(fmt.Sprintf("[hycast] couldn't multicast %s: %s", seg, err),
					"event", "hycast:pub:mcast_fail")
			}
		}
		pub.mgr.NotifySeg(seg.Id)
	}

	slog.Info(fmt.Sprintf("[hycast] published %s", info), "event", "hycast:pub:publish")
	return info, nil
}

/******************************************************************************/

// SubOption configures a Subscriber.
type SubOption func(*Subscriber)

// WithCompletionHandler installs fn, invoked once per product when its
// last piece arrives, with the assembled bytes.
func WithCompletionHandler(fn func(ProdInfo, []byte)) SubOption {
	return func(sub *Subscriber) { sub.completionFn = fn }
}

// Subscriber is a receiving node: it takes products from the multicast
// feed when it can, repairs losses through the P2P mesh, and serves other
// subscribers in turn.
type Subscriber struct {
	cfg  Config
	repo Repository
	pool *ServerPool
	mgr  *SubP2pMgr
	rcvr *McastRcvr

	completionFn func(ProdInfo, []byte)
	doneMu       sync.Mutex
	doneProds    map[ProdIndex]struct{}
}

// NewSubscriber creates a subscriber node drawing P2P servers from pool.
// The multicast receiver is only set up when cfg.McastGroup is
// configured; without it every product arrives via P2P.
func NewSubscriber(cfg Config, repo Repository, pool *ServerPool, opts ...SubOption) (*Subscriber, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: nil repository", ErrInvalidArgument)
	}
	sub := &Subscriber{
		cfg:       cfg,
		repo:      repo,
		pool:      pool,
		doneProds: make(map[ProdIndex]struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	mgr, err := NewSubP2pMgr(cfg, pool, sub)
	if err != nil {
		return nil, err
	}
	sub.mgr = mgr

	if cfg.McastGroup.Addr.IsSet() {
		sub.rcvr, err = NewMcastRcvr(cfg.McastGroup, cfg.McastSource, cfg.McastIface, mcastRelay{sub})
		if err != nil {
			mgr.Halt()
			return nil, err
		}
	}
	return sub, nil
}

// LclAddr returns the P2P server address other subscribers can connect to.
func (sub *Subscriber) LclAddr() SockAddr {
	return sub.mgr.LclAddr()
}

// HasPathToPub reports whether the node is transitively connected to the
// publisher.
func (sub *Subscriber) HasPathToPub() bool {
	return sub.mgr.HasPathToPub()
}

// Run executes the subscriber until Halt is called or a task fails. The
// first failure halts everything and is returned.
func (sub *Subscriber) Run() error {
	n := 1
	errCh := make(chan error, 2)
	go func() { errCh <- sub.mgr.Run() }()
	if sub.rcvr != nil {
		n++
		go func() { errCh <- sub.rcvr.Run() }()
	}

	err := <-errCh
	sub.Halt()
	for i := 1; i < n; i++ {
		if e := <-errCh; err == nil {
			err = e
		}
	}
	return err
}

// Halt stops the subscriber. Idempotent.
func (sub *Subscriber) Halt() {
	sub.mgr.Halt()
	if sub.rcvr != nil {
		sub.rcvr.Halt()
	}
}

// ShouldRequest reports whether the announced item is still missing.
func (sub *Subscriber) ShouldRequest(nr NoteReq) bool {
	if nr.IsProd() {
		return !sub.repo.HasProdInfo(nr.Prod())
	}
	return !sub.repo.HasDataSeg(nr.SegId())
}

// RecvProdInfo stores product-information obtained from a peer.
func (sub *Subscriber) RecvProdInfo(info ProdInfo) bool {
	isNew, err := sub.repo.StoreProdInfo(info)
	if err != nil {
		slog.Error(fmt.Sprintf("[hycast] couldn't store %s: %s", info, err),
			"event", "hycast:sub:store_fail")
		return false
	}
	if isNew {
		sub.checkComplete(info.Index)
	}
	return isNew
}

// RecvDataSeg stores a data-segment obtained from a peer.
func (sub *Subscriber) RecvDataSeg(seg DataSeg) bool {
	isNew, err := sub.repo.StoreDataSeg(seg)
	if err != nil {
		slog.Error(fmt.Sprintf("[hycast] couldn't store %s: %s", seg, err),
			"event", "hycast:sub:store_fail")
		return false
	}
	if isNew {
		sub.checkComplete(seg.Id.Prod)
	}
	return isNew
}

// GetProdInfo serves another subscriber's request.
func (sub *Subscriber) GetProdInfo(index ProdIndex) (ProdInfo, bool) {
	return sub.repo.GetProdInfo(index)
}

// GetDataSeg serves another subscriber's request.
func (sub *Subscriber) GetDataSeg(id DataSegId) (DataSeg, bool) {
	return sub.repo.GetDataSeg(id)
}

// checkComplete fires the completion handler the first time the product
// becomes whole.
func (sub *Subscriber) checkComplete(index ProdIndex) {
	if sub.completionFn == nil || !sub.repo.IsComplete(index) {
		return
	}
	sub.doneMu.Lock()
	if _, ok := sub.doneProds[index]; ok {
		sub.doneMu.Unlock()
		return
	}
	sub.doneProds[index] = struct{}{}
	sub.doneMu.Unlock()

	info, data, ok := sub.repo.GetProd(index)
	if !ok {
		return
	}
	slog.Info(fmt.Sprintf("[hycast] product complete: %s", info),
		"event", "hycast:sub:complete")
	// keep the peer's receive worker responsive
	go sub.completionFn(info, data)
}

// mcastRelay feeds multicast receptions into the subscriber and relays
// fresh items onward to the P2P mesh.
type mcastRelay struct {
	sub *Subscriber
}

func (mr mcastRelay) RecvProdInfo(info ProdInfo) bool {
	if !mr.sub.RecvProdInfo(info) {
		return false
	}
	mr.sub.mgr.NotifyProd(info.Index)
	return true
}

func (mr mcastRelay) RecvDataSeg(seg DataSeg) bool {
	if !mr.sub.RecvDataSeg(seg) {
		return false
	}
	mr.sub.mgr.NotifySeg(seg.Id)
	return true
}
