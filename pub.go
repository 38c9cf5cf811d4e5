package hycast

import (
	"fmt"
	"log/slog"
)

// PubRepo is what the publisher manager needs from the product store:
// lookup of previously published items so subscriber requests can be
// served.
type PubRepo interface {
	GetProdInfo(index ProdIndex) (ProdInfo, bool)
	GetDataSeg(id DataSegId) (DataSeg, bool)
}

// PubP2pMgr is the publisher's P2P manager. It accepts subscribers up to
// the peer limit, serves their requests from the repository, and
// periodically replaces the least-demanding subscriber so that fresh ones
// get a chance to connect.
type PubP2pMgr struct {
	p2pCore
	bk   *pubBookkeeper
	repo PubRepo
}

// NewPubP2pMgr creates a publisher manager listening per cfg and serving
// from repo. Call Run to execute it.
func NewPubP2pMgr(cfg Config, repo PubRepo) (*PubP2pMgr, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: nil repository", ErrInvalidArgument)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	m := &PubP2pMgr{
		bk:   newPubBookkeeper(int(cfg.MaxPeers)),
		repo: repo,
	}
	if err := m.init(cfg, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PubP2pMgr) bookkeeper() bookkeeper { return m.bk }

// tryAddFull rejects the newcomer: the publisher only frees slots via the
// improvement cycle.
func (m *PubP2pMgr) tryAddFull(p *Peer) bool {
	slog.Info(fmt.Sprintf("[hycast] subscriber %s rejected: peer-set full", p),
		"event", "hycast:pub:full")
	return false
}

func (m *PubP2pMgr) added(p *Peer) {}

func (m *PubP2pMgr) stopped2(p *Peer) {}

func (m *PubP2pMgr) startTasks2() {}

// lclHasPath: the publisher is the path to the publisher.
func (m *PubP2pMgr) lclHasPath() bool { return true }

// RecvPathNotice: a subscriber's path status doesn't concern the
// publisher.
func (m *PubP2pMgr) RecvPathNotice(hasPath bool, p *Peer) {}

// RecvProdNotice: the publisher already has everything; never request.
func (m *PubP2pMgr) RecvProdNotice(index ProdIndex, p *Peer) bool { return false }

// RecvSegNotice: the publisher already has everything; never request.
func (m *PubP2pMgr) RecvSegNotice(id DataSegId, p *Peer) bool { return false }

// RecvProdRequest serves product-information from the repository and
// counts the request toward the peer's activity.
func (m *PubP2pMgr) RecvProdRequest(index ProdIndex, p *Peer) (ProdInfo, bool) {
	info, ok := m.repo.GetProdInfo(index)
	if ok {
		m.mu.Lock()
		m.bk.requested(p)
		m.mu.Unlock()
	}
	return info, ok
}

// RecvSegRequest serves a data-segment from the repository and counts the
// request toward the peer's activity.
func (m *PubP2pMgr) RecvSegRequest(id DataSegId, p *Peer) (DataSeg, bool) {
	seg, ok := m.repo.GetDataSeg(id)
	if ok {
		m.mu.Lock()
		m.bk.requested(p)
		m.mu.Unlock()
	}
	return seg, ok
}

// RecvProdInfo: subscribers have nothing to teach the publisher.
func (m *PubP2pMgr) RecvProdInfo(info ProdInfo, p *Peer) {
	slog.Debug(fmt.Sprintf("[hycast] ignoring product-information %s from %s", info, p),
		"event", "hycast:pub:unexpected")
}

// RecvDataSeg: subscribers have nothing to teach the publisher.
func (m *PubP2pMgr) RecvDataSeg(seg DataSeg, p *Peer) {
	slog.Debug(fmt.Sprintf("[hycast] ignoring data-segment %s from %s", seg, p),
		"event", "hycast:pub:unexpected")
}

func (m *PubP2pMgr) Stopped(p *Peer) {
	m.stoppedPeer(p)
}
