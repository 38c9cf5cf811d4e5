package hycast

import (
	"errors"
	"net"
	"testing"
	"time"
)

func testConfig(maxPeers uint16) Config {
	addr, _ := ParseSockAddr("127.0.0.1:0")
	return Config{
		ListenAddr:        addr,
		MaxPeers:          maxPeers,
		ImprovementPeriod: time.Hour, // keep the improver out of the way
	}
}

// waitUntil polls cond until it holds or the test fails.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stubSubNode wants everything and holds nothing.
type stubSubNode struct{}

func (stubSubNode) ShouldRequest(NoteReq) bool             { return true }
func (stubSubNode) RecvProdInfo(ProdInfo) bool             { return true }
func (stubSubNode) RecvDataSeg(DataSeg) bool               { return true }
func (stubSubNode) GetProdInfo(ProdIndex) (ProdInfo, bool) { return ProdInfo{}, false }
func (stubSubNode) GetDataSeg(DataSegId) (DataSeg, bool)   { return DataSeg{}, false }

// rawHandshake plays the remote side of the path-status exchange on a
// bare connection and returns the reader for subsequent PDUs.
func rawHandshake(conn net.Conn, hasPath bool) (*pduReader, error) {
	if err := newPduWriter(conn).writePdu(pdu{id: PduPubPathNotice, pubPath: hasPath}); err != nil {
		return nil, err
	}
	r := newPduReader(conn)
	if _, err := r.readPdu(); err != nil {
		return nil, err
	}
	return r, nil
}

// mgrPeer gives the manager an admitted peer whose remote end is a bare
// connection the test controls.
func mgrPeer(t *testing.T, m *SubP2pMgr, rmtHasPath bool) (*Peer, net.Conn, *pduReader) {
	t.Helper()
	lcl, rmt := tcpPair(t)
	p := NewPeer(lcl, SockAddrFromNetAddr(lcl.RemoteAddr()), m)

	type hsRes struct {
		r   *pduReader
		err error
	}
	ch := make(chan hsRes, 1)
	go func() {
		r, err := rawHandshake(rmt, rmtHasPath)
		ch <- hsRes{r, err}
	}()
	if err := p.Handshake(m.lclHasPath(), 5*time.Second); err != nil {
		t.Fatalf("handshake: %s", err)
	}
	res := <-ch
	if res.err != nil {
		t.Fatalf("remote handshake: %s", res.err)
	}
	if !m.tryAdd(p) {
		t.Fatal("peer not admitted")
	}
	return p, rmt, res.r
}

func TestManagerRunSemantics(t *testing.T) {
	m, err := NewPubP2pMgr(testConfig(2), NewMemRepo())
	if err != nil {
		t.Fatalf("new: %s", err)
	}
	done := make(chan error, 1)
	go func() { done <- m.Run() }()

	waitUntil(t, "manager running", func() bool { return m.running.Load() })
	if err := m.Run(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	m.Halt()
	m.Halt() // idempotent
	if err := recvOr(t, done, "Run return"); err != nil {
		t.Errorf("Run = %v, want nil after Halt", err)
	}
}

func TestManagerHaltBeforeRun(t *testing.T) {
	m, err := NewPubP2pMgr(testConfig(2), NewMemRepo())
	if err != nil {
		t.Fatalf("new: %s", err)
	}
	m.Halt()
	if err := m.Run(); err != nil {
		t.Errorf("Run after Halt = %v, want nil", err)
	}
}

func TestManagerRejectsBadConfig(t *testing.T) {
	if _, err := NewPubP2pMgr(Config{}, NewMemRepo()); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty config = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewPubP2pMgr(testConfig(2), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil repo = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewSubP2pMgr(testConfig(2), nil, stubSubNode{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil pool = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewPubP2pMgr(testConfig(0), NewMemRepo()); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero peer limit = %v, want ErrInvalidArgument", err)
	}
}

func TestImproverReplacesSolePeer(t *testing.T) {
	cfg := testConfig(1)
	cfg.ImprovementPeriod = 200 * time.Millisecond
	m, err := NewPubP2pMgr(cfg, NewMemRepo())
	if err != nil {
		t.Fatalf("new: %s", err)
	}
	go m.Run()
	t.Cleanup(m.Halt)

	dial := func() (net.Conn, *pduReader) {
		t.Helper()
		conn, err := net.Dial("tcp", m.LclAddr().String())
		if err != nil {
			t.Fatalf("dial: %s", err)
		}
		t.Cleanup(func() { conn.Close() })
		r, err := rawHandshake(conn, false)
		if err != nil {
			t.Fatalf("handshake: %s", err)
		}
		return conn, r
	}

	// admissions latches, so the count can't be missed between improvement
	// cycles
	admissions := func() uint64 {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.bk.nextSeq
	}

	conn1, rd1 := dial()
	waitUntil(t, "first subscriber admitted", func() bool { return admissions() == 1 })

	// the sole peer is by definition the worst; within an improvement
	// period it is halted and its connection dies
	conn1.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := rd1.readPdu(); err == nil {
		t.Fatal("replaced peer's connection is still being served")
	}
	waitUntil(t, "slot freed", func() bool { return m.Size() == 0 })

	// the freed slot admits a fresh subscriber
	dial()
	waitUntil(t, "second subscriber admitted", func() bool { return admissions() == 2 })
}

func TestSubMgrReassignsOnPeerDeath(t *testing.T) {
	m, err := NewSubP2pMgr(testConfig(4), NewServerPool(0), stubSubNode{})
	if err != nil {
		t.Fatalf("new: %s", err)
	}
	defer m.lsn.Close()
	defer m.peerSet.Halt()

	p1, rmt1, _ := mgrPeer(t, m, false)
	p2, rmt2, rd2 := mgrPeer(t, m, false)

	// p1 is told to request; p2 becomes the alternate source
	if !m.RecvProdNotice(7, p1) {
		t.Fatal("first announcer should be told to request")
	}
	if m.RecvSegNotice(DataSegId{Prod: 7, Offset: 0}, p1) != true {
		t.Fatal("segment notice from p1 should request too")
	}
	if m.RecvProdNotice(7, p2) {
		t.Fatal("second announcer should become an alternate")
	}
	if m.RecvSegNotice(DataSegId{Prod: 7, Offset: 0}, p2) {
		t.Fatal("second announcer should become an alternate")
	}

	// kill p1; its outstanding requests must be re-dispatched to p2
	rmt1.Close()

	rmt2.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []pdu
	for i := 0; i < 2; i++ {
		pd, err := rd2.readPdu()
		if err != nil {
			t.Fatalf("reading reassigned request %d: %s", i, err)
		}
		got = append(got, pd)
	}
	if got[0].id != PduProdInfoRequest || got[0].prod != 7 {
		t.Errorf("first reassigned request = %+v", got[0])
	}
	if got[1].id != PduDataSegRequest || got[1].segId.Prod != 7 {
		t.Errorf("second reassigned request = %+v", got[1])
	}
}

func TestSubMgrPathBalanceAdmission(t *testing.T) {
	m, err := NewSubP2pMgr(testConfig(2), NewServerPool(0), stubSubNode{})
	if err != nil {
		t.Fatalf("new: %s", err)
	}
	defer m.lsn.Close()
	defer m.peerSet.Halt()

	p1, _, _ := mgrPeer(t, m, false)
	mgrPeer(t, m, false)

	// a path-peer displaces the worst no-path peer of a saturated set
	lcl3, rmt3 := tcpPair(t)
	p3 := NewPeer(lcl3, SockAddrFromNetAddr(lcl3.RemoteAddr()), m)
	go rawHandshake(rmt3, true)
	if err := p3.Handshake(m.lclHasPath(), 5*time.Second); err != nil {
		t.Fatalf("handshake: %s", err)
	}
	if !m.tryAdd(p3) {
		t.Fatal("under-represented path-peer should be admitted")
	}

	// the eviction is synchronous: the peer count never exceeds its bound
	m.mu.Lock()
	evicted := !m.bk.contains(p1)
	n := m.peerSet.Size()
	m.mu.Unlock()
	if !evicted {
		t.Error("worst no-path peer still tracked after the rebalance")
	}
	if n != 2 {
		t.Errorf("peer count = %d immediately after the rebalance, want 2", n)
	}
	if m.peerSet.Get(p3.RmtAddr()) != p3 {
		t.Error("admitted path-peer missing from the peer-set")
	}

	// with the groups balanced, another no-path peer is rejected
	lcl4, rmt4 := tcpPair(t)
	p4 := NewPeer(lcl4, SockAddrFromNetAddr(lcl4.RemoteAddr()), m)
	go rawHandshake(rmt4, false)
	if err := p4.Handshake(m.lclHasPath(), 5*time.Second); err != nil {
		t.Fatalf("handshake: %s", err)
	}
	if m.tryAdd(p4) {
		t.Error("balanced set should reject another no-path peer")
	}
}

func TestSubMgrPathStatusTracking(t *testing.T) {
	m, err := NewSubP2pMgr(testConfig(4), NewServerPool(0), stubSubNode{})
	if err != nil {
		t.Fatalf("new: %s", err)
	}
	defer m.lsn.Close()
	defer m.peerSet.Halt()

	if m.HasPathToPub() {
		t.Error("fresh subscriber should have no path")
	}

	_, rmt, _ := mgrPeer(t, m, true)
	if !m.HasPathToPub() {
		t.Error("admitting a path-peer should give a path")
	}

	// losing the only path-peer loses the path
	rmt.Close()
	waitUntil(t, "path loss", func() bool { return !m.HasPathToPub() })
}
