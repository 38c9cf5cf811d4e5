package hycast

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DefaultPoolCooldown delays retrying an address whose peer terminated.
const DefaultPoolCooldown = 60 * time.Second

type poolEntry struct {
	addr      SockAddr
	notBefore time.Time
}

// ServerPool is a delay-queue of potential P2P-server addresses. Fresh
// addresses are available immediately; addresses recycled after a peer
// terminates become available again once a cooldown expires. Safe for
// concurrent use.
type ServerPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	entries  []poolEntry // insertion order
	members  map[SockAddr]struct{}
	cooldown time.Duration
	closed   bool
}

// NewServerPool returns an empty pool. A non-positive cooldown makes
// recycled addresses available immediately.
func NewServerPool(cooldown time.Duration) *ServerPool {
	sp := &ServerPool{
		members:  make(map[SockAddr]struct{}),
		cooldown: cooldown,
	}
	sp.cond = sync.NewCond(&sp.mu)
	return sp
}

// Add makes an address available immediately. Duplicates are ignored.
func (sp *ServerPool) Add(addr SockAddr) {
	sp.insert(addr, time.Time{})
}

// Consider re-admits the address of a terminated peer. It becomes
// available once the cooldown expires. Duplicates are ignored.
func (sp *ServerPool) Consider(addr SockAddr) {
	if sp.cooldown <= 0 {
		sp.insert(addr, time.Time{})
		return
	}
	sp.insert(addr, time.Now().Add(sp.cooldown))
	time.AfterFunc(sp.cooldown, func() {
		sp.mu.Lock()
		sp.cond.Broadcast()
		sp.mu.Unlock()
	})
}

func (sp *ServerPool) insert(addr SockAddr, notBefore time.Time) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return
	}
	if _, ok := sp.members[addr]; ok {
		return
	}
	sp.members[addr] = struct{}{}
	sp.entries = append(sp.entries, poolEntry{addr: addr, notBefore: notBefore})
	sp.cond.Broadcast()
}

// Pop blocks until an address is available and removes it, or until the
// pool is closed or cancel fires, in which case it returns ErrPoolClosed.
func (sp *ServerPool) Pop(cancel <-chan struct{}) (SockAddr, error) {
	stop := make(chan struct{})
	defer close(stop)
	if cancel != nil {
		go func() {
			select {
			case <-cancel:
				sp.mu.Lock()
				sp.cond.Broadcast()
				sp.mu.Unlock()
			case <-stop:
			}
		}()
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	for {
		if sp.closed {
			return SockAddr{}, ErrPoolClosed
		}
		if cancel != nil {
			select {
			case <-cancel:
				return SockAddr{}, ErrPoolClosed
			default:
			}
		}
		now := time.Now()
		for i, e := range sp.entries {
			if e.notBefore.After(now) {
				continue
			}
			sp.entries = append(sp.entries[:i], sp.entries[i+1:]...)
			delete(sp.members, e.addr)
			return e.addr, nil
		}
		sp.cond.Wait()
	}
}

// Size returns the number of addresses in the pool, ready or cooling.
func (sp *ServerPool) Size() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.entries)
}

// Close empties the pool and releases all blocked Pops.
func (sp *ServerPool) Close() {
	sp.mu.Lock()
	sp.closed = true
	sp.entries = nil
	sp.members = nil
	sp.cond.Broadcast()
	sp.mu.Unlock()
}

// Save writes the pooled addresses to path so a later session can resume
// with the same servers.
func (sp *ServerPool) Save(path string) error {
	sp.mu.Lock()
	addrs := make([]string, 0, len(sp.entries))
	for _, e := range sp.entries {
		addrs = append(addrs, e.addr.String())
	}
	sp.mu.Unlock()

	data, err := cbor.Marshal(addrs)
	if err != nil {
		return fmt.Errorf("encode server pool: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write server pool: %w", err)
	}
	return nil
}

// Load adds the addresses saved at path. A missing file is not an error.
func (sp *ServerPool) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read server pool: %w", err)
	}
	var addrs []string
	if err := cbor.Unmarshal(data, &addrs); err != nil {
		return fmt.Errorf("decode server pool: %w", err)
	}
	for _, s := range addrs {
		addr, err := ParseSockAddr(s)
		if err != nil {
			slog.Warn(fmt.Sprintf("[hycast] skipping bad pooled address %q: %s", s, err),
				"event", "hycast:pool:bad_addr")
			continue
		}
		sp.Add(addr)
	}
	return nil
}
