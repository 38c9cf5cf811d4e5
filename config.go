package hycast

import (
	"fmt"
	"time"
)

// Defaults for optional Config fields.
const (
	DefaultImprovementPeriod = 60 * time.Second
	DefaultKeepAlive         = 30 * time.Second
	DefaultMcastPort         = 38800
)

// Config carries the knobs shared by the publisher and subscriber
// managers. The zero value is not usable; fill in ListenAddr and MaxPeers
// at least. The constructors apply the remaining defaults.
type Config struct {
	// ListenAddr is the local address the P2P server listens on. A zero
	// port selects an ephemeral port; use LclAddr to discover it.
	ListenAddr SockAddr

	// MaxPeers caps the number of concurrent peers. Must be positive.
	MaxPeers uint16

	// ImprovementPeriod is how often the worst-performing peer is
	// replaced while the peer-set is saturated.
	ImprovementPeriod time.Duration

	// KeepAlive is the TCP keep-alive probe period for peer connections.
	// Zero leaves the OS default.
	KeepAlive time.Duration

	// McastGroup is the source-specific multicast group products are sent
	// on. Only used by nodes, not by the managers themselves.
	McastGroup SockAddr

	// McastSource is the publisher's address, for source-specific
	// multicast joins. Unset makes the join any-source.
	McastSource InAddr

	// McastIface names the network interface used for multicast. Empty
	// selects the system default.
	McastIface string
}

// normalize applies defaults and validates what remains.
func (c *Config) normalize() error {
	if c.MaxPeers == 0 {
		return fmt.Errorf("%w: zero peer limit", ErrInvalidArgument)
	}
	if c.ImprovementPeriod == 0 {
		c.ImprovementPeriod = DefaultImprovementPeriod
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ImprovementPeriod < 0 {
		return fmt.Errorf("%w: negative improvement period", ErrInvalidArgument)
	}
	if !c.ListenAddr.Addr.IsSet() {
		return fmt.Errorf("%w: no listen address", ErrInvalidArgument)
	}
	return nil
}
