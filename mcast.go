package hycast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
)

const mcastTTL = 32

// maxDatagram holds any PDU the codec can emit: a data-segment PDU is at
// most 1 + 12 + CanonSegSize bytes.
const maxDatagram = 2048

func udpGroupAddr(group SockAddr) (*net.UDPAddr, error) {
	ip := net.ParseIP(group.Addr.String())
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not a multicast group", ErrInvalidArgument, group)
	}
	return &net.UDPAddr{IP: ip, Port: int(group.Port)}, nil
}

func mcastIface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("multicast interface %q: %w", name, err)
	}
	return iface, nil
}

// McastSndr multicasts product-information and data-segment PDUs to a
// group, one PDU per datagram. Safe for concurrent use.
type McastSndr struct {
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewMcastSndr returns a sender for the group, transmitting via the named
// interface, or the system default if ifaceName is empty.
func NewMcastSndr(group SockAddr, ifaceName string) (*McastSndr, error) {
	gaddr, err := udpGroupAddr(group)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open multicast sender: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if iface, err := mcastIface(ifaceName); err != nil {
		conn.Close()
		return nil, err
	} else if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	pconn.SetMulticastTTL(mcastTTL)
	return &McastSndr{conn: conn, pconn: pconn, group: gaddr}, nil
}

func (s *McastSndr) send(pd pdu) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	if err := newPduWriter(&s.buf).writePdu(pd); err != nil {
		return err
	}
	if _, err := s.pconn.WriteTo(s.buf.Bytes(), nil, s.group); err != nil {
		return fmt.Errorf("multicast to %s: %w", s.group, err)
	}
	return nil
}

// SendProdInfo multicasts product-information.
func (s *McastSndr) SendProdInfo(info ProdInfo) error {
	return s.send(pdu{id: PduProdInfo, info: info})
}

// SendDataSeg multicasts a data-segment.
func (s *McastSndr) SendDataSeg(seg DataSeg) error {
	return s.send(pdu{id: PduDataSeg, seg: seg})
}

func (s *McastSndr) Close() error {
	return s.conn.Close()
}

// McastNode receives multicast items. A false return means the item was
// already held.
type McastNode interface {
	RecvProdInfo(info ProdInfo) bool
	RecvDataSeg(seg DataSeg) bool
}

// McastRcvr receives product PDUs from a multicast group and hands them
// to a McastNode. Datagrams that don't decode are dropped; multicast is
// lossy anyway and the P2P mesh repairs the gaps.
type McastRcvr struct {
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	node  McastNode
}

// NewMcastRcvr joins the group on the named interface (empty selects the
// system default). A set source address makes the join source-specific,
// accepting datagrams only from the publisher.
func NewMcastRcvr(group SockAddr, source InAddr, ifaceName string, node McastNode) (*McastRcvr, error) {
	gaddr, err := udpGroupAddr(group)
	if err != nil {
		return nil, err
	}
	iface, err := mcastIface(ifaceName)
	if err != nil {
		return nil, err
	}

	// SO_REUSEADDR lets multiple subscribers on one host share the group
	// port
	lc := &net.ListenConfig{Control: func(network, address string, conn syscall.RawConn) error {
		return conn.Control(func(fd uintptr) {
			syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		})
	}}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("open multicast receiver: %w", err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if source.IsSet() {
		src := net.ParseIP(source.String())
		if src == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: bad multicast source %s", ErrInvalidArgument, source)
		}
		err = pconn.JoinSourceSpecificGroup(iface, gaddr, &net.UDPAddr{IP: src})
	} else {
		err = pconn.JoinGroup(iface, gaddr)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("join multicast group %s: %w", gaddr, err)
	}

	return &McastRcvr{conn: conn, pconn: pconn, node: node}, nil
}

// Run reads datagrams until Halt is called. Returns nil on a clean halt.
func (r *McastRcvr) Run() error {
	buf := make([]byte, maxDatagram)
	for {
		n, _, src, err := r.pconn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("multicast read: %w", err)
		}

		pd, err := newPduReader(bytes.NewReader(buf[:n])).readPdu()
		if err != nil {
			slog.Debug(fmt.Sprintf("[hycast] dropping bad datagram from %s: %s", src, err),
				"event", "hycast:mcast:bad_datagram")
			continue
		}
		switch pd.id {
		case PduProdInfo:
			r.node.RecvProdInfo(pd.info)
		case PduDataSeg:
			r.node.RecvDataSeg(pd.seg)
		default:
			slog.Debug(fmt.Sprintf("[hycast] ignoring multicast %s from %s", pd.id, src),
				"event", "hycast:mcast:unexpected")
		}
	}
}

// Halt stops Run.
func (r *McastRcvr) Halt() {
	r.conn.Close()
}
