package hycast

import (
	"errors"
	"testing"
)

func TestUdpGroupAddr(t *testing.T) {
	group, _ := ParseSockAddr("239.128.4.1:38800")
	ua, err := udpGroupAddr(group)
	if err != nil {
		t.Fatalf("valid group rejected: %s", err)
	}
	if ua.Port != 38800 || !ua.IP.IsMulticast() {
		t.Errorf("got %s", ua)
	}

	unicast, _ := ParseSockAddr("10.0.0.1:38800")
	if _, err := udpGroupAddr(unicast); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unicast address = %v, want ErrInvalidArgument", err)
	}

	name, _ := ParseSockAddr("group.example.org:38800")
	if _, err := udpGroupAddr(name); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("hostname group = %v, want ErrInvalidArgument", err)
	}
}

func TestMcastSndrRejectsBadGroup(t *testing.T) {
	unicast, _ := ParseSockAddr("10.0.0.1:38800")
	if _, err := NewMcastSndr(unicast, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}

func TestMcastSndrOpenClose(t *testing.T) {
	group, _ := ParseSockAddr("239.128.4.1:38800")
	s, err := NewMcastSndr(group, "")
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("close: %s", err)
	}
}

func TestMcastRcvrRejectsBadIface(t *testing.T) {
	group, _ := ParseSockAddr("239.128.4.1:38800")
	_, err := NewMcastRcvr(group, InAddr{}, "no-such-iface0", stubSubNode{})
	if err == nil {
		t.Error("expected an error for an unknown interface")
	}
}
