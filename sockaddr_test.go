package hycast

import (
	"testing"
)

func TestParseSockAddr(t *testing.T) {
	sa, err := ParseSockAddr("192.168.1.10:38800")
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if sa.Port != 38800 || sa.String() != "192.168.1.10:38800" {
		t.Errorf("got %s", sa)
	}

	sa, err = ParseSockAddr("[2001:db8::1]:80")
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if sa.String() != "[2001:db8::1]:80" {
		t.Errorf("got %s", sa)
	}

	sa, err = ParseSockAddr("pub.example.org:38800")
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if sa.Addr.String() != "pub.example.org" {
		t.Errorf("got %s", sa)
	}

	if _, err = ParseSockAddr("no-port-here"); err == nil {
		t.Error("expected an error for a missing port")
	}
	if _, err = ParseSockAddr("host:99999"); err == nil {
		t.Error("expected an error for an out-of-range port")
	}
}

func TestInAddrOrdering(t *testing.T) {
	v4 := ParseInAddr("10.0.0.1")
	v6 := ParseInAddr("2001:db8::1")
	name := ParseInAddr("a.example.org")

	// IPv4 sorts before IPv6 sorts before hostnames
	if v4.Compare(v6) >= 0 {
		t.Error("v4 should sort before v6")
	}
	if v6.Compare(name) >= 0 {
		t.Error("v6 should sort before names")
	}
	if name.Compare(v4) <= 0 {
		t.Error("names should sort after v4")
	}

	if v4.Compare(ParseInAddr("10.0.0.1")) != 0 {
		t.Error("equal addresses should compare equal")
	}
	if ParseInAddr("10.0.0.1").Compare(ParseInAddr("10.0.0.2")) >= 0 {
		t.Error("lower address should sort first")
	}
}

func TestSockAddrOrdering(t *testing.T) {
	lo := SockAddr{Addr: ParseInAddr("10.0.0.1"), Port: 80}
	hi := SockAddr{Addr: ParseInAddr("10.0.0.1"), Port: 81}
	if lo.Compare(hi) >= 0 || hi.Compare(lo) <= 0 {
		t.Error("ties on address should break on port")
	}
	if lo.Compare(lo) != 0 {
		t.Error("equal socket addresses should compare equal")
	}
}

func TestInAddrIsSet(t *testing.T) {
	var zero InAddr
	if zero.IsSet() {
		t.Error("zero InAddr should be unset")
	}
	if !ParseInAddr("10.0.0.1").IsSet() || !ParseInAddr("example.org").IsSet() {
		t.Error("parsed addresses should be set")
	}
}

func TestSockAddrAsMapKey(t *testing.T) {
	a, _ := ParseSockAddr("10.0.0.1:38800")
	b, _ := ParseSockAddr("10.0.0.1:38800")
	m := map[SockAddr]int{a: 1}
	if m[b] != 1 {
		t.Error("equal socket addresses should hit the same map slot")
	}
}
