package hycast

import (
	"bytes"
	"testing"
	"time"
)

func TestSegSizeAt(t *testing.T) {
	canon := ProdSize(CanonSegSize)

	// a one-segment product
	if got := SegSizeAt(100, 0); got != 100 {
		t.Errorf("SegSizeAt(100, 0) = %d, want 100", got)
	}
	// exactly one canonical segment
	if got := SegSizeAt(canon, 0); got != CanonSegSize {
		t.Errorf("SegSizeAt(%d, 0) = %d, want %d", canon, got, CanonSegSize)
	}
	// interior segment of a large product
	if got := SegSizeAt(3*canon+100, canon); got != CanonSegSize {
		t.Errorf("interior segment = %d, want %d", got, CanonSegSize)
	}
	// short final segment
	if got := SegSizeAt(3*canon+100, 3*canon); got != 100 {
		t.Errorf("final segment = %d, want 100", got)
	}
}

func TestNumSegs(t *testing.T) {
	canon := ProdSize(CanonSegSize)
	cases := []struct {
		size ProdSize
		want int
	}{
		{0, 0},
		{1, 1},
		{canon, 1},
		{canon + 1, 2},
		{3*canon + 100, 4},
	}
	for _, c := range cases {
		if got := numSegs(c.size); got != c.want {
			t.Errorf("numSegs(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestNewDataSegTruncates(t *testing.T) {
	canon := ProdSize(CanonSegSize)
	data := make([]byte, 2*canon)
	seg := NewDataSeg(DataSegId{Prod: 1, Offset: 0}, 2*canon, data)
	if len(seg.Data) != int(CanonSegSize) {
		t.Errorf("segment payload = %d bytes, want %d", len(seg.Data), CanonSegSize)
	}
}

func TestProdInfoValidity(t *testing.T) {
	if (ProdInfo{Index: 0, Name: "x"}).IsValid() {
		t.Error("zero index should be invalid")
	}
	if (ProdInfo{Index: 1, Name: ""}).IsValid() {
		t.Error("empty name should be invalid")
	}
	if !NewProdInfo(1, "data/x", 10).IsValid() {
		t.Error("well-formed info should be valid")
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC)
	ts := TimestampFromTime(now)
	if !ts.Time().Equal(now) {
		t.Errorf("round trip changed the time: %s vs %s", ts.Time(), now)
	}
}

func TestNoteReq(t *testing.T) {
	var unset NoteReq
	if unset.IsSet() {
		t.Error("zero NoteReq should be unset")
	}

	pn := ProdNote(7)
	if !pn.IsSet() || !pn.IsProd() || pn.Prod() != 7 {
		t.Errorf("bad product note: %s", pn)
	}

	id := DataSegId{Prod: 7, Offset: 1448}
	sn := SegNote(id)
	if !sn.IsSet() || sn.IsProd() || sn.SegId() != id {
		t.Errorf("bad segment note: %s", sn)
	}

	// notes are comparable map keys; a product note and a segment note of
	// the same product must differ
	if pn == sn {
		t.Error("product note and segment note compare equal")
	}
	m := map[NoteReq]int{pn: 1, sn: 2}
	if m[ProdNote(7)] != 1 || m[SegNote(id)] != 2 {
		t.Error("notes don't work as map keys")
	}
}

func TestNewDataSegKeepsPrefix(t *testing.T) {
	data := []byte("hello, world")
	seg := NewDataSeg(DataSegId{Prod: 1, Offset: 0}, ProdSize(len(data)), data)
	if !bytes.Equal(seg.Data, data) {
		t.Errorf("segment data = %q, want %q", seg.Data, data)
	}
	if seg.SegSize() != SegSize(len(data)) {
		t.Errorf("SegSize = %d, want %d", seg.SegSize(), len(data))
	}
}
