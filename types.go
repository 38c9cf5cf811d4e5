// Package hycast implements the peer-to-peer core of a one-to-many content
// distribution system. A publisher multicasts immutable data-products to
// subscribers; subscribers form an overlay mesh of TCP peers that repair
// multicast losses by exchanging notices, requests and data.
package hycast

import (
	"fmt"
	"time"
)

// ProdIndex identifies a data-product. Unique per publisher. The zero value
// means "unset" and is invalid as input.
type ProdIndex uint32

// ProdSize is the size of a product in bytes.
type ProdSize = uint32

// SegSize is the size of a data-segment in bytes.
type SegSize = uint16

// SegOffset is the byte offset of a data-segment within its product.
type SegOffset = uint32

// CanonSegSize is the canonical data-segment size: an Ethernet payload
// minus the IP header, the TCP header and the segment's three header
// fields.
const CanonSegSize SegSize = 1500 - 20 - 20 - 4 - 4 - 4

// SegSizeAt returns the size of the data-segment at the given offset of a
// product. Every segment is CanonSegSize bytes except possibly the last.
func SegSizeAt(prodSize ProdSize, offset SegOffset) SegSize {
	nbytes := prodSize - offset
	if nbytes > ProdSize(CanonSegSize) {
		return CanonSegSize
	}
	return SegSize(nbytes)
}

// DataSegId identifies a data-segment: the product it belongs to and its
// byte offset within that product.
type DataSegId struct {
	Prod   ProdIndex
	Offset SegOffset
}

func (id DataSegId) String() string {
	return fmt.Sprintf("{prod=%d, offset=%d}", id.Prod, id.Offset)
}

// Timestamp is a product creation time: seconds and nanoseconds since the
// Unix epoch.
type Timestamp struct {
	Sec  uint64
	Nsec uint32
}

// TimestampFromTime converts a time.Time into a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Sec: uint64(t.Unix()), Nsec: uint32(t.Nanosecond())}
}

// Time converts the timestamp back into a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts.Sec), int64(ts.Nsec)).UTC()
}

func (ts Timestamp) String() string {
	return ts.Time().Format("2006-01-02T15:04:05.000000Z")
}

// ProdInfo describes a data-product: its index, name, size and creation
// time. Immutable once constructed.
type ProdInfo struct {
	Index   ProdIndex
	Name    string
	Size    ProdSize
	Created Timestamp
}

// NewProdInfo returns product information stamped with the current time.
func NewProdInfo(index ProdIndex, name string, size ProdSize) ProdInfo {
	return ProdInfo{
		Index:   index,
		Name:    name,
		Size:    size,
		Created: TimestampFromTime(time.Now()),
	}
}

// IsValid reports whether the product information can be used as input:
// a set index and a non-empty name.
func (pi ProdInfo) IsValid() bool {
	return pi.Index != 0 && pi.Name != ""
}

func (pi ProdInfo) String() string {
	return fmt.Sprintf("{index=%d, name=%q, size=%d, created=%s}",
		pi.Index, pi.Name, pi.Size, pi.Created)
}

// DataSeg is a data-segment: an identified slice of a product's bytes. The
// product size travels with the segment so a receiver can allocate the
// product before its ProdInfo arrives.
type DataSeg struct {
	Id       DataSegId
	ProdSize ProdSize
	Data     []byte
}

// NewDataSeg builds a data-segment, truncating data to the segment size
// implied by the product size and offset.
func NewDataSeg(id DataSegId, prodSize ProdSize, data []byte) DataSeg {
	n := int(SegSizeAt(prodSize, id.Offset))
	if n > len(data) {
		n = len(data)
	}
	return DataSeg{Id: id, ProdSize: prodSize, Data: data[:n:n]}
}

// SegSize returns the number of payload bytes of this segment.
func (ds DataSeg) SegSize() SegSize {
	return SegSizeAt(ds.ProdSize, ds.Id.Offset)
}

func (ds DataSeg) String() string {
	return fmt.Sprintf("{id=%s, prodSize=%d, segSize=%d}",
		ds.Id, ds.ProdSize, len(ds.Data))
}

type noteReqKind uint8

const (
	noteReqUnset noteReqKind = iota
	noteReqProd
	noteReqSeg
)

// NoteReq is either a product index or a data-segment id, so notices and
// requests can share queue slots and map keys.
type NoteReq struct {
	kind   noteReqKind
	prod   ProdIndex
	offset SegOffset
}

// ProdNote returns a NoteReq wrapping a product index.
func ProdNote(index ProdIndex) NoteReq {
	return NoteReq{kind: noteReqProd, prod: index}
}

// SegNote returns a NoteReq wrapping a data-segment id.
func SegNote(id DataSegId) NoteReq {
	return NoteReq{kind: noteReqSeg, prod: id.Prod, offset: id.Offset}
}

// IsSet reports whether the NoteReq wraps anything.
func (nr NoteReq) IsSet() bool {
	return nr.kind != noteReqUnset
}

// IsProd reports whether the NoteReq wraps a product index.
func (nr NoteReq) IsProd() bool {
	return nr.kind == noteReqProd
}

// Prod returns the wrapped product index. Valid for both kinds; for a
// segment it is the segment's product.
func (nr NoteReq) Prod() ProdIndex {
	return nr.prod
}

// SegId returns the wrapped data-segment id. Only meaningful when IsProd
// is false.
func (nr NoteReq) SegId() DataSegId {
	return DataSegId{Prod: nr.prod, Offset: nr.offset}
}

func (nr NoteReq) String() string {
	switch nr.kind {
	case noteReqProd:
		return fmt.Sprintf("{prod=%d}", nr.prod)
	case noteReqSeg:
		return nr.SegId().String()
	}
	return "{unset}"
}
