package hycast

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire format: every PDU is one PduId byte followed by a payload whose
// layout is fixed per id. Multibyte integers are big-endian. Strings are
// length-prefixed (u16 length, UTF-8 bytes, no terminator). A data-segment
// carries no payload length field: the length derives from the product
// size and segment offset.

// pdu is a decoded protocol data unit. Exactly the field selected by id
// is meaningful.
type pdu struct {
	id      PduId
	pubPath bool
	prod    ProdIndex
	segId   DataSegId
	info    ProdInfo
	seg     DataSeg
}

// pduWriter encodes PDUs onto a byte stream. Not safe for concurrent use;
// each peer's send worker owns one.
type pduWriter struct {
	w   *bufio.Writer
	buf [8]byte
}

func newPduWriter(w io.Writer) *pduWriter {
	return &pduWriter{w: bufio.NewWriter(w)}
}

func (e *pduWriter) writeU8(v uint8) error {
	return e.w.WriteByte(v)
}

func (e *pduWriter) writeU16(v uint16) error {
	binary.BigEndian.PutUint16(e.buf[:2], v)
	_, err := e.w.Write(e.buf[:2])
	return err
}

func (e *pduWriter) writeU32(v uint32) error {
	binary.BigEndian.PutUint32(e.buf[:4], v)
	_, err := e.w.Write(e.buf[:4])
	return err
}

func (e *pduWriter) writeU64(v uint64) error {
	binary.BigEndian.PutUint64(e.buf[:8], v)
	_, err := e.w.Write(e.buf[:8])
	return err
}

func (e *pduWriter) writeString(s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(s))
	}
	if err := e.writeU16(uint16(len(s))); err != nil {
		return err
	}
	_, err := e.w.WriteString(s)
	return err
}

func (e *pduWriter) writePdu(p pdu) error {
	if err := e.writeU8(uint8(p.id)); err != nil {
		return err
	}
	switch p.id {
	case PduPubPathNotice:
		var b uint8
		if p.pubPath {
			b = 1
		}
		if err := e.writeU8(b); err != nil {
			return err
		}
	case PduProdInfoNotice, PduProdInfoRequest:
		if err := e.writeU32(uint32(p.prod)); err != nil {
			return err
		}
	case PduDataSegNotice, PduDataSegRequest:
		if err := e.writeU32(uint32(p.segId.Prod)); err != nil {
			return err
		}
		if err := e.writeU32(p.segId.Offset); err != nil {
			return err
		}
	case PduProdInfo:
		if err := e.writeProdInfo(p.info); err != nil {
			return err
		}
	case PduDataSeg:
		if err := e.writeDataSeg(p.seg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %d", ErrBadPduId, p.id)
	}
	return e.w.Flush()
}

func (e *pduWriter) writeProdInfo(info ProdInfo) error {
	if !info.IsValid() {
		return fmt.Errorf("%w: product-information %s", ErrInvalidArgument, info)
	}
	if err := e.writeU32(uint32(info.Index)); err != nil {
		return err
	}
	if err := e.writeString(info.Name); err != nil {
		return err
	}
	if err := e.writeU32(info.Size); err != nil {
		return err
	}
	if err := e.writeU64(info.Created.Sec); err != nil {
		return err
	}
	return e.writeU32(info.Created.Nsec)
}

func (e *pduWriter) writeDataSeg(seg DataSeg) error {
	if len(seg.Data) > int(CanonSegSize) {
		return fmt.Errorf("%w: %d bytes", ErrSegTooLarge, len(seg.Data))
	}
	if len(seg.Data) != int(seg.SegSize()) {
		return fmt.Errorf("%w: segment %s has %d payload bytes, wants %d",
			ErrInvalidArgument, seg.Id, len(seg.Data), seg.SegSize())
	}
	if err := e.writeU32(uint32(seg.Id.Prod)); err != nil {
		return err
	}
	if err := e.writeU32(seg.Id.Offset); err != nil {
		return err
	}
	if err := e.writeU32(seg.ProdSize); err != nil {
		return err
	}
	_, err := e.w.Write(seg.Data)
	return err
}

// pduReader decodes PDUs from a byte stream. Not safe for concurrent use;
// each peer's receive worker owns one.
type pduReader struct {
	r   *bufio.Reader
	buf [8]byte
}

func newPduReader(r io.Reader) *pduReader {
	return &pduReader{r: bufio.NewReader(r)}
}

func (d *pduReader) readU8() (uint8, error) {
	return d.r.ReadByte()
}

func (d *pduReader) readU16() (uint16, error) {
	if _, err := io.ReadFull(d.r, d.buf[:2]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(d.buf[:2]), nil
}

func (d *pduReader) readU32() (uint32, error) {
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(d.buf[:4]), nil
}

func (d *pduReader) readU64() (uint64, error) {
	if _, err := io.ReadFull(d.r, d.buf[:8]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(d.buf[:8]), nil
}

func (d *pduReader) readString() (string, error) {
	n, err := d.readU16()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// readPdu reads one framed PDU. An io.EOF on the leading id byte means the
// remote shut the stream down cleanly; any other short read surfaces as
// io.ErrUnexpectedEOF.
func (d *pduReader) readPdu() (pdu, error) {
	var p pdu

	id, err := d.readU8()
	if err != nil {
		return p, err
	}
	p.id = PduId(id)

	switch p.id {
	case PduPubPathNotice:
		b, err := d.readU8()
		if err != nil {
			return p, err
		}
		p.pubPath = b != 0
	case PduProdInfoNotice, PduProdInfoRequest:
		v, err := d.readU32()
		if err != nil {
			return p, err
		}
		p.prod = ProdIndex(v)
	case PduDataSegNotice, PduDataSegRequest:
		prod, err := d.readU32()
		if err != nil {
			return p, err
		}
		offset, err := d.readU32()
		if err != nil {
			return p, err
		}
		p.segId = DataSegId{Prod: ProdIndex(prod), Offset: offset}
	case PduProdInfo:
		p.info, err = d.readProdInfo()
		if err != nil {
			return p, err
		}
	case PduDataSeg:
		p.seg, err = d.readDataSeg()
		if err != nil {
			return p, err
		}
	default:
		return p, fmt.Errorf("%w: %d", ErrBadPduId, id)
	}
	return p, nil
}

func (d *pduReader) readProdInfo() (ProdInfo, error) {
	var info ProdInfo

	index, err := d.readU32()
	if err != nil {
		return info, err
	}
	name, err := d.readString()
	if err != nil {
		return info, err
	}
	size, err := d.readU32()
	if err != nil {
		return info, err
	}
	sec, err := d.readU64()
	if err != nil {
		return info, err
	}
	nsec, err := d.readU32()
	if err != nil {
		return info, err
	}

	info = ProdInfo{
		Index:   ProdIndex(index),
		Name:    name,
		Size:    size,
		Created: Timestamp{Sec: sec, Nsec: nsec},
	}
	if !info.IsValid() {
		return info, fmt.Errorf("%w: product-information %s", ErrInvalidArgument, info)
	}
	return info, nil
}

func (d *pduReader) readDataSeg() (DataSeg, error) {
	var seg DataSeg

	prod, err := d.readU32()
	if err != nil {
		return seg, err
	}
	offset, err := d.readU32()
	if err != nil {
		return seg, err
	}
	prodSize, err := d.readU32()
	if err != nil {
		return seg, err
	}
	if prod == 0 || offset >= prodSize {
		return seg, fmt.Errorf("%w: segment {prod=%d, offset=%d} of %d-byte product",
			ErrInvalidArgument, prod, offset, prodSize)
	}

	data := make([]byte, SegSizeAt(prodSize, offset))
	if _, err := io.ReadFull(d.r, data); err != nil {
		return seg, err
	}

	return DataSeg{
		Id:       DataSegId{Prod: ProdIndex(prod), Offset: offset},
		ProdSize: prodSize,
		Data:     data,
	}, nil
}
