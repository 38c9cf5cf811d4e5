package hycast

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketProdInfo = []byte("prodinfo")
	bucketDataSegs = []byte("datasegs")
)

type boltSeg struct {
	ProdSize ProdSize `msgpack:"size"`
	Data     []byte   `msgpack:"data"`
}

// BoltRepo is a Repository persisted in a bbolt database, so products
// survive a restart. Product-information lives in one bucket keyed by
// index; data-segments in another keyed by index plus offset, which keeps
// a product's segments adjacent for cursor scans.
type BoltRepo struct {
	db *bolt.DB
}

// NewBoltRepo opens (creating if needed) the database at path.
func NewBoltRepo(path string) (*BoltRepo, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketProdInfo); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDataSegs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init repository %s: %w", path, err)
	}
	return &BoltRepo{db: db}, nil
}

func prodKey(index ProdIndex) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(index))
	return k
}

func segKey(id DataSegId) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint32(k[:4], uint32(id.Prod))
	binary.BigEndian.PutUint32(k[4:], id.Offset)
	return k
}

func (r *BoltRepo) HasProdInfo(index ProdIndex) bool {
	var ok bool
	r.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketProdInfo).Get(prodKey(index)) != nil
		return nil
	})
	return ok
}

func (r *BoltRepo) HasDataSeg(id DataSegId) bool {
	var ok bool
	r.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketDataSegs).Get(segKey(id)) != nil
		return nil
	})
	return ok
}

func (r *BoltRepo) GetProdInfo(index ProdIndex) (ProdInfo, bool) {
	var info ProdInfo
	var ok bool
	r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProdInfo).Get(prodKey(index))
		if v == nil {
			return nil
		}
		if err := msgpack.Unmarshal(v, &info); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return info, ok
}

func (r *BoltRepo) GetDataSeg(id DataSegId) (DataSeg, bool) {
	var seg DataSeg
	var ok bool
	r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDataSegs).Get(segKey(id))
		if v == nil {
			return nil
		}
		var bs boltSeg
		if err := msgpack.Unmarshal(v, &bs); err != nil {
			return err
		}
		seg = DataSeg{Id: id, ProdSize: bs.ProdSize, Data: bs.Data}
		ok = true
		return nil
	})
	return seg, ok
}

func (r *BoltRepo) StoreProdInfo(info ProdInfo) (bool, error) {
	isNew := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProdInfo)
		k := prodKey(info.Index)
		if b.Get(k) != nil {
			return nil
		}
		v, err := msgpack.Marshal(info)
		if err != nil {
			return err
		}
		isNew = true
		return b.Put(k, v)
	})
	return isNew, err
}

func (r *BoltRepo) StoreDataSeg(seg DataSeg) (bool, error) {
	if int(seg.Id.Offset)+len(seg.Data) > int(seg.ProdSize) {
		return false, fmt.Errorf("%w: segment %s overruns its %d-byte product",
			ErrInvalidArgument, seg.Id, seg.ProdSize)
	}
	isNew := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataSegs)
		k := segKey(seg.Id)
		if b.Get(k) != nil {
			return nil
		}
		v, err := msgpack.Marshal(boltSeg{ProdSize: seg.ProdSize, Data: seg.Data})
		if err != nil {
			return err
		}
		isNew = true
		return b.Put(k, v)
	})
	return isNew, err
}

func (r *BoltRepo) IsComplete(index ProdIndex) bool {
	_, _, ok := r.getProd(index, false)
	return ok
}

func (r *BoltRepo) GetProd(index ProdIndex) (ProdInfo, []byte, bool) {
	return r.getProd(index, true)
}

// getProd checks completion by scanning the product's segment keys, which
// are contiguous in the segment bucket, and optionally assembles the
// bytes.
func (r *BoltRepo) getProd(index ProdIndex, assemble bool) (ProdInfo, []byte, bool) {
	var info ProdInfo
	var data []byte
	ok := false
	r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProdInfo).Get(prodKey(index))
		if v == nil {
			return nil
		}
		if err := msgpack.Unmarshal(v, &info); err != nil {
			return err
		}
		if assemble {
			data = make([]byte, info.Size)
		}

		want := numSegs(info.Size)
		got := 0
		prefix := prodKey(index)
		c := tx.Bucket(bucketDataSegs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			// segments stored under a product size that disagrees with the
			// product-information don't count and must not touch the buffer
			offset := binary.BigEndian.Uint32(k[4:])
			if offset >= info.Size {
				continue
			}
			got++
			if assemble {
				var bs boltSeg
				if err := msgpack.Unmarshal(v, &bs); err != nil {
					return err
				}
				n := int(SegSizeAt(info.Size, offset))
				if len(bs.Data) > n {
					bs.Data = bs.Data[:n]
				}
				copy(data[offset:], bs.Data)
			}
		}
		ok = got == want
		return nil
	})
	if !ok {
		return ProdInfo{}, nil, false
	}
	return info, data, true
}

func (r *BoltRepo) Close() error {
	return r.db.Close()
}
