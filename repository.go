package hycast

import (
	"fmt"
	"sync"
)

// Repository stores product-information and data-segments and tracks
// product completion. Implementations must be safe for concurrent use.
type Repository interface {
	PubRepo

	// HasProdInfo reports whether the product-information is held.
	HasProdInfo(index ProdIndex) bool

	// HasDataSeg reports whether the data-segment is held.
	HasDataSeg(id DataSegId) bool

	// StoreProdInfo stores product-information. A false return means it
	// was already held.
	StoreProdInfo(info ProdInfo) (bool, error)

	// StoreDataSeg stores a data-segment. A false return means it was
	// already held.
	StoreDataSeg(seg DataSeg) (bool, error)

	// IsComplete reports whether the product-information and every
	// data-segment of the product are held.
	IsComplete(index ProdIndex) bool

	// GetProd returns the assembled product if it is complete.
	GetProd(index ProdIndex) (ProdInfo, []byte, bool)

	Close() error
}

// numSegs returns how many data-segments a product of the given size has.
func numSegs(prodSize ProdSize) int {
	if prodSize == 0 {
		return 0
	}
	return int((prodSize + ProdSize(CanonSegSize) - 1) / ProdSize(CanonSegSize))
}

type memProd struct {
	info     ProdInfo
	haveInfo bool
	size     ProdSize
	data     []byte
	have     map[SegOffset]struct{}
}

func (mp *memProd) complete() bool {
	return mp.haveInfo && len(mp.have) == numSegs(mp.size)
}

// MemRepo is an in-memory Repository. A product's byte buffer is
// allocated on first sight of its size, whether that arrives as
// product-information or as a data-segment.
type MemRepo struct {
	mu    sync.RWMutex
	prods map[ProdIndex]*memProd
}

func NewMemRepo() *MemRepo {
	return &MemRepo{prods: make(map[ProdIndex]*memProd)}
}

// prod returns the product slot, creating it if needed. mu held.
func (r *MemRepo) prod(index ProdIndex, size ProdSize) *memProd {
	mp, ok := r.prods[index]
	if !ok {
		mp = &memProd{have: make(map[SegOffset]struct{})}
		r.prods[index] = mp
	}
	if mp.data == nil && size > 0 {
		mp.size = size
		mp.data = make([]byte, size)
	}
	return mp
}

func (r *MemRepo) HasProdInfo(index ProdIndex) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.prods[index]
	return ok && mp.haveInfo
}

func (r *MemRepo) HasDataSeg(id DataSegId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.prods[id.Prod]
	if !ok {
		return false
	}
	_, ok = mp.have[id.Offset]
	return ok
}

func (r *MemRepo) GetProdInfo(index ProdIndex) (ProdInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.prods[index]
	if !ok || !mp.haveInfo {
		return ProdInfo{}, false
	}
	return mp.info, true
}

func (r *MemRepo) GetDataSeg(id DataSegId) (DataSeg, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.prods[id.Prod]
	if !ok {
		return DataSeg{}, false
	}
	if _, ok := mp.have[id.Offset]; !ok {
		return DataSeg{}, false
	}
	n := SegSizeAt(mp.size, id.Offset)
	data := make([]byte, n)
	copy(data, mp.data[id.Offset:])
	return DataSeg{Id: id, ProdSize: mp.size, Data: data}, true
}

func (r *MemRepo) StoreProdInfo(info ProdInfo) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp := r.prod(info.Index, info.Size)
	if mp.haveInfo {
		return false, nil
	}
	mp.info = info
	mp.haveInfo = true
	return true, nil
}

func (r *MemRepo) StoreDataSeg(seg DataSeg) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp := r.prod(seg.Id.Prod, seg.ProdSize)
	if _, ok := mp.have[seg.Id.Offset]; ok {
		return false, nil
	}
	// a segment whose claimed product size disagrees with what the product
	// was allocated at must not touch the buffer
	if seg.ProdSize != mp.size || int(seg.Id.Offset)+len(seg.Data) > len(mp.data) {
		return false, fmt.Errorf("%w: segment %s claims a %d-byte product, have %d",
			ErrInvalidArgument, seg.Id, seg.ProdSize, mp.size)
	}
	copy(mp.data[seg.Id.Offset:], seg.Data)
	mp.have[seg.Id.Offset] = struct{}{}
	return true, nil
}

func (r *MemRepo) IsComplete(index ProdIndex) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.prods[index]
	return ok && mp.complete()
}

func (r *MemRepo) GetProd(index ProdIndex) (ProdInfo, []byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.prods[index]
	if !ok || !mp.complete() {
		return ProdInfo{}, nil, false
	}
	data := make([]byte, len(mp.data))
	copy(data, mp.data)
	return mp.info, data, true
}

func (r *MemRepo) Close() error {
	return nil
}
