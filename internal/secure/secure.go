// Package secure implements the $Secure dedup-by-hash security descriptor
// store: $SII (security_id -> descriptor), $SDH (hash -> security_id, for
// dedup lookups on insert) and the $SDS data stream holding the actual
// descriptor bytes. Two independent index.Tree instances back $SII and
// $SDH; both point at offsets into a single growing $SDS byte stream,
// modeled here as an in-memory slice (the volume layer is responsible for
// mapping that onto the real $SDS non-resident attribute).
package secure

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nfistri/gontfs/internal/index"
	"github.com/nfistri/gontfs/internal/ntfserr"
)

// Store is the $Secure security descriptor store.
type Store struct {
	sii  *index.Tree // key: security_id (uint64), data: offset+length into sds
	sdh  *index.Tree // key: hash(uint32)+security_id(uint32), data: offset+length
	sds  []byte
	next uint32
}

// New returns an empty store backed by the given index Stores (callers
// supply distinct Store implementations so $SII and $SDH can each persist
// to their own $INDEX_ALLOCATION attribute).
func New(siiStore, sdhStore index.Store) *Store {
	return &Store{
		sii: index.New(index.CollateUint64, siiStore, 64),
		sdh: index.New(index.CollateSDH, sdhStore, 64),
		next: 256, // reference volumes start allocating ids above the well-known range
	}
}

func hashDescriptor(desc []byte) uint32 { return crc32.ChecksumIEEE(desc) }

// packSlot packs the 20-byte index data stored for both $SII and $SDH
// entries: hash, security_id, offset into $SDS and length.
func packSlot(offset int64, length int32, secID uint32, hash uint32) []byte {
	b := make([]byte, 20)
	binary.LittleEndian.PutUint32(b[0:], hash)
	binary.LittleEndian.PutUint32(b[4:], secID)
	binary.LittleEndian.PutUint64(b[8:], uint64(offset))
	binary.LittleEndian.PutUint32(b[16:], uint32(length))
	return b
}

func unpackSlot(b []byte) (offset int64, length int32, secID uint32, hash uint32) {
	hash = binary.LittleEndian.Uint32(b[0:])
	secID = binary.LittleEndian.Uint32(b[4:])
	offset = int64(binary.LittleEndian.Uint64(b[8:]))
	length = int32(binary.LittleEndian.Uint32(b[16:]))
	return
}

func sdhKey(hash, secID uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], hash)
	binary.LittleEndian.PutUint32(b[4:], secID)
	return b
}

func siiKey(secID uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(secID))
	return b
}

// Insert stores desc, returning its security_id. If an identical descriptor
// is already present (same hash and byte-for-byte content), its existing
// security_id is returned instead of creating a duplicate $SDS entry.
func (s *Store) Insert(desc []byte) (uint32, error) {
	hash := hashDescriptor(desc)

	var found uint32
	var hit bool
	err := s.findByHash(hash, func(secID uint32, offset int64, length int32) bool {
		if length == int32(len(desc)) && equalBytes(s.sds[offset:offset+int64(length)], desc) {
			found, hit = secID, true
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if hit {
		return found, nil
	}

	secID := s.next
	s.next++
	offset := int64(len(s.sds))
	s.sds = append(s.sds, desc...)

	slot := packSlot(offset, int32(len(desc)), secID, hash)
	if err := s.sii.InsertEntry(index.Entry{Key: siiKey(secID), Data: slot}); err != nil {
		return 0, err
	}
	if err := s.sdh.InsertEntry(index.Entry{Key: sdhKey(hash, secID), Data: slot}); err != nil {
		return 0, err
	}
	return secID, nil
}

// equalBytes avoids importing bytes for a single equality check used only
// here.
func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) findByHash(hash uint32, fn func(secID uint32, offset int64, length int32) bool) error {
	// $SDH keys are (hash, security_id). The index has no range-find
	// primitive here, so this enumerates every $SDH entry and skips those
	// whose hash differs; real drivers instead descend straight to the
	// (hash,0) insertion point.
	return s.sdh.Enumerate(func(e index.Entry) bool {
		_, _, secID, h := unpackSlot(e.Data)
		if h != hash {
			return true
		}
		off, length, _, _ := unpackSlot(e.Data)
		return fn(secID, off, length)
	})
}

// Get returns the descriptor bytes for secID.
func (s *Store) Get(secID uint32) ([]byte, error) {
	e, ok, err := s.sii.Find(siiKey(secID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ntfserr.New(ntfserr.NotFound, "secure.Get", nil)
	}
	offset, length, _, _ := unpackSlot(e.Data)
	return s.sds[offset : offset+int64(length)], nil
}
