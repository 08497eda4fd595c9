// Package alloc implements the space allocator: cluster allocation backed by
// the volume's cluster bitmap, and MFT-record allocation backed by the MFT
// bitmap, including the small reserved pool that lets internal bookkeeping
// (attribute-list expansion, MFT extension) allocate a record without
// recursing back into a possibly-exhausted general pool.
package alloc

import (
	"sync"

	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/wnd"
)

// Clusters is the cluster space allocator. Lock ordering: callers that also
// hold the MFT allocator's lock must acquire Clusters first (cluster bitmap
// before MFT bitmap, per the documented lock order).
type Clusters struct {
	mu      sync.Mutex
	bm      *wnd.Bitmap
	nextLCN int64

	discardGranularity int64
	// Discard, if set, is invoked by MarkAsFreeEx(trim=true) to issue a
	// TRIM/discard for the freed range. A nil Discard makes trim a no-op,
	// matching volumes mounted without "discard".
	Discard func(lcn, length int64) error
}

// NewClusters returns a cluster allocator over bm.
func NewClusters(bm *wnd.Bitmap, discardGranularity int64) *Clusters {
	return &Clusters{bm: bm, discardGranularity: discardGranularity}
}

// LookForFreeSpace allocates up to wantLen contiguous clusters, starting the
// search at hintLCN (or the allocator's running next_free_lcn when hintLCN
// is negative). The next hint is updated to the end of what was allocated.
func (c *Clusters) LookForFreeSpace(hintLCN, wantLen int64, opt wnd.AllocOpt) (lcn, gotLen int64, err error) {
	c.mu.Lock()
	hint := hintLCN
	if hint < 0 {
		hint = c.nextLCN
	}
	c.mu.Unlock()

	lcn, gotLen, err = c.bm.Find(wantLen, hint, wnd.FindMarkUsed, opt)
	if err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	c.nextLCN = lcn + gotLen
	c.mu.Unlock()
	return lcn, gotLen, nil
}

// MarkAsFreeEx clears [lcn, lcn+length) in the cluster bitmap and, if trim is
// requested and a Discard hook is configured, issues a discard aligned to
// discardGranularity.
func (c *Clusters) MarkAsFreeEx(lcn, length int64, trim bool) error {
	if err := c.bm.SetFree(lcn, length); err != nil {
		return err
	}
	if trim && c.Discard != nil && c.discardGranularity > 0 {
		start := alignUp(lcn, c.discardGranularity)
		end := alignDown(lcn+length, c.discardGranularity)
		if end > start {
			return c.Discard(start, end-start)
		}
	}
	return nil
}

func alignUp(v, gran int64) int64   { return (v + gran - 1) / gran * gran }
func alignDown(v, gran int64) int64 { return v / gran * gran }

// RefreshZone recomputes the MFT zone as a run of zoneLen clusters starting
// at zoneStart, called after $MFT::$DATA grows so the zone tracks the
// current high-water mark.
func (c *Clusters) RefreshZone(zoneStart, zoneLen int64) {
	c.bm.ZoneSet(zoneStart, zoneLen)
}

// reservedPoolBits is the size of the small pool of MFT record numbers
// reserved for recursive internal allocation.
const reservedPoolBits = 8

// MFT is the MFT-record allocator.
type MFT struct {
	mu       sync.Mutex
	bm       *wnd.Bitmap
	reserved *wnd.Bitmap
	nextRno  int64

	// GrowMFT is called when the bitmap has no free record; it must extend
	// $MFT::$DATA by at least one record-sized cluster chunk and return the
	// new total record count, which LookFreeMFT then passes to the bitmap's
	// Extend to register the new capacity.
	// A nil GrowMFT means the allocator can never grow, only use what's
	// already free or reserved.
	GrowMFT func() (newTotalRecords int64, err error)

	// ClearTail zeroes backing clusters beyond the previous high-water mark
	// so a freshly allocated record never contains stale data.
	ClearTail func(prevHighWater, newHighWater int64) error

	highWater int64
}

// NewMFT returns an MFT-record allocator over bm, with its own
// reservedPoolBits-bit reserved pool (kept free until a privileged caller
// needs it).
func NewMFT(bm *wnd.Bitmap) *MFT {
	return &MFT{
		bm:       bm,
		reserved: wnd.Init(reservedPoolBits, reservedPoolBits, &memBits{buf: make([]byte, 1)}),
	}
}

// memBits is a trivial single-window Backing used for the in-memory
// reserved pool, which never needs to survive a remount: lost reservations
// just mean the pool starts full again.
type memBits struct{ buf []byte }

func (m *memBits) ReadWindow(_ int, buf []byte) error  { copy(buf, m.buf); return nil }
func (m *memBits) WriteWindow(_ int, buf []byte) error { copy(m.buf, buf); return nil }

// LookFreeMFT allocates a free MFT record number. privileged allows falling
// back to the reserved pool once the general bitmap and a growth attempt
// both fail to produce a slot; this bounds the recursion depth of internal
// operations (attribute-list expansion, MFT self-extension) that must not
// wait on a general allocation they might themselves be blocking.
func (m *MFT) LookFreeMFT(privileged bool) (rno int64, err error) {
	m.mu.Lock()
	hint := m.nextRno
	m.mu.Unlock()

	rno, _, err = m.bm.Find(1, hint, wnd.FindMarkUsed, wnd.AllocDefault)
	if err == nil {
		m.mu.Lock()
		m.nextRno = rno + 1
		m.mu.Unlock()
		return rno, nil
	}
	if !ntfserr.Is(err, ntfserr.NoSpace) {
		return 0, err
	}

	if m.GrowMFT != nil {
		prevHW := m.bm.NBits()
		newTotal, growErr := m.GrowMFT()
		if growErr == nil {
			if err := m.bm.Extend(newTotal); err != nil {
				return 0, err
			}
			if m.ClearTail != nil {
				if err := m.ClearTail(prevHW, newTotal); err != nil {
					return 0, err
				}
			}
			m.highWater = newTotal
			rno, _, err = m.bm.Find(1, prevHW, wnd.FindMarkUsed, wnd.AllocDefault)
			if err == nil {
				m.mu.Lock()
				m.nextRno = rno + 1
				m.mu.Unlock()
				return rno, nil
			}
		}
	}

	if privileged {
		if rrno, _, rerr := m.reserved.Find(1, 0, wnd.FindMarkUsed, wnd.AllocDefault); rerr == nil {
			return rrno, nil
		}
	}
	return 0, ntfserr.New(ntfserr.NoSpace, "alloc.LookFreeMFT", nil)
}

// MarkRecFree clears rno's bit. Record bytes are left as-is; they are
// overwritten on the next allocation of that slot.
func (m *MFT) MarkRecFree(rno int64) error {
	if rno < reservedPoolBits {
		return m.reserved.SetFree(rno, 1)
	}
	return m.bm.SetFree(rno, 1)
}
