package alloc

import (
	"testing"

	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/wnd"
)

type memBacking struct {
	windows [][]byte
	winSize int
}

func newMemBacking(nbits, windowBits int64) *memBacking {
	nw := int((nbits + windowBits - 1) / windowBits)
	winSize := int(windowBits / 8)
	m := &memBacking{windows: make([][]byte, nw), winSize: winSize}
	for i := range m.windows {
		m.windows[i] = make([]byte, winSize)
	}
	return m
}

func (m *memBacking) ReadWindow(i int, buf []byte) error {
	copy(buf, m.windows[i])
	return nil
}

func (m *memBacking) WriteWindow(i int, buf []byte) error {
	copy(m.windows[i], buf)
	return nil
}

func TestClustersLookForFreeSpace(t *testing.T) {
	bm := wnd.Init(1024, 512, newMemBacking(1024, 512))
	c := NewClusters(bm, 0)

	lcn, n, err := c.LookForFreeSpace(-1, 16, wnd.AllocDefault)
	if err != nil {
		t.Fatal(err)
	}
	if lcn != 0 || n != 16 {
		t.Fatalf("LookForFreeSpace = (%d,%d), want (0,16)", lcn, n)
	}

	used, err := bm.IsUsed(lcn, n)
	if err != nil || !used {
		t.Fatalf("allocated range not marked used: %v %v", used, err)
	}

	// Next call should continue past the first allocation.
	lcn2, _, err := c.LookForFreeSpace(-1, 8, wnd.AllocDefault)
	if err != nil {
		t.Fatal(err)
	}
	if lcn2 < lcn+n {
		t.Fatalf("second allocation at %d overlaps first [%d,%d)", lcn2, lcn, lcn+n)
	}
}

func TestClustersMarkAsFreeExDiscard(t *testing.T) {
	bm := wnd.Init(1024, 512, newMemBacking(1024, 512))
	c := NewClusters(bm, 8)

	var gotLCN, gotLen int64 = -1, -1
	c.Discard = func(lcn, length int64) error {
		gotLCN, gotLen = lcn, length
		return nil
	}

	if err := bm.SetUsed(0, 20); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkAsFreeEx(0, 20, true); err != nil {
		t.Fatal(err)
	}
	free, err := bm.IsFree(0, 20)
	if err != nil || !free {
		t.Fatalf("range should be free after MarkAsFreeEx: %v %v", free, err)
	}
	if gotLCN != 0 || gotLen != 16 {
		t.Fatalf("discard range = (%d,%d), want (0,16) after 8-cluster alignment", gotLCN, gotLen)
	}
}

func TestMFTLookFreeMFTGrows(t *testing.T) {
	// The backing holds room for the grown bitmap (16 bits, two windows).
	bm := wnd.Init(8, 8, newMemBacking(16, 8))
	if err := bm.SetUsed(0, 8); err != nil {
		t.Fatal(err)
	}

	m := NewMFT(bm)
	grew := false
	m.GrowMFT = func() (int64, error) {
		grew = true
		return 16, nil
	}

	rno, err := m.LookFreeMFT(false)
	if err != nil {
		t.Fatal(err)
	}
	if !grew {
		t.Fatalf("expected GrowMFT to be invoked when bitmap is full")
	}
	if rno < 8 {
		t.Fatalf("expected record allocated from grown region, got %d", rno)
	}
}

func TestMFTLookFreeMFTReservedPool(t *testing.T) {
	bm := wnd.Init(8, 8, newMemBacking(8, 8))
	if err := bm.SetUsed(0, 8); err != nil {
		t.Fatal(err)
	}
	m := NewMFT(bm) // no GrowMFT configured

	if _, err := m.LookFreeMFT(false); err == nil || !ntfserr.Is(err, ntfserr.NoSpace) {
		t.Fatalf("unprivileged caller should see no-space, got %v", err)
	}

	rno, err := m.LookFreeMFT(true)
	if err != nil {
		t.Fatalf("privileged caller should fall back to the reserved pool: %v", err)
	}
	if rno < 0 || rno >= reservedPoolBits {
		t.Fatalf("reserved allocation %d out of reserved range", rno)
	}
}

func TestMFTMarkRecFree(t *testing.T) {
	bm := wnd.Init(16, 16, newMemBacking(16, 16))
	m := NewMFT(bm)

	if err := bm.SetUsed(10, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkRecFree(10); err != nil {
		t.Fatal(err)
	}
	free, err := bm.IsFree(10, 1)
	if err != nil || !free {
		t.Fatalf("record 10 should be free after MarkRecFree: %v %v", free, err)
	}
}
