package runs

import "testing"

func TestAddMergeAdjacent(t *testing.T) {
	tr := New()
	if err := tr.Add(0, 100, 4); err != nil {
		t.Fatal(err)
	}
	if err := tr.Add(4, 104, 4); err != nil {
		t.Fatal(err)
	}
	got := tr.Runs()
	if len(got) != 1 {
		t.Fatalf("expected merge into one run, got %+v", got)
	}
	if got[0] != (Run{VCN: 0, LCN: 100, Len: 8}) {
		t.Fatalf("unexpected merged run: %+v", got[0])
	}
}

func TestLookup(t *testing.T) {
	tr := New()
	tr.Add(0, 100, 4)
	tr.Add(10, 200, 4)

	if r, _, ok := tr.Lookup(2); !ok || r.LCN != 100 {
		t.Fatalf("Lookup(2) = %+v, %v", r, ok)
	}
	if _, _, ok := tr.Lookup(5); ok {
		t.Fatalf("Lookup(5) should miss (hole)")
	}
	if r, _, ok := tr.Lookup(12); !ok || r.LCN != 200 {
		t.Fatalf("Lookup(12) = %+v, %v", r, ok)
	}
}

func TestTruncate(t *testing.T) {
	tr := New()
	tr.Add(0, 100, 10)
	tr.Truncate(5)
	got := tr.Runs()
	if len(got) != 1 || got[0].Len != 5 {
		t.Fatalf("Truncate(5) left %+v", got)
	}
}

func TestTruncateHead(t *testing.T) {
	tr := New()
	tr.Add(0, 100, 10)
	tr.TruncateHead(4)
	got := tr.Runs()
	if len(got) != 1 || got[0].VCN != 4 || got[0].LCN != 104 || got[0].Len != 6 {
		t.Fatalf("TruncateHead(4) left %+v", got)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	tr := New()
	tr.Add(0, 1000, 8)
	tr.Add(8, runsSparseVCN(8), 4) // hole
	tr.Add(12, 2000, 6)

	buf := make([]byte, 64)
	n, vcns, err := tr.Pack(0, 18, buf)
	if err != nil {
		t.Fatal(err)
	}
	if vcns != 18 {
		t.Fatalf("packed %d vcns, want 18", vcns)
	}

	tr2 := New()
	if err := tr2.Unpack(buf[:n], 0, 17); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !tr2.IsMappedFull(0, 17) {
		t.Fatalf("unpacked tree not fully mapped")
	}
	for _, vcn := range []int64{0, 5, 9, 15} {
		want, _, ok := tr.Lookup(vcn)
		if !ok {
			continue
		}
		got, _, ok := tr2.Lookup(vcn)
		if !ok || got.LCN != want.LCN {
			t.Fatalf("vcn %d: want %+v, got %+v (ok=%v)", vcn, want, got, ok)
		}
	}
}

func runsSparseVCN(_ int64) int64 { return SparseLCN }

func TestPackBoundaryMergeBeforePacking(t *testing.T) {
	tr := New()
	tr.Add(0, 100, 4)
	tr.Add(4, 104, 4)

	buf := make([]byte, 3)
	n, vcns, err := tr.Pack(0, 8, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n > 3 {
		t.Fatalf("expected pack to fit in <=3 bytes, used %d", n)
	}
	if vcns != 8 {
		t.Fatalf("expected all 8 vcns packed, got %d", vcns)
	}
}

func TestIsMappedFullWithSparse(t *testing.T) {
	tr := New()
	tr.Add(0, SparseLCN, 8)
	if !tr.IsMappedFull(0, 7) {
		t.Fatalf("sparse run should count as mapped")
	}
	if tr.IsMappedFull(0, 8) {
		t.Fatalf("vcn 8 is not covered")
	}
}

func TestUnpackRejectsConflictingDuplicate(t *testing.T) {
	tr := New()
	tr.Add(0, 100, 4)

	buf := make([]byte, 16)
	// one run: length=4, lcn_delta=0xC8, i.e. -56 as a signed byte (conflicts
	// with existing mapping at vcn 0)
	buf[0] = 0x11
	buf[1] = 4
	buf[2] = 200
	buf[3] = 0
	if err := tr.Unpack(buf[:4], 0, 3); err == nil {
		t.Fatalf("expected conflicting duplicate to fail")
	}
}
