// Package runs implements the logical-to-physical extent map ("runs tree")
// NTFS keeps for every non-resident attribute. A run is a triple (VCN, LCN,
// length); a run with LCN == -1 stands for a sparse hole.
package runs

import (
	"sort"

	"github.com/nfistri/gontfs/internal/ntfserr"
)

// SparseLCN marks a run as an unallocated hole.
const SparseLCN = -1

// Run is one contiguous extent: VCN..VCN+Len-1 maps to LCN..LCN+Len-1 (or,
// if LCN == SparseLCN, to Len clusters of zeros).
type Run struct {
	VCN int64
	LCN int64
	Len int64
}

func (r Run) sparse() bool { return r.LCN == SparseLCN }

// end returns the VCN one past the last cluster covered by r.
func (r Run) end() int64 { return r.VCN + r.Len }

// Tree is an ordered, non-overlapping, gapless-except-for-sparse-holes
// collection of Runs for one attribute.
type Tree struct {
	runs []Run
}

// New returns an empty runs tree.
func New() *Tree { return &Tree{} }

// Runs returns the tree's runs in VCN order. The caller must not mutate the
// returned slice.
func (t *Tree) Runs() []Run { return t.runs }

// Lookup finds the run containing vcn. On a miss it still returns the index
// at which a run covering vcn would be inserted, so callers can use it as an
// insertion point.
func (t *Tree) Lookup(vcn int64) (run Run, idx int, ok bool) {
	idx = sort.Search(len(t.runs), func(i int) bool {
		return t.runs[i].end() > vcn
	})
	if idx < len(t.runs) && t.runs[idx].VCN <= vcn && vcn < t.runs[idx].end() {
		return t.runs[idx], idx, true
	}
	return Run{}, idx, false
}

// mergeable reports whether a and b (with a.VCN <= b.VCN) can be merged into
// a single run: contiguous VCN ranges that are either both sparse or
// contiguous in LCN space.
func mergeable(a, b Run) bool {
	if a.end() != b.VCN {
		return false
	}
	if a.sparse() != b.sparse() {
		return false
	}
	if a.sparse() {
		return true
	}
	return a.LCN+a.Len == b.LCN
}

// Add inserts (vcn, lcn, len), merging with neighbours and splitting any run
// it overlaps. Re-adding an identical extent is a no-op beyond confirming it
// is already present.
func (t *Tree) Add(vcn, lcn, length int64) error {
	if length <= 0 {
		return ntfserr.New(ntfserr.BadFormat, "runs.Add", nil)
	}
	nr := Run{VCN: vcn, LCN: lcn, Len: length}

	// Remove (splitting as needed) anything the new run overlaps.
	var out []Run
	for _, r := range t.runs {
		if r.end() <= nr.VCN || r.VCN >= nr.end() {
			out = append(out, r)
			continue
		}
		// r overlaps nr; keep the part(s) of r strictly outside [nr.VCN, nr.end()).
		if r.VCN < nr.VCN {
			left := r
			left.Len = nr.VCN - r.VCN
			if !left.sparse() {
				// LCN unchanged, already correct (prefix keeps original LCN)
			}
			out = append(out, left)
		}
		if r.end() > nr.end() {
			right := r
			delta := nr.end() - r.VCN
			right.VCN = nr.end()
			right.Len = r.Len - delta
			if !r.sparse() {
				right.LCN = r.LCN + delta
			}
			out = append(out, right)
		}
	}
	out = append(out, nr)
	sort.Slice(out, func(i, j int) bool { return out[i].VCN < out[j].VCN })

	// Merge adjacent identically-mapped runs.
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && mergeable(merged[n-1], r) {
			merged[n-1].Len += r.Len
			continue
		}
		merged = append(merged, r)
	}
	t.runs = merged
	return nil
}

// Truncate drops every run (or run fragment) at or beyond fromVCN.
func (t *Tree) Truncate(fromVCN int64) {
	idx := sort.Search(len(t.runs), func(i int) bool { return t.runs[i].end() > fromVCN })
	out := append([]Run{}, t.runs[:idx]...)
	if idx < len(t.runs) {
		r := t.runs[idx]
		if r.VCN < fromVCN && r.end() > fromVCN {
			r.Len = fromVCN - r.VCN
			out = append(out, r)
		}
	}
	t.runs = out
}

// TruncateHead drops every run (or run fragment) strictly before vcn,
// reindexing what remains to start at vcn.
func (t *Tree) TruncateHead(vcn int64) {
	var out []Run
	for _, r := range t.runs {
		if r.end() <= vcn {
			continue
		}
		if r.VCN < vcn {
			delta := vcn - r.VCN
			r.VCN = vcn
			r.Len -= delta
			if !r.sparse() {
				r.LCN += delta
			}
		}
		out = append(out, r)
	}
	t.runs = out
}

// IsMappedFull reports whether every VCN in [svcn, evcn] is covered by some
// run (sparse runs count as mapped).
func (t *Tree) IsMappedFull(svcn, evcn int64) bool {
	want := svcn
	for _, r := range t.runs {
		if r.VCN > want {
			return false
		}
		if r.end() > want {
			want = r.end()
		}
		if want > evcn {
			return true
		}
	}
	return want > evcn
}

// varint width of a signed integer encoded little-endian with the minimal
// number of bytes such that the sign bit of the final byte reflects the
// sign of v (NTFS's data-run integer encoding).
func signedWidth(v int64) int {
	if v == 0 {
		return 0
	}
	n := 1
	for {
		lo := int64(-1) << (8*n - 1)
		hi := int64(1)<<(8*n-1) - 1
		if v >= lo && v <= hi {
			return n
		}
		n++
	}
}

func unsignedWidth(v int64) int {
	if v == 0 {
		return 0
	}
	n := 1
	for v>>(8*n) != 0 {
		n++
	}
	return n
}

func putSigned(buf []byte, v int64, width int) {
	for i := 0; i < width; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// Pack encodes up to count VCNs worth of runs starting at svcn into buf
// using NTFS's data-run encoding: each run is a header byte (low nibble =
// length-field byte count, high nibble = LCN-delta byte count, 0 meaning
// sparse) followed by the length and signed LCN delta, little-endian.
// Packing stops when buf is exhausted; it reports how many bytes were
// written and how many VCNs were actually packed (which may be less than
// count).
func (t *Tree) Pack(svcn, count int64, buf []byte) (written int, packedVCNs int64, err error) {
	evcn := svcn + count // exclusive
	prevLCN := int64(0)
	vcn := svcn
	for _, r := range t.runs {
		if r.end() <= svcn {
			continue
		}
		if r.VCN >= evcn {
			break
		}
		start := r.VCN
		if start < vcn {
			start = vcn
		}
		length := r.end()
		if length > evcn {
			length = evcn
		}
		length -= start

		lenWidth := unsignedWidth(length)
		if lenWidth == 0 {
			lenWidth = 1
		}
		var lcnDelta int64
		deltaWidth := 0
		if !r.sparse() {
			runLCN := r.LCN
			if start > r.VCN {
				runLCN += start - r.VCN
			}
			lcnDelta = runLCN - prevLCN
			deltaWidth = signedWidth(lcnDelta)
		}

		need := 1 + lenWidth + deltaWidth
		if written+need > len(buf) {
			return written, vcn - svcn, nil
		}
		header := byte(lenWidth) | byte(deltaWidth)<<4
		buf[written] = header
		written++
		for i := 0; i < lenWidth; i++ {
			buf[written+i] = byte(length >> (8 * i))
		}
		written += lenWidth
		if deltaWidth > 0 {
			putSigned(buf[written:], lcnDelta, deltaWidth)
			written += deltaWidth
			prevLCN += lcnDelta
		}
		vcn = start + length
	}
	// terminator
	if written < len(buf) {
		buf[written] = 0
		written++
	}
	return written, vcn - svcn, nil
}

// Unpack decodes buf (NTFS data-run encoding) and installs the resulting
// runs for VCNs [svcn, evcn]. It fails with BadFormat if the encoding is
// malformed, a decoded run extends past evcn+1, or a decoded VCN already
// maps to something different.
func (t *Tree) Unpack(buf []byte, svcn, evcn int64) error {
	vcn := svcn
	lcn := int64(0)
	i := 0
	for i < len(buf) && buf[i] != 0 {
		header := buf[i]
		i++
		lenWidth := int(header & 0x0F)
		deltaWidth := int(header >> 4)
		if i+lenWidth+deltaWidth > len(buf) {
			return ntfserr.New(ntfserr.BadFormat, "runs.Unpack", nil)
		}
		var length uint64
		for j := 0; j < lenWidth; j++ {
			length |= uint64(buf[i+j]) << (8 * j)
		}
		i += lenWidth
		sparse := deltaWidth == 0
		if !sparse {
			var delta int64
			for j := 0; j < deltaWidth; j++ {
				delta |= int64(buf[i+j]) << (8 * j)
			}
			if buf[i+deltaWidth-1]&0x80 != 0 {
				for j := deltaWidth; j < 8; j++ {
					delta |= int64(0xFF) << (8 * j)
				}
			}
			i += deltaWidth
			lcn += delta
		}
		if length == 0 {
			return ntfserr.New(ntfserr.BadFormat, "runs.Unpack", nil)
		}
		runLen := int64(length)
		if vcn+runLen > evcn+1 {
			return ntfserr.New(ntfserr.BadFormat, "runs.Unpack", nil)
		}
		runLCN := int64(SparseLCN)
		if !sparse {
			runLCN = lcn
		}
		if existing, _, ok := t.Lookup(vcn); ok {
			if existing.LCN != runLCN || existing.VCN != vcn {
				return ntfserr.New(ntfserr.BadFormat, "runs.Unpack", nil)
			}
		}
		if err := t.Add(vcn, runLCN, runLen); err != nil {
			return err
		}
		vcn += runLen
	}
	if !t.IsMappedFull(svcn, evcn) {
		return ntfserr.New(ntfserr.BadFormat, "runs.Unpack", nil)
	}
	return nil
}

// Clone returns a deep copy of t.
func (t *Tree) Clone() *Tree {
	c := &Tree{runs: make([]Run, len(t.runs))}
	copy(c.runs, t.runs)
	return c
}
