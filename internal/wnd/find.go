package wnd

import "sort"

// invalidateIndexLocked drops the free-extent index; the next Find rebuilds
// it lazily (or decides the bitmap is too fragmented and marks it stale).
func (b *Bitmap) invalidateIndexLocked() {
	b.uptodated = upToDateInactive
	b.byStart = nil
	b.byCount = nil
}

// buildIndexLocked scans every window and rebuilds byStart/byCount. If the
// bitmap has more than maxIndexedExtents free extents, maintaining the
// index on every mutation would cost more than the linear scan it is meant
// to avoid, so the index is left stale instead.
func (b *Bitmap) buildIndexLocked() error {
	var exts []extent
	var curStart int64 = -1
	var curLen int64
	flush := func(end int64) {
		if curStart >= 0 {
			exts = append(exts, extent{start: curStart, count: end - curStart})
			curStart = -1
			curLen = 0
		}
	}
	for w := range b.windows {
		if err := b.ensureLoaded(w); err != nil {
			return err
		}
		win := &b.windows[w]
		base := int64(w) * b.windowBits
		n := b.bitsInWindow(w)
		if win.freeBits == 0 {
			flush(base)
			continue
		}
		if win.freeBits == n && curStart >= 0 && curStart+curLen == base {
			curLen += n
			continue
		}
		for i := int64(0); i < n; i++ {
			bit := base + i
			if testBit(win.bits, i) {
				flush(bit)
			} else {
				if curStart < 0 {
					curStart = bit
				}
				curLen = bit - curStart + 1
			}
		}
	}
	flush(b.nbits)

	if len(exts) > maxIndexedExtents {
		b.uptodated = upToDateStale
		b.byStart = nil
		b.byCount = nil
		return nil
	}
	byStart := append([]extent{}, exts...)
	sort.Slice(byStart, func(i, j int) bool { return byStart[i].start < byStart[j].start })
	byCount := append([]extent{}, exts...)
	sort.Slice(byCount, func(i, j int) bool {
		if byCount[i].count != byCount[j].count {
			return byCount[i].count < byCount[j].count
		}
		return byCount[i].start < byCount[j].start
	})
	b.byStart = byStart
	b.byCount = byCount
	b.uptodated = upToDateCurrent
	return nil
}

// updateIndexAfterMutationLocked keeps the free-extent index in sync with a
// SetUsed/SetFree of [bit, bit+n). If the index is not currently active, the
// mutation is simply not reflected (the index stays inactive until the next
// rebuild); this matches the documented tri-state: index maintenance is
// opportunistic, never forced on every mutation.
func (b *Bitmap) updateIndexAfterMutationLocked(bit, n int64, used bool) {
	if b.uptodated != upToDateCurrent {
		return
	}
	if used {
		b.removeFreeRangeLocked(bit, n)
	} else {
		b.addFreeRangeLocked(bit, n)
	}
	if len(b.byStart) > maxIndexedExtents {
		b.uptodated = upToDateStale
		b.byStart = nil
		b.byCount = nil
	}
}

func (b *Bitmap) removeFreeRangeLocked(bit, n int64) {
	end := bit + n
	var out []extent
	for _, e := range b.byStart {
		eEnd := e.start + e.count
		if eEnd <= bit || e.start >= end {
			out = append(out, e)
			continue
		}
		if e.start < bit {
			out = append(out, extent{start: e.start, count: bit - e.start})
		}
		if eEnd > end {
			out = append(out, extent{start: end, count: eEnd - end})
		}
	}
	b.setIndexLocked(out)
}

func (b *Bitmap) addFreeRangeLocked(bit, n int64) {
	start, end := bit, bit+n
	var out []extent
	merged := false
	for _, e := range b.byStart {
		eEnd := e.start + e.count
		if eEnd == start { // abuts on the left
			start = e.start
			merged = true
			continue
		}
		if e.start == end { // abuts on the right
			end = eEnd
			merged = true
			continue
		}
		out = append(out, e)
	}
	_ = merged
	out = append(out, extent{start: start, count: end - start})
	b.setIndexLocked(out)
}

func (b *Bitmap) setIndexLocked(exts []extent) {
	byStart := append([]extent{}, exts...)
	sort.Slice(byStart, func(i, j int) bool { return byStart[i].start < byStart[j].start })
	byCount := append([]extent{}, exts...)
	sort.Slice(byCount, func(i, j int) bool {
		if byCount[i].count != byCount[j].count {
			return byCount[i].count < byCount[j].count
		}
		return byCount[i].start < byCount[j].start
	})
	b.byStart = byStart
	b.byCount = byCount
}

// findInIndexLocked returns the best extent for a request of toAlloc bits at
// or after hint, preferring an exact-or-longer run with the smallest count,
// tie-broken by smallest start. ok is false if nothing satisfies the
// request (FindFull: nothing >= toAlloc; otherwise: bitmap fully used).
func (b *Bitmap) findInIndexLocked(toAlloc, hint int64, full bool) (start, length int64, ok bool) {
	best := -1
	for i, e := range b.byCount {
		if e.count < toAlloc {
			continue
		}
		if e.start < hint {
			// still a candidate for "largest available" scans, but hint
			// biases search order: prefer extents at/after hint first.
			continue
		}
		best = i
		break
	}
	if best == -1 {
		// No extent at/after hint satisfies toAlloc outright; fall back to
		// the overall best (ignoring hint) so default/linear-equivalent
		// callers still get an answer.
		for i, e := range b.byCount {
			if e.count >= toAlloc {
				best = i
				break
			}
		}
	}
	if best == -1 {
		if full || len(b.byCount) == 0 {
			return 0, 0, false
		}
		// Longest available, even though shorter than requested.
		longest := b.byCount[len(b.byCount)-1]
		return longest.start, longest.count, true
	}
	e := b.byCount[best]
	length = e.count
	if length > toAlloc {
		length = toAlloc
	}
	return e.start, length, true
}

// findLinearLocked performs the window-free-count scan followed by a bit
// scan inside promising windows; this is always correct and is used whenever
// the free-extent index is inactive or stale.
func (b *Bitmap) findLinearLocked(toAlloc, hint int64, full bool) (start, length int64, ok bool) {
	bestStart, bestLen := int64(-1), int64(0)
	w0, _ := b.windowOf(hint)
	scanned := 0
	for w := w0; scanned < len(b.windows); w, scanned = w+1, scanned+1 {
		if w >= len(b.windows) {
			w = 0
		}
		if err := b.ensureLoaded(w); err != nil {
			return 0, 0, false
		}
		win := &b.windows[w]
		if win.freeBits == 0 {
			continue
		}
		base := int64(w) * b.windowBits
		n := b.bitsInWindow(w)
		var runStart int64 = -1
		for i := int64(0); i < n; i++ {
			bit := base + i
			if w == w0 && bit < hint && scanned == 0 {
				continue
			}
			if !testBit(win.bits, i) {
				if runStart < 0 {
					runStart = bit
				}
				runLen := bit - runStart + 1
				if runLen >= toAlloc {
					return runStart, toAlloc, true
				}
				if runLen > bestLen {
					bestStart, bestLen = runStart, runLen
				}
			} else {
				runStart = -1
			}
		}
	}
	if bestStart < 0 {
		return 0, 0, false
	}
	if full {
		return 0, 0, false
	}
	return bestStart, bestLen, true
}

// Find is the allocator's core search: it returns a bit range of at most
// toAlloc bits, searching from hint first (when nothing fits at or after
// hint, the result may start before it), honouring the MFT zone according
// to opt, optionally marking the result used atomically.
func (b *Bitmap) Find(toAlloc, hint int64, flags FindFlags, opt AllocOpt) (allocated int64, actualLen int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	full := flags&FindFull != 0

	search := func(lo, hi int64) (int64, int64, bool) {
		h := hint
		if h < lo {
			h = lo
		}
		if b.uptodated == upToDateCurrent {
			if s, l, ok := b.findInIndexLocked(toAlloc, h, full); ok && b.withinRange(s, lo, hi) {
				return s, clampLen(s, l, hi), true
			}
		}
		return b.findLinearRange(toAlloc, h, lo, hi, full)
	}

	if b.uptodated == upToDateInactive {
		_ = b.buildIndexLocked()
	}

	zoneStart, zoneEnd := b.zoneStart, b.zoneEnd
	haveZone := zoneEnd > zoneStart

	var s, l int64
	var ok bool
	if opt == AllocMFT && haveZone {
		s, l, ok = search(zoneStart, zoneEnd)
	}
	if !ok {
		lo, hi := int64(0), b.nbits
		if opt == AllocDefault && haveZone {
			// Try before the zone, then after; avoid falling back into it.
			if s2, l2, ok2 := search(0, zoneStart); ok2 {
				s, l, ok = s2, l2, true
			} else if s2, l2, ok2 := search(zoneEnd, b.nbits); ok2 {
				s, l, ok = s2, l2, true
			}
		} else {
			s, l, ok = search(lo, hi)
		}
	}
	if !ok {
		return 0, 0, ntfserrNoSpace()
	}
	if full && l != toAlloc {
		return 0, 0, ntfserrNoSpace()
	}
	if flags&FindMarkUsed != 0 {
		if err := b.setRangeLocked(s, l, true); err != nil {
			return 0, 0, err
		}
	}
	return s, l, nil
}

func (b *Bitmap) withinRange(start, lo, hi int64) bool {
	return start >= lo && start < hi
}

func clampLen(start, length, hi int64) int64 {
	if start+length > hi {
		return hi - start
	}
	return length
}

func (b *Bitmap) findLinearRange(toAlloc, hint, lo, hi int64, full bool) (int64, int64, bool) {
	s, l, ok := b.findLinearLocked(toAlloc, hint, full)
	if !ok || s < lo || s >= hi {
		return 0, 0, false
	}
	return s, clampLen(s, l, hi), true
}
