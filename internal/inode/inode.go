// Package inode is the consumer-facing facade spec component 4.6 describes:
// it composes an MFT record, its $DATA runs, and (for directories) its $I30
// index into the view a POSIX filesystem frontend wants -- stat, read,
// directory lookup/enumeration -- without any of those callers having to
// know about attribute lists, resident/non-resident conversion, or run
// packing themselves.
package inode

import (
	"encoding/binary"
	"sync"

	"github.com/nfistri/gontfs/internal/index"
	"github.com/nfistri/gontfs/internal/mft"
	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/ntfstime"
	"github.com/nfistri/gontfs/internal/volume"
	"github.com/nfistri/gontfs/internal/xattr"
)

// FileAttr mirrors $STANDARD_INFORMATION's file attribute bits relevant to a
// POSIX mapping (the full DOS attribute set is wider; only what GetAttr and
// the FUSE frontend need is decoded).
type FileAttr uint32

const (
	AttrReadOnly FileAttr = 0x0001
	AttrHidden   FileAttr = 0x0002
	AttrArchive  FileAttr = 0x0020
)

// StandardInfo is the decoded, fixed-layout prefix of $STANDARD_INFORMATION.
type StandardInfo struct {
	CreateTime       ntfstime.Time
	AlterTime        ntfstime.Time
	MFTChangeTime    ntfstime.Time
	ReadTime         ntfstime.Time
	FileAttributes   FileAttr
}

func parseStandardInfo(data []byte) (StandardInfo, error) {
	if len(data) < 0x30 {
		return StandardInfo{}, ntfserr.New(ntfserr.BadFormat, "inode.parseStandardInfo", nil)
	}
	return StandardInfo{
		CreateTime:     ntfstime.Time(binary.LittleEndian.Uint64(data[0x00:])),
		AlterTime:      ntfstime.Time(binary.LittleEndian.Uint64(data[0x08:])),
		MFTChangeTime:  ntfstime.Time(binary.LittleEndian.Uint64(data[0x10:])),
		ReadTime:       ntfstime.Time(binary.LittleEndian.Uint64(data[0x18:])),
		FileAttributes: FileAttr(binary.LittleEndian.Uint32(data[0x20:])),
	}, nil
}

// FileNameAttr is the decoded fixed-layout prefix of one $FILE_NAME attribute
// (the variable-length Unicode name follows it on disk; ParseFileName splits
// the two).
type FileNameAttr struct {
	ParentDirectory mft.Reference
	AllocatedSize   int64
	RealSize        int64
	Flags           FileAttr
	Name            string
}

const fileNameFixedLen = 0x42

func parseFileName(data []byte) (FileNameAttr, error) {
	if len(data) < fileNameFixedLen {
		return FileNameAttr{}, ntfserr.New(ntfserr.BadFormat, "inode.parseFileName", nil)
	}
	nameLen := int(data[0x40])
	nameOff := fileNameFixedLen
	if nameOff+nameLen*2 > len(data) {
		return FileNameAttr{}, ntfserr.New(ntfserr.BadFormat, "inode.parseFileName", nil)
	}
	u := make([]uint16, nameLen)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(data[nameOff+2*i:])
	}
	return FileNameAttr{
		ParentDirectory: mft.Reference(binary.LittleEndian.Uint64(data[0x00:])),
		AllocatedSize:   int64(binary.LittleEndian.Uint64(data[0x28:])),
		RealSize:        int64(binary.LittleEndian.Uint64(data[0x30:])),
		Flags:           FileAttr(binary.LittleEndian.Uint32(data[0x38:])),
		Name:            string(utf16Decode(u)),
	}, nil
}

func utf16Decode(u []uint16) []rune {
	out := make([]rune, 0, len(u))
	for i := 0; i < len(u); i++ {
		r := rune(u[i])
		if r >= 0xD800 && r < 0xDC00 && i+1 < len(u) {
			r2 := rune(u[i+1])
			if r2 >= 0xDC00 && r2 < 0xE000 {
				out = append(out, ((r-0xD800)<<10|(r2-0xDC00))+0x10000)
				i++
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// Inode is a live view of one MFT record, guarded by a single mutex covering
// both its record bytes and its $DATA run lookups -- the per-inode lock
// (ni_lock) reference NTFS drivers use.
type Inode struct {
	mu  sync.Mutex
	vol *volume.Volume
	rec *mft.Record
	rno uint64
}

// Open loads the MFT record for rno and wraps it as an Inode.
func Open(v *volume.Volume, rno uint64) (*Inode, error) {
	r, err := v.ReadRecord(rno)
	if err != nil {
		return nil, err
	}
	return &Inode{vol: v, rec: r, rno: rno}, nil
}

// RecordNumber is this inode's MFT record number.
func (ino *Inode) RecordNumber() uint64 { return ino.rno }

// IsDir reports whether the underlying record is a directory (the record
// header's directory flag is set).
func (ino *Inode) IsDir() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.rec.IsDirectory()
}

// StandardInfo decodes this inode's $STANDARD_INFORMATION.
func (ino *Inode) StandardInfo() (StandardInfo, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	a, _, err := mft.FindAttr(ino.rec, mft.TypeStandardInformation, "")
	if err != nil {
		return StandardInfo{}, err
	}
	if !a.Resident {
		return StandardInfo{}, ntfserr.New(ntfserr.BadFormat, "inode.StandardInfo", nil)
	}
	return parseStandardInfo(a.Data)
}

// PrimaryFileName returns the first $FILE_NAME attribute found (a hard-linked
// inode may carry several; callers that need a specific parent directory
// should filter by ParentDirectory themselves).
func (ino *Inode) PrimaryFileName() (FileNameAttr, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	a, _, err := mft.FindAttr(ino.rec, mft.TypeFileName, "")
	if err != nil {
		return FileNameAttr{}, err
	}
	if !a.Resident {
		return FileNameAttr{}, ntfserr.New(ntfserr.BadFormat, "inode.PrimaryFileName", nil)
	}
	return parseFileName(a.Data)
}

// Size returns $DATA's real (uncompressed, unsparse) size.
func (ino *Inode) Size() (int64, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	a, _, err := mft.FindAttr(ino.rec, mft.TypeData, "")
	if err != nil {
		return 0, err
	}
	if a.Resident {
		return int64(len(a.Data)), nil
	}
	return a.DataSize, nil
}

// EAs decodes this inode's $EA attribute, if any.
func (ino *Inode) EAs() ([]xattr.EA, error) {
	ino.mu.Lock()
	a, _, err := mft.FindAttr(ino.rec, mft.TypeEA, "")
	ino.mu.Unlock()
	if err != nil {
		if ntfserr.Is(err, ntfserr.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !a.Resident {
		return nil, ntfserr.New(ntfserr.BadFormat, "inode.EAs", nil)
	}
	return xattr.Unmarshal(a.Data)
}

// GetEA returns one named extended attribute's value.
func (ino *Inode) GetEA(name string) ([]byte, error) {
	entries, err := ino.EAs()
	if err != nil {
		return nil, err
	}
	return xattr.Get(entries, name)
}

// ReadAt reads $DATA content, zero-filling sparse holes and returning
// io.EOF-free short reads past end of file the way pread(2) does (callers
// wanting EOF semantics check
// n < len(buf) themselves, matching FUSE's ReadFileOp contract).
func (ino *Inode) ReadAt(buf []byte, off int64) (int, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	a, _, err := mft.FindAttr(ino.rec, mft.TypeData, "")
	if err != nil {
		return 0, err
	}
	if a.Resident {
		if off >= int64(len(a.Data)) {
			return 0, nil
		}
		return copy(buf, a.Data[off:]), nil
	}

	bpc := ino.vol.BytesPerCluster()
	size := a.DataSize
	total := 0
	for total < len(buf) && off < size {
		vcn := off / bpc
		inClusterOff := off % bpc
		run, _, ok := a.Runs.Lookup(vcn)
		want := len(buf) - total
		if int64(want) > size-off {
			want = int(size - off)
		}
		avail := int((run.VCN+run.Len)*bpc - off)
		if avail < want {
			want = avail
		}
		if !ok || run.LCN < 0 {
			for i := 0; i < want; i++ {
				buf[total+i] = 0
			}
		} else {
			clusterBuf := make([]byte, bpc)
			lcn := run.LCN + (vcn - run.VCN)
			if err := ino.vol.ReadClusterRange(lcn, 1, clusterBuf); err != nil {
				return total, err
			}
			n := copy(buf[total:total+want], clusterBuf[inClusterOff:])
			if n < want {
				want = n
			}
		}
		total += want
		off += int64(want)
	}
	return total, nil
}

// indexStore adapts a directory inode's $INDEX_ALLOCATION attribute to
// index.Store, the way volume.bitmapBacking adapts a flat bitmap attribute
// to wnd.Backing: each VCN of the non-resident attribute holds one
// fixed-size index record, (de)serialized by packNode/unpackNode.
type indexStore struct {
	ino        *Inode
	recordSize int64
}

func (s *indexStore) blockBuf() []byte { return make([]byte, s.recordSize) }

func (s *indexStore) ReadBlock(vcn int64) (*index.Node, error) {
	s.ino.mu.Lock()
	a, _, err := mft.FindAttr(s.ino.rec, mft.TypeIndexAllocation, "$I30")
	s.ino.mu.Unlock()
	if err != nil {
		return nil, err
	}
	run, _, ok := a.Runs.Lookup(vcn)
	if !ok || run.LCN < 0 {
		return nil, ntfserr.New(ntfserr.NotFound, "inode.indexStore.ReadBlock", nil)
	}
	lcn := run.LCN + (vcn - run.VCN)
	buf := s.blockBuf()
	if err := s.ino.vol.ReadClusterRange(lcn, s.recordSize/s.ino.vol.BytesPerCluster(), buf); err != nil {
		return nil, err
	}
	return unpackNode(buf)
}

func (s *indexStore) WriteBlock(vcn int64, n *index.Node) error {
	s.ino.mu.Lock()
	a, _, err := mft.FindAttr(s.ino.rec, mft.TypeIndexAllocation, "$I30")
	s.ino.mu.Unlock()
	if err != nil {
		return err
	}
	run, _, ok := a.Runs.Lookup(vcn)
	if !ok || run.LCN < 0 {
		return ntfserr.New(ntfserr.NotFound, "inode.indexStore.WriteBlock", nil)
	}
	lcn := run.LCN + (vcn - run.VCN)
	return s.ino.vol.WriteClusterRange(lcn, s.recordSize/s.ino.vol.BytesPerCluster(), packNode(n, int(s.recordSize)))
}

func (s *indexStore) AllocBlock() (int64, error) {
	return 0, ntfserr.New(ntfserr.NotSupported, "inode.indexStore.AllocBlock", nil)
}

func (s *indexStore) FreeBlock(vcn int64) error {
	return ntfserr.New(ntfserr.NotSupported, "inode.indexStore.FreeBlock", nil)
}

// packNode/unpackNode give $I30 index records a minimal on-disk shape: a
// uint32 entry count, a leaf byte and the int64 LastChild, then (keylen
// uint16, datalen uint16, haschild byte, childvcn int64, key, data) per
// entry. This is not byte-compatible with a real $INDEX_ALLOCATION record's
// INDEX_ENTRY framing, which nothing in this repository implements; this
// package only needs a stable round trip for its own blocks.
func packNode(n *index.Node, size int) []byte {
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(n.Entries)))
	off += 4
	if n.Leaf {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(n.LastChild))
	off += 8
	for _, e := range n.Entries {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Key)))
		off += 2
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Data)))
		off += 2
		if e.HasChild {
			buf[off] = 1
		}
		off++
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.ChildVCN))
		off += 8
		off += copy(buf[off:], e.Key)
		off += copy(buf[off:], e.Data)
	}
	return buf
}

func unpackNode(buf []byte) (*index.Node, error) {
	off := 0
	count := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	leaf := buf[off] == 1
	off++
	lastChild := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	n := &index.Node{Leaf: leaf, LastChild: lastChild, Entries: make([]index.Entry, 0, count)}
	for i := uint32(0); i < count; i++ {
		if off+13 > len(buf) {
			return nil, ntfserr.New(ntfserr.BadFormat, "inode.unpackNode", nil)
		}
		keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		dataLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		hasChild := buf[off] == 1
		off++
		childVCN := int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		key := append([]byte(nil), buf[off:off+keyLen]...)
		off += keyLen
		data := append([]byte(nil), buf[off:off+dataLen]...)
		off += dataLen
		n.Entries = append(n.Entries, index.Entry{Key: key, Data: data, HasChild: hasChild, ChildVCN: childVCN})
	}
	return n, nil
}

// DirEntry is one resolved $I30 entry: a child inode reference plus the
// $FILE_NAME content that was duplicated into the index for fast stat-less
// listing.
type DirEntry struct {
	Child mft.Reference
	Name  FileNameAttr
}

func (e *DirEntry) unmarshalData(data []byte) error {
	fn, err := parseFileName(data)
	if err != nil {
		return err
	}
	e.Name = fn
	return nil
}

// openIndexTree builds the $I30 B+-tree for a directory inode from its
// resident $INDEX_ROOT entries plus, if present, its $INDEX_ALLOCATION
// overflow blocks.
func (ino *Inode) openIndexTree() (*index.Tree, error) {
	ino.mu.Lock()
	root, _, err := mft.FindAttr(ino.rec, mft.TypeIndexRoot, "$I30")
	ino.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !root.Resident {
		return nil, ntfserr.New(ntfserr.BadFormat, "inode.openIndexTree", nil)
	}
	const indexRootFixedHeader = 0x20
	if len(root.Data) < indexRootFixedHeader {
		return nil, ntfserr.New(ntfserr.BadFormat, "inode.openIndexTree", nil)
	}
	recordSize := int64(binary.LittleEndian.Uint32(root.Data[0x08:]))

	store := &indexStore{ino: ino, recordSize: recordSize}
	t := index.New(index.CollateFileName, store, 64)

	rootEntries, err := unpackNode(root.Data[indexRootFixedHeader:])
	if err == nil {
		t.LoadRoot(*rootEntries)
	}
	return t, nil
}

// Lookup resolves name within a directory inode via its $I30 index.
func (ino *Inode) Lookup(name string) (DirEntry, error) {
	t, err := ino.openIndexTree()
	if err != nil {
		return DirEntry{}, err
	}
	key := encodeUTF16Key(name)
	e, ok, err := t.Find(key)
	if err != nil {
		return DirEntry{}, err
	}
	if !ok {
		return DirEntry{}, ntfserr.New(ntfserr.NotFound, "inode.Lookup", nil)
	}
	var de DirEntry
	de.Child = mft.Reference(binary.LittleEndian.Uint64(e.Data[0:8]))
	if err := de.unmarshalData(e.Data[8:]); err != nil {
		return DirEntry{}, err
	}
	return de, nil
}

// Readdir enumerates a directory's $I30 index in collation order.
func (ino *Inode) Readdir() ([]DirEntry, error) {
	t, err := ino.openIndexTree()
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	var enumErr error
	err = t.Enumerate(func(e index.Entry) bool {
		var de DirEntry
		de.Child = mft.Reference(binary.LittleEndian.Uint64(e.Data[0:8]))
		if uerr := de.unmarshalData(e.Data[8:]); uerr != nil {
			enumErr = uerr
			return false
		}
		out = append(out, de)
		return true
	})
	if err != nil {
		return nil, err
	}
	if enumErr != nil {
		return nil, enumErr
	}
	return out, nil
}

func encodeUTF16Key(name string) []byte {
	u := make([]uint16, 0, len(name))
	for _, r := range name {
		if r <= 0xFFFF {
			u = append(u, uint16(r))
			continue
		}
		r -= 0x10000
		u = append(u, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	b := make([]byte, len(u)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	return b
}
