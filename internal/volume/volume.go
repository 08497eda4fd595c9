// Package volume ties the block I/O facade, space allocator, MFT record
// engine and index engine into a mountable NTFS volume: it owns the boot
// sector, the two system bitmaps ($Bitmap for clusters, the $MFT bitmap for
// record slots), and the clean/dirty/error state machine that gates writes.
package volume

import (
	"sync"

	"github.com/nfistri/gontfs/internal/alloc"
	"github.com/nfistri/gontfs/internal/blockio"
	"github.com/nfistri/gontfs/internal/mft"
	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/runs"
	"github.com/nfistri/gontfs/internal/wnd"
)

// State is the volume's dirty-bit state machine. Open starts a volume in
// Mounted; a failed WriteRecord moves it to Errored, after which
// WriteRecord refuses every further write. Nothing in this package moves a
// volume out of Errored or back to Clean.
type State int

const (
	StateClean State = iota
	StateMounted
	StateErrored
)

// Volume is a mounted NTFS filesystem.
type Volume struct {
	Boot   *BootSector
	io     *blockio.Facade
	bytesPerCluster int64
	mftRecordSize   int64

	mu    sync.RWMutex
	state State

	Clusters *alloc.Clusters
	MFTAlloc *alloc.MFT

	clusterBM *bitmapBacking
	mftBM     *bitmapBacking

	// mftRuns is $MFT::$DATA's extent map; every record read/write computes
	// its LCN through this, same as any other non-resident attribute, except
	// that it is bootstrapped at Open from a packed run list that
	// ProbeMFTRecord0 took from record 0, read directly at the boot sector's
	// MFT LCN (chicken-and-egg: record 0 describes its own layout).
	mftRuns *runs.Tree

	records map[uint64]*mft.Record
	recMu   sync.Mutex
}

// bitmapBacking adapts a volume's flat byte-range bitmap attribute (read
// through the block I/O facade) to wnd.Backing's per-window interface.
type bitmapBacking struct {
	v         *Volume
	baseLCN   int64 // first cluster of the bitmap's data, contiguous for simplicity
	windowBits int64
}

func (bb *bitmapBacking) ReadWindow(index int, buf []byte) error {
	off := bb.baseLCN*bb.v.bytesPerCluster + int64(index)*int64(len(buf))
	return bb.v.io.ReadBytes(off, buf)
}

func (bb *bitmapBacking) WriteWindow(index int, buf []byte) error {
	off := bb.baseLCN*bb.v.bytesPerCluster + int64(index)*int64(len(buf))
	return bb.v.io.WriteBytes(off, buf, false)
}

// Open mounts a volume from boot sector bytes and bootstraps $MFT's own
// data runs from mftRunBuf (the packed run list of record 0's $DATA
// attribute, as returned by ProbeMFTRecord0, which reads record 0 at the
// boot sector's MFT LCN because ReadRecord needs these runs first).
func Open(dev blockio.Device, bootBuf []byte, mftRunBuf []byte, mftDataSize int64, clusterBitmapLCN, clusterBitmapLen, mftBitmapLCN, mftBitmapLen int64, totalClusters, totalMFTRecords int64) (*Volume, error) {
	boot, err := ParseBootSector(bootBuf)
	if err != nil {
		return nil, err
	}
	v := &Volume{
		Boot:            boot,
		io:              blockio.New(dev, int(boot.BytesPerSector)),
		bytesPerCluster: boot.BytesPerCluster(),
		mftRecordSize:   boot.MFTRecordSize(),
		state:           StateMounted,
		records:         make(map[uint64]*mft.Record),
	}

	v.mftRuns = runs.New()
	if err := v.mftRuns.Unpack(mftRunBuf, 0, (mftDataSize/v.bytesPerCluster)-1); err != nil {
		return nil, err
	}

	v.clusterBM = &bitmapBacking{v: v, baseLCN: clusterBitmapLCN, windowBits: 8 * 4096}
	clusterBitmap := wnd.Init(totalClusters, v.clusterBM.windowBits, v.clusterBM)
	v.Clusters = alloc.NewClusters(clusterBitmap, int64(boot.SectorsPerCluster))

	v.mftBM = &bitmapBacking{v: v, baseLCN: mftBitmapLCN, windowBits: 8 * 4096}
	mftBitmap := wnd.Init(totalMFTRecords, v.mftBM.windowBits, v.mftBM)
	v.MFTAlloc = alloc.NewMFT(mftBitmap)

	zoneLen := totalClusters / 8
	if zoneLen < 1 {
		zoneLen = 1
	}
	v.Clusters.RefreshZone(0, zoneLen)

	return v, nil
}

// lcnForVCN resolves a $MFT-relative VCN to an LCN using the bootstrap run
// list captured at Open time.
func (v *Volume) lcnForVCN(vcn int64) (int64, error) {
	r, _, ok := v.mftRuns.Lookup(vcn)
	if !ok {
		return 0, ntfserr.New(ntfserr.BadFormat, "volume.lcnForVCN", nil)
	}
	return r.LCN + (vcn - r.VCN), nil
}

// recordOffset computes the byte offset of MFT record rno.
func (v *Volume) recordOffset(rno uint64) (int64, error) {
	recordsPerCluster := v.bytesPerCluster / v.mftRecordSize
	if recordsPerCluster < 1 {
		recordsPerCluster = 1
	}
	vcn := int64(rno) / recordsPerCluster
	inClusterIdx := int64(rno) % recordsPerCluster
	lcn, err := v.lcnForVCN(vcn)
	if err != nil {
		return 0, err
	}
	return lcn*v.bytesPerCluster + inClusterIdx*v.mftRecordSize, nil
}

// ReadRecord loads and decodes MFT record rno, verifying and stripping its
// fixup array.
func (v *Volume) ReadRecord(rno uint64) (*mft.Record, error) {
	v.recMu.Lock()
	if r, ok := v.records[rno]; ok {
		v.recMu.Unlock()
		return r, nil
	}
	v.recMu.Unlock()

	off, err := v.recordOffset(rno)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, v.mftRecordSize)
	if err := v.io.ReadBytes(off, buf); err != nil {
		return nil, err
	}
	if err := blockio.ReadFixup(buf, int(v.Boot.BytesPerSector)); err != nil {
		return nil, err
	}
	r, err := mft.Parse(buf)
	if err != nil {
		return nil, err
	}

	v.recMu.Lock()
	v.records[rno] = r
	v.recMu.Unlock()
	return r, nil
}

// WriteRecord re-applies fixups and flushes rno's in-memory record back to
// disk. It refuses to write once the volume has entered StateErrored.
func (v *Volume) WriteRecord(rno uint64, r *mft.Record) error {
	v.mu.RLock()
	errored := v.state == StateErrored
	v.mu.RUnlock()
	if errored {
		return ntfserr.New(ntfserr.IO, "volume.WriteRecord", nil)
	}

	off, err := v.recordOffset(rno)
	if err != nil {
		return err
	}
	buf := r.Pack()
	if _, err := blockio.WriteFixup(buf, int(v.Boot.BytesPerSector), 0); err != nil {
		v.markErrored()
		return err
	}
	if err := v.io.WriteBytes(off, buf, false); err != nil {
		v.markErrored()
		return err
	}
	return nil
}

func (v *Volume) markErrored() {
	v.mu.Lock()
	v.state = StateErrored
	v.mu.Unlock()
}

// State reports the volume's current dirty-bit state.
func (v *Volume) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// BytesPerCluster exposes the volume's cluster size to consumers (the inode
// facade) that need to translate VCNs to byte offsets themselves.
func (v *Volume) BytesPerCluster() int64 { return v.bytesPerCluster }

// ProbeRecord0 reads $MFT's own record 0 directly off dev, at the fixed
// location the boot sector names (record 0 is always the first record of
// $MFT::$DATA's first run). Every other system file is reached through the
// normal ReadRecord path once a Volume exists; record 0 describes its own
// layout, so it must be read this way first.
func ProbeRecord0(dev blockio.Device, boot *BootSector) (*mft.Record, error) {
	facade := blockio.New(dev, int(boot.BytesPerSector))
	buf := make([]byte, boot.MFTRecordSize())
	off := int64(boot.MFTLCN) * boot.BytesPerCluster()
	if err := facade.ReadBytes(off, buf); err != nil {
		return nil, err
	}
	if err := blockio.ReadFixup(buf, int(boot.BytesPerSector)); err != nil {
		return nil, err
	}
	return mft.Parse(buf)
}

// ProbeMFTRecord0 reads $MFT's own record 0 and returns the bytes needed to
// bootstrap Open: the packed run list and byte size of $MFT::$DATA.
func ProbeMFTRecord0(dev blockio.Device, boot *BootSector) (mftRunBuf []byte, mftDataSize int64, err error) {
	r, err := ProbeRecord0(dev, boot)
	if err != nil {
		return nil, 0, err
	}
	return packNonResidentRuns(r, mft.TypeData, "")
}

// ProbeMFTBitmap reads record 0's $BITMAP attribute (which tracks free MFT
// record slots) and returns its first run's LCN and its bit count.
func ProbeMFTBitmap(dev blockio.Device, boot *BootSector) (lcn, totalBits int64, err error) {
	r, err := ProbeRecord0(dev, boot)
	if err != nil {
		return 0, 0, err
	}
	a, _, err := mft.FindAttr(r, mft.TypeBitmap, "")
	if err != nil {
		return 0, 0, err
	}
	if a.Resident || a.Runs == nil {
		return 0, 0, ntfserr.New(ntfserr.BadFormat, "volume.ProbeMFTBitmap", nil)
	}
	run, _, ok := a.Runs.Lookup(a.StartVCN)
	if !ok {
		return 0, 0, ntfserr.New(ntfserr.BadFormat, "volume.ProbeMFTBitmap", nil)
	}
	return run.LCN, a.DataSize * 8, nil
}

func packNonResidentRuns(r *mft.Record, typ mft.Type, name string) ([]byte, int64, error) {
	a, _, err := mft.FindAttr(r, typ, name)
	if err != nil {
		return nil, 0, err
	}
	if a.Resident || a.Runs == nil {
		return nil, 0, ntfserr.New(ntfserr.BadFormat, "volume.packNonResidentRuns", nil)
	}
	packed := make([]byte, 512)
	n, packedVCNs, err := a.Runs.Pack(a.StartVCN, a.LastVCN-a.StartVCN+1, packed)
	if err != nil {
		return nil, 0, err
	}
	if packedVCNs != a.LastVCN-a.StartVCN+1 {
		return nil, 0, ntfserr.New(ntfserr.BadFormat, "volume.packNonResidentRuns", nil)
	}
	return packed[:n], a.DataSize, nil
}

// ProbeClusterBitmap reads the $Bitmap system file's (record 6) $DATA
// attribute through an already-open Volume and returns its first run's LCN
// and cluster count, for RebindClusterBitmap.
func (v *Volume) ProbeClusterBitmap() (lcn, totalClusters int64, err error) {
	r, err := v.ReadRecord(mft.RecordBitmap)
	if err != nil {
		return 0, 0, err
	}
	a, _, err := mft.FindAttr(r, mft.TypeData, "")
	if err != nil {
		return 0, 0, err
	}
	if a.Resident || a.Runs == nil {
		return 0, 0, ntfserr.New(ntfserr.BadFormat, "volume.ProbeClusterBitmap", nil)
	}
	run, _, ok := a.Runs.Lookup(a.StartVCN)
	if !ok {
		return 0, 0, ntfserr.New(ntfserr.BadFormat, "volume.ProbeClusterBitmap", nil)
	}
	return run.LCN, a.DataSize * 8, nil
}

// RebindClusterBitmap re-targets the cluster allocator at the $Bitmap file's
// real extent once it becomes readable (Open must start the cluster bitmap
// somewhere before record 6, $Bitmap itself, can be read through the normal
// record path).
func (v *Volume) RebindClusterBitmap(lcn, totalClusters int64) {
	v.clusterBM = &bitmapBacking{v: v, baseLCN: lcn, windowBits: 8 * 4096}
	clusterBitmap := wnd.Init(totalClusters, v.clusterBM.windowBits, v.clusterBM)
	v.Clusters = alloc.NewClusters(clusterBitmap, int64(v.Boot.SectorsPerCluster))
	zoneLen := totalClusters / 8
	if zoneLen < 1 {
		zoneLen = 1
	}
	v.Clusters.RefreshZone(0, zoneLen)
}

// ReadClusterRange reads numClusters clusters starting at LCN lcn into buf.
func (v *Volume) ReadClusterRange(lcn, numClusters int64, buf []byte) error {
	return v.io.ReadBytes(lcn*v.bytesPerCluster, buf[:numClusters*v.bytesPerCluster])
}

// WriteClusterRange is ReadClusterRange's write counterpart.
func (v *Volume) WriteClusterRange(lcn, numClusters int64, buf []byte) error {
	return v.io.WriteBytes(lcn*v.bytesPerCluster, buf[:numClusters*v.bytesPerCluster], false)
}

