package volume

import (
	"testing"

	"github.com/nfistri/gontfs/internal/mft"
	"github.com/nfistri/gontfs/internal/runs"
)

type memDevice struct {
	buf []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{buf: make([]byte, size)} }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.buf[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.buf[off:], p)
	return n, nil
}

func (d *memDevice) Sync() error { return nil }

func makeBootBuf(t *testing.T) []byte {
	t.Helper()
	b := &BootSector{
		BytesPerSector:      512,
		SectorsPerCluster:   1,
		TotalSectors:        2048,
		MFTLCN:              10,
		ClustersPerMFTRec:   -9, // 512-byte records
		ClustersPerIndexRec: 1,
	}
	return b.Marshal()
}

func TestOpenAndReadWriteRecord(t *testing.T) {
	dev := newMemDevice(1 << 20)
	bootBuf := makeBootBuf(t)

	const totalMFTRecords = 4
	const mftBaseLCN = 10
	const bytesPerCluster = 512

	tree := runs.New()
	if err := tree.Add(0, mftBaseLCN, totalMFTRecords); err != nil {
		t.Fatal(err)
	}
	runBuf := make([]byte, 32)
	n, _, err := tree.Pack(0, totalMFTRecords, runBuf)
	if err != nil {
		t.Fatal(err)
	}

	v, err := Open(dev, bootBuf, runBuf[:n], totalMFTRecords*bytesPerCluster,
		200, 64, 300, 64, 2048, totalMFTRecords)
	if err != nil {
		t.Fatal(err)
	}
	if v.State() != StateMounted {
		t.Fatalf("State() = %v, want StateMounted", v.State())
	}

	recBuf := make([]byte, bytesPerCluster)
	r := mft.FormatNew(recBuf, 2, 1)
	if err := v.WriteRecord(2, r); err != nil {
		t.Fatal(err)
	}

	delete(v.records, 2) // force a re-read from the backing device
	got, err := v.ReadRecord(2)
	if err != nil {
		t.Fatal(err)
	}
	if !got.InUse() || got.RecordNumber != 2 {
		t.Fatalf("re-read record = %+v", got)
	}
}
