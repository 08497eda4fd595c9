package inode

import (
	"encoding/binary"
	"testing"

	"github.com/nfistri/gontfs/internal/index"
	"github.com/nfistri/gontfs/internal/mft"
	"github.com/nfistri/gontfs/internal/runs"
	"github.com/nfistri/gontfs/internal/volume"
)

type memDevice struct{ buf []byte }

func newMemDevice(size int) *memDevice { return &memDevice{buf: make([]byte, size)} }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.buf[off:]), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.buf[off:], p), nil
}

func (d *memDevice) Sync() error { return nil }

func makeBootBuf() []byte {
	b := &volume.BootSector{
		BytesPerSector:      512,
		SectorsPerCluster:   1,
		TotalSectors:        4096,
		MFTLCN:              10,
		ClustersPerMFTRec:   -9, // 512-byte records
		ClustersPerIndexRec: 1,
	}
	return b.Marshal()
}

func buildFileNameData(parent mft.Reference, size int64, name string) []byte {
	buf := make([]byte, 0x42+len(name)*2)
	binary.LittleEndian.PutUint64(buf[0x00:], uint64(parent))
	binary.LittleEndian.PutUint64(buf[0x28:], uint64(size))
	binary.LittleEndian.PutUint64(buf[0x30:], uint64(size))
	buf[0x40] = byte(len(name))
	for i, r := range name {
		binary.LittleEndian.PutUint16(buf[0x42+2*i:], uint16(r))
	}
	return buf
}

func openTestVolume(t *testing.T) *volume.Volume {
	t.Helper()
	dev := newMemDevice(1 << 20)
	const totalMFTRecords = 8
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
	v, err := volume.Open(dev, makeBootBuf(), runBuf[:n], totalMFTRecords*bytesPerCluster,
		200, 64, 300, 64, 4096, totalMFTRecords)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestStandardInfoAndReadAt(t *testing.T) {
	v := openTestVolume(t)

	const fileRno = 5
	recBuf := make([]byte, 512)
	r := mft.FormatNew(recBuf, fileRno, 1)

	siData := make([]byte, 0x30)
	siAttr := mft.BuildResident(mft.TypeStandardInformation, "", 0, 0, siData, false)
	if _, err := mft.InsertAttr(r, siAttr); err != nil {
		t.Fatal(err)
	}

	data := []byte("hello, ntfs")
	dataAttr := mft.BuildResident(mft.TypeData, "", 0, 1, data, false)
	if _, err := mft.InsertAttr(r, dataAttr); err != nil {
		t.Fatal(err)
	}

	if err := v.WriteRecord(fileRno, r); err != nil {
		t.Fatal(err)
	}

	ino, err := Open(v, fileRno)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ino.StandardInfo(); err != nil {
		t.Fatalf("StandardInfo: %v", err)
	}
	buf := make([]byte, 64)
	n, err := ino.ReadAt(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != string(data) {
		t.Fatalf("ReadAt = %q, want %q", buf[:n], data)
	}
}

func TestDirLookupAndReaddir(t *testing.T) {
	v := openTestVolume(t)

	const fileRno = 6
	const dirRno = 7

	fileRec := make([]byte, 512)
	mft.FormatNew(fileRec, fileRno, 1)
	if err := v.WriteRecord(fileRno, mustParse(t, fileRec)); err != nil {
		t.Fatal(err)
	}

	childRef := mft.MakeReference(fileRno, 1)
	entryData := append(append([]byte(nil), encodeRef(childRef)...), buildFileNameData(mft.MakeReference(dirRno, 1), 11, "hello.txt")...)

	node := &index.Node{
		Leaf:      true,
		LastChild: -1,
		Entries: []index.Entry{
			{Key: encodeUTF16Key("hello.txt"), Data: entryData},
		},
	}
	packed := packNode(node, 256)
	// indexRootFixedHeader(0x20) + packed root node bytes
	rootData := make([]byte, 0x20+len(packed))
	binary.LittleEndian.PutUint32(rootData[0x08:], 512)
	copy(rootData[0x20:], packed)

	dirRec := make([]byte, 512)
	r := mft.FormatNew(dirRec, dirRno, 1)
	rootAttr := mft.BuildResident(mft.TypeIndexRoot, "$I30", 0, 0, rootData, true)
	if _, err := mft.InsertAttr(r, rootAttr); err != nil {
		t.Fatal(err)
	}
	if err := v.WriteRecord(dirRno, r); err != nil {
		t.Fatal(err)
	}

	dirIno, err := Open(v, dirRno)
	if err != nil {
		t.Fatal(err)
	}
	de, err := dirIno.Lookup("hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if de.Child.RecordNumber() != fileRno {
		t.Fatalf("Lookup child = %d, want %d", de.Child.RecordNumber(), fileRno)
	}
	if de.Name.Name != "hello.txt" {
		t.Fatalf("Lookup name = %q", de.Name.Name)
	}

	entries, err := dirIno.Readdir()
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name.Name != "hello.txt" {
		t.Fatalf("Readdir = %+v", entries)
	}
}

func mustParse(t *testing.T, buf []byte) *mft.Record {
	t.Helper()
	r, err := mft.Parse(buf)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func encodeRef(ref mft.Reference) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(ref))
	return b
}
