package fuse

import (
	"context"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/nfistri/gontfs/internal/mft"
	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/runs"
	"github.com/nfistri/gontfs/internal/volume"
	"github.com/nfistri/gontfs/internal/xattr"
)

type memDevice struct{ buf []byte }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.buf[off:]), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.buf[off:], p), nil
}

func (d *memDevice) Sync() error { return nil }

func openTestVolume(t *testing.T) *volume.Volume {
	t.Helper()
	dev := &memDevice{buf: make([]byte, 1<<20)}
	const totalMFTRecords = 8
	const mftBaseLCN = 10
	const bytesPerCluster = 512

	boot := &volume.BootSector{
		BytesPerSector:      512,
		SectorsPerCluster:   1,
		TotalSectors:        4096,
		MFTLCN:              mftBaseLCN,
		ClustersPerMFTRec:   -9,
		ClustersPerIndexRec: 1,
	}

	tree := runs.New()
	if err := tree.Add(0, mftBaseLCN, totalMFTRecords); err != nil {
		t.Fatal(err)
	}
	runBuf := make([]byte, 32)
	n, _, err := tree.Pack(0, totalMFTRecords, runBuf)
	if err != nil {
		t.Fatal(err)
	}
	v, err := volume.Open(dev, boot.Marshal(), runBuf[:n], totalMFTRecords*bytesPerCluster,
		200, 64, 300, 64, 4096, totalMFTRecords)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestErrnoMapping(t *testing.T) {
	if got := errno(nil); got != nil {
		t.Fatalf("errno(nil) = %v, want nil", got)
	}
	if got := errno(ntfserr.New(ntfserr.NotFound, "test", nil)); got != syscall.ENOENT {
		t.Fatalf("errno(NotFound) = %v, want ENOENT", got)
	}
	if got := errno(ntfserr.New(ntfserr.NoSpace, "test", nil)); got != syscall.ENOSPC {
		t.Fatalf("errno(NoSpace) = %v, want ENOSPC", got)
	}
}

func TestListAndGetXattr(t *testing.T) {
	v := openTestVolume(t)

	const fileRno = 5
	recBuf := make([]byte, 512)
	r := mft.FormatNew(recBuf, fileRno, 1)

	entries := []xattr.EA{{Name: "user.comment", Value: []byte("hello")}}
	eaData := xattr.Marshal(entries)
	eaAttr := mft.BuildResident(mft.TypeEA, "", 0, 0, eaData, false)
	if _, err := mft.InsertAttr(r, eaAttr); err != nil {
		t.Fatal(err)
	}
	if err := v.WriteRecord(fileRno, r); err != nil {
		t.Fatal(err)
	}

	fs := newFuseFS(v, Options{})

	listOp := &fuseops.ListXattrOp{Inode: fuseops.InodeID(fileRno), Dst: make([]byte, 64)}
	if err := fs.ListXattr(context.Background(), listOp); err != nil {
		t.Fatalf("ListXattr: %v", err)
	}
	want := "user.comment\x00"
	if got := string(listOp.Dst[:listOp.BytesRead]); got != want {
		t.Fatalf("ListXattr Dst = %q, want %q", got, want)
	}

	getOp := &fuseops.GetXattrOp{Inode: fuseops.InodeID(fileRno), Name: "user.comment", Dst: make([]byte, 64)}
	if err := fs.GetXattr(context.Background(), getOp); err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if got := string(getOp.Dst[:getOp.BytesRead]); got != "hello" {
		t.Fatalf("GetXattr Dst = %q, want %q", got, "hello")
	}

	missOp := &fuseops.GetXattrOp{Inode: fuseops.InodeID(fileRno), Name: "user.missing", Dst: make([]byte, 64)}
	if err := fs.GetXattr(context.Background(), missOp); err != syscall.ENODATA {
		t.Fatalf("GetXattr for missing name = %v, want ENODATA", err)
	}
}

func TestOpenDirRejectsFile(t *testing.T) {
	v := openTestVolume(t)

	const fileRno = 5
	recBuf := make([]byte, 512)
	r := mft.FormatNew(recBuf, fileRno, 1)
	if err := v.WriteRecord(fileRno, r); err != nil {
		t.Fatal(err)
	}

	fs := newFuseFS(v, Options{})
	err := fs.OpenDir(context.Background(), &fuseops.OpenDirOp{Inode: fuseops.InodeID(fileRno)})
	if err == nil {
		t.Fatal("OpenDir on a plain file: want error, got nil")
	}
}
