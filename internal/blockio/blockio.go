// Package blockio is the block I/O facade: it reads and writes byte ranges
// on the underlying volume and applies the NTFS fixup-record transform to
// MFT records and index blocks on their way in and out.
//
// The runs engine and record engine only ever talk to a Device through this
// package; neither depends on *os.File, a page cache, or any other concrete
// storage.
package blockio

import (
	"encoding/binary"
	"io"

	"github.com/nfistri/gontfs/internal/ntfserr"
)

// Device is the storage primitive the core requires: byte-addressed reads
// and writes, with an explicit sync point. Implementations backed by a real
// block device should make Sync durable (fsync/fdatasync); a Device backed
// by a plain file can simply call File.Sync.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Facade wraps a Device with the sector size needed for the fixup transform.
type Facade struct {
	Dev        Device
	SectorSize int
}

// New returns a Facade for dev with the given sector size (from the boot
// sector's BytesPerSector field).
func New(dev Device, sectorSize int) *Facade {
	return &Facade{Dev: dev, SectorSize: sectorSize}
}

// ReadBytes reads len(buf) bytes starting at lbo.
func (f *Facade) ReadBytes(lbo int64, buf []byte) error {
	if _, err := f.Dev.ReadAt(buf, lbo); err != nil {
		return ntfserr.New(ntfserr.IO, "blockio.ReadBytes", err)
	}
	return nil
}

// WriteBytes writes buf at lbo, optionally fsyncing before returning.
func (f *Facade) WriteBytes(lbo int64, buf []byte, sync bool) error {
	if _, err := f.Dev.WriteAt(buf, lbo); err != nil {
		return ntfserr.New(ntfserr.IO, "blockio.WriteBytes", err)
	}
	if sync {
		if err := f.Dev.Sync(); err != nil {
			return ntfserr.New(ntfserr.IO, "blockio.WriteBytes", err)
		}
	}
	return nil
}

// Fixup offsets common to both MFT records ("FILE") and index blocks
// ("INDX"): both headers begin with a 4-byte magic, followed by a uint16
// update-sequence-array offset and a uint16 update-sequence-array element
// count (the count includes the USN itself, so the array covers
// count-1 sectors).
const (
	usaOffsetOff = 4
	usaCountOff  = 6
)

// ReadFixup verifies the fixup array in buf (a freshly read MFT record or
// index block) and replaces the two-byte sentinel at the end of each sector
// with the original data bytes the array is shadowing. It returns a
// BadFormat error if the sentinel does not match at any sector boundary,
// which the caller must treat as corruption.
func ReadFixup(buf []byte, sectorSize int) error {
	if len(buf) < 8 {
		return ntfserr.New(ntfserr.BadFormat, "blockio.ReadFixup", nil)
	}
	usaOfs := int(binary.LittleEndian.Uint16(buf[usaOffsetOff:]))
	usaCount := int(binary.LittleEndian.Uint16(buf[usaCountOff:]))
	if usaCount == 0 {
		return nil // unfixed-up record, e.g. a zeroed slot
	}
	nSectors := usaCount - 1
	if usaOfs < 0 || usaOfs+usaCount*2 > len(buf) {
		return ntfserr.New(ntfserr.BadFormat, "blockio.ReadFixup", nil)
	}
	if nSectors*sectorSize > len(buf) {
		return ntfserr.New(ntfserr.BadFormat, "blockio.ReadFixup", nil)
	}
	usn := buf[usaOfs : usaOfs+2]
	for i := 0; i < nSectors; i++ {
		pos := (i+1)*sectorSize - 2
		if buf[pos] != usn[0] || buf[pos+1] != usn[1] {
			return ntfserr.New(ntfserr.BadFormat, "blockio.ReadFixup", nil)
		}
		orig := buf[usaOfs+2+i*2 : usaOfs+2+i*2+2]
		buf[pos] = orig[0]
		buf[pos+1] = orig[1]
	}
	return nil
}

// WriteFixup is the inverse transform, applied in place before the buffer is
// handed to WriteBytes: it bumps the update sequence number, stashes the
// real bytes at each sector boundary into the update sequence array, and
// stamps the new USN over the sector-end bytes. Returns the new USN so
// callers that keep it in a header field (e.g. mft_inode.usn) can update
// their copy.
func WriteFixup(buf []byte, sectorSize int, prevUSN uint16) (newUSN uint16, err error) {
	if len(buf) < 8 {
		return 0, ntfserr.New(ntfserr.BadFormat, "blockio.WriteFixup", nil)
	}
	usaOfs := int(binary.LittleEndian.Uint16(buf[usaOffsetOff:]))
	usaCount := int(binary.LittleEndian.Uint16(buf[usaCountOff:]))
	if usaCount == 0 {
		return prevUSN, nil
	}
	nSectors := usaCount - 1
	if usaOfs < 0 || usaOfs+usaCount*2 > len(buf) || nSectors*sectorSize > len(buf) {
		return 0, ntfserr.New(ntfserr.BadFormat, "blockio.WriteFixup", nil)
	}
	newUSN = prevUSN + 1
	if newUSN == 0 {
		newUSN = 1 // 0 is reserved; never hand out a zero USN
	}
	binary.LittleEndian.PutUint16(buf[usaOfs:], newUSN)
	for i := 0; i < nSectors; i++ {
		pos := (i+1)*sectorSize - 2
		copy(buf[usaOfs+2+i*2:usaOfs+2+i*2+2], buf[pos:pos+2])
		buf[pos] = byte(newUSN)
		buf[pos+1] = byte(newUSN >> 8)
	}
	return newUSN, nil
}
