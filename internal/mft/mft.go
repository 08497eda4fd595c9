// Package mft implements the MFT record and attribute engine: parsing and
// building of MFT_RECORD headers and attribute headers, and the mi_* style
// operations (enumerate, find, insert, remove, resize)
// that operate on a single record's attribute list.
//
// Struct layouts are grounded in the on-disk format as parsed by reference
// NTFS readers: fixed offsets for the record header, file reference packing
// (48-bit record number + 16-bit sequence number), and the resident /
// non-resident attribute header split.
package mft

import (
	"encoding/binary"

	"github.com/nfistri/gontfs/internal/ntfserr"
)

const (
	RecordMagic = "FILE"

	// Fixed system file record numbers (volume's first 16 MFT records are
	// reserved metadata files).
	RecordMFT       = 0
	RecordMFTMirr   = 1
	RecordLogFile   = 2
	RecordVolume    = 3
	RecordAttrDef   = 4
	RecordRoot      = 5
	RecordBitmap    = 6
	RecordBoot      = 7
	RecordBadClus   = 8
	RecordSecure    = 9
	RecordUpcase    = 10
	RecordExtend    = 11
	FirstUserRecord = 16
)

// RecordFlag bits, stored at offset 0x16 of the record header.
type RecordFlag uint16

const (
	FlagInUse      RecordFlag = 0x0001
	FlagDirectory  RecordFlag = 0x0002
	FlagInExtend   RecordFlag = 0x0004
	FlagIsIndex    RecordFlag = 0x0008
)

// Reference is a packed MFT file reference: a 48-bit record number and a
// 16-bit sequence number, used to address a record while detecting reuse.
type Reference uint64

func MakeReference(recordNumber uint64, sequenceNumber uint16) Reference {
	return Reference((recordNumber & 0x0000FFFFFFFFFFFF) | (uint64(sequenceNumber) << 48))
}

func (r Reference) RecordNumber() uint64 { return uint64(r) & 0x0000FFFFFFFFFFFF }
func (r Reference) SequenceNumber() uint16 { return uint16(uint64(r) >> 48) }

// recordHeaderSize is the fixed portion of MFT_RECORD preceding the first
// attribute; fields after the fixup array vary by NTFS version but the ones
// read here are stable since NTFS 3.0.
const recordHeaderSize = 0x30

// Record is a decoded MFT record: its header fields plus the raw attribute
// bytes (post-fixup, still in on-disk attribute-header form).
type Record struct {
	SequenceNumber  uint16
	LinkCount       uint16
	AttrsOffset     uint16
	Flags           RecordFlag
	BytesInUse      uint32
	BytesAllocated  uint32
	BaseRecord      Reference
	NextAttrID      uint16
	RecordNumber    uint32 // self-reference, NTFS 3.1+; 0 if absent

	raw []byte // full record buffer, fixups already applied
}

// Size returns the length of the record's raw buffer (its bytes-allocated
// size).
func (r *Record) Size() int { return len(r.raw) }

// Bytes returns the raw record buffer (fixups applied, safe to re-apply
// WriteFixup over before writing back to disk).
func (r *Record) Bytes() []byte { return r.raw }

// Parse decodes an MFT record from buf, which must already have had its
// fixups verified and restored (see internal/blockio.ReadFixup). buf is
// retained by the returned Record.
func Parse(buf []byte) (*Record, error) {
	if len(buf) < recordHeaderSize {
		return nil, ntfserr.New(ntfserr.BadFormat, "mft.Parse", nil)
	}
	if string(buf[0:4]) != RecordMagic {
		return nil, ntfserr.New(ntfserr.BadFormat, "mft.Parse", nil)
	}
	r := &Record{raw: buf}
	r.SequenceNumber = binary.LittleEndian.Uint16(buf[0x10:])
	r.LinkCount = binary.LittleEndian.Uint16(buf[0x12:])
	r.AttrsOffset = binary.LittleEndian.Uint16(buf[0x14:])
	r.Flags = RecordFlag(binary.LittleEndian.Uint16(buf[0x16:]))
	r.BytesInUse = binary.LittleEndian.Uint32(buf[0x18:])
	r.BytesAllocated = binary.LittleEndian.Uint32(buf[0x1C:])
	r.BaseRecord = Reference(binary.LittleEndian.Uint64(buf[0x20:]))
	r.NextAttrID = binary.LittleEndian.Uint16(buf[0x28:])
	if len(buf) >= 0x30 {
		r.RecordNumber = binary.LittleEndian.Uint32(buf[0x2C:])
	}
	if int(r.BytesInUse) > len(buf) || int(r.AttrsOffset) > len(buf) {
		return nil, ntfserr.New(ntfserr.BadFormat, "mft.Parse", nil)
	}
	return r, nil
}

// FormatNew builds an empty, in-use record of size recordSize occupying
// buf (len(buf) == recordSize), ready for attributes to be inserted.
func FormatNew(buf []byte, recordNumber uint32, usaSectors int) *Record {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[0:4], RecordMagic)
	usaOffset := uint16(0x30)
	usaCount := uint16(usaSectors + 1)
	binary.LittleEndian.PutUint16(buf[4:], usaOffset)
	binary.LittleEndian.PutUint16(buf[6:], usaCount)
	attrsOffset := usaOffset + usaCount*2
	// align to 8 bytes
	if attrsOffset%8 != 0 {
		attrsOffset += 8 - attrsOffset%8
	}
	r := &Record{
		SequenceNumber: 1,
		LinkCount:      0,
		AttrsOffset:    attrsOffset,
		Flags:          FlagInUse,
		BytesInUse:     uint32(attrsOffset) + 4, // end-of-attributes marker
		BytesAllocated: uint32(len(buf)),
		NextAttrID:     0,
		RecordNumber:   recordNumber,
		raw:            buf,
	}
	r.writeHeader()
	binary.LittleEndian.PutUint32(buf[r.AttrsOffset:], 0xFFFFFFFF) // AT_END
	return r
}

func (r *Record) writeHeader() {
	buf := r.raw
	binary.LittleEndian.PutUint16(buf[0x10:], r.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[0x12:], r.LinkCount)
	binary.LittleEndian.PutUint16(buf[0x14:], r.AttrsOffset)
	binary.LittleEndian.PutUint16(buf[0x16:], uint16(r.Flags))
	binary.LittleEndian.PutUint32(buf[0x18:], r.BytesInUse)
	binary.LittleEndian.PutUint32(buf[0x1C:], r.BytesAllocated)
	binary.LittleEndian.PutUint64(buf[0x20:], uint64(r.BaseRecord))
	binary.LittleEndian.PutUint16(buf[0x28:], r.NextAttrID)
	if len(buf) >= 0x30 {
		binary.LittleEndian.PutUint32(buf[0x2C:], r.RecordNumber)
	}
}

// Pack re-serializes the header fields into the record's buffer; callers
// must call this after any mutation of the decoded fields before the record
// is fixed up and written back.
func (r *Record) Pack() []byte {
	r.writeHeader()
	return r.raw
}

func (r *Record) InUse() bool { return r.Flags&FlagInUse != 0 }
func (r *Record) IsDirectory() bool { return r.Flags&FlagDirectory != 0 }
