package mft

import (
	"encoding/binary"

	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/runs"
)

// align8 rounds n up to the next multiple of 8; attribute records are
// 8-byte aligned on disk.
func align8(n int) int {
	if n%8 != 0 {
		n += 8 - n%8
	}
	return n
}

// BuildResident serializes a resident attribute header plus its data.
func BuildResident(typ Type, name string, flags Flags, id uint16, data []byte, indexed bool) []byte {
	nameBytes := encodeUTF16(name)
	headerLen := 0x18
	nameOff := 0
	if len(nameBytes) > 0 {
		nameOff = headerLen
		headerLen += len(nameBytes)
	}
	valOff := align8(headerLen)
	total := align8(valOff + len(data))

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0x00:], uint32(typ))
	binary.LittleEndian.PutUint32(buf[0x04:], uint32(total))
	buf[0x08] = 0 // resident
	buf[0x09] = byte(len(name))
	binary.LittleEndian.PutUint16(buf[0x0A:], uint16(nameOff))
	binary.LittleEndian.PutUint16(buf[0x0C:], uint16(flags))
	binary.LittleEndian.PutUint16(buf[0x0E:], id)
	binary.LittleEndian.PutUint32(buf[0x10:], uint32(len(data)))
	binary.LittleEndian.PutUint16(buf[0x14:], uint16(valOff))
	if indexed {
		buf[0x16] = 1
	}
	if len(nameBytes) > 0 {
		copy(buf[nameOff:], nameBytes)
	}
	copy(buf[valOff:], data)
	return buf
}

// BuildNonResident serializes a non-resident attribute header plus its
// packed run list.
func BuildNonResident(typ Type, name string, flags Flags, id uint16, startVCN, lastVCN int64, tree *runs.Tree, allocSize, dataSize, initSize int64) ([]byte, error) {
	nameBytes := encodeUTF16(name)
	headerLen := 0x40
	nameOff := 0
	if len(nameBytes) > 0 {
		nameOff = headerLen
		headerLen += len(nameBytes)
	}
	runOff := align8(headerLen)

	runBuf := make([]byte, 512)
	n, packedVCNs, err := tree.Pack(startVCN, lastVCN-startVCN+1, runBuf)
	if err != nil {
		return nil, err
	}
	if packedVCNs != lastVCN-startVCN+1 {
		return nil, ntfserr.New(ntfserr.BadFormat, "mft.BuildNonResident", nil)
	}
	total := align8(runOff + n)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0x00:], uint32(typ))
	binary.LittleEndian.PutUint32(buf[0x04:], uint32(total))
	buf[0x08] = 1 // non-resident
	buf[0x09] = byte(len(name))
	binary.LittleEndian.PutUint16(buf[0x0A:], uint16(nameOff))
	binary.LittleEndian.PutUint16(buf[0x0C:], uint16(flags))
	binary.LittleEndian.PutUint16(buf[0x0E:], id)
	binary.LittleEndian.PutUint64(buf[0x10:], uint64(startVCN))
	binary.LittleEndian.PutUint64(buf[0x18:], uint64(lastVCN))
	binary.LittleEndian.PutUint16(buf[0x20:], uint16(runOff))
	binary.LittleEndian.PutUint64(buf[0x28:], uint64(allocSize))
	binary.LittleEndian.PutUint64(buf[0x30:], uint64(dataSize))
	binary.LittleEndian.PutUint64(buf[0x38:], uint64(initSize))
	if len(nameBytes) > 0 {
		copy(buf[nameOff:], nameBytes)
	}
	copy(buf[runOff:], runBuf[:n])
	return buf, nil
}

// InsertAttr inserts the fully-built attribute bytes attrBuf just before the
// record's AT_END marker and stamps r.NextAttrID into its ID field (replacing
// whatever ID attrBuf carried), then advances r.NextAttrID. Returns
// ntfserr.NoRoom if the record has no space, letting the caller fall back to
// an attribute list or a new extension record.
func InsertAttr(r *Record, attrBuf []byte) (offset int, err error) {
	endOff := int(r.BytesInUse) - 4 // AT_END marker is 4 bytes
	need := len(attrBuf)
	if need < 0x10 {
		return 0, ntfserr.New(ntfserr.BadFormat, "mft.InsertAttr", nil)
	}
	if endOff+need+4 > int(r.BytesAllocated) {
		return 0, ntfserr.New(ntfserr.NoRoom, "mft.InsertAttr", nil)
	}
	copy(r.raw[endOff:], attrBuf)
	binary.LittleEndian.PutUint16(r.raw[endOff+0x0E:], r.NextAttrID)
	binary.LittleEndian.PutUint32(r.raw[endOff+need:], uint32(TypeEnd))
	r.BytesInUse = uint32(endOff + need + 4)
	r.NextAttrID++
	r.writeHeader()
	return endOff, nil
}

// RemoveAttr deletes the attribute at offset (as returned by FindAttr or
// EnumAttrs), shifting everything after it left and shrinking BytesInUse.
func RemoveAttr(r *Record, offset int) error {
	_, length, err := ParseAttr(r.raw[offset:])
	if err != nil {
		return err
	}
	tailStart := offset + length
	tailLen := int(r.BytesInUse) - tailStart
	copy(r.raw[offset:], r.raw[tailStart:tailStart+tailLen])
	r.BytesInUse -= uint32(length)
	r.writeHeader()
	return nil
}

// ResizeResidentAttr replaces the value bytes of the resident attribute at
// offset with newData, shifting subsequent attributes as needed. Returns
// ntfserr.NoRoom if the record has no space for the new size.
func ResizeResidentAttr(r *Record, offset int, newData []byte) error {
	a, oldLen, err := ParseAttr(r.raw[offset:])
	if err != nil {
		return err
	}
	if !a.Resident {
		return ntfserr.New(ntfserr.BadFormat, "mft.ResizeResidentAttr", nil)
	}
	rebuilt := BuildResident(a.Type, a.Name, a.Flags, a.ID, newData, false)
	delta := len(rebuilt) - oldLen
	if int(r.BytesInUse)+delta > int(r.BytesAllocated) {
		return ntfserr.New(ntfserr.NoRoom, "mft.ResizeResidentAttr", nil)
	}
	tailStart := offset + oldLen
	tailLen := int(r.BytesInUse) - tailStart
	newTailStart := offset + len(rebuilt)

	// Move the tail first (handles growth and shrink alike since we have
	// headroom checked above).
	tail := append([]byte(nil), r.raw[tailStart:tailStart+tailLen]...)
	copy(r.raw[offset:], rebuilt)
	copy(r.raw[newTailStart:], tail)

	r.BytesInUse = uint32(int(r.BytesInUse) + delta)
	r.writeHeader()
	return nil
}
