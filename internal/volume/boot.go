package volume

import (
	"encoding/binary"

	"github.com/nfistri/gontfs/internal/ntfserr"
)

// BootSector is the decoded $Boot sector: the handful of fields the engine
// actually needs to compute geometry (everything else -- the jump
// instruction, OEM ID, boot code -- is opaque and round-tripped as-is).
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	TotalSectors      uint64
	MFTLCN            uint64
	MFTMirrLCN        uint64
	ClustersPerMFTRec int8 // negative means 2^|n| bytes, not clusters
	ClustersPerIndexRec int8
	VolumeSerial      uint64

	raw [512]byte
}

// BytesPerCluster is BytesPerSector * SectorsPerCluster.
func (b *BootSector) BytesPerCluster() int64 {
	return int64(b.BytesPerSector) * int64(b.SectorsPerCluster)
}

// MFTRecordSize resolves ClustersPerMFTRec's signed-log2 encoding into a
// byte count.
func (b *BootSector) MFTRecordSize() int64 {
	return recordSizeFromCode(b.ClustersPerMFTRec, b.BytesPerCluster())
}

// IndexRecordSize is the same encoding, applied to index allocation blocks.
func (b *BootSector) IndexRecordSize() int64 {
	return recordSizeFromCode(b.ClustersPerIndexRec, b.BytesPerCluster())
}

func recordSizeFromCode(code int8, bytesPerCluster int64) int64 {
	if code >= 0 {
		return int64(code) * bytesPerCluster
	}
	return int64(1) << uint(-code)
}

// ParseBootSector decodes the 512-byte $Boot sector. It does not validate
// the jump instruction or OEM ID; callers that care about distinguishing
// NTFS from another filesystem should check those themselves.
func ParseBootSector(buf []byte) (*BootSector, error) {
	if len(buf) < 512 {
		return nil, ntfserr.New(ntfserr.BadFormat, "volume.ParseBootSector", nil)
	}
	b := &BootSector{}
	copy(b.raw[:], buf[:512])
	b.BytesPerSector = binary.LittleEndian.Uint16(buf[0x0B:])
	b.SectorsPerCluster = buf[0x0D]
	b.TotalSectors = binary.LittleEndian.Uint64(buf[0x28:])
	b.MFTLCN = binary.LittleEndian.Uint64(buf[0x30:])
	b.MFTMirrLCN = binary.LittleEndian.Uint64(buf[0x38:])
	b.ClustersPerMFTRec = int8(buf[0x40])
	b.ClustersPerIndexRec = int8(buf[0x44])
	b.VolumeSerial = binary.LittleEndian.Uint64(buf[0x48:])
	if b.BytesPerSector == 0 || b.SectorsPerCluster == 0 {
		return nil, ntfserr.New(ntfserr.BadFormat, "volume.ParseBootSector", nil)
	}
	return b, nil
}

// Marshal re-serializes the boot sector, keeping every byte this package
// does not interpret untouched.
func (b *BootSector) Marshal() []byte {
	out := make([]byte, 512)
	copy(out, b.raw[:])
	binary.LittleEndian.PutUint16(out[0x0B:], b.BytesPerSector)
	out[0x0D] = b.SectorsPerCluster
	binary.LittleEndian.PutUint64(out[0x28:], b.TotalSectors)
	binary.LittleEndian.PutUint64(out[0x30:], b.MFTLCN)
	binary.LittleEndian.PutUint64(out[0x38:], b.MFTMirrLCN)
	out[0x40] = byte(b.ClustersPerMFTRec)
	out[0x44] = byte(b.ClustersPerIndexRec)
	binary.LittleEndian.PutUint64(out[0x48:], b.VolumeSerial)
	return out
}
