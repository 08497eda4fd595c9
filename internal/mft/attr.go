package mft

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/runs"
)

// Type is an attribute type code, e.g. 0x10 for $STANDARD_INFORMATION.
type Type uint32

const (
	TypeStandardInformation Type = 0x10
	TypeAttributeList       Type = 0x20
	TypeFileName            Type = 0x30
	TypeObjectID            Type = 0x40
	TypeSecurityDescriptor  Type = 0x50
	TypeVolumeName          Type = 0x60
	TypeVolumeInformation   Type = 0x70
	TypeData                Type = 0x80
	TypeIndexRoot           Type = 0x90
	TypeIndexAllocation     Type = 0xA0
	TypeBitmap              Type = 0xB0
	TypeReparsePoint        Type = 0xC0
	TypeEAInformation       Type = 0xD0
	TypeEA                  Type = 0xE0
	TypeLoggedUtilityStream Type = 0x100
	TypeEnd                 Type = 0xFFFFFFFF
)

func (t Type) String() string {
	switch t {
	case TypeStandardInformation:
		return "$STANDARD_INFORMATION"
	case TypeAttributeList:
		return "$ATTRIBUTE_LIST"
	case TypeFileName:
		return "$FILE_NAME"
	case TypeObjectID:
		return "$OBJECT_ID"
	case TypeSecurityDescriptor:
		return "$SECURITY_DESCRIPTOR"
	case TypeVolumeName:
		return "$VOLUME_NAME"
	case TypeVolumeInformation:
		return "$VOLUME_INFORMATION"
	case TypeData:
		return "$DATA"
	case TypeIndexRoot:
		return "$INDEX_ROOT"
	case TypeIndexAllocation:
		return "$INDEX_ALLOCATION"
	case TypeBitmap:
		return "$BITMAP"
	case TypeReparsePoint:
		return "$REPARSE_POINT"
	case TypeEAInformation:
		return "$EA_INFORMATION"
	case TypeEA:
		return "$EA"
	case TypeLoggedUtilityStream:
		return "$LOGGED_UTILITY_STREAM"
	default:
		return "$UNKNOWN"
	}
}

// Flags on the attribute header: compression/encryption/sparse.
type Flags uint16

const (
	FlagCompressed Flags = 0x0001
	FlagEncrypted  Flags = 0x4000
	FlagSparse     Flags = 0x8000
)

// Attr is a decoded attribute: header fields common to both forms, plus
// either Resident data or a non-resident run list.
type Attr struct {
	Type       Type
	Name       string // empty for the unnamed attribute
	Flags      Flags
	ID         uint16
	Resident   bool

	// Resident form.
	Data []byte

	// Non-resident form.
	StartVCN       int64
	LastVCN        int64
	AllocatedSize  int64
	DataSize       int64
	InitializedSize int64
	Runs           *runs.Tree

	headerLen int // total on-disk length of this attribute, for InsertAttr/RemoveAttr bookkeeping
}

// ParseAttr decodes one attribute starting at buf[0]; it does not know the
// length in advance and reads it from the header's RecordLength field. It
// returns the attribute and the offset of the next attribute.
func ParseAttr(buf []byte) (*Attr, int, error) {
	if len(buf) < 16 {
		return nil, 0, ntfserr.New(ntfserr.BadFormat, "mft.ParseAttr", nil)
	}
	typ := Type(binary.LittleEndian.Uint32(buf[0x00:]))
	if typ == TypeEnd {
		return nil, 4, nil
	}
	length := binary.LittleEndian.Uint32(buf[0x04:])
	if length < 16 || int(length) > len(buf) {
		return nil, 0, ntfserr.New(ntfserr.BadFormat, "mft.ParseAttr", nil)
	}
	nonResidentFlag := buf[0x08]
	nameLen := buf[0x09]
	nameOffset := binary.LittleEndian.Uint16(buf[0x0A:])
	flags := Flags(binary.LittleEndian.Uint16(buf[0x0C:]))
	id := binary.LittleEndian.Uint16(buf[0x0E:])

	a := &Attr{Type: typ, Flags: flags, ID: id, headerLen: int(length)}
	if nameLen > 0 {
		a.Name = decodeUTF16(buf[nameOffset : nameOffset+uint16(nameLen)*2])
	}

	if nonResidentFlag == 0 {
		a.Resident = true
		valLen := binary.LittleEndian.Uint32(buf[0x10:])
		valOff := binary.LittleEndian.Uint16(buf[0x14:])
		if int(valOff)+int(valLen) > int(length) {
			return nil, 0, ntfserr.New(ntfserr.BadFormat, "mft.ParseAttr", nil)
		}
		a.Data = append([]byte(nil), buf[valOff:int(valOff)+int(valLen)]...)
	} else {
		a.StartVCN = int64(binary.LittleEndian.Uint64(buf[0x10:]))
		a.LastVCN = int64(binary.LittleEndian.Uint64(buf[0x18:]))
		runOffset := binary.LittleEndian.Uint16(buf[0x20:])
		a.AllocatedSize = int64(binary.LittleEndian.Uint64(buf[0x28:]))
		a.DataSize = int64(binary.LittleEndian.Uint64(buf[0x30:]))
		a.InitializedSize = int64(binary.LittleEndian.Uint64(buf[0x38:]))
		if int(runOffset) > int(length) {
			return nil, 0, ntfserr.New(ntfserr.BadFormat, "mft.ParseAttr", nil)
		}
		t := runs.New()
		if err := t.Unpack(buf[runOffset:length], a.StartVCN, a.LastVCN); err != nil {
			return nil, 0, err
		}
		a.Runs = t
	}
	return a, int(length), nil
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}

func encodeUTF16(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, len(u)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	return b
}

// EnumAttrs walks every attribute in a record's post-header bytes, calling
// fn for each until it returns false or the AT_END marker is reached.
func EnumAttrs(r *Record, fn func(*Attr, int) bool) error {
	off := int(r.AttrsOffset)
	buf := r.raw
	for off+4 <= len(buf) {
		a, length, err := ParseAttr(buf[off:])
		if err != nil {
			return err
		}
		if a == nil { // AT_END
			return nil
		}
		if !fn(a, off) {
			return nil
		}
		off += length
	}
	return nil
}

// FindAttr returns the first attribute matching typ and name (name="" means
// the unnamed stream), or ntfserr.NotFound.
func FindAttr(r *Record, typ Type, name string) (*Attr, int, error) {
	var found *Attr
	var foundOff int
	err := EnumAttrs(r, func(a *Attr, off int) bool {
		if a.Type == typ && a.Name == name {
			found = a
			foundOff = off
			return false
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	if found == nil {
		return nil, 0, ntfserr.New(ntfserr.NotFound, "mft.FindAttr", nil)
	}
	return found, foundOff, nil
}
