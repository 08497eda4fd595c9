package index

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// fileNameCollator orders $I30 keys (UTF-16LE names) the way NTFS does: a
// case-insensitive collation consistent with the volume's upcase table.
// golang.org/x/text/collate gives us a locale-aware ordering; reference
// drivers instead walk a literal 64K upcase table, but for names that stay
// within the table's one-to-one mappings the two agree.
var fileNameCollator = collate.New(language.Und, collate.IgnoreCase)

// CollateFileName compares two $FILE_NAME index keys (raw UTF-16LE bytes).
func CollateFileName(a, b []byte) int {
	return fileNameCollator.Compare(utf16leToUTF8(a), utf16leToUTF8(b))
}

func utf16leToUTF8(b []byte) []byte {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return []byte(string(decodeUTF16(u)))
}

func decodeUTF16(u []uint16) []rune {
	out := make([]rune, 0, len(u))
	for i := 0; i < len(u); i++ {
		r := rune(u[i])
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(u) {
			r2 := rune(u[i+1])
			if r2 >= 0xDC00 && r2 <= 0xDFFF {
				out = append(out, ((r-0xD800)<<10|(r2-0xDC00))+0x10000)
				i++
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// CollateUint64 orders $SII-style keys: a single little-endian uint64 (the
// security ID).
func CollateUint64(a, b []byte) int {
	av := binary.LittleEndian.Uint64(pad8(a))
	bv := binary.LittleEndian.Uint64(pad8(b))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func pad8(b []byte) []byte {
	if len(b) >= 8 {
		return b
	}
	out := make([]byte, 8)
	copy(out, b)
	return out
}

// CollateSDH orders $SDH keys: (hash uint32, security_id uint32), both
// little-endian, hash first.
func CollateSDH(a, b []byte) int {
	ah, bh := binary.LittleEndian.Uint32(a[0:4]), binary.LittleEndian.Uint32(b[0:4])
	if ah != bh {
		if ah < bh {
			return -1
		}
		return 1
	}
	return bytes.Compare(a[4:8], b[4:8])
}
