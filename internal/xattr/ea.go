// Package xattr implements the EA (extended attribute) store glue: packing
// and unpacking the $EA_INFORMATION / $EA attribute pair, and get/set
// semantics with XATTR_CREATE / XATTR_REPLACE flags as used by FUSE's
// SetXattr operation.
package xattr

import (
	"encoding/binary"

	"github.com/nfistri/gontfs/internal/ntfserr"
)

// Flag mirrors the POSIX setxattr semantics the FUSE layer exposes.
type Flag int

const (
	Default Flag = iota
	Create       // fail if the name already exists
	Replace      // fail if the name does not already exist
)

// MaxEADataSize bounds a single EA's value, matching the on-disk limit
// enforced by reference NTFS drivers.
const MaxEADataSize = 65536

// Info mirrors $EA_INFORMATION: the packed size of $EA, a count of EAs that
// carry the "need EA" bit, and the single largest EA's packed size (used by
// Windows to size a query buffer up front).
type Info struct {
	PackedEASize  uint16
	NeedEACount   uint16
	PackedEASizeMax uint16
}

func (i Info) Marshal() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:], i.PackedEASize)
	binary.LittleEndian.PutUint16(b[2:], i.NeedEACount)
	binary.LittleEndian.PutUint16(b[4:], i.PackedEASizeMax)
	return b
}

func UnmarshalInfo(b []byte) (Info, error) {
	if len(b) < 8 {
		return Info{}, ntfserr.New(ntfserr.BadFormat, "xattr.UnmarshalInfo", nil)
	}
	return Info{
		PackedEASize:    binary.LittleEndian.Uint16(b[0:]),
		NeedEACount:     binary.LittleEndian.Uint16(b[2:]),
		PackedEASizeMax: binary.LittleEndian.Uint16(b[4:]),
	}, nil
}

// EA is one entry of the $EA attribute's packed list.
type EA struct {
	NeedEA bool
	Name   string // ASCII, NUL-terminated on disk
	Value  []byte
}

// entryHeaderSize is flags(1) + name_length(1) + value_length(2).
const entryHeaderSize = 4

// Unmarshal decodes the packed $EA attribute value into its entries.
func Unmarshal(buf []byte) ([]EA, error) {
	var out []EA
	off := 0
	for off < len(buf) {
		if off+entryHeaderSize > len(buf) {
			return nil, ntfserr.New(ntfserr.BadFormat, "xattr.Unmarshal", nil)
		}
		flags := buf[off]
		nameLen := int(buf[off+1])
		valLen := int(binary.LittleEndian.Uint16(buf[off+2:]))
		nameStart := off + entryHeaderSize
		nameEnd := nameStart + nameLen
		valStart := nameEnd + 1 // NUL terminator
		valEnd := valStart + valLen
		if valEnd > len(buf) {
			return nil, ntfserr.New(ntfserr.BadFormat, "xattr.Unmarshal", nil)
		}
		e := EA{
			NeedEA: flags&0x80 != 0,
			Name:   string(buf[nameStart:nameEnd]),
			Value:  append([]byte(nil), buf[valStart:valEnd]...),
		}
		out = append(out, e)
		entryLen := valEnd - off
		if pad := entryLen % 4; pad != 0 {
			entryLen += 4 - pad
		}
		off += entryLen
	}
	return out, nil
}

// Marshal re-encodes entries into the packed $EA attribute value, 4-byte
// aligning each entry as reference implementations do.
func Marshal(entries []EA) []byte {
	var buf []byte
	for _, e := range entries {
		flags := byte(0)
		if e.NeedEA {
			flags = 0x80
		}
		entry := make([]byte, entryHeaderSize+len(e.Name)+1+len(e.Value))
		entry[0] = flags
		entry[1] = byte(len(e.Name))
		binary.LittleEndian.PutUint16(entry[2:], uint16(len(e.Value)))
		copy(entry[entryHeaderSize:], e.Name)
		copy(entry[entryHeaderSize+len(e.Name)+1:], e.Value)
		if pad := len(entry) % 4; pad != 0 {
			entry = append(entry, make([]byte, 4-pad)...)
		}
		buf = append(buf, entry...)
	}
	return buf
}

// Get returns the value of name, or ntfserr.NotFound.
func Get(entries []EA, name string) ([]byte, error) {
	for _, e := range entries {
		if e.Name == name {
			return e.Value, nil
		}
	}
	return nil, ntfserr.New(ntfserr.NotFound, "xattr.Get", nil)
}

// Set inserts or replaces name's value according to flag, returning the
// updated entry list. flag semantics mirror setxattr(2): Create fails if
// name exists, Replace fails if it doesn't.
func Set(entries []EA, name string, value []byte, flag Flag) ([]EA, error) {
	if len(value) > MaxEADataSize {
		return nil, ntfserr.New(ntfserr.TooLarge, "xattr.Set", nil)
	}
	for i, e := range entries {
		if e.Name == name {
			if flag == Create {
				return nil, ntfserr.New(ntfserr.Exists, "xattr.Set", nil)
			}
			out := append([]EA(nil), entries...)
			out[i].Value = value
			return out, nil
		}
	}
	if flag == Replace {
		return nil, ntfserr.New(ntfserr.NotFound, "xattr.Set", nil)
	}
	return append(append([]EA(nil), entries...), EA{Name: name, Value: value}), nil
}

// Remove deletes name from entries, returning ntfserr.NotFound if absent.
func Remove(entries []EA, name string) ([]EA, error) {
	for i, e := range entries {
		if e.Name == name {
			out := append([]EA(nil), entries[:i]...)
			return append(out, entries[i+1:]...), nil
		}
	}
	return nil, ntfserr.New(ntfserr.NotFound, "xattr.Remove", nil)
}

// IsRecognizedNamespace reports whether name falls in a namespace the
// engine stores via $EA rather than rejecting outright (user.*, system.*,
// security.* and trusted.*).
func IsRecognizedNamespace(name string) bool {
	for _, p := range []string{"user.", "system.", "security.", "trusted."} {
		if len(name) > len(p) && name[:len(p)] == p {
			return true
		}
	}
	return false
}
