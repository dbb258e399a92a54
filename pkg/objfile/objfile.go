// Package objfile provides a uniform view over loaded binary
// containers (ELF, Mach-O, PE). The container kind is determined by
// signature sniffing, never by a caller-supplied tag. Objects borrow
// from the buffer passed to Parse; the buffer must stay valid for the
// lifetime of every Object derived from it.
package objfile

import (
	"debug/dwarf"
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Arch identifies the target architecture of an Object. The numeric
// values are part of the symcache header format.
type Arch uint32

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchAMD64
	ArchARM
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "386"
	case ArchAMD64:
		return "amd64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	}
	return "unknown"
}

// BuildID is a stable identifier of one compiled binary, derived from
// container-specific metadata (GNU build-id note, Go build-id note,
// Mach-O LC_UUID, PE CodeView GUID). When the container carries no
// native identifier, a content hash is used instead so the ID stays
// stable across identical rebuilds.
type BuildID struct {
	ID  string
	Typ string
}

func GNUBuildID(s string) BuildID  { return BuildID{ID: s, Typ: "gnu"} }
func GoBuildID(s string) BuildID   { return BuildID{ID: s, Typ: "go"} }
func UUIDBuildID(s string) BuildID { return BuildID{ID: s, Typ: "uuid"} }
func PDBBuildID(s string) BuildID  { return BuildID{ID: s, Typ: "pdb"} }
func HashBuildID(s string) BuildID { return BuildID{ID: s, Typ: "hash"} }

func (b *BuildID) Empty() bool {
	return b.ID == "" || b.Typ == ""
}

func (b *BuildID) GNU() bool {
	return b.Typ == "gnu"
}

// Bytes16 folds the identifier into the fixed 16-byte form used by the
// symcache header. Hex identifiers are decoded directly; anything else
// is hashed.
func (b *BuildID) Bytes16() [16]byte {
	var out [16]byte
	if raw, err := hex.DecodeString(b.ID); err == nil && len(raw) > 0 {
		copy(out[:], raw)
		return out
	}
	binary.LittleEndian.PutUint64(out[0:8], xxhash.Sum64String(b.ID))
	binary.LittleEndian.PutUint64(out[8:16], xxhash.Sum64String(b.Typ+"\x00"+b.ID))
	return out
}

// Symbol is one entry from a binary's export/symbol table, used as a
// fallback when no debug records cover an address.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// Object is an immutable view of one binary (one architecture slice of
// a fat container).
type Object interface {
	Architecture() Arch
	BuildID() (BuildID, error)
	Symbols() ([]Symbol, error)
	SectionData(name string) ([]byte, error)
	HasDWARF() bool
	DWARF() (*dwarf.Data, error)
}

// Mach-O and fat magic values, both byte orders.
const (
	machoMagic32  = 0xfeedface
	machoMagic64  = 0xfeedfacf
	machoCigam32  = 0xcefaedfe
	machoCigam64  = 0xcffaedfe
	machoFatMagic = 0xcafebabe
	machoFatCigam = 0xbebafeca
)

// Parse sniffs the container kind of data and returns one Object per
// architecture slice. Thin containers yield exactly one Object; fat
// Mach-O containers yield one per slice.
func Parse(data []byte) ([]Object, error) {
	if len(data) < 4 {
		return nil, &TruncatedError{Section: "file header", Need: 4, Have: uint64(len(data))}
	}
	switch {
	case data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F':
		obj, err := newElfObject(data)
		if err != nil {
			return nil, err
		}
		return []Object{obj}, nil
	case data[0] == 'M' && data[1] == 'Z':
		obj, err := newPEObject(data)
		if err != nil {
			return nil, err
		}
		return []Object{obj}, nil
	}
	switch binary.BigEndian.Uint32(data[:4]) {
	case machoFatMagic, machoFatCigam:
		return parseFatMachO(data)
	}
	switch binary.LittleEndian.Uint32(data[:4]) {
	case machoMagic32, machoMagic64, machoCigam32, machoCigam64:
		obj, err := newMachOObject(data)
		if err != nil {
			return nil, err
		}
		return []Object{obj}, nil
	}
	switch binary.BigEndian.Uint32(data[:4]) {
	case machoMagic32, machoMagic64:
		obj, err := newMachOObject(data)
		if err != nil {
			return nil, err
		}
		return []Object{obj}, nil
	}
	return nil, ErrUnsupportedFormat
}

// hashBuildID derives a stable fallback identifier from the file
// header and code bytes.
func hashBuildID(header, text []byte) BuildID {
	h1 := xxhash.Sum64(header)
	h2 := xxhash.New()
	_, _ = h2.Write(text)
	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[0:8], h1)
	binary.LittleEndian.PutUint64(raw[8:16], h2.Sum64())
	return HashBuildID(hex.EncodeToString(raw[:]))
}
