package symcache

import "hash/crc32"

// File format constants
const (
	// Current version of the symcache format
	version uint32 = 1

	// Byte order marker, written little-endian
	byteOrderMark uint32 = 0x01020304

	// Size of the file header in bytes
	headerSize = 0x80

	// Size of a function or file table entry (string ref: offset, length)
	refEntrySize = 8

	// Size of an address-range index entry
	rangeEntrySize = 40

	// NoParent marks a range entry without an inline parent.
	NoParent uint32 = 0xffffffff

	// NoFile marks a range entry without source file information,
	// typically a plain-symbol fallback entry.
	NoFile uint32 = 0xffffffff
)

// CRC32 table using the Castagnoli polynomial
var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
	magic      = []byte{0x73, 0x79, 0x63, 0x66} // "sycf"
)
