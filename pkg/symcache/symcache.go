// Package symcache implements a compact binary format for symbol
// caches: address-range indexes extracted from native debug
// information, optimized for fast address lookup with inline-frame
// expansion.
//
// A cache is produced once per binary by a Builder and is immutable
// afterwards. Readers borrow the serialized buffer and answer
// address -> frame-chain queries via binary search; any number of
// Readers may share one buffer concurrently.
package symcache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/objd/symbolic/pkg/objfile"
)

// Frame is one resolved stack frame. Depth is the position within the
// inline chain, 0 being the innermost frame. Fallback entries resolved
// from plain symbol tables have an empty File and Line 0.
type Frame struct {
	Function string
	File     string
	Line     uint32
	Depth    uint32
}

// RangeEntry is one decoded entry of the address-range index. The
// index is sorted ascending by (Start, Depth); Parent and Func/File
// are indexes into the range and function/file tables.
type RangeEntry struct {
	Start  uint64
	End    uint64
	Func   uint32
	File   uint32
	Line   uint32
	Parent uint32
	Depth  uint32
}

type stringRef struct {
	off uint32
	len uint32
}

type sectionHeader struct {
	offset uint64
	size   uint64
	crc    uint32
}

type tableHeader struct {
	offset uint64
	count  uint32
	crc    uint32
}

type header struct {
	version uint32
	arch    objfile.Arch
	buildID [16]byte

	strings   sectionHeader
	functions tableHeader
	files     tableHeader
	ranges    tableHeader
}

// CorruptError reports an invalid cache buffer: wrong magic, byte
// order mismatch, or declared sections exceeding the buffer.
type CorruptError struct {
	Section string
	Reason  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt symcache: %s: %s", e.Section, e.Reason)
}

// VersionError reports a cache written by a newer format revision than
// this reader supports. The caller should rebuild the cache.
type VersionError struct {
	Got       uint32
	Supported uint32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported symcache version %d, supported up to %d", e.Got, e.Supported)
}

// WriteError wraps an I/O failure during serialization. Output
// produced before the failure must not be used as a cache.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write symcache: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err indicates an unusable cache buffer.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

// IsVersionMismatch reports whether err indicates a too-new cache.
func IsVersionMismatch(err error) bool {
	var ve *VersionError
	return errors.As(err, &ve)
}

func (h *header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0x00:0x04], magic)
	binary.LittleEndian.PutUint32(buf[0x04:], h.version)
	binary.LittleEndian.PutUint32(buf[0x08:], byteOrderMark)
	binary.LittleEndian.PutUint32(buf[0x0c:], uint32(h.arch))
	copy(buf[0x10:0x20], h.buildID[:])

	binary.LittleEndian.PutUint64(buf[0x20:], h.strings.offset)
	binary.LittleEndian.PutUint64(buf[0x28:], h.strings.size)
	binary.LittleEndian.PutUint32(buf[0x30:], h.strings.crc)

	putTableHeader(buf[0x38:0x48], h.functions)
	putTableHeader(buf[0x48:0x58], h.files)
	putTableHeader(buf[0x58:0x68], h.ranges)
	return buf
}

func putTableHeader(buf []byte, t tableHeader) {
	binary.LittleEndian.PutUint64(buf[0:], t.offset)
	binary.LittleEndian.PutUint32(buf[8:], t.count)
	binary.LittleEndian.PutUint32(buf[12:], t.crc)
}

func readTableHeader(buf []byte) tableHeader {
	return tableHeader{
		offset: binary.LittleEndian.Uint64(buf[0:]),
		count:  binary.LittleEndian.Uint32(buf[8:]),
		crc:    binary.LittleEndian.Uint32(buf[12:]),
	}
}

func parseHeader(data []byte) (header, error) {
	var h header
	if len(data) < headerSize {
		return h, &CorruptError{Section: "header", Reason: fmt.Sprintf("buffer too small: %d bytes", len(data))}
	}
	for i := range magic {
		if data[i] != magic[i] {
			return h, &CorruptError{Section: "header", Reason: "invalid magic number"}
		}
	}
	h.version = binary.LittleEndian.Uint32(data[0x04:])
	if h.version > version {
		return h, &VersionError{Got: h.version, Supported: version}
	}
	if h.version != version {
		// no older format versions were ever written
		return h, &CorruptError{Section: "header", Reason: fmt.Sprintf("invalid version %d", h.version)}
	}
	if bom := binary.LittleEndian.Uint32(data[0x08:]); bom != byteOrderMark {
		return h, &CorruptError{Section: "header", Reason: fmt.Sprintf("byte order marker 0x%08x", bom)}
	}
	h.arch = objfile.Arch(binary.LittleEndian.Uint32(data[0x0c:]))
	copy(h.buildID[:], data[0x10:0x20])

	h.strings.offset = binary.LittleEndian.Uint64(data[0x20:])
	h.strings.size = binary.LittleEndian.Uint64(data[0x28:])
	h.strings.crc = binary.LittleEndian.Uint32(data[0x30:])
	h.functions = readTableHeader(data[0x38:0x48])
	h.files = readTableHeader(data[0x48:0x58])
	h.ranges = readTableHeader(data[0x58:0x68])

	size := uint64(len(data))
	checks := []struct {
		name        string
		offset, end uint64
	}{
		{"strings", h.strings.offset, h.strings.offset + h.strings.size},
		{"functions", h.functions.offset, h.functions.offset + uint64(h.functions.count)*refEntrySize},
		{"files", h.files.offset, h.files.offset + uint64(h.files.count)*refEntrySize},
		{"ranges", h.ranges.offset, h.ranges.offset + uint64(h.ranges.count)*rangeEntrySize},
	}
	for _, c := range checks {
		if c.offset < headerSize || c.end < c.offset || c.end > size {
			return h, &CorruptError{
				Section: c.name,
				Reason:  fmt.Sprintf("section [0x%x, 0x%x) outside buffer of size 0x%x", c.offset, c.end, size),
			}
		}
	}
	return h, nil
}
