package symcache

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/objd/symbolic/pkg/objfile"
)

// Reader answers address lookups against a serialized cache. It
// borrows the buffer passed to OpenBuffer and never copies it; the
// buffer must stay valid for the Reader's lifetime. A Reader is
// read-only and safe for concurrent use.
type Reader struct {
	data []byte
	hdr  header
}

// OpenBuffer validates the header of a serialized cache and returns a
// Reader over it. Open-time work is constant; no section is
// deserialized up front.
func OpenBuffer(data []byte, opt ...Option) (*Reader, error) {
	var o options
	for _, fn := range opt {
		fn(&o)
	}
	hdr, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	r := &Reader{data: data, hdr: hdr}
	if o.crc {
		if err := r.CheckCRC(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Arch returns the architecture tag recorded in the header.
func (r *Reader) Arch() objfile.Arch { return r.hdr.arch }

// BuildID returns the build identifier recorded in the header.
func (r *Reader) BuildID() [16]byte { return r.hdr.buildID }

// NumRanges returns the number of address-range index entries.
func (r *Reader) NumRanges() int { return int(r.hdr.ranges.count) }

// NumFunctions returns the number of function table entries.
func (r *Reader) NumFunctions() int { return int(r.hdr.functions.count) }

// NumFiles returns the number of file table entries.
func (r *Reader) NumFiles() int { return int(r.hdr.files.count) }

// RangeAt decodes index entry i. It is mainly useful for iterating the
// serialized index, e.g. to verify sortedness.
func (r *Reader) RangeAt(i int) RangeEntry {
	off := r.hdr.ranges.offset + uint64(i)*rangeEntrySize
	buf := r.data[off : off+rangeEntrySize]
	return RangeEntry{
		Start:  binary.LittleEndian.Uint64(buf[0:]),
		End:    binary.LittleEndian.Uint64(buf[8:]),
		Func:   binary.LittleEndian.Uint32(buf[16:]),
		File:   binary.LittleEndian.Uint32(buf[20:]),
		Line:   binary.LittleEndian.Uint32(buf[24:]),
		Parent: binary.LittleEndian.Uint32(buf[28:]),
		Depth:  binary.LittleEndian.Uint32(buf[32:]),
	}
}

func (r *Reader) rangeStart(i int) uint64 {
	off := r.hdr.ranges.offset + uint64(i)*rangeEntrySize
	return binary.LittleEndian.Uint64(r.data[off:])
}

func (r *Reader) str(ref stringRef) string {
	if ref.len == 0 {
		return ""
	}
	start := r.hdr.strings.offset + uint64(ref.off)
	end := start + uint64(ref.len)
	if end > r.hdr.strings.offset+r.hdr.strings.size || end > uint64(len(r.data)) {
		return ""
	}
	return string(r.data[start:end])
}

func (r *Reader) tableRef(t tableHeader, i uint32) stringRef {
	if i >= t.count {
		return stringRef{}
	}
	off := t.offset + uint64(i)*refEntrySize
	return stringRef{
		off: binary.LittleEndian.Uint32(r.data[off:]),
		len: binary.LittleEndian.Uint32(r.data[off+4:]),
	}
}

// FunctionName returns the deduplicated function name at table index i.
func (r *Reader) FunctionName(i uint32) string {
	return r.str(r.tableRef(r.hdr.functions, i))
}

// FileName returns the deduplicated file path at table index i.
func (r *Reader) FileName(i uint32) string {
	if i == NoFile {
		return ""
	}
	return r.str(r.tableRef(r.hdr.files, i))
}

// Lookup resolves addr to its frame chain, innermost first. The dst
// slice is reused between calls when non-nil. An address outside all
// ranges yields an empty result, never an error.
func (r *Reader) Lookup(dst []Frame, addr uint64) []Frame {
	dst = dst[:0]
	count := int(r.hdr.ranges.count)

	idx := sort.Search(count, func(i int) bool {
		return r.rangeStart(i) > addr
	})
	idx--

	// Scan back to the innermost entry covering addr. Entries are
	// sorted by (start, depth), so the walk stops at the first
	// depth-0 entry at or before addr.
	var it RangeEntry
	for {
		if idx < 0 {
			return dst
		}
		it = r.RangeAt(idx)
		if it.Start <= addr && addr < it.End {
			break
		}
		if it.Depth == 0 {
			return dst
		}
		idx--
	}

	// Walk the inline-parent chain outward. Parent depth must
	// strictly decrease, which bounds the walk and rejects cycles.
	depth := uint32(0)
	for {
		dst = append(dst, Frame{
			Function: r.FunctionName(it.Func),
			File:     r.FileName(it.File),
			Line:     it.Line,
			Depth:    depth,
		})
		if it.Parent == NoParent {
			return dst
		}
		if int(it.Parent) >= count {
			return dst
		}
		parent := r.RangeAt(int(it.Parent))
		if parent.Depth >= it.Depth {
			return dst
		}
		it = parent
		depth++
	}
}

// CheckCRC verifies the checksums of all sections.
func (r *Reader) CheckCRC() error {
	sections := []struct {
		name        string
		offset, end uint64
		crc         uint32
	}{
		{"strings", r.hdr.strings.offset, r.hdr.strings.offset + r.hdr.strings.size, r.hdr.strings.crc},
		{"functions", r.hdr.functions.offset, r.hdr.functions.offset + uint64(r.hdr.functions.count)*refEntrySize, r.hdr.functions.crc},
		{"files", r.hdr.files.offset, r.hdr.files.offset + uint64(r.hdr.files.count)*refEntrySize, r.hdr.files.crc},
		{"ranges", r.hdr.ranges.offset, r.hdr.ranges.offset + uint64(r.hdr.ranges.count)*rangeEntrySize, r.hdr.ranges.crc},
	}
	for _, s := range sections {
		if got := crc32.Checksum(r.data[s.offset:s.end], castagnoli); got != s.crc {
			return &CorruptError{Section: s.name, Reason: "crc mismatch"}
		}
	}
	return nil
}
