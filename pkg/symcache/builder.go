package symcache

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/objd/symbolic/pkg/objfile"
)

// Range is one address range to be added to a cache: a function (or
// inlined call) covering [Start, End). Parent is the arena index of
// the enclosing range, as returned by AddRange, or -1 for a top-level
// function. Depth is the inline nesting depth, 0 for top-level.
type Range struct {
	Start    uint64
	End      uint64
	Function string
	File     string
	Line     uint32
	Parent   int
	Depth    uint32
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLogger sets the logger used for merge warnings.
func WithLogger(logger log.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// Builder assembles debug ranges and plain symbols for one object and
// serializes them into the cache format. A Builder is single-use and
// not safe for concurrent use; independent Builders over independent
// objects may run in parallel.
type Builder struct {
	logger  log.Logger
	arch    objfile.Arch
	buildID [16]byte

	ranges  []Range
	symbols []objfile.Symbol
}

func NewBuilder(arch objfile.Arch, buildID [16]byte, opts ...BuilderOption) *Builder {
	b := &Builder{
		logger:  log.NewNopLogger(),
		arch:    arch,
		buildID: buildID,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// AddRange appends one debug range and returns its arena index,
// suitable as the Parent of subsequently added inlined ranges.
func (b *Builder) AddRange(r Range) int {
	b.ranges = append(b.ranges, r)
	return len(b.ranges) - 1
}

// AddSymbol appends one plain symbol-table entry. Symbol ranges
// already covered by debug ranges are dropped during the merge; the
// uncovered remainder becomes fallback entries without line info.
func (b *Builder) AddSymbol(s objfile.Symbol) {
	b.symbols = append(b.symbols, s)
}

// WriteTo serializes the cache. Empty input produces a valid, empty
// cache. A write failure is returned as *WriteError and any partial
// output must be discarded.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	entries := b.finalize()

	var pool bytes.Buffer
	interned := map[string]stringRef{}
	intern := func(s string) stringRef {
		if ref, ok := interned[s]; ok {
			return ref
		}
		ref := stringRef{off: uint32(pool.Len()), len: uint32(len(s))}
		pool.WriteString(s)
		interned[s] = ref
		return ref
	}

	var funcRefs, fileRefs []stringRef
	funcIdx := map[string]uint32{}
	fileIdx := map[string]uint32{}

	rangeBuf := make([]byte, 0, len(entries)*rangeEntrySize)
	var entryBuf [rangeEntrySize]byte
	for _, e := range entries {
		fi, ok := funcIdx[e.Function]
		if !ok {
			fi = uint32(len(funcRefs))
			funcIdx[e.Function] = fi
			funcRefs = append(funcRefs, intern(e.Function))
		}
		pi := NoFile
		if e.File != "" {
			var ok bool
			pi, ok = fileIdx[e.File]
			if !ok {
				pi = uint32(len(fileRefs))
				fileIdx[e.File] = pi
				fileRefs = append(fileRefs, intern(e.File))
			}
		}
		parent := NoParent
		if e.Parent >= 0 {
			parent = uint32(e.Parent)
		}
		binary.LittleEndian.PutUint64(entryBuf[0:], e.Start)
		binary.LittleEndian.PutUint64(entryBuf[8:], e.End)
		binary.LittleEndian.PutUint32(entryBuf[16:], fi)
		binary.LittleEndian.PutUint32(entryBuf[20:], pi)
		binary.LittleEndian.PutUint32(entryBuf[24:], e.Line)
		binary.LittleEndian.PutUint32(entryBuf[28:], parent)
		binary.LittleEndian.PutUint32(entryBuf[32:], e.Depth)
		binary.LittleEndian.PutUint32(entryBuf[36:], 0)
		rangeBuf = append(rangeBuf, entryBuf[:]...)
	}

	strings := pool.Bytes()
	funcBuf := marshalRefs(funcRefs)
	fileBuf := marshalRefs(fileRefs)

	hdr := header{
		version: version,
		arch:    b.arch,
		buildID: b.buildID,
	}
	offset := uint64(headerSize)
	hdr.strings = sectionHeader{offset: offset, size: uint64(len(strings)), crc: crc32.Checksum(strings, castagnoli)}
	offset = align8(offset + uint64(len(strings)))
	hdr.functions = tableHeader{offset: offset, count: uint32(len(funcRefs)), crc: crc32.Checksum(funcBuf, castagnoli)}
	offset += uint64(len(funcBuf))
	hdr.files = tableHeader{offset: offset, count: uint32(len(fileRefs)), crc: crc32.Checksum(fileBuf, castagnoli)}
	offset += uint64(len(fileBuf))
	hdr.ranges = tableHeader{offset: offset, count: uint32(len(entries)), crc: crc32.Checksum(rangeBuf, castagnoli)}

	var written int64
	pad := make([]byte, align8(uint64(len(strings)))-uint64(len(strings)))
	for _, chunk := range [][]byte{hdr.marshal(), strings, pad, funcBuf, fileBuf, rangeBuf} {
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, &WriteError{Err: err}
		}
	}
	return written, nil
}

// Bytes serializes the cache into memory.
func (b *Builder) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalRefs(refs []stringRef) []byte {
	buf := make([]byte, len(refs)*refEntrySize)
	for i, r := range refs {
		binary.LittleEndian.PutUint32(buf[i*refEntrySize:], r.off)
		binary.LittleEndian.PutUint32(buf[i*refEntrySize+4:], r.len)
	}
	return buf
}

func align8(v uint64) uint64 {
	return (v + 7) &^ 7
}

// finalize merges debug ranges with plain symbols and produces the
// sorted, clipped entry list with parent links rewritten to final
// index positions.
func (b *Builder) finalize() []Range {
	keep := make([]bool, len(b.ranges))
	for i, r := range b.ranges {
		if r.Start >= r.End {
			level.Warn(b.logger).Log("msg", "dropping malformed range", "start", r.Start, "end", r.End, "function", r.Function)
			continue
		}
		if r.Parent >= i {
			// forward or self reference, cannot come from a
			// well-formed extraction
			r.Parent = -1
			b.ranges[i] = r
		}
		keep[i] = true
	}
	entries := compact(b.ranges, keep)

	for _, f := range b.fallbackRanges(entries) {
		entries = append(entries, f)
	}

	entries = b.clip(sortRanges(entries))
	// clipping moves starts forward and can reorder entries
	return sortRanges(entries)
}

// fallbackRanges subtracts the union of depth-0 debug ranges from the
// plain symbol ranges; what remains becomes name-only entries.
func (b *Builder) fallbackRanges(entries []Range) []Range {
	var covered []Range
	for _, e := range entries {
		if e.Depth == 0 {
			covered = append(covered, e)
		}
	}
	sort.Slice(covered, func(i, j int) bool { return covered[i].Start < covered[j].Start })
	// union of covered intervals
	merged := covered[:0]
	for _, c := range covered {
		if n := len(merged); n > 0 && c.Start <= merged[n-1].End {
			if c.End > merged[n-1].End {
				merged[n-1].End = c.End
			}
			continue
		}
		merged = append(merged, c)
	}

	var out []Range
	for _, s := range b.symbols {
		if s.Size == 0 || s.Name == "" {
			continue
		}
		start, end := s.Value, s.Value+s.Size
		i := sort.Search(len(merged), func(i int) bool { return merged[i].End > start })
		for start < end {
			if i >= len(merged) || merged[i].Start >= end {
				out = append(out, Range{Start: start, End: end, Function: s.Name, Parent: -1})
				break
			}
			if merged[i].Start > start {
				out = append(out, Range{Start: start, End: merged[i].Start, Function: s.Name, Parent: -1})
			}
			start = merged[i].End
			i++
		}
	}
	return out
}

// sortRanges orders entries by (start, depth) and rewrites parent
// links to the new positions.
func sortRanges(entries []Range) []Range {
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		x, y := entries[order[a]], entries[order[b]]
		if x.Start != y.Start {
			return x.Start < y.Start
		}
		return x.Depth < y.Depth
	})
	pos := make([]int, len(entries))
	for newIdx, oldIdx := range order {
		pos[oldIdx] = newIdx
	}
	out := make([]Range, len(entries))
	for newIdx, oldIdx := range order {
		e := entries[oldIdx]
		if e.Parent >= 0 {
			e.Parent = pos[e.Parent]
		}
		out[newIdx] = e
	}
	return out
}

// clip enforces the per-depth non-overlap invariant. When two entries
// at the same depth overlap, the later-starting entry is clipped to
// begin at the prior entry's end; fully swallowed entries are dropped.
func (b *Builder) clip(entries []Range) []Range {
	keep := make([]bool, len(entries))
	lastEnd := map[uint32]uint64{}
	for i := range entries {
		e := &entries[i]
		if prev, ok := lastEnd[e.Depth]; ok && e.Start < prev {
			level.Warn(b.logger).Log(
				"msg", "overlapping ranges after merge, clipping",
				"function", e.Function,
				"start", e.Start,
				"clipped_to", prev,
				"depth", e.Depth,
			)
			e.Start = prev
			if e.Start >= e.End {
				continue
			}
		}
		lastEnd[e.Depth] = e.End
		keep[i] = true
	}
	return compact(entries, keep)
}

// compact drops entries not marked keep, rewriting parent links and
// reparenting children of dropped entries to their grandparent.
func compact(entries []Range, keep []bool) []Range {
	pos := make([]int, len(entries))
	out := make([]Range, 0, len(entries))
	for i, e := range entries {
		if !keep[i] {
			pos[i] = -1
			continue
		}
		pos[i] = len(out)
		out = append(out, e)
	}
	for i := range out {
		p := out[i].Parent
		for p >= 0 && pos[p] == -1 {
			p = entries[p].Parent
		}
		if p >= 0 {
			p = pos[p]
		}
		out[i].Parent = p
	}
	return out
}
