// Package debuginfo extracts address-to-source records from the native
// debug information of an object file. The result is an ordered,
// deduplicated list of records suitable for symcache construction.
package debuginfo

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/objd/symbolic/pkg/objfile"
)

// Record maps one contiguous address range [Start, End) to a function
// name, source file and starting line. Parent is the index of the
// enclosing (caller) record within the same slice for inlined calls,
// -1 for top-level functions. Records with no line information carry
// Line 0 and an empty File.
type Record struct {
	Start    uint64
	End      uint64
	Function string
	File     string
	Line     uint32
	Parent   int
	Depth    uint32
}

// CorruptError reports debug information whose top-level structure is
// unreadable. Individual malformed entries are skipped with a warning
// instead.
type CorruptError struct {
	Offset dwarf.Offset
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt debug info at offset 0x%x: %s", e.Offset, e.Reason)
}

// IsCorrupt reports whether err indicates unreadable debug info.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger used for per-entry warnings.
func WithLogger(logger log.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// Extractor reads DWARF line programs and subprogram trees and merges
// them into Records. An Extractor is single-use.
type Extractor struct {
	logger log.Logger

	warnings int
}

func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{logger: log.NewNopLogger()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Warnings returns the number of malformed entries skipped during the
// last Extract call.
func (e *Extractor) Warnings() int { return e.warnings }

func (e *Extractor) warn(msg string, kv ...interface{}) {
	e.warnings++
	level.Warn(e.logger).Log(append([]interface{}{"msg", msg}, kv...)...)
}

type lineRow struct {
	addr uint64
	file string
	line uint32
}

// Extract produces the record list for obj. A missing or structurally
// unreadable debug section is fatal; individual malformed entries are
// skipped with a warning.
func (e *Extractor) Extract(obj objfile.Object) ([]Record, error) {
	data, err := obj.DWARF()
	if err != nil {
		return nil, fmt.Errorf("read debug data: %w", err)
	}

	abstract, err := scanSubprograms(data)
	if err != nil {
		return nil, err
	}

	ex := &extraction{Extractor: e, data: data, abstract: abstract}

	r := data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, &CorruptError{Reason: err.Error()}
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ex.processUnit(r, entry)
	}

	return sortRecords(ex.records), nil
}

// scanSubprograms indexes every subprogram entry by offset. Inlined
// subroutines reference their definition through DW_AT_abstract_origin,
// possibly across compilation units, so the whole section is scanned
// up front.
func scanSubprograms(data *dwarf.Data) (map[dwarf.Offset]*dwarf.Entry, error) {
	out := make(map[dwarf.Offset]*dwarf.Entry)
	r := data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, &CorruptError{Reason: err.Error()}
		}
		if entry == nil {
			return out, nil
		}
		if entry.Tag == dwarf.TagSubprogram {
			out[entry.Offset] = entry
		}
	}
}

type extraction struct {
	*Extractor

	data     *dwarf.Data
	abstract map[dwarf.Offset]*dwarf.Entry
	records  []Record

	rows []lineRow
}

// processUnit reads the unit's line program and walks its subprogram
// trees. The reader r is positioned just past the unit entry.
func (x *extraction) processUnit(r *dwarf.Reader, cu *dwarf.Entry) {
	x.rows = x.loadLineRows(cu)

	for {
		entry, err := r.Next()
		if err != nil {
			x.warn("unreadable entry, skipping rest of unit", "unit", cu.Offset, "err", err)
			return
		}
		if entry == nil || entry.Tag == dwarf.TagCompileUnit {
			if entry != nil {
				r.Seek(entry.Offset)
			}
			return
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		if entry.Val(dwarf.AttrInline) != nil {
			// abstract definition, referenced by inlined
			// subroutines but emitting no code itself
			continue
		}
		tree, err := godwarf.LoadTree(entry.Offset, x.data, 0)
		if err != nil {
			x.warn("load subprogram tree", "offset", entry.Offset, "err", err)
			continue
		}
		x.emitTree(tree, nil, 0)
	}
}

func (x *extraction) loadLineRows(cu *dwarf.Entry) []lineRow {
	lr, err := x.data.LineReader(cu)
	if err != nil {
		x.warn("create line reader", "unit", cu.Offset, "err", err)
		return nil
	}
	if lr == nil {
		// unit without a line program
		return nil
	}
	var rows []lineRow
	for {
		var entry dwarf.LineEntry
		err := lr.Next(&entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			x.warn("read line entry", "unit", cu.Offset, "err", err)
			break
		}
		if !entry.IsStmt || entry.EndSequence || entry.File == nil {
			continue
		}
		rows = append(rows, lineRow{addr: entry.Address, file: entry.File.Name, line: uint32(entry.Line)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].addr < rows[j].addr })
	return rows
}

// emitTree appends records for one subprogram or inlined subroutine
// and recurses into nested inlined subroutines. parents holds the
// record indexes emitted for the enclosing tree node.
func (x *extraction) emitTree(tree *godwarf.Tree, parents []int, depth uint32) {
	name := x.resolveName(tree.Entry, nil)

	var idxs []int
	for _, rng := range tree.Ranges {
		if rng[0] >= rng[1] {
			continue
		}
		file, line := x.findLine(rng[0], rng[1])
		x.records = append(x.records, Record{
			Start:    rng[0],
			End:      rng[1],
			Function: name,
			File:     file,
			Line:     line,
			Parent:   parentFor(x.records, parents, rng[0]),
			Depth:    depth,
		})
		idxs = append(idxs, len(x.records)-1)
	}
	// A node with no usable ranges is either a no-op function or a
	// dead-code surrogate; its inlined children must be skipped too.
	if len(idxs) == 0 && depth > 0 {
		return
	}

	for _, child := range tree.Children {
		if child.Tag != dwarf.TagInlinedSubroutine {
			continue
		}
		if len(idxs) == 0 {
			x.warn("inlined subroutine without concrete parent range", "offset", child.Offset)
			continue
		}
		x.emitTree(child, idxs, depth+1)
	}
}

// parentFor picks the candidate parent record whose range contains
// start, defaulting to the first candidate.
func parentFor(records []Record, parents []int, start uint64) int {
	if len(parents) == 0 {
		return -1
	}
	for _, p := range parents {
		if records[p].Start <= start && start < records[p].End {
			return p
		}
	}
	return parents[0]
}

// findLine attaches the nearest preceding statement row to a range
// start, falling back to the first row inside the range. Ranges with
// no line information keep Line 0 and are still emitted.
func (x *extraction) findLine(start, end uint64) (string, uint32) {
	rows := x.rows
	i := sort.Search(len(rows), func(i int) bool { return rows[i].addr > start })
	if i > 0 {
		return rows[i-1].file, rows[i-1].line
	}
	for _, row := range rows {
		if row.addr >= start && row.addr < end {
			return row.file, row.line
		}
	}
	return "", 0
}

// attrEntry is the common surface of *dwarf.Entry and godwarf tree
// nodes.
type attrEntry interface {
	Val(dwarf.Attr) interface{}
}

// resolveName resolves a function name, preferring the linkage
// (mangled) name and chasing abstract origin and specification
// references when the entry itself is unnamed.
func (x *extraction) resolveName(entry attrEntry, visited map[dwarf.Offset]bool) string {
	if entry == nil {
		return ""
	}
	if name, ok := entry.Val(dwarf.AttrLinkageName).(string); ok && name != "" {
		return name
	}
	if name, ok := entry.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := entry.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		if visited[off] {
			continue
		}
		ref := x.abstract[off]
		if ref == nil {
			ref = x.entryAt(off)
		}
		if ref == nil {
			continue
		}
		if visited == nil {
			visited = map[dwarf.Offset]bool{}
		}
		visited[off] = true
		if name := x.resolveName(ref, visited); name != "" {
			return name
		}
	}
	return ""
}

func (x *extraction) entryAt(off dwarf.Offset) *dwarf.Entry {
	r := x.data.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil {
		return nil
	}
	return entry
}

// sortRecords orders records by (start, depth), rewrites parent links
// to the new positions and drops adjacent duplicates.
func sortRecords(records []Record) []Record {
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		x, y := records[order[a]], records[order[b]]
		if x.Start != y.Start {
			return x.Start < y.Start
		}
		return x.Depth < y.Depth
	})
	pos := make([]int, len(records))
	for newIdx, oldIdx := range order {
		pos[oldIdx] = newIdx
	}
	sorted := make([]Record, len(records))
	for newIdx, oldIdx := range order {
		rec := records[oldIdx]
		if rec.Parent >= 0 {
			rec.Parent = pos[rec.Parent]
		}
		sorted[newIdx] = rec
	}

	out := sorted[:0]
	drop := make([]int, len(sorted)) // dropped -> surviving index
	for i, rec := range sorted {
		if len(out) > 0 {
			last := out[len(out)-1]
			a, b := rec, last
			a.Parent, b.Parent = 0, 0
			if a == b && remap(drop, rec.Parent, i) == remap(drop, last.Parent, i) {
				drop[i] = len(out) - 1
				continue
			}
		}
		drop[i] = len(out)
		out = append(out, rec)
	}
	for i := range out {
		if out[i].Parent >= 0 {
			out[i].Parent = drop[out[i].Parent]
		}
	}
	return out
}

func remap(drop []int, idx, limit int) int {
	if idx < 0 || idx >= limit {
		return idx
	}
	return drop[idx]
}
