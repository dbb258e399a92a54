package symbolizer

import (
	"fmt"

	"github.com/objd/symbolic/pkg/objfile"
)

// Mapping describes where a module was loaded at runtime, in the shape
// reported by /proc/<pid>/maps or a pprof mapping: the occupied address
// window and the file offset it was mapped from.
type Mapping struct {
	Start  uint64
	Limit  uint64
	Offset uint64
}

// MapRuntimeAddress rebases a runtime stack address to the link-time
// address space of the object, which is what cache lookups expect.
// Fixed-position objects need no adjustment; position independent ones
// are rebased against the load segment covering the address.
func MapRuntimeAddress(runtimeAddr uint64, layout objfile.Layout, m Mapping) (uint64, error) {
	if runtimeAddr < m.Start || runtimeAddr >= m.Limit {
		return 0, fmt.Errorf("address 0x%x outside mapping [0x%x, 0x%x)", runtimeAddr, m.Start, m.Limit)
	}
	base, err := CalculateBase(layout, m, runtimeAddr)
	if err != nil {
		return 0, fmt.Errorf("calculate load base: %w", err)
	}
	return runtimeAddr - base, nil
}

// CalculateBase returns the load bias of the mapping, the value to
// subtract from a runtime address to obtain a link-time address.
func CalculateBase(layout objfile.Layout, m Mapping, addr uint64) (uint64, error) {
	if !layout.PIC {
		return 0, nil
	}
	// A whole-address-space mapping means the addresses were never
	// relocated, typically a synthetic mapping.
	if m.Start == 0 && m.Offset == 0 && (m.Limit == ^uint64(0) || m.Limit == 0) {
		return 0, nil
	}

	seg := findSegment(layout, m, addr)
	if seg == nil {
		return m.Start - m.Offset, nil
	}
	if seg.Off == 0 {
		return m.Start - seg.Vaddr, nil
	}
	return m.Start - m.Offset - (seg.Vaddr - seg.Off), nil
}

// findSegment picks the load segment whose file range backs addr under
// the given mapping. When several segments share a page it prefers the
// one starting closest below the address.
func findSegment(layout objfile.Layout, m Mapping, addr uint64) *objfile.Segment {
	if m.Start == 0 && m.Limit == 0 {
		for i := range layout.Segments {
			s := &layout.Segments[i]
			if s.Vaddr <= addr && addr < s.Vaddr+s.Memsz {
				return s
			}
		}
		return nil
	}
	if m.Start >= m.Limit || m.Limit >= 1<<63 {
		return nil
	}

	fileOffset := addr - m.Start + m.Offset
	var best *objfile.Segment
	bestDistance := ^uint64(0)
	for i := range layout.Segments {
		s := &layout.Segments[i]
		if fileOffset < s.Off || fileOffset >= s.Off+s.Memsz {
			continue
		}
		if d := addr - s.Vaddr; best == nil || d < bestDistance {
			best, bestDistance = s, d
		}
	}
	return best
}
