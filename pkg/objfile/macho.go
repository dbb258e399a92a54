package objfile

import (
	"bytes"
	"debug/dwarf"
	"debug/macho"
	"errors"
	"fmt"
	"io"
	"sort"
)

type machoObject struct {
	data []byte
	file *macho.File
}

func newMachOObject(data []byte) (*machoObject, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, machoError("mach header", err)
	}
	for _, s := range f.Sections {
		if s.Offset == 0 {
			// zerofill sections occupy no file space
			continue
		}
		end := uint64(s.Offset) + s.Size
		if end < uint64(s.Offset) || end > uint64(len(data)) {
			return nil, &CorruptError{
				Section: s.Name,
				Offset:  uint64(s.Offset),
				Reason:  fmt.Sprintf("section end 0x%x exceeds buffer size 0x%x", end, len(data)),
			}
		}
	}
	return &machoObject{data: data, file: f}, nil
}

// parseFatMachO returns one Object per architecture slice of a
// universal binary. The container-level parse is all-or-nothing; a
// slice that later turns out to be unusable only fails its own Object.
func parseFatMachO(data []byte) ([]Object, error) {
	ff, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, machoError("fat header", err)
	}
	objs := make([]Object, 0, len(ff.Arches))
	for _, arch := range ff.Arches {
		objs = append(objs, &machoObject{data: data, file: arch.File})
	}
	if len(objs) == 0 {
		return nil, &CorruptError{Section: "fat header", Reason: "no architecture slices"}
	}
	return objs, nil
}

func machoError(section string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TruncatedError{Section: section}
	}
	var fe *macho.FormatError
	if errors.As(err, &fe) {
		return &CorruptError{Section: section, Reason: err.Error()}
	}
	return err
}

func (o *machoObject) Architecture() Arch {
	switch o.file.Cpu {
	case macho.Cpu386:
		return ArchX86
	case macho.CpuAmd64:
		return ArchAMD64
	case macho.CpuArm:
		return ArchARM
	case macho.CpuArm64:
		return ArchARM64
	}
	return ArchUnknown
}

const lcUUID = 0x1b

// BuildID returns the LC_UUID load command value, falling back to a
// content hash for objects without one.
func (o *machoObject) BuildID() (BuildID, error) {
	for _, l := range o.file.Loads {
		raw, ok := l.(macho.LoadBytes)
		if !ok || len(raw) < 24 {
			continue
		}
		if o.file.ByteOrder.Uint32(raw[0:4]) != lcUUID {
			continue
		}
		return UUIDBuildID(fmt.Sprintf("%x", raw[8:24])), nil
	}
	text, _ := o.SectionData("__text")
	header := o.data
	if len(header) > 64 {
		header = header[:64]
	}
	return hashBuildID(header, text), nil
}

func (o *machoObject) SectionData(name string) ([]byte, error) {
	s := o.file.Section(name)
	if s == nil {
		return nil, fmt.Errorf("section %s not found", name)
	}
	data, err := s.Data()
	if err != nil {
		return nil, machoError(name, err)
	}
	return data, nil
}

func (o *machoObject) HasDWARF() bool {
	return o.file.Section("__debug_info") != nil
}

func (o *machoObject) DWARF() (*dwarf.Data, error) {
	d, err := o.file.DWARF()
	if err != nil {
		return nil, machoError("__debug_info", err)
	}
	return d, nil
}

// Symbols returns the nlist entries that live in a section. Mach-O
// symbols carry no size, so sizes are synthesized from the distance to
// the next symbol.
func (o *machoObject) Symbols() ([]Symbol, error) {
	if o.file.Symtab == nil {
		return nil, nil
	}
	var out []Symbol
	for _, s := range o.file.Symtab.Syms {
		if s.Sect == 0 || s.Value == 0 || s.Name == "" {
			continue
		}
		out = append(out, Symbol{Name: s.Name, Value: s.Value})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value == out[j].Value {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	out = dedupSymbols(out)
	for i := range out {
		if i+1 < len(out) {
			out[i].Size = out[i+1].Value - out[i].Value
		} else if text := o.file.Section("__text"); text != nil && out[i].Value < text.Addr+text.Size {
			out[i].Size = text.Addr + text.Size - out[i].Value
		}
	}
	return out, nil
}
