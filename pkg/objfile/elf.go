package objfile

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ulikunitz/xz"
)

type elfObject struct {
	data []byte
	file *elf.File
}

func newElfObject(data []byte) (*elfObject, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, elfError("file header", err)
	}
	for _, s := range f.Sections {
		if s.Type == elf.SHT_NOBITS {
			continue
		}
		if s.Offset+s.FileSize < s.Offset || s.Offset+s.FileSize > uint64(len(data)) {
			return nil, &CorruptError{
				Section: s.Name,
				Offset:  s.Offset,
				Reason:  fmt.Sprintf("section end 0x%x exceeds buffer size 0x%x", s.Offset+s.FileSize, len(data)),
			}
		}
	}
	return &elfObject{data: data, file: f}, nil
}

func elfError(section string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TruncatedError{Section: section, Have: 0}
	}
	var fe *elf.FormatError
	if errors.As(err, &fe) {
		return &CorruptError{Section: section, Reason: err.Error()}
	}
	return err
}

func (o *elfObject) Architecture() Arch {
	switch o.file.Machine {
	case elf.EM_386:
		return ArchX86
	case elf.EM_X86_64:
		return ArchAMD64
	case elf.EM_ARM:
		return ArchARM
	case elf.EM_AARCH64:
		return ArchARM64
	}
	return ArchUnknown
}

func (o *elfObject) SectionData(name string) ([]byte, error) {
	s := o.file.Section(name)
	if s == nil {
		return nil, fmt.Errorf("section %s not found", name)
	}
	data, err := s.Data()
	if err != nil {
		return nil, elfError(name, err)
	}
	return data, nil
}

func (o *elfObject) HasDWARF() bool {
	return o.file.Section(".debug_info") != nil || o.file.Section(".zdebug_info") != nil
}

func (o *elfObject) DWARF() (*dwarf.Data, error) {
	d, err := o.file.DWARF()
	if err != nil {
		return nil, elfError(".debug_info", err)
	}
	return d, nil
}

// Symbols merges .symtab and .dynsym. When both are missing it falls
// back to the MiniDebugInfo image embedded in .gnu_debugdata, which
// stripped distro binaries often carry.
func (o *elfObject) Symbols() ([]Symbol, error) {
	syms, err := elfSymbols(o.file)
	if err != nil {
		return nil, err
	}
	if len(syms) > 0 {
		return syms, nil
	}
	return o.miniDebugSymbols()
}

func elfSymbols(f *elf.File) ([]Symbol, error) {
	var out []Symbol
	for _, source := range [](func() ([]elf.Symbol, error)){f.Symbols, f.DynamicSymbols} {
		syms, err := source()
		if err != nil {
			if errors.Is(err, elf.ErrNoSymbols) {
				continue
			}
			return nil, elfError(".symtab", err)
		}
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Name == "" {
				continue
			}
			out = append(out, Symbol{Name: s.Name, Value: s.Value, Size: s.Size})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value == out[j].Value {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return dedupSymbols(out), nil
}

func (o *elfObject) miniDebugSymbols() ([]Symbol, error) {
	s := o.file.Section(".gnu_debugdata")
	if s == nil {
		return nil, nil
	}
	data, err := s.Data()
	if err != nil {
		return nil, elfError(".gnu_debugdata", err)
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &CorruptError{Section: ".gnu_debugdata", Offset: s.Offset, Reason: err.Error()}
	}
	var uncompressed bytes.Buffer
	if _, err := io.Copy(&uncompressed, r); err != nil {
		return nil, &CorruptError{Section: ".gnu_debugdata", Offset: s.Offset, Reason: err.Error()}
	}
	mini, err := elf.NewFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return nil, elfError(".gnu_debugdata", err)
	}
	return elfSymbols(mini)
}

func dedupSymbols(syms []Symbol) []Symbol {
	out := syms[:0]
	for i, s := range syms {
		if i > 0 && s.Value == syms[i-1].Value && s.Name == syms[i-1].Name {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Segment is one loadable program segment, used to rebase runtime
// addresses to link-time addresses.
type Segment struct {
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

// Layout describes how an object expects to be loaded.
type Layout struct {
	// PIC is set for position independent objects (ET_DYN), which may
	// be loaded at an arbitrary base address.
	PIC      bool
	Segments []Segment
}

func (o *elfObject) Layout() Layout {
	l := Layout{PIC: o.file.Type == elf.ET_DYN}
	for _, p := range o.file.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		l.Segments = append(l.Segments, Segment{
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
		})
	}
	return l
}
