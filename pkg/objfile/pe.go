package objfile

import (
	"bytes"
	"debug/dwarf"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

type peObject struct {
	data []byte
	file *pe.File
}

func newPEObject(data []byte) (*peObject, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, peError("pe header", err)
	}
	for _, s := range f.Sections {
		end := uint64(s.Offset) + uint64(s.Size)
		if end > uint64(len(data)) {
			return nil, &CorruptError{
				Section: s.Name,
				Offset:  uint64(s.Offset),
				Reason:  fmt.Sprintf("section end 0x%x exceeds buffer size 0x%x", end, len(data)),
			}
		}
	}
	return &peObject{data: data, file: f}, nil
}

func peError(section string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TruncatedError{Section: section}
	}
	return &CorruptError{Section: section, Reason: err.Error()}
}

func (o *peObject) Architecture() Arch {
	switch o.file.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return ArchX86
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return ArchAMD64
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return ArchARM
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return ArchARM64
	}
	return ArchUnknown
}

func (o *peObject) imageBase() uint64 {
	switch oh := o.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

func (o *peObject) debugDirectory() (pe.DataDirectory, bool) {
	switch oh := o.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_DEBUG {
			return oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG], true
		}
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_DEBUG {
			return oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG], true
		}
	}
	return pe.DataDirectory{}, false
}

func (o *peObject) rvaToOffset(rva uint32) (uint32, bool) {
	for _, s := range o.file.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return rva - s.VirtualAddress + s.Offset, true
		}
	}
	return 0, false
}

const (
	debugDirEntrySize  = 28
	imageDebugCodeView = 2
)

// BuildID returns the CodeView GUID from the debug directory when the
// binary was linked with PDB info, and a content hash otherwise.
func (o *peObject) BuildID() (BuildID, error) {
	dir, ok := o.debugDirectory()
	if ok && dir.VirtualAddress != 0 && dir.Size >= debugDirEntrySize {
		off, ok := o.rvaToOffset(dir.VirtualAddress)
		if !ok {
			return BuildID{}, &CorruptError{Section: "debug directory", Offset: uint64(dir.VirtualAddress), Reason: "RVA outside any section"}
		}
		end := uint64(off) + uint64(dir.Size)
		if end > uint64(len(o.data)) {
			return BuildID{}, &TruncatedError{Section: "debug directory", Need: end, Have: uint64(len(o.data))}
		}
		for pos := uint64(off); pos+debugDirEntrySize <= end; pos += debugDirEntrySize {
			entry := o.data[pos : pos+debugDirEntrySize]
			if binary.LittleEndian.Uint32(entry[12:16]) != imageDebugCodeView {
				continue
			}
			size := binary.LittleEndian.Uint32(entry[16:20])
			raw := uint64(binary.LittleEndian.Uint32(entry[24:28]))
			if size < 24 || raw+uint64(size) > uint64(len(o.data)) {
				return BuildID{}, &CorruptError{Section: "codeview record", Offset: raw, Reason: "record outside buffer"}
			}
			cv := o.data[raw : raw+uint64(size)]
			if !bytes.Equal(cv[0:4], []byte("RSDS")) {
				continue
			}
			return PDBBuildID(fmt.Sprintf("%x", cv[4:20])), nil
		}
	}
	var text []byte
	if s := o.file.Section(".text"); s != nil {
		text, _ = s.Data()
	}
	header := o.data
	if len(header) > 64 {
		header = header[:64]
	}
	return hashBuildID(header, text), nil
}

func (o *peObject) SectionData(name string) ([]byte, error) {
	s := o.file.Section(name)
	if s == nil {
		return nil, fmt.Errorf("section %s not found", name)
	}
	data, err := s.Data()
	if err != nil {
		return nil, peError(name, err)
	}
	return data, nil
}

func (o *peObject) HasDWARF() bool {
	return o.file.Section(".debug_info") != nil
}

func (o *peObject) DWARF() (*dwarf.Data, error) {
	d, err := o.file.DWARF()
	if err != nil {
		return nil, peError(".debug_info", err)
	}
	return d, nil
}

const imageSymDtypeFunction = 0x20

// Symbols reads COFF symbols. Like Mach-O, COFF function symbols carry
// no size, so sizes come from the distance to the next symbol.
func (o *peObject) Symbols() ([]Symbol, error) {
	base := o.imageBase()
	var out []Symbol
	for _, s := range o.file.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(o.file.Sections) || s.Name == "" {
			continue
		}
		if s.Type&imageSymDtypeFunction == 0 {
			continue
		}
		sect := o.file.Sections[s.SectionNumber-1]
		out = append(out, Symbol{
			Name:  s.Name,
			Value: base + uint64(sect.VirtualAddress) + uint64(s.Value),
		})
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
		}
	}
	return out, nil
}
