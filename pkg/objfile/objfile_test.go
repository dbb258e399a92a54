package objfile

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// minimalELF returns a valid ELF64 executable header with no sections
// and no program headers.
func minimalELF() []byte {
	b := make([]byte, 64)
	copy(b, "\x7fELF")
	b[4] = 2 // ELFCLASS64
	b[5] = 1 // little endian
	b[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(b[16:], 2)    // ET_EXEC
	binary.LittleEndian.PutUint16(b[18:], 0x3e) // EM_X86_64
	binary.LittleEndian.PutUint32(b[20:], 1)    // EV_CURRENT
	binary.LittleEndian.PutUint16(b[52:], 64)   // e_ehsize
	binary.LittleEndian.PutUint16(b[54:], 56)   // e_phentsize
	binary.LittleEndian.PutUint16(b[58:], 64)   // e_shentsize
	return b
}

// minimalMachO returns a valid 64-bit Mach-O executable header with no
// load commands.
func minimalMachO(cputype uint32) []byte {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint32(b[0:], machoMagic64)
	binary.LittleEndian.PutUint32(b[4:], cputype)
	binary.LittleEndian.PutUint32(b[8:], 3)  // cpusubtype
	binary.LittleEndian.PutUint32(b[12:], 2) // MH_EXECUTE
	return b
}

func fatMachO(slices ...[]byte) []byte {
	const fatHeaderSize, fatArchSize = 8, 20
	offset := uint32(fatHeaderSize + fatArchSize*len(slices))

	var out []byte
	out = binary.BigEndian.AppendUint32(out, machoFatMagic)
	out = binary.BigEndian.AppendUint32(out, uint32(len(slices)))
	for _, s := range slices {
		out = binary.BigEndian.AppendUint32(out, binary.LittleEndian.Uint32(s[4:8]))  // cputype
		out = binary.BigEndian.AppendUint32(out, binary.LittleEndian.Uint32(s[8:12])) // cpusubtype
		out = binary.BigEndian.AppendUint32(out, offset)
		out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
		out = binary.BigEndian.AppendUint32(out, 0) // align
		offset += uint32(len(s))
	}
	for _, s := range slices {
		out = append(out, s...)
	}
	return out
}

func TestParseUnsupported(t *testing.T) {
	_, err := Parse([]byte("certainly not an object file"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse([]byte{0x7f, 'E'})
	require.Error(t, err)
	require.True(t, IsTruncated(err))
}

func TestParseTruncatedELF(t *testing.T) {
	_, err := Parse(minimalELF()[:20])
	require.Error(t, err)
	require.True(t, IsTruncated(err) || IsCorrupt(err))
}

func TestParseELF(t *testing.T) {
	objs, err := Parse(minimalELF())
	require.NoError(t, err)
	require.Len(t, objs, 1)

	obj := objs[0]
	require.Equal(t, ArchAMD64, obj.Architecture())
	require.False(t, obj.HasDWARF())

	syms, err := obj.Symbols()
	require.NoError(t, err)
	require.Empty(t, syms)

	id, err := obj.BuildID()
	require.NoError(t, err)
	require.False(t, id.Empty())
	require.Equal(t, "hash", id.Typ)
	require.False(t, id.GNU())

	// hash fallback must be stable across identical parses
	objs2, err := Parse(minimalELF())
	require.NoError(t, err)
	id2, err := objs2[0].BuildID()
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestParsePEGarbage(t *testing.T) {
	_, err := Parse([]byte("MZ and then nothing useful"))
	require.Error(t, err)
}

func TestParseMachO(t *testing.T) {
	objs, err := Parse(minimalMachO(0x01000007))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, ArchAMD64, objs[0].Architecture())

	id, err := objs[0].BuildID()
	require.NoError(t, err)
	require.Equal(t, "hash", id.Typ)

	syms, err := objs[0].Symbols()
	require.NoError(t, err)
	require.Empty(t, syms)
}

func TestParseFatMachO(t *testing.T) {
	data := fatMachO(minimalMachO(0x01000007), minimalMachO(0x0100000c))
	objs, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, ArchAMD64, objs[0].Architecture())
	require.Equal(t, ArchARM64, objs[1].Architecture())
}

func TestBuildIDBytes16(t *testing.T) {
	id := GNUBuildID("000102030405060708090a0b0c0d0e0f")
	require.Equal(t,
		[16]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		id.Bytes16())

	// short hex IDs are zero padded
	short := GNUBuildID("cafe")
	require.Equal(t, [16]byte{0xca, 0xfe}, short.Bytes16())

	// non-hex IDs are folded through a hash, deterministically
	goID := GoBuildID("ab/cd/ef-some-go-build-id")
	require.Equal(t, goID.Bytes16(), goID.Bytes16())
	require.NotEqual(t, [16]byte{}, goID.Bytes16())
	otherID := GoBuildID("ab/cd/ef-another-id")
	require.NotEqual(t, goID.Bytes16(), otherID.Bytes16())
}

func TestBuildIDEmpty(t *testing.T) {
	var id BuildID
	require.True(t, id.Empty())
	gnu := GNUBuildID("abcd")
	require.False(t, gnu.Empty())
	require.True(t, gnu.GNU())
}

func TestArchString(t *testing.T) {
	require.Equal(t, "amd64", ArchAMD64.String())
	require.Equal(t, "arm64", ArchARM64.String())
	require.Equal(t, "unknown", ArchUnknown.String())
	require.Equal(t, "unknown", Arch(99).String())
}

func TestDedupSymbols(t *testing.T) {
	in := []Symbol{
		{Name: "a", Value: 1},
		{Name: "a", Value: 1},
		{Name: "b", Value: 1},
		{Name: "a", Value: 2},
	}
	out := dedupSymbols(in)
	require.Equal(t, []Symbol{
		{Name: "a", Value: 1},
		{Name: "b", Value: 1},
		{Name: "a", Value: 2},
	}, out)
}

func TestHashBuildIDChangesWithContent(t *testing.T) {
	a := hashBuildID([]byte("header"), []byte("text one"))
	b := hashBuildID([]byte("header"), []byte("text two"))
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, "hash", a.Typ)
}

// elfSection describes one section fed to buildELF.
type elfSection struct {
	name    string
	typ     uint32
	link    uint32
	info    uint32
	entsize uint64
	data    []byte
}

// buildELF assembles an ELF64 image from the given sections, adding
// the leading null section and a trailing .shstrtab.
func buildELF(sections []elfSection) []byte {
	shstrtab := []byte{0}
	nameOff := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
		return off
	}

	type sh struct {
		name, typ, link, info uint32
		off, size, entsize    uint64
	}
	headers := []sh{{}} // SHN_UNDEF

	img := minimalELF()
	for _, s := range sections {
		for len(img)%8 != 0 {
			img = append(img, 0)
		}
		headers = append(headers, sh{
			name: nameOff(s.name), typ: s.typ, link: s.link, info: s.info,
			off: uint64(len(img)), size: uint64(len(s.data)), entsize: s.entsize,
		})
		img = append(img, s.data...)
	}
	headers = append(headers, sh{
		name: nameOff(".shstrtab"), typ: 3, // SHT_STRTAB
		off: uint64(len(img)), size: uint64(len(shstrtab)),
	})
	img = append(img, shstrtab...)

	for len(img)%8 != 0 {
		img = append(img, 0)
	}
	shoff := uint64(len(img))
	for _, h := range headers {
		var buf [64]byte
		binary.LittleEndian.PutUint32(buf[0:], h.name)
		binary.LittleEndian.PutUint32(buf[4:], h.typ)
		binary.LittleEndian.PutUint64(buf[24:], h.off)
		binary.LittleEndian.PutUint64(buf[32:], h.size)
		binary.LittleEndian.PutUint32(buf[40:], h.link)
		binary.LittleEndian.PutUint32(buf[44:], h.info)
		binary.LittleEndian.PutUint64(buf[56:], h.entsize)
		img = append(img, buf[:]...)
	}
	binary.LittleEndian.PutUint64(img[40:], shoff)                  // e_shoff
	binary.LittleEndian.PutUint16(img[60:], uint16(len(headers)))   // e_shnum
	binary.LittleEndian.PutUint16(img[62:], uint16(len(headers)-1)) // e_shstrndx
	return img
}

// miniSymtabELF returns an ELF carrying a single STT_FUNC symbol in
// .symtab, the shape of a MiniDebugInfo image.
func miniSymtabELF() []byte {
	strtab := []byte("\x00mini_fn\x00")
	sym := make([]byte, 48) // null symbol plus one entry
	binary.LittleEndian.PutUint32(sym[24:], 1)      // st_name
	sym[28] = 0x12                                  // GLOBAL FUNC
	binary.LittleEndian.PutUint16(sym[30:], 1)      // st_shndx
	binary.LittleEndian.PutUint64(sym[32:], 0x1000) // st_value
	binary.LittleEndian.PutUint64(sym[40:], 0x10)   // st_size
	return buildELF([]elfSection{
		{name: ".symtab", typ: 2, link: 2, info: 1, entsize: 24, data: sym},
		{name: ".strtab", typ: 3, data: strtab},
	})
}

func TestELFMiniDebugSymbols(t *testing.T) {
	var packed bytes.Buffer
	w, err := xz.NewWriter(&packed)
	require.NoError(t, err)
	_, err = w.Write(miniSymtabELF())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	outer := buildELF([]elfSection{
		{name: ".gnu_debugdata", typ: 1, data: packed.Bytes()},
	})
	objs, err := Parse(outer)
	require.NoError(t, err)

	// no .symtab or .dynsym of its own, so the embedded image is used
	syms, err := objs[0].Symbols()
	require.NoError(t, err)
	require.Equal(t, []Symbol{{Name: "mini_fn", Value: 0x1000, Size: 0x10}}, syms)
}

func TestELFMiniDebugSymbolsCorruptXZ(t *testing.T) {
	outer := buildELF([]elfSection{
		{name: ".gnu_debugdata", typ: 1, data: []byte("definitely not an xz stream")},
	})
	objs, err := Parse(outer)
	require.NoError(t, err)

	_, err = objs[0].Symbols()
	require.Error(t, err)
	require.True(t, IsCorrupt(err))
}

// machoWithSection returns a thin Mach-O whose single __text section
// claims the given file offset and size.
func machoWithSection(offset uint32, size uint64, pad int) []byte {
	b := make([]byte, 32+72+80+pad)
	binary.LittleEndian.PutUint32(b[0:], machoMagic64)
	binary.LittleEndian.PutUint32(b[4:], 0x01000007) // CPU_TYPE_X86_64
	binary.LittleEndian.PutUint32(b[8:], 3)
	binary.LittleEndian.PutUint32(b[12:], 2)   // MH_EXECUTE
	binary.LittleEndian.PutUint32(b[16:], 1)   // ncmds
	binary.LittleEndian.PutUint32(b[20:], 152) // sizeofcmds

	cmd := b[32:]
	binary.LittleEndian.PutUint32(cmd[0:], 0x19) // LC_SEGMENT_64
	binary.LittleEndian.PutUint32(cmd[4:], 152)
	copy(cmd[8:], "__TEXT")
	binary.LittleEndian.PutUint32(cmd[64:], 1) // nsects

	sect := cmd[72:]
	copy(sect[0:], "__text")
	copy(sect[16:], "__TEXT")
	binary.LittleEndian.PutUint64(sect[32:], 0x1000) // addr
	binary.LittleEndian.PutUint64(sect[40:], size)
	binary.LittleEndian.PutUint32(sect[48:], offset)
	return b
}

func TestParseMachOSectionOutOfBounds(t *testing.T) {
	_, err := Parse(machoWithSection(0x200, 0x100, 0))
	require.Error(t, err)
	require.True(t, IsCorrupt(err))
}

func TestParseMachOSectionInBounds(t *testing.T) {
	objs, err := Parse(machoWithSection(184, 16, 16))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, ArchAMD64, objs[0].Architecture())
}
