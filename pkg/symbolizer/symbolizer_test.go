package symbolizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/objd/symbolic/pkg/objfile"
	"github.com/objd/symbolic/pkg/symcache"
)

var testBuildID = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func testBuildIDHex() string {
	return hex.EncodeToString(testBuildID[:])
}

func newTestSymbolizer(t *testing.T, cfg Config) *Symbolizer {
	t.Helper()
	if cfg.ReaderCacheSize == 0 {
		cfg.ReaderCacheSize = 8
	}
	s, err := New(log.NewNopLogger(), cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	return s
}

// testCache builds a small cache with a plain function, an inlined
// call and a mangled C++ name.
func testCache(t *testing.T) []byte {
	t.Helper()
	b := symcache.NewBuilder(objfile.ArchAMD64, testBuildID)
	b.AddRange(symcache.Range{Start: 0x1000, End: 0x1010, Function: "main", File: "a.c", Line: 42, Parent: -1})
	outer := b.AddRange(symcache.Range{Start: 0x2000, End: 0x2020, Function: "outer", File: "b.c", Line: 10, Parent: -1})
	b.AddRange(symcache.Range{Start: 0x2008, End: 0x2010, Function: "inlined", File: "c.c", Line: 5, Parent: outer, Depth: 1})
	b.AddRange(symcache.Range{Start: 0x3000, End: 0x3010, Function: "_ZN3foo3barEv", File: "foo.cc", Line: 1, Parent: -1})
	data, err := b.Bytes()
	require.NoError(t, err)
	return data
}

func TestSymbolizeStackOrdering(t *testing.T) {
	s := newTestSymbolizer(t, Config{})
	r, err := s.AddCache(testCache(t))
	require.NoError(t, err)

	addrs := []uint64{0x2009, 0x1005, 0x2009, 0xdead}
	groups := s.SymbolizeStack(context.Background(), r, addrs)
	require.Len(t, groups, len(addrs))

	for i, g := range groups {
		require.Equal(t, addrs[i], g.Address)
	}
	// inline expansion stays contiguous inside its group, innermost
	// frame first
	require.Equal(t, []symcache.Frame{
		{Function: "inlined", File: "c.c", Line: 5, Depth: 0},
		{Function: "outer", File: "b.c", Line: 10, Depth: 1},
	}, groups[0].Frames)
	require.Equal(t, "main", groups[1].Frames[0].Function)
	// repeated addresses are answered again, never deduplicated
	require.Equal(t, groups[0], groups[2])
	require.Empty(t, groups[3].Frames)
}

func TestDemangleOption(t *testing.T) {
	cache := testCache(t)
	before := make([]byte, len(cache))
	copy(before, cache)

	s := newTestSymbolizer(t, Config{Demangle: true})
	r, err := s.AddCache(cache)
	require.NoError(t, err)

	groups := s.SymbolizeStack(context.Background(), r, []uint64{0x3005})
	require.Len(t, groups[0].Frames, 1)
	require.Equal(t, "foo::bar()", groups[0].Frames[0].Function)

	// demangling is applied to results only, never to the cache
	require.Equal(t, before, cache)
	require.True(t, bytes.Contains(cache, []byte("_ZN3foo3barEv")))
}

func TestReaderCache(t *testing.T) {
	s := newTestSymbolizer(t, Config{})
	_, err := s.AddCache(testCache(t))
	require.NoError(t, err)

	r, err := s.Reader(testBuildIDHex())
	require.NoError(t, err)
	require.Equal(t, testBuildID, r.BuildID())

	_, err = s.Reader("ffffffffffffffffffffffffffffffff")
	require.Error(t, err)
	require.True(t, IsCacheNotFound(err))
}

func TestReaderBuildIDCaseInsensitive(t *testing.T) {
	s := newTestSymbolizer(t, Config{})
	_, err := s.AddCache(testCache(t))
	require.NoError(t, err)

	r, err := s.Reader(strings.ToUpper(testBuildIDHex()))
	require.NoError(t, err)
	require.Equal(t, testBuildID, r.BuildID())
}

func TestAddCacheRejectsGarbage(t *testing.T) {
	s := newTestSymbolizer(t, Config{})
	_, err := s.AddCache([]byte("not a cache at all, sorry"))
	require.Error(t, err)
	require.True(t, symcache.IsCorrupt(err))
}

func TestVerifyCRCOption(t *testing.T) {
	cache := testCache(t)
	// flip a byte inside the string pool
	cache[0x80] ^= 0xff

	s := newTestSymbolizer(t, Config{VerifyCRC: true})
	_, err := s.AddCache(cache)
	require.Error(t, err)

	s = newTestSymbolizer(t, Config{})
	_, err = s.AddCache(cache)
	require.NoError(t, err)
}

func TestCreateCacheFromReaderGzip(t *testing.T) {
	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	_, err := gw.Write(minimalELF())
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	s := newTestSymbolizer(t, Config{})
	var out bytes.Buffer
	require.NoError(t, s.CreateCacheFromReader(&compressed, &out))

	r, err := symcache.OpenBuffer(out.Bytes(), symcache.WithCRC())
	require.NoError(t, err)
	require.Equal(t, objfile.ArchAMD64, r.Arch())
	require.Equal(t, 0, r.NumRanges())
}

func TestCreateCacheFromReaderZstd(t *testing.T) {
	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = zw.Write(minimalELF())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	s := newTestSymbolizer(t, Config{})
	var out bytes.Buffer
	require.NoError(t, s.CreateCacheFromReader(&compressed, &out))

	r, err := symcache.OpenBuffer(out.Bytes())
	require.NoError(t, err)
	require.Equal(t, objfile.ArchAMD64, r.Arch())
}

func TestCreateCacheFromReaderUncompressed(t *testing.T) {
	s := newTestSymbolizer(t, Config{})
	var out bytes.Buffer
	require.NoError(t, s.CreateCacheFromReader(bytes.NewReader(minimalELF()), &out))
	_, err := symcache.OpenBuffer(out.Bytes())
	require.NoError(t, err)
}

func TestCreateCacheFromReaderGarbage(t *testing.T) {
	s := newTestSymbolizer(t, Config{})
	var out bytes.Buffer
	err := s.CreateCacheFromReader(bytes.NewReader([]byte("garbage input")), &out)
	require.Error(t, err)
	require.Zero(t, out.Len())
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{ReaderCacheSize: 0}
	require.Error(t, cfg.Validate())
	cfg.ReaderCacheSize = 16
	require.NoError(t, cfg.Validate())

	_, err := New(log.NewNopLogger(), Config{ReaderCacheSize: -1}, nil)
	require.Error(t, err)
}

func TestDemangleName(t *testing.T) {
	require.Equal(t, "foo::bar()", demangleName("_ZN3foo3barEv"))
	require.Equal(t, "plain_c_name", demangleName("plain_c_name"))
	require.Equal(t, "", demangleName(""))
}

// minimalELF returns a valid ELF64 executable header with no sections,
// enough for an empty cache build.
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
