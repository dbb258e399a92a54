// Package symbolizer ties object parsing, debug-data extraction and the
// symbol cache together: it builds caches from raw object files and
// resolves stacks of addresses against cached readers.
package symbolizer

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/objd/symbolic/pkg/debuginfo"
	"github.com/objd/symbolic/pkg/objfile"
	"github.com/objd/symbolic/pkg/symcache"
)

type Config struct {
	// ReaderCacheSize bounds the number of open cache readers kept in
	// memory, evicted least-recently-used.
	ReaderCacheSize int `yaml:"reader_cache_size"`
	// VerifyCRC enables checksum verification when opening caches.
	VerifyCRC bool `yaml:"verify_crc"`
	// Demangle rewrites mangled function names in lookup results.
	// Cache contents always keep the mangled form.
	Demangle bool `yaml:"demangle"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.ReaderCacheSize, prefix+"symbolizer.reader-cache-size", 64, "Maximum number of open symbol cache readers kept in memory.")
	f.BoolVar(&cfg.VerifyCRC, prefix+"symbolizer.verify-crc", false, "Verify section checksums when opening symbol caches.")
	f.BoolVar(&cfg.Demangle, prefix+"symbolizer.demangle", false, "Demangle function names in lookup results.")
}

func (cfg *Config) Validate() error {
	if cfg.ReaderCacheSize <= 0 {
		return fmt.Errorf("reader cache size must be positive, got %d", cfg.ReaderCacheSize)
	}
	return nil
}

// FrameGroup is the symbolication result for one input address: the
// frames covering it, innermost first. Frames is empty when no range
// covers the address.
type FrameGroup struct {
	Address uint64
	Frames  []symcache.Frame
}

type Symbolizer struct {
	logger  log.Logger
	cfg     Config
	metrics *metrics

	readers *lru.Cache[string, *symcache.Reader]
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	readers, err := lru.New[string, *symcache.Reader](cfg.ReaderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create reader cache: %w", err)
	}
	return &Symbolizer{
		logger:  logger,
		cfg:     cfg,
		metrics: newMetrics(reg),
		readers: readers,
	}, nil
}

// AddCache opens a serialized cache and retains the reader, keyed by
// the build ID recorded in its header. The buffer must stay immutable
// for the lifetime of the reader.
func (s *Symbolizer) AddCache(data []byte) (*symcache.Reader, error) {
	var opts []symcache.Option
	if s.cfg.VerifyCRC {
		opts = append(opts, symcache.WithCRC())
	}
	r, err := symcache.OpenBuffer(data, opts...)
	if err != nil {
		s.metrics.readerCacheOps.WithLabelValues("add", statusError).Inc()
		return nil, err
	}
	id := r.BuildID()
	s.readers.Add(hex.EncodeToString(id[:]), r)
	s.metrics.readerCacheOps.WithLabelValues("add", statusSuccess).Inc()
	return r, nil
}

// Reader returns the retained reader for a hex build ID. Readers are
// stored under the lowercase form, but pprof producers disagree on
// hex case, so the ID is matched case-insensitively.
func (s *Symbolizer) Reader(buildID string) (*symcache.Reader, error) {
	r, ok := s.readers.Get(strings.ToLower(buildID))
	if !ok {
		s.metrics.readerCacheOps.WithLabelValues("get", statusMiss).Inc()
		return nil, cacheNotFoundError{buildID: buildID}
	}
	s.metrics.readerCacheOps.WithLabelValues("get", statusSuccess).Inc()
	return r, nil
}

// SymbolizeStack resolves a stack of addresses against one reader. The
// result has exactly one group per input address, in input order;
// repeated addresses produce repeated groups. Addresses are expected
// innermost-frame-first, as captured from the stack, and must already
// be rebased to link-time addresses (see MapRuntimeAddress).
func (s *Symbolizer) SymbolizeStack(ctx context.Context, r *symcache.Reader, addrs []uint64) []FrameGroup {
	start := time.Now()
	status := statusSuccess

	groups := make([]FrameGroup, len(addrs))
	for i, addr := range addrs {
		frames := r.Lookup(nil, addr)
		if len(frames) == 0 {
			s.metrics.lookups.WithLabelValues(statusMiss).Inc()
			status = statusMiss
		} else {
			s.metrics.lookups.WithLabelValues(statusSuccess).Inc()
		}
		if s.cfg.Demangle {
			for j := range frames {
				frames[j].Function = demangleName(frames[j].Function)
			}
		}
		groups[i] = FrameGroup{Address: addr, Frames: frames}
	}

	s.metrics.stackResolution.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return groups
}

// CreateCache builds a symbol cache for one object and writes it to w.
// Objects carrying no debug data still produce a cache from their
// symbol table alone.
func (s *Symbolizer) CreateCache(obj objfile.Object, w io.Writer) error {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.cacheBuildDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	buildID, err := obj.BuildID()
	if err != nil {
		status = statusError
		return fmt.Errorf("determine build ID: %w", err)
	}

	builder := symcache.NewBuilder(obj.Architecture(), buildID.Bytes16(), symcache.WithLogger(s.logger))

	if obj.HasDWARF() {
		extractor := debuginfo.NewExtractor(debuginfo.WithLogger(s.logger))
		records, err := extractor.Extract(obj)
		if err != nil {
			status = statusError
			return fmt.Errorf("extract debug data: %w", err)
		}
		for _, rec := range records {
			builder.AddRange(symcache.Range{
				Start:    rec.Start,
				End:      rec.End,
				Function: rec.Function,
				File:     rec.File,
				Line:     rec.Line,
				Parent:   rec.Parent,
				Depth:    rec.Depth,
			})
		}
	}

	symbols, err := obj.Symbols()
	if err != nil {
		// symbol tables are optional, debug ranges may still cover
		// everything
		level.Warn(s.logger).Log("msg", "read symbol table", "err", err)
	}
	for _, sym := range symbols {
		builder.AddSymbol(sym)
	}

	n, err := builder.WriteTo(w)
	if err != nil {
		status = statusError
		return err
	}
	s.metrics.cacheSizeBytes.Observe(float64(n))
	return nil
}

// CreateCacheFromReader builds a cache from a raw, possibly gzip or
// zstd compressed object file stream. Fat Mach-O input uses the first
// contained architecture; CreateCache can be called per object when
// all slices are wanted.
func (s *Symbolizer) CreateCacheFromReader(r io.Reader, w io.Writer) error {
	data, err := decompress(r)
	if err != nil {
		return err
	}
	objs, err := objfile.Parse(data)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return ErrNoObject
	}
	return s.CreateCache(objs[0], w)
}

// demangleName rewrites Itanium, Rust and MSVC mangled names into
// their human-readable form, passing everything else through.
func demangleName(name string) string {
	return demangle.Filter(name)
}
