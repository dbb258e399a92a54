package symbolizer

import (
	"context"
	"time"

	"github.com/google/pprof/profile"
)

// SymbolizeProfile fills in function and line information for every
// unsymbolized location whose mapping has a retained cache reader.
// Locations of mappings without a reader are left untouched. Location
// addresses are looked up as stored; callers with runtime addresses
// rebase them with MapRuntimeAddress first.
func (s *Symbolizer) SymbolizeProfile(ctx context.Context, prof *profile.Profile) error {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.profileSymbolization.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	var maxFunctionID uint64
	for _, fn := range prof.Function {
		if fn.ID > maxFunctionID {
			maxFunctionID = fn.ID
		}
	}
	functions := make(map[funcKey]*profile.Function)

	symbolized := make(map[*profile.Mapping]bool)
	for _, loc := range prof.Location {
		if len(loc.Line) > 0 || loc.Mapping == nil || loc.Mapping.BuildID == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			status = statusError
			return err
		}

		r, err := s.Reader(loc.Mapping.BuildID)
		if err != nil {
			continue
		}

		frames := r.Lookup(nil, loc.Address)
		if len(frames) == 0 {
			continue
		}
		// innermost first, matching the pprof line convention
		for _, frame := range frames {
			name := frame.Function
			if s.cfg.Demangle {
				name = demangleName(name)
			}
			key := funcKey{name: name, file: frame.File}
			fn := functions[key]
			if fn == nil {
				maxFunctionID++
				fn = &profile.Function{
					ID:       maxFunctionID,
					Name:     name,
					Filename: frame.File,
				}
				functions[key] = fn
				prof.Function = append(prof.Function, fn)
			}
			loc.Line = append(loc.Line, profile.Line{
				Function: fn,
				Line:     int64(frame.Line),
			})
		}
		symbolized[loc.Mapping] = true
	}

	for m := range symbolized {
		m.HasFunctions = true
	}
	return nil
}

type funcKey struct {
	name string
	file string
}
