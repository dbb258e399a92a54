package objfile

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrNoBuildIDSection = fmt.Errorf("build ID section not found")

// BuildID returns the GNU build-id note when present, then the Go
// build-id note, then a content-hash fallback. The fallback keeps the
// identifier stable across identical rebuilds of unstamped binaries.
func (o *elfObject) BuildID() (BuildID, error) {
	id, err := o.gnuBuildID()
	if err != nil && !errors.Is(err, ErrNoBuildIDSection) {
		return BuildID{}, err
	}
	if !id.Empty() {
		return id, nil
	}
	id, err = o.goBuildID()
	if err != nil && !errors.Is(err, ErrNoBuildIDSection) {
		return BuildID{}, err
	}
	if !id.Empty() {
		return id, nil
	}

	text, _ := o.SectionData(".text")
	header := o.data
	if len(header) > 64 {
		header = header[:64]
	}
	return hashBuildID(header, text), nil
}

var goBuildIDSep = []byte("/")

func (o *elfObject) goBuildID() (BuildID, error) {
	if o.file.Section(".note.go.buildid") == nil {
		return BuildID{}, ErrNoBuildIDSection
	}
	data, err := o.SectionData(".note.go.buildid")
	if err != nil {
		return BuildID{}, fmt.Errorf("reading .note.go.buildid %w", err)
	}
	if len(data) < 17 {
		return BuildID{}, fmt.Errorf(".note.go.buildid is too small")
	}

	data = data[16 : len(data)-1]
	if len(data) < 40 || bytes.Count(data, goBuildIDSep) < 2 {
		return BuildID{}, fmt.Errorf("wrong .note.go.buildid")
	}
	id := string(data)
	if id == "redacted" {
		return BuildID{}, fmt.Errorf("blacklisted .note.go.buildid")
	}
	return GoBuildID(id), nil
}

func (o *elfObject) gnuBuildID() (BuildID, error) {
	if o.file.Section(".note.gnu.build-id") == nil {
		return BuildID{}, ErrNoBuildIDSection
	}
	data, err := o.SectionData(".note.gnu.build-id")
	if err != nil {
		return BuildID{}, fmt.Errorf("reading .note.gnu.build-id %w", err)
	}
	if len(data) < 16 {
		return BuildID{}, fmt.Errorf(".note.gnu.build-id is too small")
	}
	if !bytes.Equal([]byte("GNU"), data[12:15]) {
		return BuildID{}, fmt.Errorf(".note.gnu.build-id is not a GNU build-id")
	}
	rawBuildID := data[16:]
	if len(rawBuildID) != 20 && len(rawBuildID) != 8 { // 8 is xxhash, for example in Container-Optimized OS
		return BuildID{}, fmt.Errorf(".note.gnu.build-id has wrong size %d", len(rawBuildID))
	}
	return GNUBuildID(hex.EncodeToString(rawBuildID)), nil
}
