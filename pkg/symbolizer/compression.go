package symbolizer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// decompress reads all of r, transparently decompressing gzip and zstd
// streams. Unrecognized data is returned as-is.
func decompress(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)

	header, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("peek header: %w", err)
	}

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gr.Close()
		return readAll(gr, "gzip")

	case len(header) >= 4 && bytes.Equal(header[:4], []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		return readAll(zr.IOReadCloser(), "zstd")
	}

	return readAll(br, "raw")
}

func readAll(r io.Reader, kind string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read %s data: %w", kind, err)
	}
	return buf.Bytes(), nil
}
