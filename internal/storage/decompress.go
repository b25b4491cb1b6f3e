package storage

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Decompress copies the inflated content of r into w. Objects were written
// by more than one uploader over time, so both gzip and raw zlib streams
// occur; the format is chosen from the leading magic bytes.
func Decompress(r io.Reader, w io.Writer) (int64, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return 0, fmt.Errorf("reading compression header: %w", err)
	}

	var zr io.ReadCloser
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err = gzip.NewReader(br)
	} else {
		zr, err = zlib.NewReader(br)
	}
	if err != nil {
		return 0, fmt.Errorf("opening compressed stream: %w", err)
	}
	defer zr.Close()

	n, err := io.Copy(w, zr)
	if err != nil {
		return n, fmt.Errorf("inflating: %w", err)
	}
	return n, nil
}
