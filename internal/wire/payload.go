package wire

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Unwrap returns the frame's inner payload, gzip-decompressed when
// possible. Malformed compressed data falls back to the raw bytes
// unchanged; downstream consumers must tolerate either form. A frame
// without a payload yields nil.
func Unwrap(f Frame) []byte {
	if len(f.Payload) == 0 {
		return nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(f.Payload))
	if err != nil {
		return f.Payload
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return f.Payload
	}
	return out
}
