package compress

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/pkg/errors"
)

// NewFlateCompressor creates a compressor of the deflate format at best speed
func NewFlateCompressor() Compressor {
	return flateCompressor{}
}

type flateCompressor struct{}

func (flateCompressor) Format() string {
	return "flate"
}

func (flateCompressor) Compress(b []byte) ([]byte, error) {
	var wb bytes.Buffer
	w, err := flate.NewWriter(&wb, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return wb.Bytes(), nil
}

func (flateCompressor) Decompress(c []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(c))
	defer r.Close()
	b, err := io.ReadAll(r)
	return b, errors.Wrap(err, "flate decode failed")
}
