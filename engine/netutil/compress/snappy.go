package compress

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// NewSnappyCompressor creates a compressor of the snappy block format
func NewSnappyCompressor() Compressor {
	return snappyCompressor{}
}

type snappyCompressor struct{}

func (snappyCompressor) Format() string {
	return "snappy"
}

func (snappyCompressor) Compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (snappyCompressor) Decompress(c []byte) ([]byte, error) {
	b, err := snappy.Decode(nil, c)
	return b, errors.Wrap(err, "snappy decode failed")
}
