// Package compress compresses datagram payloads carried by the channel bus
package compress

import (
	"strings"

	"github.com/pkg/errors"
)

// Compressor compresses and restores whole payloads
type Compressor interface {
	// Format is the name of the format, written nowhere on the wire
	Format() string
	Compress(b []byte) ([]byte, error)
	Decompress(c []byte) ([]byte, error)
}

var (
	// ErrUnknownFormat is returned for an unsupported compress format
	ErrUnknownFormat = errors.New("unknown compress format")
)

// NewCompressor creates the compressor of the format, "" and "none" return nil
func NewCompressor(compressFormat string) (Compressor, error) {
	switch strings.ToLower(compressFormat) {
	case "", "none":
		return nil, nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "flate":
		return NewFlateCompressor(), nil
	default:
		return nil, errors.Wrap(ErrUnknownFormat, compressFormat)
	}
}
