// Package exporters writes the deduplicated image.
//
// RewriteLayer replays one layer with duplicates turned into links and
// reports the new DiffID and blob digest. WriteImage assembles the outer
// tarball from the input members, the spooled layer blobs and the patched
// config, manifest and index.
package exporters

import (
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/bibin-skaria/imgdedup/internal/errors"
	"github.com/bibin-skaria/imgdedup/internal/types"
)

// Compressor frames a rewritten layer blob.
type Compressor interface {
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

var compressors = make(map[types.CompressionType]Compressor)

func RegisterCompressor(name types.CompressionType, c Compressor) {
	compressors[name] = c
}

func GetCompressor(name types.CompressionType) (Compressor, error) {
	c, exists := compressors[name]
	if !exists {
		return nil, errors.NewConfigurationError(fmt.Sprintf("compression %s not supported", name))
	}
	return c, nil
}

func ListCompressors() []string {
	names := make([]string, 0, len(compressors))
	for name := range compressors {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

type noneCompressor struct{}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func (noneCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

// gzipCompressor compresses blocks in parallel.
type gzipCompressor struct{}

func (gzipCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return pgzip.NewWriterLevel(w, pgzip.DefaultCompression)
}

type zstdCompressor struct{}

func (zstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func init() {
	RegisterCompressor(types.CompressionNone, noneCompressor{})
	RegisterCompressor(types.CompressionGzip, gzipCompressor{})
	RegisterCompressor(types.CompressionZstd, zstdCompressor{})
}
