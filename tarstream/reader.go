// Package tarstream is a forward-only cursor over a layer tar stream.
//
// Entries are handed out one at a time. The payload of an entry is a bounded
// reader that must either be read to io.EOF or explicitly skipped before the
// next call to Next; forgetting to do so is reported as ErrUnconsumed instead
// of silently desynchronising the stream. Gzip and zstd compressed streams
// are detected from their magic bytes and decompressed transparently.
package tarstream

import (
	"archive/tar"
	"bufio"
	"bytes"
	goerrors "errors"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/bibin-skaria/imgdedup/internal/errors"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

	// ErrUnconsumed is returned by Next when the previous entry still has
	// unread payload and was not skipped.
	ErrUnconsumed = goerrors.New("tarstream: previous entry neither consumed nor skipped")
)

// Compression reported by Reader.Compression.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

const peekSize = 64 << 10

// Reader yields the entries of one tar stream in archive order.
type Reader struct {
	tr          *tar.Reader
	compression string
	closeFn     func() error

	cur   *Entry
	count int
	err   error
}

// NewReader sniffs the stream for gzip or zstd framing and returns a cursor
// over the (decompressed) tar stream.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, peekSize)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, mapError("sniff_compression", err)
	}

	rd := &Reader{compression: CompressionNone, closeFn: func() error { return nil }}
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, mapError("open_gzip", err)
		}
		rd.compression = CompressionGzip
		rd.closeFn = zr.Close
		rd.tr = tar.NewReader(zr)
	case bytes.HasPrefix(magic, zstdMagic):
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, mapError("open_zstd", err)
		}
		rd.compression = CompressionZstd
		rd.closeFn = func() error {
			dec.Close()
			return nil
		}
		rd.tr = tar.NewReader(dec)
	default:
		rd.tr = tar.NewReader(br)
	}
	return rd, nil
}

// Compression returns the framing detected on the stream.
func (r *Reader) Compression() string {
	return r.compression
}

// Next advances to the next entry. It returns io.EOF after the last entry.
func (r *Reader) Next() (*Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.cur != nil && !r.cur.skipped && r.cur.remaining > 0 {
		return nil, ErrUnconsumed
	}

	hdr, err := r.tr.Next()
	if err != nil {
		if err != io.EOF {
			err = mapError("read_header", err)
		}
		r.err = err
		return nil, err
	}

	e := &Entry{
		Header: hdr,
		Path:   CleanPath(hdr.Name),
		Kind:   Classify(hdr),
		Index:  r.count,
		r:      r,
	}
	if hasPayload(hdr.Typeflag) {
		e.remaining = hdr.Size
	}
	r.cur = e
	r.count++
	return e, nil
}

// Close releases the decompressor. It does not close the underlying reader.
func (r *Reader) Close() error {
	return r.closeFn()
}

// hasPayload mirrors archive/tar, which never returns data for header-only
// types regardless of the size field.
func hasPayload(flag byte) bool {
	switch flag {
	case tar.TypeLink, tar.TypeSymlink, tar.TypeChar, tar.TypeBlock, tar.TypeDir, tar.TypeFifo:
		return false
	}
	return true
}

// Entry is one tar member. Its payload is read through Read and must be
// drained or skipped before the owning Reader advances.
type Entry struct {
	Header *tar.Header
	Path   string
	Kind   Kind
	Index  int

	r         *Reader
	remaining int64
	skipped   bool
}

// Read reads at most the remaining payload of the entry.
func (e *Entry) Read(p []byte) (int, error) {
	if e.skipped || e.r.cur != e {
		return 0, ErrUnconsumed
	}
	if e.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}

	n, err := e.r.tr.Read(p)
	e.remaining -= int64(n)
	switch {
	case err == io.EOF && e.remaining > 0:
		err = errors.NewMalformedArchiveError("read_payload", io.ErrUnexpectedEOF)
	case err != nil && err != io.EOF:
		err = mapError("read_payload", err)
	case err == nil && e.remaining == 0:
		err = io.EOF
	}
	if err != nil && err != io.EOF {
		e.r.err = err
	}
	return n, err
}

// Skip discards the rest of the payload. The bytes are drained by the next
// call to Next, which reports truncation as a malformed archive.
func (e *Entry) Skip() error {
	e.skipped = true
	return nil
}

// Remaining returns the number of payload bytes not yet read.
func (e *Entry) Remaining() int64 {
	return e.remaining
}

// Digestable reports whether the entry is a regular file with content.
func (e *Entry) Digestable() bool {
	return e.Kind == KindRegular && e.Header.Size > 0
}

// Target is the path a whiteout deletes or the directory an opaque marker
// hides. For other kinds it is the entry's own path.
func (e *Entry) Target() string {
	switch e.Kind {
	case KindWhiteout:
		return WhiteoutTarget(e.Path)
	case KindOpaque:
		return OpaqueDir(e.Path)
	}
	return e.Path
}

func mapError(operation string, err error) error {
	var corrupt flate.CorruptInputError
	switch {
	case goerrors.Is(err, tar.ErrHeader),
		goerrors.Is(err, io.ErrUnexpectedEOF),
		goerrors.Is(err, gzip.ErrChecksum),
		goerrors.Is(err, gzip.ErrHeader),
		goerrors.Is(err, zstd.ErrMagicMismatch),
		goerrors.Is(err, zstd.ErrCRCMismatch),
		goerrors.Is(err, zstd.ErrReservedBlockType),
		goerrors.As(err, &corrupt):
		return errors.NewMalformedArchiveError(operation, err)
	}
	return errors.NewIOError(operation, err)
}
