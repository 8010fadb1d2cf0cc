package exporters

import (
	"archive/tar"
	"context"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	ggcrtypes "github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"go.uber.org/multierr"

	"github.com/bibin-skaria/imgdedup/dedup"
	"github.com/bibin-skaria/imgdedup/internal/bytecounter"
	"github.com/bibin-skaria/imgdedup/internal/errors"
	"github.com/bibin-skaria/imgdedup/internal/types"
	"github.com/bibin-skaria/imgdedup/tarstream"
)

// LayerResult describes a rewritten layer blob.
type LayerResult struct {
	// DiffID is the digest of the uncompressed tar stream.
	DiffID v1.Hash
	// Digest and Size describe the bytes written to dst.
	Digest      v1.Hash
	Size        int64
	Compression types.CompressionType
	// Source is the compression detected on the input layer.
	Source string

	Hardlinks int
	Symlinks  int
}

// MediaType returns the descriptor media type of the blob, staying in the
// family (docker or OCI) of the layer it replaces.
func (r *LayerResult) MediaType(replaced ggcrtypes.MediaType) ggcrtypes.MediaType {
	docker := replaced == ggcrtypes.DockerLayer ||
		replaced == ggcrtypes.DockerUncompressedLayer ||
		replaced == ggcrtypes.DockerForeignLayer

	switch r.Compression {
	case types.CompressionZstd:
		return ggcrtypes.OCILayerZStd
	case types.CompressionNone:
		if docker {
			return ggcrtypes.DockerUncompressedLayer
		}
		return ggcrtypes.OCIUncompressedLayer
	}
	if docker {
		return ggcrtypes.DockerLayer
	}
	return ggcrtypes.OCILayer
}

// RewriteLayer copies the layer read from src to dst, replacing the entries
// named in dispositions (keyed by entry order) with links. The payload of a
// replaced entry is skipped, never read.
func RewriteLayer(ctx context.Context, src io.Reader, dispositions map[int]*dedup.Disposition, compression types.CompressionType, dst io.Writer) (res *LayerResult, err error) {
	compressor, err := GetCompressor(compression)
	if err != nil {
		return nil, err
	}

	rd, err := tarstream.NewReader(src)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, rd.Close()) }()

	blobDigester := digest.Canonical.Digester()
	blob := bytecounter.NewWriter(io.MultiWriter(dst, blobDigester.Hash()))
	zw, err := compressor.NewWriter(blob)
	if err != nil {
		return nil, errors.NewWriteError("open_compressor", err)
	}
	zwClosed := false
	defer func() {
		if !zwClosed {
			zw.Close()
		}
	}()
	diffDigester := digest.Canonical.Digester()
	tw := tar.NewWriter(io.MultiWriter(zw, diffDigester.Hash()))

	res = &LayerResult{Compression: compression, Source: rd.Compression()}
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if d, ok := dispositions[e.Index]; ok {
			if err := e.Skip(); err != nil {
				return nil, err
			}
			if err := writeHeader(tw, linkHeader(e.Header, d)); err != nil {
				return nil, errors.NewWriteError("write_link", err)
			}
			switch d.Type {
			case dedup.Hardlink:
				res.Hardlinks++
			case dedup.Symlink:
				res.Symlinks++
			}
			continue
		}

		if err := writeHeader(tw, copyHeader(e.Header)); err != nil {
			return nil, errors.NewWriteError("write_header", err)
		}
		if _, err := io.CopyBuffer(tw, e, buf); err != nil {
			if errors.CategoryOf(err) != errors.ErrorCategoryUnknown {
				return nil, err
			}
			return nil, errors.NewWriteError("write_payload", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, errors.NewWriteError("close_layer", err)
	}
	zwClosed = true
	if err := zw.Close(); err != nil {
		return nil, errors.NewWriteError("close_compressor", err)
	}

	if res.DiffID, err = v1.NewHash(diffDigester.Digest().String()); err != nil {
		return nil, errors.NewWriteError("diff_id", err)
	}
	if res.Digest, err = v1.NewHash(blobDigester.Digest().String()); err != nil {
		return nil, errors.NewWriteError("blob_digest", err)
	}
	res.Size = blob.N
	return res, nil
}

// copyHeader returns a writable copy of hdr. Sparse files are already
// expanded by the reader.
func copyHeader(hdr *tar.Header) *tar.Header {
	out := *hdr
	if out.Typeflag == tar.TypeGNUSparse {
		out.Typeflag = tar.TypeReg
		out.Format = tar.FormatUnknown
	}
	return &out
}

// linkHeader turns the header of a duplicate into a link to its canonical
// copy. Ownership, mode, times and xattrs stay those of the duplicate.
func linkHeader(hdr *tar.Header, d *dedup.Disposition) *tar.Header {
	out := copyHeader(hdr)
	out.Size = 0
	out.Linkname = d.Target
	switch d.Type {
	case dedup.Hardlink:
		out.Typeflag = tar.TypeLink
	case dedup.Symlink:
		out.Typeflag = tar.TypeSymlink
	}
	return out
}

// writeHeader keeps the header's original format when it can still express
// the header, and lets archive/tar pick one otherwise.
func writeHeader(tw *tar.Writer, hdr *tar.Header) error {
	if hdr.Format == tar.FormatUnknown {
		return tw.WriteHeader(hdr)
	}
	if err := tw.WriteHeader(hdr); err == nil {
		return nil
	}
	retry := *hdr
	retry.Format = tar.FormatUnknown
	return tw.WriteHeader(&retry)
}
