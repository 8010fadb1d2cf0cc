package layers

import (
	"context"
	"fmt"
	"io"

	"github.com/bibin-skaria/imgdedup/internal/errors"
	"github.com/bibin-skaria/imgdedup/tarstream"
)

// IndexLayer walks one layer stream and digests every regular file whose
// size is at least minSize. Files of size zero are never indexed.
func IndexLayer(ctx context.Context, layer int, r io.Reader, minSize int64) (*LayerIndex, error) {
	tr, err := tarstream.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	idx := newLayerIndex(layer)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		ev := PathEvent{Order: e.Index, Path: e.Target(), Kind: e.Kind}
		if e.Digestable() && e.Header.Size >= minSize {
			d, n, err := DigestFromReader(e)
			if err != nil {
				return nil, err
			}
			if n != e.Header.Size {
				return nil, errors.NewMalformedArchiveError("digest_file",
					fmt.Errorf("%s: read %d of %d bytes", e.Path, n, e.Header.Size))
			}
			ev.File = &File{
				Layer:  layer,
				Order:  e.Index,
				Path:   e.Path,
				Name:   e.Header.Name,
				Size:   n,
				Digest: d,
				Mode:   e.Header.Mode & 07777,
				Uid:    e.Header.Uid,
				Gid:    e.Header.Gid,
				Xattrs: xattrsOf(e.Header.PAXRecords),
			}
			idx.Files = append(idx.Files, ev.File)
		} else if err := e.Skip(); err != nil {
			return nil, err
		}
		idx.add(ev)
	}

	return idx, nil
}
