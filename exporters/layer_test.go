package exporters

import (
	"bytes"
	"context"
	goerrors "errors"
	"io"
	"testing"

	ggcrtypes "github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/imgdedup/dedup"
	"github.com/bibin-skaria/imgdedup/internal/errors"
	"github.com/bibin-skaria/imgdedup/internal/tartest"
	"github.com/bibin-skaria/imgdedup/internal/types"
)

func TestRewriteLayer(t *testing.T) {
	x := tartest.Blob("X", 4096)
	layer := tartest.Tarball{
		tartest.Dir{Name: "a"},
		tartest.File{Name: "a/file.bin", Contents: x},
		tartest.File{Name: "a/file2.bin", Uid: 7, Gid: 7, Contents: x},
		tartest.File{Name: "b/file.bin", Contents: x},
		tartest.Symlink{Name: "a/link", Target: "file.bin"},
	}
	dispositions := map[int]*dedup.Disposition{
		2: {Type: dedup.Hardlink, Target: "a/file.bin"},
		3: {Type: dedup.Symlink, Target: "/a/file.bin"},
	}

	for _, compression := range []types.CompressionType{types.CompressionNone, types.CompressionGzip, types.CompressionZstd} {
		t.Run(string(compression), func(t *testing.T) {
			var out bytes.Buffer
			res, err := RewriteLayer(context.Background(), layer.Buffer(), dispositions, compression, &out)
			if err != nil {
				t.Fatalf("RewriteLayer failed: %v", err)
			}

			if res.Source != "none" {
				t.Errorf("Expected source compression none, got %q", res.Source)
			}
			if res.Hardlinks != 1 || res.Symlinks != 1 {
				t.Errorf("Expected 1 hardlink and 1 symlink, got %d and %d", res.Hardlinks, res.Symlinks)
			}
			if res.Size != int64(out.Len()) {
				t.Errorf("Expected size %d, got %d", out.Len(), res.Size)
			}
			if res.Digest.String() != digest.FromBytes(out.Bytes()).String() {
				t.Errorf("Blob digest %s does not match the emitted bytes", res.Digest)
			}

			raw, err := io.ReadAll(tartest.Decompress(t, bytes.NewReader(out.Bytes())))
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if res.DiffID.String() != digest.FromBytes(raw).String() {
				t.Errorf("DiffID %s does not match the uncompressed stream", res.DiffID)
			}
			if compression == types.CompressionNone && res.DiffID != res.Digest {
				t.Error("Expected DiffID and blob digest to match without compression")
			}

			want := []tartest.Extractable{
				tartest.Dir{Name: "a"},
				tartest.File{Name: "a/file.bin", Mode: 0644, Contents: x},
				tartest.Hardlink{Name: "a/file2.bin", Target: "a/file.bin", Uid: 7},
				tartest.Symlink{Name: "b/file.bin", Target: "/a/file.bin"},
				tartest.Symlink{Name: "a/link", Target: "file.bin"},
			}
			got := tartest.Extract(t, bytes.NewReader(out.Bytes()))
			if len(got) != len(want) {
				t.Fatalf("Expected %d entries, got %d: %+v", len(want), len(got), got)
			}
			for i := range want {
				if !equalExtractable(want[i], got[i]) {
					t.Errorf("Entry %d: expected %+v, got %+v", i, want[i], got[i])
				}
			}
		})
	}
}

func equalExtractable(a, b tartest.Extractable) bool {
	fa, okA := a.(tartest.File)
	fb, okB := b.(tartest.File)
	if okA && okB {
		return fa.Name == fb.Name && fa.Mode == fb.Mode && fa.Uid == fb.Uid && bytes.Equal(fa.Contents, fb.Contents)
	}
	return a == b
}

func TestRewriteLayer_NoDispositions(t *testing.T) {
	layer := tartest.Tarball{
		tartest.Dir{Name: "etc"},
		tartest.File{Name: "etc/hosts", Contents: []byte("127.0.0.1 localhost\n")},
		tartest.Hardlink{Name: "etc/hosts.bak", Target: "etc/hosts"},
		tartest.Whiteout{Name: "etc/passwd"},
		tartest.Opaque{Dir: "var"},
	}

	var out bytes.Buffer
	res, err := RewriteLayer(context.Background(), layer.Gzip(), nil, types.CompressionNone, &out)
	if err != nil {
		t.Fatalf("RewriteLayer failed: %v", err)
	}
	if res.Source != "gzip" {
		t.Errorf("Expected gzip source to be detected, got %q", res.Source)
	}
	if !bytes.Equal(out.Bytes(), layer.Bytes()) {
		t.Error("Expected an unchanged layer to be reproduced byte for byte")
	}
	if res.DiffID.String() != digest.FromBytes(layer.Bytes()).String() {
		t.Errorf("Unexpected diff id %s", res.DiffID)
	}
}

func TestRewriteLayer_Errors(t *testing.T) {
	layer := tartest.Tarball{tartest.File{Name: "big", Contents: tartest.Blob("B", 8192)}}

	_, err := RewriteLayer(context.Background(), layer.Buffer(), nil, "lz4", io.Discard)
	if !goerrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("Expected configuration error for unknown compression, got %v", err)
	}

	truncated := layer.Bytes()[:512+4096]
	_, err = RewriteLayer(context.Background(), bytes.NewReader(truncated), nil, types.CompressionNone, io.Discard)
	if !goerrors.Is(err, errors.ErrMalformedArchive) {
		t.Errorf("Expected malformed archive error for a truncated layer, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RewriteLayer(ctx, layer.Buffer(), nil, types.CompressionNone, io.Discard)
	if !goerrors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestLayerResult_MediaType(t *testing.T) {
	tests := []struct {
		compression types.CompressionType
		replaced    ggcrtypes.MediaType
		want        ggcrtypes.MediaType
	}{
		{types.CompressionGzip, ggcrtypes.OCIUncompressedLayer, ggcrtypes.OCILayer},
		{types.CompressionGzip, ggcrtypes.DockerLayer, ggcrtypes.DockerLayer},
		{types.CompressionGzip, "", ggcrtypes.OCILayer},
		{types.CompressionNone, ggcrtypes.OCILayer, ggcrtypes.OCIUncompressedLayer},
		{types.CompressionNone, ggcrtypes.DockerLayer, ggcrtypes.DockerUncompressedLayer},
		{types.CompressionZstd, ggcrtypes.DockerLayer, ggcrtypes.OCILayerZStd},
	}
	for _, tt := range tests {
		res := &LayerResult{Compression: tt.compression}
		if got := res.MediaType(tt.replaced); got != tt.want {
			t.Errorf("%s over %q: expected %q, got %q", tt.compression, tt.replaced, tt.want, got)
		}
	}
}

type closeCounter struct {
	io.Writer
	closes *int
}

func (c closeCounter) Close() error {
	*c.closes++
	return nil
}

type countingCompressor struct {
	closes int
}

func (c *countingCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return closeCounter{Writer: w, closes: &c.closes}, nil
}

func TestRewriteLayer_ClosesCompressor(t *testing.T) {
	const name types.CompressionType = "counting"
	layer := tartest.Tarball{tartest.File{Name: "big", Contents: tartest.Blob("B", 8192)}}

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{name: "complete layer", data: layer.Bytes()},
		{name: "truncated layer", data: layer.Bytes()[:512+4096], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &countingCompressor{}
			RegisterCompressor(name, c)
			defer delete(compressors, name)

			_, err := RewriteLayer(context.Background(), bytes.NewReader(tt.data), nil, name, io.Discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if c.closes != 1 {
				t.Errorf("Expected the compressor to be closed once, got %d", c.closes)
			}
		})
	}
}
