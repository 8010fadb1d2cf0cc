package exporters

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/tarball"
	ggcrtypes "github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/google/go-containerregistry/pkg/v1/validate"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/imgdedup/dedup"
	"github.com/bibin-skaria/imgdedup/internal/tartest"
	"github.com/bibin-skaria/imgdedup/internal/types"
	"github.com/bibin-skaria/imgdedup/layers"
	"github.com/bibin-skaria/imgdedup/manifest"
)

const mb = 1000000

// dedupImage runs index, resolve, rewrite and write over an in-memory image.
func dedupImage(t *testing.T, data []byte, compression types.CompressionType) ([]byte, *ImageResult, *dedup.Plan) {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	img, err := manifest.Load(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var parts []*layers.LayerIndex
	for _, l := range img.Layers() {
		li, err := layers.IndexLayer(ctx, l.Index, img.OpenLayer(l), mb)
		require.NoError(t, err)
		parts = append(parts, li)
	}
	idx, err := layers.NewImageIndex(parts)
	require.NoError(t, err)
	plan := dedup.Resolve(idx, logger)

	dir := t.TempDir()
	rewritten := map[int]*RewrittenLayer{}
	for _, i := range plan.ChangedLayers() {
		p := filepath.Join(dir, fmt.Sprintf("layer-%d", i))
		f, err := os.Create(p)
		require.NoError(t, err)
		res, err := RewriteLayer(ctx, img.OpenLayer(img.Layers()[i]), plan.ForLayer(i), compression, f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		rewritten[i] = &RewrittenLayer{Result: res, Path: p}
	}

	var out bytes.Buffer
	res, err := WriteImage(ctx, &out, img, rewritten, logger)
	require.NoError(t, err)
	require.Equal(t, int64(out.Len()), res.Size)
	return out.Bytes(), res, plan
}

func scenarioLayers() []tartest.Tarball {
	x := tartest.Blob("X", 2*mb)
	return []tartest.Tarball{
		{
			tartest.Dir{Name: "a"},
			tartest.File{Name: "a/file.bin", Contents: x},
			tartest.File{Name: "a/file2.bin", Contents: x},
		},
		{
			tartest.Dir{Name: "b"},
			tartest.File{Name: "b/file.bin", Contents: x},
		},
		{
			tartest.File{Name: "c/unrelated", Contents: []byte("kept as is")},
		},
	}
}

func TestWriteImage(t *testing.T) {
	tests := []struct {
		name        string
		image       tartest.Image
		compression types.CompressionType
	}{
		{"legacy gzip", tartest.Image{Layout: tartest.LayoutLegacy, Layers: scenarioLayers()}, types.CompressionGzip},
		{"legacy none", tartest.Image{Layout: tartest.LayoutLegacy, Layers: scenarioLayers()}, types.CompressionNone},
		{"oci gzip", tartest.Image{Layout: tartest.LayoutOCI, Layers: scenarioLayers()}, types.CompressionGzip},
		{"oci none", tartest.Image{Layout: tartest.LayoutOCI, Layers: scenarioLayers()}, types.CompressionNone},
		{"oci zstd over gzip", tartest.Image{Layout: tartest.LayoutOCI, Layers: scenarioLayers(), GzipLayers: true}, types.CompressionZstd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.image.Bytes(t)
			out, res, plan := dedupImage(t, in, tt.compression)
			require.Equal(t, 1, plan.Hardlinks())
			require.Equal(t, 1, plan.Symlinks())

			tartest.RequireSameView(t, tartest.Compose(t, in), tartest.Compose(t, out))
			if !tt.image.GzipLayers {
				require.Less(t, len(out), len(in))
			}

			img, err := manifest.Load(bytes.NewReader(out), int64(len(out)))
			require.NoError(t, err)
			members := tartest.Members(t, bytes.NewReader(out))
			for i, l := range img.Layers() {
				raw := tartest.Decompress(t, bytes.NewReader(members[l.Member.Name]))
				d, _, err := layers.DigestFromReader(raw)
				require.NoError(t, err)
				require.Equal(t, l.DiffID.String(), d.String(), "diff id of layer %d", i)
				require.Equal(t, res.DiffIDs[i], l.DiffID)
			}

			inImg, err := manifest.Load(bytes.NewReader(in), int64(len(in)))
			require.NoError(t, err)
			top := inImg.Layers()[2]
			require.Equal(t, top.DiffID, img.Layers()[2].DiffID)
			require.Equal(t, tartest.Members(t, bytes.NewReader(in))[top.Member.Name], members[img.Layers()[2].Member.Name],
				"unchanged layer must be copied byte for byte")

			for _, name := range res.Dropped {
				_, ok := img.Member(name)
				require.False(t, ok, "%s should have been dropped", name)
			}
			require.Contains(t, string(members["repositories"]), "example.com/dedup/test")

			if tt.image.Layout == tartest.LayoutOCI {
				require.NotNil(t, img.OCI(), "index.json must still describe the image")
				require.Equal(t, res.Config.String(), img.OCI().Manifest.Config.Digest.String())
				for _, i := range plan.ChangedLayers() {
					want := (&LayerResult{Compression: tt.compression}).MediaType(inImg.Layers()[i].MediaType)
					require.Equal(t, want, img.OCI().Manifest.Layers[i].MediaType)
				}
				require.Equal(t, "latest", img.OCI().Descriptor.Annotations["org.opencontainers.image.ref.name"])
			} else {
				require.True(t, strings.HasSuffix(img.Descriptor().Config, ".json"))
			}

			// tarball.Image expects every layer to share the framing of the first.
			if tt.compression == types.CompressionNone && !tt.image.GzipLayers {
				p := filepath.Join(t.TempDir(), "out.tar")
				require.NoError(t, os.WriteFile(p, out, 0644))
				v1img, err := tarball.ImageFromPath(p, nil)
				require.NoError(t, err)
				require.NoError(t, validate.Image(v1img))
			}
		})
	}
}

func TestWriteImage_Unchanged(t *testing.T) {
	in := tartest.Image{Layout: tartest.LayoutOCI, Layers: []tartest.Tarball{
		{tartest.File{Name: "only", Contents: tartest.Blob("O", 2*mb)}},
	}}.Bytes(t)

	out, res, plan := dedupImage(t, in, types.CompressionGzip)
	require.True(t, plan.Empty())
	require.Empty(t, res.Dropped)
	require.Equal(t, in, out)
}

func TestWriteImage_SharedLayerMember(t *testing.T) {
	x := tartest.Blob("X", 2*mb)
	shared := tartest.Tarball{tartest.File{Name: "lib/shared.so", Contents: x}}
	in := tartest.Image{Layers: []tartest.Tarball{
		shared,
		{tartest.File{Name: "lib/copy.so", Contents: x}},
		shared,
	}}.Bytes(t)

	out, res, plan := dedupImage(t, in, types.CompressionNone)
	require.Equal(t, []int{1}, plan.ChangedLayers())
	tartest.RequireSameView(t, tartest.Compose(t, in), tartest.Compose(t, out))

	img, err := manifest.Load(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	require.Same(t, img.Layers()[0].Member, img.Layers()[2].Member)
	require.Len(t, res.Dropped, 2, "replaced layer and old config")
	var layerDropped int
	for _, name := range res.Dropped {
		if strings.HasSuffix(name, "/layer.tar") {
			layerDropped++
		}
	}
	require.Equal(t, 1, layerDropped)
}

func TestWriteImage_UnmatchedIndex(t *testing.T) {
	data := tartest.Image{Layout: tartest.LayoutOCI, Layers: scenarioLayers()}.Bytes(t)
	members := tartest.Members(t, bytes.NewReader(data))

	var rebuilt tartest.Tarball
	for name, content := range members {
		if strings.HasPrefix(name, "blobs/") || name == "manifest.json" || name == "oci-layout" {
			rebuilt = append(rebuilt, tartest.File{Name: name, Contents: content})
		}
	}
	rebuilt = append(rebuilt, tartest.File{Name: "index.json", Contents: []byte(`{"schemaVersion":2,"manifests":[]}`)})

	out, res, _ := dedupImage(t, rebuilt.Bytes(), types.CompressionGzip)
	require.Contains(t, res.Dropped, "index.json")
	require.Contains(t, res.Dropped, "oci-layout")

	img, err := manifest.Load(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	require.False(t, img.HasIndex())
	require.Equal(t, manifest.LayoutOCI, img.Layout())
	require.Equal(t, ggcrtypes.MediaType(""), img.Layers()[0].MediaType)

	d := digest.FromBytes(tartest.Members(t, bytes.NewReader(out))[img.Descriptor().Config])
	require.Equal(t, res.Config.String(), d.String())
}
