package tartest

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

// Layout selects the docker save flavour produced by Image.
type Layout int

const (
	// LayoutLegacy is <id>/layer.tar plus <hex>.json, as written by docker < 25.
	LayoutLegacy Layout = iota
	// LayoutOCI is blobs/sha256/<hex> plus index.json, as written by docker >= 25.
	LayoutOCI
)

const repoTag = "example.com/dedup/test:latest"

// Image builds a docker save tarball from in-memory layers.
type Image struct {
	Layout     Layout
	Layers     []Tarball
	GzipLayers bool
}

type builtLayer struct {
	diffID digest.Digest
	blob   []byte
	digest digest.Digest
}

// Bytes renders the image as an outer tarball.
func (img Image) Bytes(t *testing.T) []byte {
	t.Helper()

	built := make([]builtLayer, len(img.Layers))
	diffIDs := make([]string, len(img.Layers))
	history := make([]map[string]string, len(img.Layers))
	for i, layer := range img.Layers {
		raw := layer.Bytes()
		blob := raw
		if img.GzipLayers {
			blob = layer.Gzip().Bytes()
		}
		built[i] = builtLayer{diffID: digest.FromBytes(raw), blob: blob, digest: digest.FromBytes(blob)}
		diffIDs[i] = built[i].diffID.String()
		history[i] = map[string]string{"created_by": fmt.Sprintf("layer %d", i)}
	}

	config, err := json.Marshal(map[string]interface{}{
		"architecture": "amd64",
		"os":           "linux",
		"config":       map[string]interface{}{"Env": []string{"PATH=/usr/bin:/bin"}},
		"rootfs":       map[string]interface{}{"type": "layers", "diff_ids": diffIDs},
		"history":      history,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	switch img.Layout {
	case LayoutOCI:
		img.writeOCI(t, tw, built, config)
	default:
		img.writeLegacy(t, tw, built, config)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// WriteFile renders the image into dir and returns its path.
func (img Image) WriteFile(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "image.tar")
	require.NoError(t, os.WriteFile(p, img.Bytes(t), 0644))
	return p
}

func (img Image) writeLegacy(t *testing.T, tw *tar.Writer, built []builtLayer, config []byte) {
	var layerNames []string
	written := map[digest.Digest]string{}
	for i, l := range built {
		id := digest.FromString(fmt.Sprintf("%s/%d", l.diffID, i)).Encoded()
		name := id + "/layer.tar"
		writeDirHeader(t, tw, id+"/")
		writeMember(t, tw, id+"/VERSION", []byte("1.0"))
		writeMember(t, tw, id+"/json", []byte(fmt.Sprintf(`{"id":%q}`, id)))
		if prev, ok := written[l.digest]; ok {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     name,
				Linkname: "../" + prev,
				Mode:     0777,
				ModTime:  epoch,
			}))
		} else {
			writeMember(t, tw, name, l.blob)
			written[l.digest] = name
		}
		layerNames = append(layerNames, name)
	}

	configName := digest.FromBytes(config).Encoded() + ".json"
	writeMember(t, tw, configName, config)
	writeManifestJSON(t, tw, configName, layerNames)
	writeRepositories(t, tw, strings.TrimSuffix(layerNames[len(layerNames)-1], "/layer.tar"))
}

func (img Image) writeOCI(t *testing.T, tw *tar.Writer, built []builtLayer, config []byte) {
	writeDirHeader(t, tw, "blobs/")
	writeDirHeader(t, tw, "blobs/sha256/")

	layerType := types.OCIUncompressedLayer
	if img.GzipLayers {
		layerType = types.OCILayer
	}

	manifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.OCIManifestSchema1,
		Config:        descriptor(t, types.OCIConfigJSON, digest.FromBytes(config), int64(len(config))),
	}
	var layerNames []string
	written := map[digest.Digest]bool{}
	for _, l := range built {
		name := "blobs/sha256/" + l.digest.Encoded()
		if !written[l.digest] {
			writeMember(t, tw, name, l.blob)
			written[l.digest] = true
		}
		layerNames = append(layerNames, name)
		manifest.Layers = append(manifest.Layers, descriptor(t, layerType, l.digest, int64(len(l.blob))))
	}

	configName := "blobs/sha256/" + digest.FromBytes(config).Encoded()
	writeMember(t, tw, configName, config)

	rawManifest, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := digest.FromBytes(rawManifest)
	writeMember(t, tw, "blobs/sha256/"+manifestDigest.Encoded(), rawManifest)

	md := descriptor(t, types.OCIManifestSchema1, manifestDigest, int64(len(rawManifest)))
	md.Annotations = map[string]string{
		"io.containerd.image.name":          repoTag,
		"org.opencontainers.image.ref.name": "latest",
	}
	index, err := json.Marshal(v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     types.OCIImageIndex,
		Manifests:     []v1.Descriptor{md},
	})
	require.NoError(t, err)
	writeMember(t, tw, "index.json", index)
	writeManifestJSON(t, tw, configName, layerNames)
	writeMember(t, tw, "oci-layout", []byte(`{"imageLayoutVersion":"1.0.0"}`))
	writeRepositories(t, tw, manifestDigest.Encoded())
}

func descriptor(t *testing.T, mt types.MediaType, d digest.Digest, size int64) v1.Descriptor {
	h, err := v1.NewHash(d.String())
	require.NoError(t, err)
	return v1.Descriptor{MediaType: mt, Digest: h, Size: size}
}

func writeManifestJSON(t *testing.T, tw *tar.Writer, config string, layers []string) {
	raw, err := json.Marshal(tarball.Manifest{{
		Config:   config,
		RepoTags: []string{repoTag},
		Layers:   layers,
	}})
	require.NoError(t, err)
	writeMember(t, tw, "manifest.json", raw)
}

func writeRepositories(t *testing.T, tw *tar.Writer, id string) {
	writeMember(t, tw, "repositories", []byte(fmt.Sprintf(`{"example.com/dedup/test":{"latest":%q}}`, id)))
}

func writeDirHeader(t *testing.T, tw *tar.Writer, name string) {
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name,
		Mode:     0755,
		ModTime:  epoch,
	}))
}

func writeMember(t *testing.T, tw *tar.Writer, name string, data []byte) {
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  epoch,
	}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

// Members reads every regular member of an outer tarball, following
// symlinked members the way docker load does.
func Members(t *testing.T, r io.Reader) map[string][]byte {
	t.Helper()
	members := map[string][]byte{}
	links := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		name := clean(hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			members[name] = data
		case tar.TypeSymlink:
			links[name] = clean(path.Join(path.Dir(name), hdr.Linkname))
		}
	}
	for name, target := range links {
		if data, ok := members[target]; ok {
			members[name] = data
		}
	}
	return members
}

// Node is one path of a composed filesystem.
type Node struct {
	Type    byte
	Content []byte
	Target  string
	Mode    int64
	Uid     int
	Gid     int

	layer int
}

// FS is the union view of an image's layers.
type FS map[string]*Node

// Compose flattens an image tarball into the filesystem a container would
// see, applying whiteouts, opaque directories and links.
func Compose(t *testing.T, image []byte) FS {
	t.Helper()
	members := Members(t, bytes.NewReader(image))

	var manifest tarball.Manifest
	require.NoError(t, json.Unmarshal(members["manifest.json"], &manifest))
	require.Len(t, manifest, 1)

	fs := FS{}
	for i, name := range manifest[0].Layers {
		data, ok := members[clean(name)]
		require.Truef(t, ok, "layer %s missing from image", name)
		fs.apply(t, i, Decompress(t, bytes.NewReader(data)))
	}
	return fs
}

func (fs FS) apply(t *testing.T, layer int, r io.Reader) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)

		p := clean(hdr.Name)
		dir, base := path.Split(p)
		dir = clean(dir)
		switch {
		case base == ".wh..wh..opq":
			for k, n := range fs {
				if isUnder(k, dir) && n.layer < layer {
					delete(fs, k)
				}
			}
			continue
		case strings.HasPrefix(base, ".wh..wh."):
			continue
		case strings.HasPrefix(base, ".wh."):
			fs.remove(clean(path.Join(dir, strings.TrimPrefix(base, ".wh."))))
			continue
		}

		node := &Node{
			Type:  hdr.Typeflag,
			Mode:  hdr.Mode & 07777,
			Uid:   hdr.Uid,
			Gid:   hdr.Gid,
			layer: layer,
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if existing, ok := fs[p]; ok && existing.Type != tar.TypeDir {
				delete(fs, p)
			}
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			node.Content = data
			fs.remove(p)
		case tar.TypeLink:
			target, ok := fs[clean(hdr.Linkname)]
			require.Truef(t, ok, "hardlink %s points at missing %s", p, hdr.Linkname)
			linked := *target
			linked.layer = layer
			node = &linked
			fs.remove(p)
		case tar.TypeSymlink:
			node.Target = hdr.Linkname
			fs.remove(p)
		default:
			continue
		}
		fs[p] = node
	}
}

func (fs FS) remove(p string) {
	delete(fs, p)
	for k := range fs {
		if isUnder(k, p) {
			delete(fs, k)
		}
	}
}

// Resolve follows symlinks, including those in parent directories.
func (fs FS) Resolve(p string) (*Node, bool) {
	p = clean(p)
	for hops := 0; hops < 40; hops++ {
		parts := strings.Split(p, "/")
		restarted := false
		for i := range parts {
			prefix := strings.Join(parts[:i+1], "/")
			n, ok := fs[prefix]
			if !ok {
				if i < len(parts)-1 {
					continue
				}
				return nil, false
			}
			if n.Type != tar.TypeSymlink {
				continue
			}
			target := n.Target
			if !path.IsAbs(target) {
				target = path.Join(path.Dir(prefix), target)
			}
			p = clean(path.Join(append([]string{target}, parts[i+1:]...)...))
			restarted = true
			break
		}
		if !restarted {
			n, ok := fs[p]
			return n, ok
		}
	}
	return nil, false
}

// Paths returns every path of the view in sorted order.
func (fs FS) Paths() []string {
	paths := make([]string, 0, len(fs))
	for p := range fs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// RequireSameView asserts that every path of want resolves to the same
// content and ownership in got.
func RequireSameView(t *testing.T, want, got FS) {
	t.Helper()
	for _, p := range want.Paths() {
		wn, ok := want.Resolve(p)
		if !ok || wn.Type == tar.TypeDir {
			continue
		}
		gn, ok := got.Resolve(p)
		require.Truef(t, ok, "%s does not resolve in the rewritten image", p)
		require.Equalf(t, wn.Type, gn.Type, "type of %s", p)
		require.Truef(t, bytes.Equal(wn.Content, gn.Content), "content of %s differs", p)
		require.Equalf(t, wn.Mode, gn.Mode, "mode of %s", p)
		require.Equalf(t, wn.Uid, gn.Uid, "uid of %s", p)
		require.Equalf(t, wn.Gid, gn.Gid, "gid of %s", p)
	}
}

func clean(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func isUnder(p, dir string) bool {
	if dir == "" {
		return p != ""
	}
	return strings.HasPrefix(p, dir+"/")
}
