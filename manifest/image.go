// Package manifest models a docker save tarball.
//
// Load indexes the outer tarball in a single sequential pass, recording the
// position of every member's data. Nothing is extracted: layers are read
// later through io.SectionReader, so any number of goroutines can read
// different layers of the same file at once.
//
// Both layouts written by docker save are understood:
//
//   - legacy: manifest.json, <id>/layer.tar, <hex>.json and repositories;
//   - OCI (docker 25 and later): manifest.json plus index.json, oci-layout
//     and blobs/sha256/<hex>.
//
// manifest.json is authoritative for layer order and the config location.
// When the OCI index can be matched to the image it is patched alongside.
//
// Example usage:
//
//	img, err := manifest.Load(f, size)
//	if err != nil {
//		return err
//	}
//	for _, layer := range img.Layers() {
//		idx, err := layers.IndexLayer(ctx, layer.Index, img.OpenLayer(layer), minSize)
//		...
//	}
package manifest

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"io"
	"path"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/imgdedup/internal/bytecounter"
	"github.com/bibin-skaria/imgdedup/internal/errors"
)

const maxLinkDepth = 16

// Image is the parsed outer tarball of one image.
type Image struct {
	ra   io.ReaderAt
	size int64

	members []*Member
	byName  map[string]*Member

	descriptor tarball.Descriptor
	config     *Member
	rawConfig  []byte
	configFile *v1.ConfigFile
	layers     []*LayerRef

	oci *OCIImage
}

// OCIImage is the index.json entry and manifest blob describing the image.
type OCIImage struct {
	RawIndex    []byte
	Index       *v1.IndexManifest
	Descriptor  v1.Descriptor
	Member      *Member
	RawManifest []byte
	Manifest    *v1.Manifest
}

// Load indexes a docker save tarball of size bytes.
func Load(ra io.ReaderAt, size int64) (*Image, error) {
	img := &Image{ra: ra, size: size, byName: map[string]*Member{}}
	if err := img.scan(); err != nil {
		return nil, err
	}

	manifestMember, err := img.resolve(ManifestFile)
	if err != nil {
		return nil, errors.NewInvalidManifestError("load_manifest", "manifest.json not found", err)
	}
	raw, err := img.readMember(manifestMember, MaxManifestSize)
	if err != nil {
		return nil, err
	}

	var m tarball.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.NewInvalidManifestError("load_manifest", "manifest.json is not valid JSON", err)
	}
	if len(m) != 1 {
		return nil, errors.NewInvalidManifestError("load_manifest",
			fmt.Sprintf("expected exactly one image in manifest.json, found %d", len(m)), nil)
	}
	img.descriptor = m[0]

	if err := img.loadConfig(); err != nil {
		return nil, err
	}
	if err := img.loadLayers(); err != nil {
		return nil, err
	}
	img.oci, err = img.findOCIImage()
	if err != nil {
		return nil, err
	}
	if img.oci != nil {
		for i, l := range img.oci.Manifest.Layers {
			img.layers[i].MediaType = l.MediaType
		}
	}
	return img, nil
}

func (img *Image) scan() error {
	cr := bytecounter.NewReader(io.NewSectionReader(img.ra, 0, img.size))
	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if goerrors.Is(err, tar.ErrHeader) || goerrors.Is(err, io.ErrUnexpectedEOF) {
				return errors.NewMalformedArchiveError("scan_image", err)
			}
			return errors.NewIOError("scan_image", err)
		}

		m := &Member{
			Name:   cleanName(hdr.Name),
			Header: hdr,
			Offset: cr.N,
			Index:  len(img.members),
		}
		if m.IsRegular() {
			m.Size = hdr.Size
			if m.Offset+m.Size > img.size {
				return errors.NewMalformedArchiveError("scan_image",
					fmt.Errorf("member %s overflows the archive", hdr.Name))
			}
		}
		img.members = append(img.members, m)
		img.byName[m.Name] = m
	}
}

// resolve finds the regular member called name, following symlinked and
// hardlinked members the way docker load does.
func (img *Image) resolve(name string) (*Member, error) {
	name = cleanName(name)
	for i := 0; i < maxLinkDepth; i++ {
		m, ok := img.byName[name]
		if !ok {
			return nil, fmt.Errorf("%s: no such member", name)
		}
		switch m.Header.Typeflag {
		case tar.TypeReg:
			return m, nil
		case tar.TypeSymlink:
			name = cleanName(path.Join(path.Dir(name), m.Header.Linkname))
		case tar.TypeLink:
			name = cleanName(m.Header.Linkname)
		default:
			return nil, fmt.Errorf("%s: not a regular file", name)
		}
	}
	return nil, fmt.Errorf("%s: too many levels of links", name)
}

func (img *Image) readMember(m *Member, limit int64) ([]byte, error) {
	if m.Size > limit {
		return nil, errors.NewInvalidManifestError("read_member",
			fmt.Sprintf("%s is %d bytes, larger than the %d byte limit", m.Name, m.Size, limit), nil)
	}
	data := make([]byte, m.Size)
	if _, err := io.ReadFull(img.Open(m), data); err != nil {
		return nil, errors.NewIOError("read_member", err)
	}
	return data, nil
}

func (img *Image) loadConfig() error {
	if img.descriptor.Config == "" {
		return errors.NewInvalidManifestError("load_config", "manifest.json has no Config", nil)
	}
	if err := validateMemberName(img.descriptor.Config, "config"); err != nil {
		return err
	}
	m, err := img.resolve(img.descriptor.Config)
	if err != nil {
		return errors.NewInvalidManifestError("load_config", "config does not resolve", err)
	}
	raw, err := img.readMember(m, MaxConfigSize)
	if err != nil {
		return err
	}
	if err := validateRootFS(raw, len(img.descriptor.Layers)); err != nil {
		return err
	}
	cfg, err := v1.ParseConfigFile(bytes.NewReader(raw))
	if err != nil {
		return errors.NewInvalidManifestError("load_config", "config is not valid JSON", err)
	}
	img.config, img.rawConfig, img.configFile = m, raw, cfg
	return nil
}

func (img *Image) loadLayers() error {
	for i, name := range img.descriptor.Layers {
		if err := validateMemberName(name, fmt.Sprintf("layer %d", i)); err != nil {
			return err
		}
		m, err := img.resolve(name)
		if err != nil {
			return errors.NewInvalidManifestError("load_layers",
				fmt.Sprintf("layer %d does not resolve", i), err)
		}
		img.layers = append(img.layers, &LayerRef{
			Index:  i,
			Name:   name,
			Member: m,
			DiffID: img.configFile.RootFS.DiffIDs[i],
		})
	}
	return nil
}

// findOCIImage matches index.json to the image by config digest. It returns
// nil when there is no index or no entry describes this image, and an error
// when the matching manifest is inconsistent with manifest.json.
func (img *Image) findOCIImage() (*OCIImage, error) {
	indexMember, err := img.resolve(IndexFile)
	if err != nil {
		return nil, nil
	}
	rawIndex, err := img.readMember(indexMember, MaxIndexSize)
	if err != nil {
		return nil, nil
	}
	index, err := v1.ParseIndexManifest(bytes.NewReader(rawIndex))
	if err != nil {
		return nil, nil
	}

	configDigest := digest.FromBytes(img.rawConfig).String()
	for _, desc := range index.Manifests {
		if desc.MediaType != types.OCIManifestSchema1 && desc.MediaType != types.DockerManifestSchema2 {
			continue
		}
		m, err := img.resolve(BlobName(digest.Digest(desc.Digest.String())))
		if err != nil {
			continue
		}
		rawManifest, err := img.readMember(m, MaxManifestSize)
		if err != nil {
			continue
		}
		manifest, err := v1.ParseManifest(bytes.NewReader(rawManifest))
		if err != nil || manifest.Config.Digest.String() != configDigest || len(manifest.Layers) != len(img.layers) {
			continue
		}
		if err := validateOCIManifest(manifest, img.layers); err != nil {
			return nil, err
		}
		return &OCIImage{
			RawIndex:    rawIndex,
			Index:       index,
			Descriptor:  desc,
			Member:      m,
			RawManifest: rawManifest,
			Manifest:    manifest,
		}, nil
	}
	return nil, nil
}

// Open returns a reader over a member's data.
func (img *Image) Open(m *Member) *io.SectionReader {
	return io.NewSectionReader(img.ra, m.Offset, m.Size)
}

// OpenLayer returns a reader over a layer blob.
func (img *Image) OpenLayer(l *LayerRef) *io.SectionReader {
	return img.Open(l.Member)
}

// Layers returns the layers in manifest order, base first.
func (img *Image) Layers() []*LayerRef {
	return img.layers
}

// Members returns every member in archive order.
func (img *Image) Members() []*Member {
	return img.members
}

// Member returns the member called name without following links.
func (img *Image) Member(name string) (*Member, bool) {
	m, ok := img.byName[cleanName(name)]
	return m, ok
}

// Descriptor returns the manifest.json entry of the image.
func (img *Image) Descriptor() tarball.Descriptor {
	return img.descriptor
}

// ConfigMember returns the member holding the config blob.
func (img *Image) ConfigMember() *Member {
	return img.config
}

// RawConfig returns the config blob as stored.
func (img *Image) RawConfig() []byte {
	return img.rawConfig
}

// OCI returns the matched OCI index entry, or nil.
func (img *Image) OCI() *OCIImage {
	return img.oci
}

// HasIndex reports whether the tarball carries index.json.
func (img *Image) HasIndex() bool {
	_, ok := img.byName[IndexFile]
	return ok
}

// Layout reports the layout family from the config location.
func (img *Image) Layout() Layout {
	return LayoutOf(img.descriptor.Config)
}

// Size returns the size of the outer tarball.
func (img *Image) Size() int64 {
	return img.size
}
