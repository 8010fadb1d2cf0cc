package manifest

import (
	"archive/tar"
	"path"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
)

// Well-known members of a docker save tarball
const (
	ManifestFile     = "manifest.json"
	IndexFile        = "index.json"
	LayoutFile       = "oci-layout"
	RepositoriesFile = "repositories"
	BlobsDir         = "blobs/"
)

// Limits for JSON documents read into memory
const (
	MaxManifestSize = 4 * 1024 * 1024 // 4MB
	MaxConfigSize   = 8 * 1024 * 1024 // 8MB
	MaxIndexSize    = 4 * 1024 * 1024 // 4MB
)

// Member is one entry of the outer tarball. Offset and Size locate the
// member's data within the tarball.
type Member struct {
	Name   string
	Header *tar.Header
	Offset int64
	Size   int64
	Index  int
}

// IsRegular reports whether the member carries data.
func (m *Member) IsRegular() bool {
	return m.Header.Typeflag == tar.TypeReg
}

// LayerRef is one layer of the image, in manifest order.
type LayerRef struct {
	Index     int
	Name      string
	Member    *Member
	DiffID    v1.Hash
	MediaType types.MediaType
}

// Layout is the docker save flavour of an image.
type Layout int

const (
	// LayoutLegacy stores layers as <id>/layer.tar and the config as <hex>.json.
	LayoutLegacy Layout = iota
	// LayoutOCI stores every blob under blobs/<algorithm>/<hex>.
	LayoutOCI
)

func (l Layout) String() string {
	if l == LayoutOCI {
		return "oci"
	}
	return "legacy"
}

// LayoutOf infers the layout from a member name.
func LayoutOf(name string) Layout {
	if strings.HasPrefix(cleanName(name), BlobsDir) {
		return LayoutOCI
	}
	return LayoutLegacy
}

// LayerBlobName returns the member name for a layer blob.
func LayerBlobName(layout Layout, d digest.Digest) string {
	if layout == LayoutOCI {
		return BlobName(d)
	}
	return d.Encoded() + "/layer.tar"
}

// ConfigBlobName returns the member name for a config blob.
func ConfigBlobName(layout Layout, d digest.Digest) string {
	if layout == LayoutOCI {
		return BlobName(d)
	}
	return d.Encoded() + ".json"
}

// BlobName returns the content addressed name blobs/<algorithm>/<hex>.
func BlobName(d digest.Digest) string {
	return path.Join(BlobsDir, d.Algorithm().String(), d.Encoded())
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}
