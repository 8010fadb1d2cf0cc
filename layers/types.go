package layers

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/imgdedup/tarstream"
)

const xattrPrefix = "SCHILY.xattr."

// ContentKey identifies byte-identical content.
type ContentKey struct {
	Size   int64
	Digest digest.Digest
}

func (k ContentKey) String() string {
	return fmt.Sprintf("%s (%d bytes)", k.Digest, k.Size)
}

// Position orders entries across the whole image.
type Position struct {
	Layer int
	Order int
}

// Before reports whether p comes strictly before o.
func (p Position) Before(o Position) bool {
	if p.Layer != o.Layer {
		return p.Layer < o.Layer
	}
	return p.Order < o.Order
}

// File is an indexed regular file.
type File struct {
	Layer  int               `json:"layer"`
	Order  int               `json:"order"`
	Path   string            `json:"path"`
	Name   string            `json:"name"`
	Size   int64             `json:"size"`
	Digest digest.Digest     `json:"digest"`
	Mode   int64             `json:"mode"`
	Uid    int               `json:"uid"`
	Gid    int               `json:"gid"`
	Xattrs map[string]string `json:"xattrs,omitempty"`
}

func (f *File) Key() ContentKey {
	return ContentKey{Size: f.Size, Digest: f.Digest}
}

func (f *File) Position() Position {
	return Position{Layer: f.Layer, Order: f.Order}
}

// SameMetadata reports whether a link to o would look like f: permission
// bits (including setuid, setgid and sticky), ownership and xattrs.
func (f *File) SameMetadata(o *File) bool {
	if f.Mode != o.Mode || f.Uid != o.Uid || f.Gid != o.Gid {
		return false
	}
	if len(f.Xattrs) != len(o.Xattrs) {
		return false
	}
	for k, v := range f.Xattrs {
		if ov, ok := o.Xattrs[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (f *File) String() string {
	return fmt.Sprintf("%d:%s", f.Layer, f.Path)
}

// PathEvent records what one layer entry does to the union view. Path is the
// entry's own path, the target of a whiteout, or the directory of an opaque
// marker ("" for the root).
type PathEvent struct {
	Order int
	Path  string
	Kind  tarstream.Kind
	File  *File
}

// LayerIndex is the result of indexing one layer.
type LayerIndex struct {
	Layer   int
	Files   []*File
	Events  []PathEvent
	Entries int

	byPath map[string][]int
}

func newLayerIndex(layer int) *LayerIndex {
	return &LayerIndex{Layer: layer, byPath: map[string][]int{}}
}

func (li *LayerIndex) add(ev PathEvent) {
	li.byPath[ev.Path] = append(li.byPath[ev.Path], len(li.Events))
	li.Events = append(li.Events, ev)
	li.Entries++
}

// EventsAt returns the events of the layer keyed at p, in archive order.
func (li *LayerIndex) EventsAt(p string) []PathEvent {
	idxs := li.byPath[p]
	events := make([]PathEvent, len(idxs))
	for i, j := range idxs {
		events[i] = li.Events[j]
	}
	return events
}

// ImageIndex holds the per-layer indexes of one image, base layer first.
type ImageIndex struct {
	Layers []*LayerIndex
}

// NewImageIndex merges independent per-layer indexes. They are ordered by
// layer position regardless of the order in which they were produced.
func NewImageIndex(parts []*LayerIndex) (*ImageIndex, error) {
	ordered := make([]*LayerIndex, len(parts))
	for _, li := range parts {
		if li == nil || li.Layer < 0 || li.Layer >= len(parts) || ordered[li.Layer] != nil {
			return nil, fmt.Errorf("layer indexes do not form a contiguous sequence")
		}
		ordered[li.Layer] = li
	}
	return &ImageIndex{Layers: ordered}, nil
}

// FileCount returns the number of indexed files.
func (idx *ImageIndex) FileCount() int {
	n := 0
	for _, li := range idx.Layers {
		n += len(li.Files)
	}
	return n
}

// GroupByContent maps each content key to its files in image order.
func (idx *ImageIndex) GroupByContent() map[ContentKey][]*File {
	groups := map[ContentKey][]*File{}
	for _, li := range idx.Layers {
		for _, f := range li.Files {
			groups[f.Key()] = append(groups[f.Key()], f)
		}
	}
	for _, files := range groups {
		sort.SliceStable(files, func(i, j int) bool {
			return files[i].Position().Before(files[j].Position())
		})
	}
	return groups
}

// End is the position just past the top layer.
func (idx *ImageIndex) End() Position {
	return Position{Layer: len(idx.Layers)}
}

const copyBufferSize = 32 << 10

var copyBuffers = sync.Pool{
	New: func() interface{} {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// DigestFromReader calculates the SHA256 digest of everything r yields.
func DigestFromReader(r io.Reader) (digest.Digest, int64, error) {
	buf := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(buf)

	digester := digest.Canonical.Digester()
	size, err := io.CopyBuffer(digester.Hash(), r, *buf)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest(), size, nil
}

func xattrsOf(records map[string]string) map[string]string {
	var xattrs map[string]string
	for k, v := range records {
		if strings.HasPrefix(k, xattrPrefix) {
			if xattrs == nil {
				xattrs = map[string]string{}
			}
			xattrs[strings.TrimPrefix(k, xattrPrefix)] = v
		}
	}
	return xattrs
}
