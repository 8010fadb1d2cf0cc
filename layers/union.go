package layers

import (
	"github.com/bibin-skaria/imgdedup/tarstream"
)

// ShadowReason says why a path stopped resolving to a file.
type ShadowReason string

const (
	ShadowWhiteout       ShadowReason = "whiteout"
	ShadowOpaque         ShadowReason = "opaque directory"
	ShadowOverwritten    ShadowReason = "overwritten"
	ShadowParentReplaced ShadowReason = "parent replaced"
)

// Shadow is the event that hides or changes a file.
type Shadow struct {
	Reason ShadowReason
	Layer  int
	Order  int
	Path   string
}

// FindShadow looks for the earliest event strictly between f and until that
// makes f.Path stop resolving to f's content and metadata. A later regular
// file at the same path with the same content key and metadata does not
// count.
func (idx *ImageIndex) FindShadow(f *File, until Position) (*Shadow, bool) {
	from := f.Position()
	lineage := ancestry(f.Path)

	var found *Shadow
	for l := f.Layer; l < len(idx.Layers) && l <= until.Layer; l++ {
		li := idx.Layers[l]
		for depth, p := range lineage {
			for _, j := range li.byPath[p] {
				ev := li.Events[j]
				pos := Position{Layer: l, Order: ev.Order}
				if !from.Before(pos) || !pos.Before(until) {
					continue
				}
				if found != nil && !pos.Before(Position{Layer: found.Layer, Order: found.Order}) {
					continue
				}
				if reason, ok := shadows(f, ev, depth == 0, l > f.Layer); ok {
					found = &Shadow{Reason: reason, Layer: l, Order: ev.Order, Path: ev.Path}
				}
			}
		}
		if found != nil {
			return found, true
		}
	}
	return nil, false
}

func shadows(f *File, ev PathEvent, self, laterLayer bool) (ShadowReason, bool) {
	switch ev.Kind {
	case tarstream.KindWhiteout:
		return ShadowWhiteout, true
	case tarstream.KindOpaque:
		return ShadowOpaque, laterLayer
	}

	if self {
		if ev.Kind == tarstream.KindRegular && ev.File != nil &&
			ev.File.Key() == f.Key() && ev.File.SameMetadata(f) {
			return "", false
		}
		return ShadowOverwritten, true
	}

	if ev.Kind == tarstream.KindDirectory {
		return "", false
	}
	return ShadowParentReplaced, true
}

// ancestry returns p followed by each of its parent directories, ending with
// the root "".
func ancestry(p string) []string {
	lineage := []string{p}
	for p != "" {
		p = tarstream.Parent(p)
		lineage = append(lineage, p)
	}
	return lineage
}
