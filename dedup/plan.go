package dedup

import (
	"fmt"
	"sort"

	"github.com/bibin-skaria/imgdedup/layers"
)

// LinkType is the kind of entry a duplicate is rewritten to.
type LinkType int

const (
	Hardlink LinkType = iota + 1
	Symlink
)

func (t LinkType) String() string {
	switch t {
	case Hardlink:
		return "hardlink"
	case Symlink:
		return "symlink"
	}
	return fmt.Sprintf("LinkType(%d)", int(t))
}

// Disposition replaces one duplicate with a link to its group's canonical
// file. Target is the link name written into the tar header.
type Disposition struct {
	Type      LinkType
	Target    string
	File      *layers.File
	Canonical *layers.File
}

// SkipReason explains why a duplicate is copied verbatim.
type SkipReason string

const (
	SkipWhiteout         SkipReason = SkipReason(layers.ShadowWhiteout)
	SkipOpaque           SkipReason = SkipReason(layers.ShadowOpaque)
	SkipOverwritten      SkipReason = SkipReason(layers.ShadowOverwritten)
	SkipParentReplaced   SkipReason = SkipReason(layers.ShadowParentReplaced)
	SkipMetadataMismatch SkipReason = "metadata mismatch"
	SkipSamePath         SkipReason = "same path"
)

// Skip records a duplicate that could not be linked safely.
type Skip struct {
	File      *layers.File
	Canonical *layers.File
	Reason    SkipReason
	Shadow    *layers.Shadow
}

// Group is every indexed file sharing one content key.
type Group struct {
	Key        layers.ContentKey
	Canonical  *layers.File
	Duplicates []*layers.File
	Links      []*Disposition
	Skipped    []*Skip
}

// BytesSaved is the payload no longer stored by the group's links.
func (g *Group) BytesSaved() int64 {
	return int64(len(g.Links)) * g.Key.Size
}

// Plan is the outcome of resolution for a whole image.
type Plan struct {
	Groups []*Group

	byLayer map[int]map[int]*Disposition
}

func newPlan() *Plan {
	return &Plan{byLayer: map[int]map[int]*Disposition{}}
}

func (p *Plan) add(d *Disposition) {
	layer := p.byLayer[d.File.Layer]
	if layer == nil {
		layer = map[int]*Disposition{}
		p.byLayer[d.File.Layer] = layer
	}
	layer[d.File.Order] = d
}

// ForLayer returns the dispositions of one layer keyed by entry order.
func (p *Plan) ForLayer(layer int) map[int]*Disposition {
	return p.byLayer[layer]
}

// ChangedLayers returns, in order, the layers that need rewriting.
func (p *Plan) ChangedLayers() []int {
	changed := make([]int, 0, len(p.byLayer))
	for layer := range p.byLayer {
		changed = append(changed, layer)
	}
	sort.Ints(changed)
	return changed
}

func (p *Plan) Hardlinks() int {
	return p.count(Hardlink)
}

func (p *Plan) Symlinks() int {
	return p.count(Symlink)
}

func (p *Plan) count(t LinkType) int {
	n := 0
	for _, g := range p.Groups {
		for _, d := range g.Links {
			if d.Type == t {
				n++
			}
		}
	}
	return n
}

// Skipped returns every unsafe duplicate across groups.
func (p *Plan) Skipped() []*Skip {
	var skipped []*Skip
	for _, g := range p.Groups {
		skipped = append(skipped, g.Skipped...)
	}
	return skipped
}

// BytesSaved estimates the uncompressed bytes removed from the image.
func (p *Plan) BytesSaved() int64 {
	var saved int64
	for _, g := range p.Groups {
		saved += g.BytesSaved()
	}
	return saved
}

// Empty reports whether no layer needs rewriting.
func (p *Plan) Empty() bool {
	return len(p.byLayer) == 0
}
