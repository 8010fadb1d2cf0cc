// Package dedup decides which duplicate files can be replaced by links.
//
// Files are grouped by content key. In every group the first file in image
// order (layer, then archive order) is canonical and stays a regular file.
// A duplicate in the canonical's layer becomes a hardlink to the canonical's
// archive name; a duplicate in a later layer becomes an absolute symlink to
// the canonical path. A link is only planned when it cannot change what the
// composed filesystem shows; anything else is recorded as a Skip and copied
// verbatim.
package dedup

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/imgdedup/layers"
)

// Resolve builds the deduplication plan for an indexed image.
func Resolve(idx *layers.ImageIndex, logger logrus.FieldLogger) *Plan {
	plan := newPlan()

	for key, files := range idx.GroupByContent() {
		if len(files) < 2 {
			continue
		}

		g := &Group{Key: key, Canonical: files[0], Duplicates: files[1:]}
		for _, dup := range g.Duplicates {
			d, skip := decide(idx, g.Canonical, dup)
			if skip != nil {
				g.Skipped = append(g.Skipped, skip)
				logger.WithFields(logrus.Fields{
					"layer":     dup.Layer,
					"path":      dup.Path,
					"canonical": g.Canonical.String(),
					"reason":    skip.Reason,
				}).Info("Unsafe link skipped, keeping duplicate")
				continue
			}
			g.Links = append(g.Links, d)
			plan.add(d)
			logger.WithFields(logrus.Fields{
				"layer":     dup.Layer,
				"path":      dup.Path,
				"canonical": g.Canonical.String(),
				"link":      d.Type.String(),
			}).Debug("Duplicate will be linked")
		}
		plan.Groups = append(plan.Groups, g)
	}

	sort.Slice(plan.Groups, func(i, j int) bool {
		a, b := plan.Groups[i], plan.Groups[j]
		if a.BytesSaved() != b.BytesSaved() {
			return a.BytesSaved() > b.BytesSaved()
		}
		return a.Key.Digest < b.Key.Digest
	})

	return plan
}

func decide(idx *layers.ImageIndex, canonical, dup *layers.File) (*Disposition, *Skip) {
	skip := func(reason SkipReason, shadow *layers.Shadow) *Skip {
		return &Skip{File: dup, Canonical: canonical, Reason: reason, Shadow: shadow}
	}

	if dup.Path == canonical.Path {
		return nil, skip(SkipSamePath, nil)
	}
	if !dup.SameMetadata(canonical) {
		return nil, skip(SkipMetadataMismatch, nil)
	}

	if dup.Layer == canonical.Layer {
		if shadow, found := idx.FindShadow(canonical, dup.Position()); found {
			return nil, skip(SkipReason(shadow.Reason), shadow)
		}
		return &Disposition{Type: Hardlink, Target: canonical.Name, File: dup, Canonical: canonical}, nil
	}

	// The symlink has to keep resolving in the final image, not only in the
	// view at the duplicate's layer.
	if shadow, found := idx.FindShadow(canonical, idx.End()); found {
		return nil, skip(SkipReason(shadow.Reason), shadow)
	}
	return &Disposition{Type: Symlink, Target: "/" + canonical.Path, File: dup, Canonical: canonical}, nil
}
