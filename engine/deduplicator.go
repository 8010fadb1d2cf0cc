// Package engine runs the deduplication pipeline over one image tarball.
//
// The pipeline loads the outer tarball, indexes every layer concurrently,
// resolves duplicates into a plan, rewrites the changed layers concurrently
// into a work directory and finally assembles the output next to its
// destination before renaming it into place. A failed or cancelled run
// leaves nothing at the output path.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bibin-skaria/imgdedup/dedup"
	"github.com/bibin-skaria/imgdedup/exporters"
	"github.com/bibin-skaria/imgdedup/internal/errors"
	"github.com/bibin-skaria/imgdedup/internal/types"
	"github.com/bibin-skaria/imgdedup/layers"
	"github.com/bibin-skaria/imgdedup/manifest"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Deduplicator replaces duplicate files of one image with links.
type Deduplicator struct {
	config   *types.DedupConfig
	logger   *logrus.Logger
	progress *ProgressTracker
}

func NewDeduplicator(config *types.DedupConfig, logger *logrus.Logger) (*Deduplicator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Deduplicator{
		config:   config,
		logger:   logger,
		progress: NewProgressTracker(logger),
	}, nil
}

// Run executes the pipeline. In dry-run mode it stops after resolution and
// reports the planned savings.
func (d *Deduplicator) Run(ctx context.Context) (*types.DedupResult, error) {
	start := time.Now()
	result := &types.DedupResult{
		Image:  d.config.ImagePath,
		DryRun: d.config.DryRun,
	}

	workDir, err := os.MkdirTemp(d.config.WorkDir, "imgdedup-")
	if err != nil {
		return nil, errors.NewIOError("create_work_dir", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			d.logger.WithError(err).Warn("Failed to remove work directory")
		}
	}()

	d.progress.StartStage(StageLoad, 1)
	input, size, err := d.openInput(workDir)
	if err != nil {
		d.progress.CompleteStage(StageLoad, err)
		return nil, err
	}
	defer input.Close()

	img, err := manifest.Load(input, size)
	d.progress.CompleteStage(StageLoad, err)
	if err != nil {
		return nil, err
	}
	d.logger.WithFields(logrus.Fields{
		"image":  d.config.ImagePath,
		"layout": img.Layout().String(),
		"layers": len(img.Layers()),
	}).Info("Loaded image")

	idx, err := d.index(ctx, img)
	if err != nil {
		return nil, err
	}

	d.progress.StartStage(StageResolve, 1)
	plan := dedup.Resolve(idx, d.logger)
	d.progress.CompleteStage(StageResolve, nil)

	d.summarize(result, img, idx, plan)
	if info, err := os.Stat(d.config.ImagePath); err == nil {
		result.InputSize = info.Size()
	}

	if d.config.DryRun {
		result.Duration = time.Since(start)
		result.Stages = d.progress.Summary()
		return result, nil
	}

	rewritten, err := d.rewrite(ctx, img, plan, workDir)
	if err != nil {
		return nil, err
	}

	d.progress.StartStage(StageWrite, 1)
	outputSize, err := d.writeOutput(ctx, img, rewritten)
	d.progress.CompleteStage(StageWrite, err)
	if err != nil {
		return nil, err
	}

	result.Output = d.config.OutputPath
	result.OutputSize = outputSize
	result.Duration = time.Since(start)
	result.Stages = d.progress.Summary()
	return result, nil
}

// openInput returns the outer tarball as a ReaderAt. A gzipped tarball is
// decompressed into the work directory first.
func (d *Deduplicator) openInput(workDir string) (*os.File, int64, error) {
	f, err := os.Open(d.config.ImagePath)
	if err != nil {
		return nil, 0, errors.NewErrorBuilder().
			Category(errors.ErrorCategoryIO).
			Operation("open_image").
			Messagef("cannot open %s", d.config.ImagePath).
			Cause(err).
			Build()
	}

	magic := make([]byte, len(gzipMagic))
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		f.Close()
		return nil, 0, errors.NewIOError("open_image", err)
	}
	if n < len(gzipMagic) || !bytes.Equal(magic, gzipMagic) {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, errors.NewIOError("stat_image", err)
		}
		return f, info.Size(), nil
	}

	defer f.Close()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, errors.NewIOError("open_image", err)
	}
	zr, err := pgzip.NewReader(f)
	if err != nil {
		return nil, 0, errors.NewMalformedArchiveError("open_image", err)
	}
	defer zr.Close()

	p := filepath.Join(workDir, "input.tar")
	out, err := os.Create(p)
	if err != nil {
		return nil, 0, errors.NewIOError("decompress_image", err)
	}
	size, err := io.Copy(out, zr)
	if err != nil {
		out.Close()
		return nil, 0, errors.NewMalformedArchiveError("decompress_image", err)
	}
	d.logger.WithFields(logrus.Fields{
		"image": d.config.ImagePath,
		"size":  size,
	}).Debug("Decompressed gzipped image")
	return out, size, nil
}

// index digests every layer, at most Concurrency at a time.
func (d *Deduplicator) index(ctx context.Context, img *manifest.Image) (*layers.ImageIndex, error) {
	refs := img.Layers()
	d.progress.StartStage(StageIndex, len(refs))

	parts := make([]*layers.LayerIndex, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			started := time.Now()
			li, err := layers.IndexLayer(gctx, ref.Index, img.OpenLayer(ref), d.config.MinSize)
			if err != nil {
				return errors.WrapError(err, errors.ErrorCategoryIO, "index_layer", ref.Name)
			}
			parts[ref.Index] = li
			d.progress.UpdateOperation(StageIndex, ref.Index, time.Since(started))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.progress.CompleteStage(StageIndex, err)
		return nil, err
	}

	idx, err := layers.NewImageIndex(parts)
	d.progress.CompleteStage(StageIndex, err)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// rewrite spools every changed layer into workDir.
func (d *Deduplicator) rewrite(ctx context.Context, img *manifest.Image, plan *dedup.Plan, workDir string) (map[int]*exporters.RewrittenLayer, error) {
	changed := plan.ChangedLayers()
	d.progress.StartStage(StageRewrite, len(changed))

	var mu sync.Mutex
	rewritten := make(map[int]*exporters.RewrittenLayer, len(changed))
	compression := d.config.EffectiveCompression()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for _, i := range changed {
		ref := img.Layers()[i]
		g.Go(func() error {
			started := time.Now()
			rl, err := d.rewriteLayer(gctx, img, ref, plan.ForLayer(ref.Index), compression, workDir)
			if err != nil {
				return errors.WrapError(err, errors.ErrorCategoryWrite, "rewrite_layer", ref.Name)
			}
			mu.Lock()
			rewritten[ref.Index] = rl
			mu.Unlock()

			d.progress.UpdateOperation(StageRewrite, ref.Index, time.Since(started))
			d.logger.WithFields(logrus.Fields{
				"layer":     ref.Index,
				"source":    rl.Result.Source,
				"output":    rl.Result.Compression,
				"hardlinks": rl.Result.Hardlinks,
				"symlinks":  rl.Result.Symlinks,
				"diff_id":   rl.Result.DiffID.String(),
			}).Info("Rewrote layer")
			return nil
		})
	}
	err := g.Wait()
	d.progress.CompleteStage(StageRewrite, err)
	if err != nil {
		return nil, err
	}
	return rewritten, nil
}

func (d *Deduplicator) rewriteLayer(ctx context.Context, img *manifest.Image, ref *manifest.LayerRef, dispositions map[int]*dedup.Disposition, compression types.CompressionType, workDir string) (rl *exporters.RewrittenLayer, err error) {
	p := filepath.Join(workDir, fmt.Sprintf("layer-%d.blob", ref.Index))
	f, err := os.Create(p)
	if err != nil {
		return nil, errors.NewWriteError("create_layer_blob", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierr.Append(err, errors.NewWriteError("close_layer_blob", cerr))
		}
		if err != nil {
			rl = nil
		}
	}()

	w := bufio.NewWriterSize(f, 1<<20)
	res, err := exporters.RewriteLayer(ctx, img.OpenLayer(ref), dispositions, compression, w)
	if err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, errors.NewWriteError("flush_layer_blob", err)
	}
	return &exporters.RewrittenLayer{Result: res, Path: p}, nil
}

// writeOutput writes the image to a temporary file beside the output and
// renames it into place once it is synced.
func (d *Deduplicator) writeOutput(ctx context.Context, img *manifest.Image, rewritten map[int]*exporters.RewrittenLayer) (size int64, err error) {
	output := d.config.OutputPath
	tmp, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".tmp-*")
	if err != nil {
		return 0, errors.NewWriteError("create_output", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		tmp.Close()
		if rerr := os.Remove(tmp.Name()); rerr != nil && !os.IsNotExist(rerr) {
			d.logger.WithError(rerr).WithField("path", tmp.Name()).Warn("Failed to remove temporary output")
		}
	}()

	w := bufio.NewWriterSize(tmp, 1<<20)
	res, err := exporters.WriteImage(ctx, w, img, rewritten, d.logger)
	if err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, errors.NewWriteError("flush_output", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return 0, errors.NewWriteError("chmod_output", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, errors.NewWriteError("sync_output", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.NewWriteError("close_output", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return 0, errors.NewWriteError("rename_output", err)
	}
	committed = true

	d.logger.WithFields(logrus.Fields{
		"output":  output,
		"config":  res.Config.String(),
		"dropped": len(res.Dropped),
	}).Info("Wrote image")
	return res.Size, nil
}

// summarize fills the counts and per-group details of the result.
func (d *Deduplicator) summarize(result *types.DedupResult, img *manifest.Image, idx *layers.ImageIndex, plan *dedup.Plan) {
	result.Layers = len(img.Layers())
	result.RewrittenLayers = len(plan.ChangedLayers())
	result.FilesIndexed = idx.FileCount()
	result.DuplicateGroups = len(plan.Groups)
	result.Hardlinks = plan.Hardlinks()
	result.Symlinks = plan.Symlinks()
	result.Skipped = len(plan.Skipped())
	result.BytesSaved = plan.BytesSaved()

	for _, g := range plan.Groups {
		gs := types.GroupSummary{
			Digest:     g.Key.Digest.String(),
			Size:       g.Key.Size,
			Canonical:  g.Canonical.String(),
			BytesSaved: g.BytesSaved(),
		}
		for _, l := range g.Links {
			switch l.Type {
			case dedup.Hardlink:
				gs.Hardlinks = append(gs.Hardlinks, l.File.String())
			case dedup.Symlink:
				gs.Symlinks = append(gs.Symlinks, l.File.String())
			}
		}
		for _, s := range g.Skipped {
			gs.Skipped = append(gs.Skipped, fmt.Sprintf("%s (%s)", s.File, s.Reason))
		}
		sort.Strings(gs.Hardlinks)
		sort.Strings(gs.Symlinks)
		result.Groups = append(result.Groups, gs)
	}
}
