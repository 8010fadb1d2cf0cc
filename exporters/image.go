package exporters

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/bibin-skaria/imgdedup/internal/bytecounter"
	"github.com/bibin-skaria/imgdedup/internal/errors"
	"github.com/bibin-skaria/imgdedup/manifest"
)

// RewrittenLayer is a layer blob spooled to Path by RewriteLayer.
type RewrittenLayer struct {
	Result *LayerResult
	Path   string
}

// ImageResult summarises the written image.
type ImageResult struct {
	Config  v1.Hash
	DiffIDs []v1.Hash
	Dropped []string
	Size    int64
}

// pending is a member written in place of, or right after, an input member.
type pending struct {
	name   string
	header *tar.Header
	data   []byte
	path   string
	size   int64
}

type imageWriter struct {
	img    *manifest.Image
	logger logrus.FieldLogger

	// replace swaps an input member for new content at the same position.
	replace map[int]*pending
	// after holds members emitted right after the input member they are
	// anchored to.
	after map[int][]*pending
	// drop lists input members that are no longer referenced.
	drop map[int]bool

	emitted map[string]bool
	result  *ImageResult
}

// WriteImage writes the image to w with the rewritten layers swapped in.
// Layers missing from rewritten are copied untouched. With no rewritten
// layers every member is copied as is.
func WriteImage(ctx context.Context, w io.Writer, img *manifest.Image, rewritten map[int]*RewrittenLayer, logger logrus.FieldLogger) (*ImageResult, error) {
	iw := &imageWriter{
		img:     img,
		logger:  logger,
		replace: map[int]*pending{},
		after:   map[int][]*pending{},
		drop:    map[int]bool{},
		emitted: map[string]bool{},
		result:  &ImageResult{},
	}
	for _, l := range img.Layers() {
		iw.result.DiffIDs = append(iw.result.DiffIDs, l.DiffID)
	}
	if cfg, err := v1.NewHash(digest.FromBytes(img.RawConfig()).String()); err == nil {
		iw.result.Config = cfg
	}

	if len(rewritten) > 0 {
		if err := iw.plan(rewritten); err != nil {
			return nil, err
		}
	}

	counter := bytecounter.NewWriter(w)
	if err := iw.write(ctx, counter); err != nil {
		return nil, err
	}
	iw.result.Size = counter.N
	return iw.result, nil
}

func (iw *imageWriter) plan(rewritten map[int]*RewrittenLayer) error {
	img := iw.img
	layout := img.Layout()
	desc := img.Descriptor()
	refs := img.Layers()

	layerNames := append([]string(nil), desc.Layers...)
	if desc.LayerSources != nil {
		sources := make(map[v1.Hash]v1.Descriptor, len(desc.LayerSources))
		for k, v := range desc.LayerSources {
			sources[k] = v
		}
		desc.LayerSources = sources
	}
	var ociLayers []v1.Descriptor
	if oci := img.OCI(); oci != nil {
		ociLayers = append(ociLayers, oci.Manifest.Layers...)
	}

	for i, ref := range refs {
		rl, ok := rewritten[i]
		if !ok {
			continue
		}
		d := digest.Digest(rl.Result.Digest.String())
		name := manifest.LayerBlobName(layout, d)
		layerNames[i] = name
		iw.result.DiffIDs[i] = rl.Result.DiffID
		if ociLayers != nil {
			ociLayers[i] = v1.Descriptor{
				MediaType: rl.Result.MediaType(ref.MediaType),
				Size:      rl.Result.Size,
				Digest:    rl.Result.Digest,
			}
		}
		if desc.LayerSources != nil {
			delete(desc.LayerSources, ref.DiffID)
		}

		iw.anchor(ref.Member, &pending{
			name:   name,
			header: newHeader(ref.Member.Header, name, rl.Result.Size),
			path:   rl.Path,
			size:   rl.Result.Size,
		})
		iw.dropUnreferenced(ref, rewritten)
		iw.logger.WithFields(logrus.Fields{
			"layer":   i,
			"diff_id": rl.Result.DiffID.String(),
			"blob":    name,
		}).Debug("Replacing layer blob")
	}
	desc.Layers = layerNames

	config, err := manifest.PatchConfig(img.RawConfig(), iw.result.DiffIDs)
	if err != nil {
		return err
	}
	configDigest := digest.FromBytes(config)
	configName := manifest.ConfigBlobName(layout, configDigest)
	desc.Config = configName
	if iw.result.Config, err = v1.NewHash(configDigest.String()); err != nil {
		return errors.NewWriteError("config_digest", err)
	}
	configMember := img.ConfigMember()
	iw.drop[configMember.Index] = true
	iw.anchor(configMember, &pending{
		name:   configName,
		header: newHeader(configMember.Header, configName, int64(len(config))),
		data:   config,
	})

	if oci := img.OCI(); oci != nil {
		if err := iw.planOCI(oci, ociLayers, int64(len(config))); err != nil {
			return err
		}
	} else if img.HasIndex() {
		iw.logger.Warn("index.json does not describe this image; dropping index.json and oci-layout")
		for _, name := range []string{manifest.IndexFile, manifest.LayoutFile} {
			if m, ok := img.Member(name); ok {
				iw.drop[m.Index] = true
			}
		}
	}

	raw, err := manifest.EncodeManifest(desc)
	if err != nil {
		return errors.NewWriteError("encode_manifest", err)
	}
	m, ok := img.Member(manifest.ManifestFile)
	if !ok {
		return errors.NewInvalidManifestError("write_image", "manifest.json is not a member", nil)
	}
	iw.replace[m.Index] = &pending{
		name:   manifest.ManifestFile,
		header: newHeader(m.Header, manifest.ManifestFile, int64(len(raw))),
		data:   raw,
	}

	for idx := range iw.drop {
		iw.result.Dropped = append(iw.result.Dropped, img.Members()[idx].Name)
	}
	sort.Strings(iw.result.Dropped)
	return nil
}

func (iw *imageWriter) planOCI(oci *manifest.OCIImage, layers []v1.Descriptor, configSize int64) error {
	config := oci.Manifest.Config
	config.Digest = iw.result.Config
	config.Size = configSize

	raw, err := manifest.PatchOCIManifest(oci.RawManifest, config, layers)
	if err != nil {
		return err
	}
	d := digest.FromBytes(raw)
	h, err := v1.NewHash(d.String())
	if err != nil {
		return errors.NewWriteError("manifest_digest", err)
	}
	name := manifest.BlobName(d)
	iw.drop[oci.Member.Index] = true
	iw.anchor(oci.Member, &pending{
		name:   name,
		header: newHeader(oci.Member.Header, name, int64(len(raw))),
		data:   raw,
	})

	index, err := manifest.PatchIndex(oci.RawIndex, oci.Descriptor.Digest, v1.Descriptor{Digest: h, Size: int64(len(raw))})
	if err != nil {
		return err
	}
	m, ok := iw.img.Member(manifest.IndexFile)
	if !ok {
		return errors.NewInvalidManifestError("write_image", "index.json is not a member", nil)
	}
	iw.replace[m.Index] = &pending{
		name:   manifest.IndexFile,
		header: newHeader(m.Header, manifest.IndexFile, int64(len(index))),
		data:   index,
	}
	return nil
}

// dropUnreferenced drops the members behind a replaced layer unless another
// untouched layer still reads them.
func (iw *imageWriter) dropUnreferenced(ref *manifest.LayerRef, rewritten map[int]*RewrittenLayer) {
	named, _ := iw.img.Member(ref.Name)
	for _, m := range []*manifest.Member{named, ref.Member} {
		if m == nil {
			continue
		}
		used := false
		for j, other := range iw.img.Layers() {
			if _, ok := rewritten[j]; ok {
				continue
			}
			if other.Member == m || cleanName(other.Name) == m.Name {
				used = true
				break
			}
		}
		if !used {
			iw.drop[m.Index] = true
		}
	}
}

func (iw *imageWriter) anchor(m *manifest.Member, p *pending) {
	iw.after[m.Index] = append(iw.after[m.Index], p)
}

func (iw *imageWriter) write(ctx context.Context, w io.Writer) (err error) {
	tw := tar.NewWriter(w)
	defer func() {
		if cerr := tw.Close(); cerr != nil {
			err = multierr.Append(err, errors.NewWriteError("close_image", cerr))
		}
	}()

	buf := make([]byte, 32*1024)
	for _, m := range iw.img.Members() {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case iw.replace[m.Index] != nil:
			if err := iw.emit(tw, iw.replace[m.Index], buf); err != nil {
				return err
			}
		case !iw.drop[m.Index] && !iw.emitted[m.Name]:
			if err := writeHeader(tw, m.Header); err != nil {
				return errors.NewWriteError("write_member", err)
			}
			if _, err := io.CopyBuffer(tw, iw.img.Open(m), buf); err != nil {
				return errors.NewWriteError("copy_member", err)
			}
			iw.emitted[m.Name] = true
		}

		for _, p := range iw.after[m.Index] {
			if err := iw.emit(tw, p, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit writes p unless a member of that name was already written. Blob
// names are content addressed, so an existing member has the same bytes.
func (iw *imageWriter) emit(tw *tar.Writer, p *pending, buf []byte) error {
	if iw.emitted[p.name] {
		return nil
	}
	if dir := path.Dir(p.name); dir != "." {
		if err := iw.ensureDir(tw, dir, p.header); err != nil {
			return err
		}
	}

	if err := writeHeader(tw, p.header); err != nil {
		return errors.NewWriteError("write_member", err)
	}
	if p.path == "" {
		if _, err := tw.Write(p.data); err != nil {
			return errors.NewWriteError("write_member", err)
		}
		iw.emitted[p.name] = true
		return nil
	}

	f, err := os.Open(p.path)
	if err != nil {
		return errors.NewWriteError("open_layer_blob", err)
	}
	defer f.Close()
	n, err := io.CopyBuffer(tw, f, buf)
	if err != nil {
		return errors.NewWriteError("copy_layer_blob", err)
	}
	if n != p.size {
		return errors.NewWriteError("copy_layer_blob",
			fmt.Errorf("%s: spooled %d bytes, expected %d", p.path, n, p.size))
	}
	iw.emitted[p.name] = true
	return nil
}

// ensureDir writes directory headers for dir and its parents when the input
// did not carry them.
func (iw *imageWriter) ensureDir(tw *tar.Writer, dir string, like *tar.Header) error {
	if parent := path.Dir(dir); parent != "." {
		if err := iw.ensureDir(tw, parent, like); err != nil {
			return err
		}
	}
	if iw.emitted[dir] {
		return nil
	}
	if _, ok := iw.img.Member(dir); ok && !iw.dropped(dir) {
		return nil
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     dir + "/",
		Mode:     0755,
		ModTime:  like.ModTime,
		Format:   tar.FormatUnknown,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.NewWriteError("write_dir", err)
	}
	iw.emitted[dir] = true
	return nil
}

func (iw *imageWriter) dropped(name string) bool {
	m, ok := iw.img.Member(name)
	return ok && iw.drop[m.Index]
}

// newHeader is a regular file header for name, keeping the ownership and
// times of the member it replaces.
func newHeader(like *tar.Header, name string, size int64) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     like.Mode,
		Uid:      like.Uid,
		Gid:      like.Gid,
		Uname:    like.Uname,
		Gname:    like.Gname,
		ModTime:  like.ModTime,
		Format:   tar.FormatUnknown,
	}
}

func cleanName(name string) string {
	return path.Clean("/" + name)[1:]
}
