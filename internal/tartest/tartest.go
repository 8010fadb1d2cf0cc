package tartest

import (
	"archive/tar"
	"bytes"
	"io"
	"path"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

type (
	Tarrer interface {
		Tar(*tar.Writer) error
	}

	Tarball []Tarrer

	// Extractable is an empty interface for comparing extracted outputs in tests.
	Extractable interface{}

	Dir struct {
		Name string
		Uid  int
	}

	File struct {
		Name     string
		Uid      int
		Gid      int
		Mode     int64
		Contents []byte
	}

	Hardlink struct {
		Name   string
		Target string
		Uid    int
	}

	Symlink struct {
		Name   string
		Target string
	}

	// Whiteout deletes Name from lower layers.
	Whiteout struct {
		Name string
	}

	// Opaque hides the lower-layer contents of Dir.
	Opaque struct {
		Dir string
	}
)

var epoch = time.Unix(1700000000, 0)

func (tb Tarball) Buffer() *bytes.Buffer {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, member := range tb {
		member.Tar(tw)
	}
	tw.Close()
	return &buf
}

func (tb Tarball) Bytes() []byte {
	return tb.Buffer().Bytes()
}

func (tb Tarball) Gzip() *bytes.Buffer {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(tb.Bytes())
	zw.Close()
	return &buf
}

func (tb Tarball) Zstd() *bytes.Buffer {
	var buf bytes.Buffer
	zw, _ := zstd.NewWriter(&buf)
	zw.Write(tb.Bytes())
	zw.Close()
	return &buf
}

func (d Dir) Tar(tw *tar.Writer) error {
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     d.Name,
		Mode:     0755,
		Uid:      d.Uid,
		ModTime:  epoch,
	})
}

func (f File) Tar(tw *tar.Writer) error {
	mode := f.Mode
	if mode == 0 {
		mode = 0644
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     f.Name,
		Mode:     mode,
		Uid:      f.Uid,
		Gid:      f.Gid,
		Size:     int64(len(f.Contents)),
		ModTime:  epoch,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(f.Contents); err != nil {
		return err
	}
	return nil
}

func (h Hardlink) Tar(tw *tar.Writer) error {
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeLink,
		Name:     h.Name,
		Linkname: h.Target,
		Mode:     0644,
		Uid:      h.Uid,
		ModTime:  epoch,
	})
}

func (s Symlink) Tar(tw *tar.Writer) error {
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeSymlink,
		Name:     s.Name,
		Linkname: s.Target,
		Mode:     0777,
		ModTime:  epoch,
	})
}

func (w Whiteout) Tar(tw *tar.Writer) error {
	dir, base := path.Split(w.Name)
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     dir + ".wh." + base,
		Mode:     0644,
		ModTime:  epoch,
	})
}

func (o Opaque) Tar(tw *tar.Writer) error {
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path.Join(o.Dir, ".wh..wh..opq"),
		Mode:     0644,
		ModTime:  epoch,
	})
}

// Blob returns n deterministic bytes derived from seed.
func Blob(seed string, n int) []byte {
	if seed == "" {
		seed = "0"
	}
	return bytes.Repeat([]byte(seed), n/len(seed)+1)[:n]
}

// Extract lists the members of a (possibly compressed) tar stream.
func Extract(t *testing.T, r io.Reader) []Extractable {
	t.Helper()
	ret := []Extractable{}
	tr := tar.NewReader(Decompress(t, r))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		var elem Extractable
		switch hdr.Typeflag {
		case tar.TypeDir:
			elem = Dir{Name: hdr.Name, Uid: hdr.Uid}
		case tar.TypeLink:
			elem = Hardlink{Name: hdr.Name, Target: hdr.Linkname, Uid: hdr.Uid}
		case tar.TypeSymlink:
			elem = Symlink{Name: hdr.Name, Target: hdr.Linkname}
		case tar.TypeReg:
			f := File{Name: hdr.Name, Uid: hdr.Uid, Gid: hdr.Gid, Mode: hdr.Mode}
			if hdr.Size > 0 {
				var buf bytes.Buffer
				_, err := io.Copy(&buf, tr)
				require.NoError(t, err)
				f.Contents = buf.Bytes()
			}
			elem = f
		}
		ret = append(ret, elem)
	}
	return ret
}

// Decompress returns r unwrapped from gzip or zstd framing, if present.
func Decompress(t *testing.T, r io.Reader) io.Reader {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	switch {
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		out, err := io.ReadAll(zr)
		require.NoError(t, err)
		return bytes.NewReader(out)
	case bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer zr.Close()
		out, err := io.ReadAll(zr)
		require.NoError(t, err)
		return bytes.NewReader(out)
	}
	return bytes.NewReader(data)
}
