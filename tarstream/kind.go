package tarstream

import (
	"archive/tar"
	"path"
	"strings"
)

// Whiteout markers as written by docker and containerd layer differs.
const (
	WhiteoutPrefix     = ".wh."
	WhiteoutMetaPrefix = WhiteoutPrefix + WhiteoutPrefix
	WhiteoutOpaqueDir  = WhiteoutMetaPrefix + ".opq"
)

// Kind is the role an entry plays when layers are composed.
type Kind int

const (
	KindOther Kind = iota
	KindRegular
	KindDirectory
	KindSymlink
	KindHardlink
	KindWhiteout
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindHardlink:
		return "hardlink"
	case KindWhiteout:
		return "whiteout"
	case KindOpaque:
		return "opaque"
	}
	return "other"
}

// Classify returns the kind of a tar header. Whiteout markers are detected
// by name; aufs metadata entries other than the opaque marker are KindOther.
func Classify(hdr *tar.Header) Kind {
	if hdr.Typeflag != tar.TypeDir {
		base := path.Base(CleanPath(hdr.Name))
		switch {
		case base == WhiteoutOpaqueDir:
			return KindOpaque
		case strings.HasPrefix(base, WhiteoutMetaPrefix):
			return KindOther
		case strings.HasPrefix(base, WhiteoutPrefix):
			return KindWhiteout
		}
	}

	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeGNUSparse:
		return KindRegular
	case tar.TypeDir:
		return KindDirectory
	case tar.TypeSymlink:
		return KindSymlink
	case tar.TypeLink:
		return KindHardlink
	}
	return KindOther
}

// CleanPath normalizes an archive member name: leading "./" and "/" are
// dropped and the result is path.Clean'ed. The root directory is "".
func CleanPath(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// WhiteoutTarget returns the path a whiteout marker at p deletes.
func WhiteoutTarget(p string) string {
	dir, base := path.Split(p)
	return CleanPath(dir + strings.TrimPrefix(base, WhiteoutPrefix))
}

// OpaqueDir returns the directory an opaque marker at p applies to.
func OpaqueDir(p string) string {
	dir, _ := path.Split(p)
	return CleanPath(dir)
}

// Parent returns the parent directory of a cleaned path, "" for top-level
// names and the root itself.
func Parent(p string) string {
	if p == "" {
		return ""
	}
	dir, _ := path.Split(p)
	return CleanPath(dir)
}
