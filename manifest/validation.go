package manifest

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/imgdedup/internal/errors"
)

// RootFSTypeLayers is the only rootfs type docker load accepts.
const RootFSTypeLayers = "layers"

var (
	validConfigMediaTypes = map[types.MediaType]bool{
		types.OCIConfigJSON:    true,
		types.DockerConfigJSON: true,
	}

	validLayerMediaTypes = map[types.MediaType]bool{
		types.OCILayer:                       true,
		types.OCILayerZStd:                   true,
		types.OCIUncompressedLayer:           true,
		types.OCIRestrictedLayer:             true,
		types.OCIUncompressedRestrictedLayer: true,
		types.DockerLayer:                    true,
		types.DockerUncompressedLayer:        true,
		types.DockerForeignLayer:             true,
	}
)

// validateDigest checks that s is a well formed sha256 digest.
func validateDigest(s, what string) error {
	d, err := digest.Parse(s)
	if err != nil {
		return errors.NewInvalidManifestError("validate_digest",
			fmt.Sprintf("%s %q is not a valid digest", what, s), err)
	}
	if d.Algorithm() != digest.SHA256 {
		return errors.NewInvalidManifestError("validate_digest",
			fmt.Sprintf("%s %q uses %s, only sha256 is supported", what, s, d.Algorithm()), nil)
	}
	return nil
}

// validateRootFS checks the rootfs section of a raw config before it is
// decoded, so a bad diff_id is reported as such rather than as bad JSON.
func validateRootFS(raw []byte, layers int) error {
	var cfg struct {
		RootFS *struct {
			Type    string   `json:"type"`
			DiffIDs []string `json:"diff_ids"`
		} `json:"rootfs"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return errors.NewInvalidManifestError("validate_rootfs", "config is not valid JSON", err)
	}
	if cfg.RootFS == nil {
		return errors.NewInvalidManifestError("validate_rootfs", "config has no rootfs", nil)
	}
	if cfg.RootFS.Type != RootFSTypeLayers {
		return errors.NewInvalidManifestError("validate_rootfs",
			fmt.Sprintf("unsupported rootfs type %q", cfg.RootFS.Type), nil)
	}
	if len(cfg.RootFS.DiffIDs) != layers {
		return errors.NewInvalidManifestError("validate_rootfs",
			fmt.Sprintf("config lists %d diff_ids for %d layers", len(cfg.RootFS.DiffIDs), layers), nil)
	}
	for i, d := range cfg.RootFS.DiffIDs {
		if err := validateDigest(d, fmt.Sprintf("diff_id %d", i)); err != nil {
			return err
		}
	}
	return nil
}

// validateMemberName rejects manifest.json references that are empty,
// absolute or climb out of the tarball.
func validateMemberName(name, what string) error {
	clean := path.Clean(name)
	switch {
	case name == "":
		return errors.NewInvalidManifestError("validate_name", what+" has an empty name", nil)
	case path.IsAbs(name), clean == "..", strings.HasPrefix(clean, "../"):
		return errors.NewInvalidManifestError("validate_name",
			fmt.Sprintf("%s %q points outside the tarball", what, name), nil)
	}
	return nil
}

func validateDescriptor(desc v1.Descriptor, what string, mediaTypes map[types.MediaType]bool) error {
	if err := validateDigest(desc.Digest.String(), what+" digest"); err != nil {
		return err
	}
	if desc.Size < 0 {
		return errors.NewInvalidManifestError("validate_descriptor",
			fmt.Sprintf("%s has negative size %d", what, desc.Size), nil)
	}
	if !mediaTypes[desc.MediaType] {
		return errors.NewInvalidManifestError("validate_descriptor",
			fmt.Sprintf("%s has unsupported media type %q", what, desc.MediaType), nil)
	}
	return nil
}

// validateOCIManifest checks the manifest matched to the image against the
// layers manifest.json resolved.
func validateOCIManifest(m *v1.Manifest, layers []*LayerRef) error {
	if err := validateDescriptor(m.Config, "config", validConfigMediaTypes); err != nil {
		return err
	}
	for i, desc := range m.Layers {
		what := fmt.Sprintf("layer %d", i)
		if err := validateDescriptor(desc, what, validLayerMediaTypes); err != nil {
			return err
		}
		if desc.Size != layers[i].Member.Size {
			return errors.NewInvalidManifestError("validate_descriptor",
				fmt.Sprintf("%s descriptor size %d does not match blob size %d", what, desc.Size, layers[i].Member.Size), nil)
		}
	}
	return nil
}
