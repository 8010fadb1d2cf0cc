package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/bibin-skaria/imgdedup/internal/errors"
)

// PatchConfig replaces rootfs.diff_ids in a config blob. Every other field
// is carried over unchanged.
func PatchConfig(raw []byte, diffIDs []v1.Hash) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.NewInvalidManifestError("patch_config", "config is not a JSON object", err)
	}

	rootfs := map[string]json.RawMessage{}
	if r, ok := doc["rootfs"]; ok {
		if err := json.Unmarshal(r, &rootfs); err != nil {
			return nil, errors.NewInvalidManifestError("patch_config", "rootfs is not a JSON object", err)
		}
	} else {
		rootfs["type"] = json.RawMessage(`"layers"`)
	}

	if err := setField(rootfs, "diff_ids", diffIDs); err != nil {
		return nil, errors.NewInvalidManifestError("patch_config", "encode diff_ids", err)
	}
	if err := setField(doc, "rootfs", rootfs); err != nil {
		return nil, errors.NewInvalidManifestError("patch_config", "encode rootfs", err)
	}
	return marshal(doc)
}

// PatchOCIManifest replaces the config and layer descriptors of an image
// manifest, keeping annotations and any other fields.
func PatchOCIManifest(raw []byte, config v1.Descriptor, layers []v1.Descriptor) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.NewInvalidManifestError("patch_oci_manifest", "manifest is not a JSON object", err)
	}
	if err := setField(doc, "config", config); err != nil {
		return nil, errors.NewInvalidManifestError("patch_oci_manifest", "encode config", err)
	}
	if err := setField(doc, "layers", layers); err != nil {
		return nil, errors.NewInvalidManifestError("patch_oci_manifest", "encode layers", err)
	}
	return marshal(doc)
}

// PatchIndex repoints the index entry for old at the new manifest digest and
// size. Media type, platform and annotations of the entry are kept.
func PatchIndex(raw []byte, old v1.Hash, desc v1.Descriptor) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.NewInvalidManifestError("patch_index", "index is not a JSON object", err)
	}
	var manifests []map[string]json.RawMessage
	if err := json.Unmarshal(doc["manifests"], &manifests); err != nil {
		return nil, errors.NewInvalidManifestError("patch_index", "index has no manifests", err)
	}

	found := false
	for _, m := range manifests {
		var d v1.Hash
		if err := json.Unmarshal(m["digest"], &d); err != nil || d != old {
			continue
		}
		if err := setField(m, "digest", desc.Digest); err != nil {
			return nil, errors.NewInvalidManifestError("patch_index", "encode digest", err)
		}
		if err := setField(m, "size", desc.Size); err != nil {
			return nil, errors.NewInvalidManifestError("patch_index", "encode size", err)
		}
		found = true
	}
	if !found {
		return nil, errors.NewInvalidManifestError("patch_index", fmt.Sprintf("index does not reference %s", old), nil)
	}

	if err := setField(doc, "manifests", manifests); err != nil {
		return nil, errors.NewInvalidManifestError("patch_index", "encode manifests", err)
	}
	return marshal(doc)
}

// EncodeManifest renders manifest.json for a single image.
func EncodeManifest(desc tarball.Descriptor) ([]byte, error) {
	return marshal(tarball.Manifest{desc})
}

func setField(doc map[string]json.RawMessage, key string, v interface{}) error {
	raw, err := marshal(v)
	if err != nil {
		return err
	}
	doc[key] = raw
	return nil
}

// marshal encodes without HTML escaping and without a trailing newline.
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
