package manifest

import (
	"encoding/json"
	goerrors "errors"
	"strings"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/imgdedup/internal/errors"
)

func hash(t *testing.T, s string) v1.Hash {
	t.Helper()
	h, err := v1.NewHash(digest.FromString(s).String())
	if err != nil {
		t.Fatalf("NewHash failed: %v", err)
	}
	return h
}

func TestPatchConfig(t *testing.T) {
	raw := []byte(`{"architecture":"amd64","config":{"Cmd":["sh","-c","a<b"]},"rootfs":{"type":"layers","diff_ids":["sha256:old"]},"history":[{"created_by":"x"}]}`)
	ids := []v1.Hash{hash(t, "one"), hash(t, "two")}

	patched, err := PatchConfig(raw, ids)
	if err != nil {
		t.Fatalf("PatchConfig failed: %v", err)
	}
	if !strings.Contains(string(patched), "a<b") {
		t.Errorf("Expected HTML characters to stay unescaped: %s", patched)
	}

	cfg, err := v1.ParseConfigFile(strings.NewReader(string(patched)))
	if err != nil {
		t.Fatalf("ParseConfigFile failed: %v", err)
	}
	if cfg.Architecture != "amd64" || len(cfg.History) != 1 || cfg.RootFS.Type != "layers" {
		t.Errorf("Expected other fields to be kept, got %+v", cfg)
	}
	if len(cfg.RootFS.DiffIDs) != 2 || cfg.RootFS.DiffIDs[0] != ids[0] || cfg.RootFS.DiffIDs[1] != ids[1] {
		t.Errorf("Unexpected diff ids %v", cfg.RootFS.DiffIDs)
	}
}

func TestPatchConfig_NoRootFS(t *testing.T) {
	patched, err := PatchConfig([]byte(`{"os":"linux"}`), []v1.Hash{hash(t, "one")})
	if err != nil {
		t.Fatalf("PatchConfig failed: %v", err)
	}
	if !strings.Contains(string(patched), `"type":"layers"`) {
		t.Errorf("Expected rootfs type to be filled in: %s", patched)
	}
}

func TestPatchConfig_Invalid(t *testing.T) {
	for _, raw := range []string{`[]`, `{"rootfs":[]}`, `nope`} {
		_, err := PatchConfig([]byte(raw), nil)
		if !goerrors.Is(err, errors.ErrInvalidManifest) {
			t.Errorf("%s: expected invalid manifest error, got %v", raw, err)
		}
	}
}

func TestPatchOCIManifest(t *testing.T) {
	raw := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","config":{},"layers":[],"annotations":{"org.example":"kept"}}`)
	config := v1.Descriptor{MediaType: types.OCIConfigJSON, Size: 10, Digest: hash(t, "config")}
	layer := v1.Descriptor{MediaType: types.OCILayer, Size: 20, Digest: hash(t, "layer")}

	patched, err := PatchOCIManifest(raw, config, []v1.Descriptor{layer})
	if err != nil {
		t.Fatalf("PatchOCIManifest failed: %v", err)
	}
	m, err := v1.ParseManifest(strings.NewReader(string(patched)))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if m.Config.Digest != config.Digest || m.Config.Size != 10 {
		t.Errorf("Unexpected config descriptor %+v", m.Config)
	}
	if len(m.Layers) != 1 || m.Layers[0].Digest != layer.Digest || m.Layers[0].MediaType != types.OCILayer {
		t.Errorf("Unexpected layers %+v", m.Layers)
	}
	if m.Annotations["org.example"] != "kept" || m.SchemaVersion != 2 {
		t.Errorf("Expected annotations and schema version to be kept, got %+v", m)
	}
}

func TestPatchIndex(t *testing.T) {
	old := hash(t, "old")
	raw := []byte(`{"schemaVersion":2,"manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"` +
		old.String() + `","size":5,"annotations":{"io.containerd.image.name":"app:latest"}}]}`)
	desc := v1.Descriptor{Digest: hash(t, "new"), Size: 42}

	patched, err := PatchIndex(raw, old, desc)
	if err != nil {
		t.Fatalf("PatchIndex failed: %v", err)
	}
	index, err := v1.ParseIndexManifest(strings.NewReader(string(patched)))
	if err != nil {
		t.Fatalf("ParseIndexManifest failed: %v", err)
	}
	got := index.Manifests[0]
	if got.Digest != desc.Digest || got.Size != 42 {
		t.Errorf("Expected entry to point at the new manifest, got %+v", got)
	}
	if got.Annotations["io.containerd.image.name"] != "app:latest" || got.MediaType != types.OCIManifestSchema1 {
		t.Errorf("Expected media type and annotations to be kept, got %+v", got)
	}

	_, err = PatchIndex(raw, hash(t, "missing"), desc)
	if !goerrors.Is(err, errors.ErrInvalidManifest) {
		t.Errorf("Expected invalid manifest error for an unknown digest, got %v", err)
	}
}

func TestEncodeManifest(t *testing.T) {
	desc := tarball.Descriptor{
		Config:   "blobs/sha256/abc",
		RepoTags: []string{"app:latest"},
		Layers:   []string{"blobs/sha256/def"},
	}
	raw, err := EncodeManifest(desc)
	if err != nil {
		t.Fatalf("EncodeManifest failed: %v", err)
	}

	var m tarball.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(m) != 1 || m[0].Config != desc.Config || m[0].RepoTags[0] != "app:latest" {
		t.Errorf("Unexpected manifest %+v", m)
	}
}

func TestBlobNames(t *testing.T) {
	d := digest.FromString("blob")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"oci layer", LayerBlobName(LayoutOCI, d), "blobs/sha256/" + d.Encoded()},
		{"legacy layer", LayerBlobName(LayoutLegacy, d), d.Encoded() + "/layer.tar"},
		{"oci config", ConfigBlobName(LayoutOCI, d), "blobs/sha256/" + d.Encoded()},
		{"legacy config", ConfigBlobName(LayoutLegacy, d), d.Encoded() + ".json"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, tt.got)
		}
	}

	if LayoutOf("./blobs/sha256/x") != LayoutOCI || LayoutOf("abc.json") != LayoutLegacy {
		t.Error("Unexpected layout detection")
	}
}
