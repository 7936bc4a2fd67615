package ollama

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

func writeStore(t *testing.T, name Name, layers []Layer, blobs ...string) string {
	t.Helper()
	base := t.TempDir()
	dir := filepath.Join(base, "manifests", name.Registry, name.Namespace, name.Model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(Manifest{SchemaVersion: 2, Layers: layers})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name.Tag), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(base, "blobs"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, b := range blobs {
		if err := os.WriteFile(filepath.Join(base, "blobs", b), []byte("GGUF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return base
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in   string
		want Name
	}{
		{"llama3", Name{DefaultRegistry, DefaultNamespace, "llama3", "latest"}},
		{"llama3:8b", Name{DefaultRegistry, DefaultNamespace, "llama3", "8b"}},
		{"model:v1.0", Name{DefaultRegistry, DefaultNamespace, "model", "v1.0"}},
		{"me/model", Name{DefaultRegistry, "me", "model", "latest"}},
		{"host:5000/me/model:q", Name{"host:5000", "me", "model", "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseName(tt.in)
			if err != nil {
				t.Fatalf("ParseName(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseName(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}

	for _, bad := range []string{"", "a/b/c/d", "../x", "model:", "bad name"} {
		if _, err := ParseName(bad); err == nil {
			t.Errorf("ParseName(%q) should fail", bad)
		}
	}
}

func TestGetOllamaDir(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", "/custom/ollama/models")
	dir, err := GetOllamaDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/custom/ollama/models" {
		t.Errorf("expected env override, got %s", dir)
	}

	t.Setenv("OLLAMA_MODELS", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}
	dir, err = GetOllamaDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".ollama", "models"); dir != want {
		t.Errorf("expected %s, got %s", want, dir)
	}
}

func TestResolveModelPath(t *testing.T) {
	name, _ := ParseName("tiny:f16")
	base := writeStore(t, name, []Layer{
		{MediaType: "application/vnd.ollama.image.template", Digest: "sha256:tmpl"},
		{MediaType: MediaTypeModel, Digest: "sha256:abc123", Size: 4},
	}, "sha256-abc123")

	r, err := NewResolver(base)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.ResolveModelPath("tiny:f16")
	if err != nil {
		t.Fatalf("ResolveModelPath: %v", err)
	}
	if want := filepath.Join(base, "blobs", "sha256-abc123"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	if _, err := r.ResolveModelPath("tiny:other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing tag: expected ErrNotFound, got %v", err)
	}
}

func TestResolveModelPathMissingBlob(t *testing.T) {
	name, _ := ParseName("tiny")
	base := writeStore(t, name, []Layer{{MediaType: MediaTypeModel, Digest: "sha256:gone"}})
	r := &Resolver{BaseDir: base}
	if _, err := r.ResolveModelPath("tiny"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveModelPathNoModelLayer(t *testing.T) {
	name, _ := ParseName("tiny")
	base := writeStore(t, name, []Layer{{MediaType: "application/vnd.ollama.image.config", Digest: "sha256:cfg"}})
	r := &Resolver{BaseDir: base}
	if _, err := r.ResolveModelPath("tiny"); err == nil {
		t.Error("expected error for manifest without a model layer")
	}
}
