// Package ollama resolves Ollama model names to the GGUF blob in the local
// model store.
package ollama

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

var ErrNotFound = errors.New("ollama: model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Name is a parsed model reference such as "llama3", "llama3:8b" or
// "host/ns/model:tag".
type Name struct {
	Registry, Namespace, Model, Tag string
}

func ParseName(s string) (Name, error) {
	n := Name{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" || strings.ContainsAny(s, `\ `) || strings.Contains(s, "..") {
		return n, fmt.Errorf("ollama: invalid model name %q", s)
	}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		n.Tag = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		n.Model = parts[0]
	case 2:
		n.Namespace, n.Model = parts[0], parts[1]
	case 3:
		n.Registry, n.Namespace, n.Model = parts[0], parts[1], parts[2]
	default:
		return n, fmt.Errorf("ollama: invalid model name %q", s)
	}
	if n.Model == "" || n.Tag == "" || n.Namespace == "" || n.Registry == "" {
		return n, fmt.Errorf("ollama: invalid model name %q", s)
	}
	return n, nil
}

func (n Name) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", n.Registry, n.Namespace, n.Model, n.Tag)
}

// GetOllamaDir returns $OLLAMA_MODELS or ~/.ollama/models.
func GetOllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

type Resolver struct {
	BaseDir string
}

// NewResolver uses baseDir, or the default store when it is empty.
func NewResolver(baseDir string) (*Resolver, error) {
	if baseDir == "" {
		d, err := GetOllamaDir()
		if err != nil {
			return nil, err
		}
		baseDir = d
	}
	return &Resolver{BaseDir: baseDir}, nil
}

// ResolveModelPath returns the GGUF blob path for a model name.
func (r *Resolver) ResolveModelPath(modelName string) (string, error) {
	n, err := ParseName(modelName)
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(r.BaseDir, "manifests", n.Registry, n.Namespace, n.Model, n.Tag)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: manifest %s", ErrNotFound, manifestPath)
	} else if err != nil {
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("ollama: manifest %s: %w", manifestPath, err)
	}

	var blobDigest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			blobDigest = l.Digest
			break
		}
	}
	if blobDigest == "" {
		return "", fmt.Errorf("ollama: no model layer in %s", manifestPath)
	}

	// "sha256:hash" is stored as blobs/sha256-hash
	blobPath := filepath.Join(r.BaseDir, "blobs", strings.Replace(blobDigest, ":", "-", 1))
	if _, err := os.Stat(blobPath); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: blob %s", ErrNotFound, blobPath)
	}
	return blobPath, nil
}

// ResolveModelPath resolves against the default store.
func ResolveModelPath(modelName string) (string, error) {
	r, err := NewResolver("")
	if err != nil {
		return "", err
	}
	return r.ResolveModelPath(modelName)
}
