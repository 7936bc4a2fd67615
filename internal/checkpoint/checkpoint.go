// Package checkpoint loads Llama-family models from Hugging Face directories,
// GGUF files or Ollama model names, and saves converted models back as
// Hugging Face directories.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/23skdu/longbow-transmla/internal/config"
	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/ollama"
	"github.com/23skdu/longbow-transmla/internal/safetensors"
	"github.com/23skdu/longbow-transmla/internal/tokenizer"
)

type Format string

const (
	FormatHF   Format = "safetensors"
	FormatGGUF Format = "gguf"
)

// Checkpoint is a loaded model with its tokenizer.
type Checkpoint struct {
	Model     *model.Model
	Tokenizer *tokenizer.Tokenizer
	Path      string
	Format    Format
}

// Load reads path as a Hugging Face directory, a GGUF file, or, when neither
// exists on disk, an Ollama model name.
func Load(path string) (*Checkpoint, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return loadHF(path)
	case err == nil:
		return loadGGUF(path)
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	if strings.ContainsAny(path, `/\`) && !strings.Contains(path, ":") {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, os.ErrNotExist)
	}
	blob, rerr := ollama.ResolveModelPath(path)
	if rerr != nil {
		return nil, fmt.Errorf("checkpoint: %s is neither a local path nor an ollama model: %w", path, rerr)
	}
	logger.Log.Info("resolved ollama model", "name", path, "blob", blob)
	return loadGGUF(blob)
}

// DType maps a save precision to the on-disk tensor format.
func DType(p config.Precision) safetensors.DType {
	switch p {
	case config.PrecisionFP32:
		return safetensors.F32
	case config.PrecisionFP16:
		return safetensors.F16
	default:
		return safetensors.BF16
	}
}

func finish(m *model.Model, tok *tokenizer.Tokenizer) {
	if m.Config.PadTokenID != nil {
		tok.SetPad(*m.Config.PadTokenID)
	}
	if tok.BOS < 0 && m.Config.BOSTokenID != nil {
		tok.BOS = *m.Config.BOSTokenID
	}
	if tok.EOS < 0 && m.Config.EOSTokenID != nil {
		tok.EOS = *m.Config.EOSTokenID
	}
}
