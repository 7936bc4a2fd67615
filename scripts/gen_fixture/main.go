// gen_fixture writes a tiny random Llama checkpoint (Hugging Face directory
// and GGUF file) plus a synthetic wikitext2 corpus for smoke runs:
//
//	go run ./scripts/gen_fixture -out /tmp/fixture
//	transmla --model-path /tmp/fixture/model --data-dir /tmp/fixture/data \
//	    --dim2head 2 --qk-mqa-dim 2 --kv-lora-rank 8 --cal-max-seqlen 32 --ppl-seqlen 32
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-transmla/internal/checkpoint"
	"github.com/23skdu/longbow-transmla/internal/gguf"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/safetensors"
	"github.com/23skdu/longbow-transmla/internal/tokenizer"
)

var (
	out   = flag.String("out", "fixture", "Output directory")
	seed  = flag.Int64("seed", 1, "Random seed")
	vocab = flag.Int("vocab", 64, "Vocabulary size")
)

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	cfg := model.Config{
		Architectures:     []string{"LlamaForCausalLM"},
		ModelType:         "llama",
		HiddenSize:        64,
		IntermediateSize:  128,
		NumHiddenLayers:   2,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  2,
		HeadDim:           16,
		VocabSize:         *vocab,
		RopeTheta:         10000,
		RMSNormEps:        1e-6,
	}
	m := model.NewRandom(cfg, rng, 0.02)

	words := []string{"<unk>", "<s>", "</s>"}
	for i := len(words); i < *vocab; i++ {
		words = append(words, fmt.Sprintf("▁w%d", i))
	}
	tok, err := tokenizer.FromVocab(words)
	if err != nil {
		log.Fatalf("tokenizer: %v", err)
	}
	tok.BOS, tok.EOS, tok.AddBOS = 1, 2, true

	if err := checkpoint.Save(filepath.Join(*out, "model"), m, tok, safetensors.BF16); err != nil {
		log.Fatalf("save model: %v", err)
	}
	if err := checkpoint.SaveGGUF(filepath.Join(*out, "model.gguf"), m, tok, gguf.GGMLTypeF16); err != nil {
		log.Fatalf("save gguf: %v", err)
	}

	data := filepath.Join(*out, "data", "wikitext2")
	if err := os.MkdirAll(data, 0o755); err != nil {
		log.Fatalf("mkdir: %v", err)
	}
	for _, split := range []string{"train", "test", "validation"} {
		var paras []string
		for p := 0; p < 200; p++ {
			n := 8 + rng.Intn(24)
			ws := make([]string, n)
			for i := range ws {
				ws[i] = fmt.Sprintf("w%d", 3+rng.Intn(*vocab-3))
			}
			paras = append(paras, strings.Join(ws, " "))
		}
		path := filepath.Join(data, split+".txt")
		if err := os.WriteFile(path, []byte(strings.Join(paras, "\n\n")+"\n"), 0o644); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
	}
	log.Printf("fixture written to %s", *out)
}
