// Package tokenizer implements a greedy longest-match tokenizer over a fixed
// vocabulary read from GGUF metadata or a Hugging Face tokenizer.json.
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-transmla/internal/gguf"
)

const (
	// SentencePiece word boundary.
	spaceSP = "▁"
	// Byte-level BPE space and newline.
	spaceBPE   = "Ġ"
	newlineBPE = "Ċ"

	unkToken = "<unk>"
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int
	Scores []float32 // optional

	BOS, EOS, Pad int // -1 when unset
	AddBOS        bool

	space  string
	maxLen int
}

// FromVocab builds a tokenizer from an ordered token list.
func FromVocab(tokens []string) (*Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, errors.New("tokenizer: empty vocabulary")
	}
	t := &Tokenizer{
		Tokens: tokens,
		Vocab:  make(map[string]int, len(tokens)),
		BOS:    -1,
		EOS:    -1,
		Pad:    -1,
	}
	bpe := 0
	for i, s := range tokens {
		if _, dup := t.Vocab[s]; !dup {
			t.Vocab[s] = i
		}
		if len(s) > t.maxLen {
			t.maxLen = len(s)
		}
		switch {
		case strings.HasPrefix(s, spaceSP):
			bpe--
		case strings.HasPrefix(s, spaceBPE):
			bpe++
		}
	}
	t.space = spaceSP
	if bpe > 0 {
		t.space = spaceBPE
	}
	return t, nil
}

// New reads the vocabulary and special token ids from a GGUF file.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return fromGGUF(f)
}

func fromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}
	t, err := FromVocab(tokens)
	if err != nil {
		return nil, err
	}
	if raw, ok := f.KV["tokenizer.ggml.scores"].([]interface{}); ok {
		t.Scores = make([]float32, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(float32); ok {
				t.Scores = append(t.Scores, s)
			}
		}
	}
	special := func(key string) int {
		if id, ok := gguf.KVUint(f.KV, key); ok && int(id) < len(tokens) {
			return int(id)
		}
		return -1
	}
	t.BOS = special("tokenizer.ggml.bos_token_id")
	t.EOS = special("tokenizer.ggml.eos_token_id")
	t.Pad = special("tokenizer.ggml.padding_token_id")
	if add, ok := f.KV["tokenizer.ggml.add_bos_token"].(bool); ok {
		t.AddBOS = add
	}
	return t, nil
}

// FromGGUF reads the tokenizer embedded in an already opened GGUF file.
func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) { return fromGGUF(f) }

type addedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type tokenizerJSON struct {
	Version     string       `json:"version"`
	AddedTokens []addedToken `json:"added_tokens"`
	Model       struct {
		Type   string         `json:"type"`
		Vocab  map[string]int `json:"vocab"`
		Merges []string       `json:"merges"`
	} `json:"model"`
}

type tokenizerConfig struct {
	BOSToken     string `json:"bos_token,omitempty"`
	EOSToken     string `json:"eos_token,omitempty"`
	PadToken     string `json:"pad_token,omitempty"`
	AddBOSToken  bool   `json:"add_bos_token"`
	ModelMaxLen  int    `json:"model_max_length,omitempty"`
	TokenizerCls string `json:"tokenizer_class,omitempty"`
}

// LoadJSON reads tokenizer.json, plus tokenizer_config.json next to it when
// present for the special tokens.
func LoadJSON(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("tokenizer: %s: %w", path, err)
	}

	size := 0
	for _, id := range tj.Model.Vocab {
		size = max(size, id+1)
	}
	for _, a := range tj.AddedTokens {
		size = max(size, a.ID+1)
	}
	tokens := make([]string, size)
	for s, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer: negative id %d for %q", id, s)
		}
		tokens[id] = s
	}
	for _, a := range tj.AddedTokens {
		tokens[a.ID] = a.Content
	}
	t, err := FromVocab(tokens)
	if err != nil {
		return nil, err
	}

	var cfg tokenizerConfig
	if data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "tokenizer_config.json")); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("tokenizer: tokenizer_config.json: %w", err)
		}
	} else {
		cfg.BOSToken, cfg.EOSToken = "<s>", "</s>"
	}
	t.AddBOS = cfg.AddBOSToken
	t.BOS = t.lookup(cfg.BOSToken)
	t.EOS = t.lookup(cfg.EOSToken)
	t.Pad = t.lookup(cfg.PadToken)
	return t, nil
}

// Load reads a tokenizer from a model directory (tokenizer.json) or a GGUF
// file.
func Load(path string) (*Tokenizer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return LoadJSON(filepath.Join(path, "tokenizer.json"))
	}
	if strings.HasSuffix(path, ".json") {
		return LoadJSON(path)
	}
	return New(path)
}

func (t *Tokenizer) lookup(tok string) int {
	if tok == "" {
		return -1
	}
	if id, ok := t.Vocab[tok]; ok {
		return id
	}
	return -1
}

// PadID returns the padding id, falling back to EOS and then 0.
func (t *Tokenizer) PadID() int {
	switch {
	case t.Pad >= 0:
		return t.Pad
	case t.EOS >= 0:
		return t.EOS
	default:
		return 0
	}
}

func (t *Tokenizer) SetPad(id int) { t.Pad = id }

// Tokenize splits text into vocabulary pieces. Characters with no piece fall
// back to <0xNN> byte tokens, then to <unk>.
func (t *Tokenizer) Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	s := t.normalize(text)
	var out []string
	for i := 0; i < len(s); {
		n := t.longest(s[i:])
		if n > 0 {
			out = append(out, s[i:i+n])
			i += n
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		for _, b := range []byte(s[i : i+size]) {
			if tok := fmt.Sprintf("<0x%02X>", b); t.has(tok) {
				out = append(out, tok)
			} else {
				out = append(out, unkToken)
				break
			}
		}
		i += size
	}
	return out
}

func (t *Tokenizer) has(tok string) bool {
	_, ok := t.Vocab[tok]
	return ok
}

// longest returns the byte length of the longest vocabulary piece prefixing s.
func (t *Tokenizer) longest(s string) int {
	for n := min(len(s), t.maxLen); n > 0; n-- {
		if n < len(s) && !utf8.RuneStart(s[n]) {
			continue
		}
		if t.has(s[:n]) {
			return n
		}
	}
	return 0
}

func (t *Tokenizer) normalize(text string) string {
	if t.space == spaceBPE {
		return strings.NewReplacer(" ", spaceBPE, "\n", newlineBPE).Replace(text)
	}
	return spaceSP + strings.ReplaceAll(text, " ", spaceSP)
}

// ConvertTokensToString joins pieces back into text.
func (t *Tokenizer) ConvertTokensToString(tokens []string) string {
	var raw []byte
	for _, tok := range tokens {
		if b, ok := byteToken(tok); ok {
			raw = append(raw, b)
			continue
		}
		raw = append(raw, tok...)
	}
	s := string(raw)
	if t.space == spaceBPE {
		return strings.NewReplacer(spaceBPE, " ", newlineBPE, "\n").Replace(s)
	}
	s = strings.ReplaceAll(s, spaceSP, " ")
	return strings.TrimPrefix(s, " ")
}

func byteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// Encode tokenizes text into ids, prefixed with BOS when AddBOS is set.
func (t *Tokenizer) Encode(text string) []int {
	toks := t.Tokenize(text)
	ids := make([]int, 0, len(toks)+1)
	if t.AddBOS && t.BOS >= 0 {
		ids = append(ids, t.BOS)
	}
	unk := t.lookup(unkToken)
	for _, tok := range toks {
		if id, ok := t.Vocab[tok]; ok {
			ids = append(ids, id)
		} else if unk >= 0 {
			ids = append(ids, unk)
		}
	}
	return ids
}

// Decode maps ids back to text, skipping special and out-of-range ids.
func (t *Tokenizer) Decode(ids []int) string {
	toks := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) || id == t.BOS || id == t.EOS || id == t.Pad {
			continue
		}
		toks = append(toks, t.Tokens[id])
	}
	return t.ConvertTokensToString(toks)
}

// Save writes tokenizer.json and tokenizer_config.json into dir.
func (t *Tokenizer) Save(dir string) error {
	var tj tokenizerJSON
	tj.Version = "1.0"
	tj.Model.Type = "BPE"
	tj.Model.Vocab = make(map[string]int, len(t.Tokens))
	tj.Model.Merges = []string{}
	for i, s := range t.Tokens {
		if t.Vocab[s] == i {
			tj.Model.Vocab[s] = i
		}
	}
	for _, id := range []int{t.BOS, t.EOS, t.Pad} {
		if id >= 0 {
			tj.AddedTokens = append(tj.AddedTokens, addedToken{ID: id, Content: t.Tokens[id], Special: true})
		}
	}
	cfg := tokenizerConfig{AddBOSToken: t.AddBOS, TokenizerCls: "PreTrainedTokenizerFast"}
	name := func(id int) string {
		if id >= 0 && id < len(t.Tokens) {
			return t.Tokens[id]
		}
		return ""
	}
	cfg.BOSToken, cfg.EOSToken, cfg.PadToken = name(t.BOS), name(t.EOS), name(t.Pad)

	if err := writeJSON(filepath.Join(dir, "tokenizer.json"), tj); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "tokenizer_config.json"), cfg)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
