// Package dataset loads the text corpora used for calibration and perplexity
// evaluation from a local data directory.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

var ErrUnknownDataset = errors.New("dataset: the provided dataset is not supported")

const (
	Wikitext2 = "wikitext2"
	PTB       = "ptb"
	C4        = "c4"
	Alpaca    = "alpaca"
)

const (
	SplitTrain      = "train"
	SplitTest       = "test"
	SplitValidation = "validation"
)

// Names lists the supported datasets.
func Names() []string {
	return []string{Wikitext2, PTB, C4, Alpaca}
}

func Known(name string) bool {
	return slices.Contains(Names(), name)
}

// Dataset holds the text records of every split.
type Dataset struct {
	Name   string
	Splits map[string][]string
}

func (d *Dataset) Split(name string) ([]string, error) {
	recs, ok := d.Splits[name]
	if !ok {
		return nil, fmt.Errorf("dataset %s has no %q split", d.Name, name)
	}
	return recs, nil
}

// Load reads dataset name from dir/<name>/.
//
//	wikitext2/{train,test,validation}.txt          blank-line separated records
//	ptb/ptb.{train,test,valid}.txt                 one record per line
//	c4/c4-{train.00000-of-01024,validation.00000-of-00008}.json.gz   gzip JSONL, "text" field
//	alpaca/alpaca_data.json                        JSON array, split 80/10/10 with seed 42
//
// c4 has no test split upstream; its validation records serve as both.
func Load(dir, name string) (*Dataset, error) {
	if !Known(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	root := filepath.Join(dir, name)
	d := &Dataset{Name: name, Splits: map[string][]string{}}
	var err error
	switch name {
	case Wikitext2:
		for _, s := range []string{SplitTrain, SplitTest, SplitValidation} {
			if d.Splits[s], err = readParagraphs(filepath.Join(root, s+".txt")); err != nil {
				return nil, err
			}
		}
	case PTB:
		files := map[string]string{SplitTrain: "ptb.train.txt", SplitTest: "ptb.test.txt", SplitValidation: "ptb.valid.txt"}
		for s, f := range files {
			if d.Splits[s], err = readLines(filepath.Join(root, f)); err != nil {
				return nil, err
			}
		}
	case C4:
		if d.Splits[SplitTrain], err = readJSONL(filepath.Join(root, "c4-train.00000-of-01024.json.gz")); err != nil {
			return nil, err
		}
		if d.Splits[SplitValidation], err = readJSONL(filepath.Join(root, "c4-validation.00000-of-00008.json.gz")); err != nil {
			return nil, err
		}
		d.Splits[SplitTest] = d.Splits[SplitValidation]
	case Alpaca:
		recs, err := readAlpaca(filepath.Join(root, "alpaca_data.json"))
		if err != nil {
			return nil, err
		}
		d.Splits = splitAlpaca(recs, 42)
	}
	return d, nil
}

func readParagraphs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n\n") {
		if p = strings.Trim(p, "\n"); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

func readJSONL(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	defer zr.Close()

	var out []string
	dec := json.NewDecoder(zr)
	for {
		var rec struct {
			Text string `json:"text"`
		}
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, rec.Text)
	}
	return out, nil
}

func readAlpaca(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var recs []struct {
		Instruction string `json:"instruction"`
		Input       string `json:"input"`
		Output      string `json:"output"`
		Text        string `json:"text"`
	}
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		if r.Text != "" {
			out[i] = r.Text
			continue
		}
		parts := []string{r.Instruction}
		if r.Input != "" {
			parts = append(parts, r.Input)
		}
		out[i] = strings.Join(append(parts, r.Output), "\n\n")
	}
	return out, nil
}

// splitAlpaca shuffles with the given seed and cuts 80% train, 10% test and
// 10% validation.
func splitAlpaca(recs []string, seed int64) map[string][]string {
	perm := rand.New(rand.NewSource(seed)).Perm(len(recs))
	shuffled := make([]string, len(recs))
	for i, p := range perm {
		shuffled[i] = recs[p]
	}
	nTrain := len(recs) * 8 / 10
	nTest := (len(recs) - nTrain) / 2
	return map[string][]string{
		SplitTrain:      shuffled[:nTrain],
		SplitTest:       shuffled[nTrain : nTrain+nTest],
		SplitValidation: shuffled[nTrain+nTest:],
	}
}
