package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/23skdu/longbow-transmla/internal/dataset"
)

// Precision is the floating point format a converted checkpoint is written in.
type Precision int

const (
	PrecisionFP32 Precision = iota
	PrecisionFP16
	PrecisionBF16
)

func (p Precision) String() string {
	switch p {
	case PrecisionFP32:
		return "fp32"
	case PrecisionFP16:
		return "fp16"
	case PrecisionBF16:
		return "bf16"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ParsePrecision accepts fp32/fp16/bf16 and their long spellings.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "fp32", "float32", "f32":
		return PrecisionFP32, nil
	case "fp16", "float16", "f16":
		return PrecisionFP16, nil
	case "bf16", "bfloat16":
		return PrecisionBF16, nil
	}
	return 0, fmt.Errorf("invalid dtype: %q (must be one of fp32, fp16, bf16)", s)
}

// RankConfig carries the conversion budgets. Cross-field invariants
// (divisibility, rope_head == 1 before the low-rank stage, rank bounds) are
// checked by the transforms themselves, against the actual model shapes.
type RankConfig struct {
	Dim2Head       int
	RopeHead       int
	QKMQADim       int
	Collapse       int
	QLoraRank      int // 0 disables the query bottleneck
	KVLoraRank     int
	BalanceKVRatio float64
	UseQKVNorm     bool
}

type Config struct {
	ModelPath string
	SavePath  string
	DType     Precision
	Device    string

	CalDataset       string
	DataDir          string
	CalNSamples      int
	CalBatchSize     int
	CalMaxSeqLen     int
	VariedSeqLen     bool
	Seed             int64
	PPLEvalBatchSize int
	PPLSeqLen        int

	Ranks RankConfig

	Workers          int
	LogLevel         string
	LogFormat        string
	MetricsAddr      string
	ActivationDir    string
	ActivationFlight string
}

func Default() Config {
	return Config{
		SavePath:         "outputs",
		DType:            PrecisionBF16,
		Device:           "auto",
		CalDataset:       "wikitext2",
		DataDir:          "data",
		CalNSamples:      128,
		CalBatchSize:     8,
		CalMaxSeqLen:     256,
		Seed:             42,
		PPLEvalBatchSize: 8,
		PPLSeqLen:        2048,
		Ranks: RankConfig{
			Dim2Head:       8,
			RopeHead:       1,
			QKMQADim:       64,
			Collapse:       2,
			KVLoraRank:     512,
			BalanceKVRatio: 1.0,
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("invalid model_path: must be set")
	}
	switch strings.ToLower(c.Device) {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("invalid device: %q (must be one of auto, cpu, cuda)", c.Device)
	}
	if !dataset.Known(c.CalDataset) {
		return fmt.Errorf("invalid cal_dataset %q: %w", c.CalDataset, dataset.ErrUnknownDataset)
	}
	if c.CalNSamples <= 0 {
		return fmt.Errorf("invalid cal_nsamples: %d (must be positive)", c.CalNSamples)
	}
	if c.CalBatchSize <= 0 {
		return fmt.Errorf("invalid cal_batch_size: %d (must be positive)", c.CalBatchSize)
	}
	if c.CalMaxSeqLen <= 0 {
		return fmt.Errorf("invalid cal_max_seqlen: %d (must be positive)", c.CalMaxSeqLen)
	}
	if c.PPLEvalBatchSize < 0 {
		return fmt.Errorf("invalid ppl_eval_batch_size: %d (must be non-negative)", c.PPLEvalBatchSize)
	}
	if c.PPLSeqLen <= 0 {
		return fmt.Errorf("invalid ppl_seqlen: %d (must be positive)", c.PPLSeqLen)
	}
	if c.Ranks.Dim2Head <= 0 {
		return fmt.Errorf("invalid dim2head: %d (must be positive)", c.Ranks.Dim2Head)
	}
	if c.Ranks.RopeHead <= 0 {
		return fmt.Errorf("invalid rope_head: %d (must be positive)", c.Ranks.RopeHead)
	}
	if c.Ranks.Collapse <= 0 {
		return fmt.Errorf("invalid collapse: %d (must be positive)", c.Ranks.Collapse)
	}
	if c.Ranks.QLoraRank < 0 {
		return fmt.Errorf("invalid q_lora_rank: %d (must be non-negative)", c.Ranks.QLoraRank)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", c.Workers)
	}
	return nil
}

// LoadEnv reads .env style files into the process environment. Missing files
// are ignored so a default ".env" lookup never fails a run.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// EnvVars maps TRANSMLA_* variables to the CLI flag they stand in for.
var EnvVars = map[string]string{
	"TRANSMLA_MODEL_PATH":        "model-path",
	"TRANSMLA_SAVE_PATH":         "save-path",
	"TRANSMLA_DTYPE":             "dtype",
	"TRANSMLA_DEVICE":            "device",
	"TRANSMLA_DATA_DIR":          "data-dir",
	"TRANSMLA_LOG_LEVEL":         "log-level",
	"TRANSMLA_LOG_FORMAT":        "log-format",
	"TRANSMLA_METRICS_ADDR":      "metrics-addr",
	"TRANSMLA_ACTIVATION_DIR":    "activation-dir",
	"TRANSMLA_ACTIVATION_FLIGHT": "activation-flight",
	"TRANSMLA_WORKERS":           "workers",
}

// ApplyEnv copies TRANSMLA_* values into cfg. explicit reports whether the
// corresponding flag was set on the command line; those values win.
func ApplyEnv(cfg *Config, explicit func(flag string) bool) error {
	for env, flag := range EnvVars {
		v, ok := os.LookupEnv(env)
		if !ok || v == "" {
			continue
		}
		if explicit != nil && explicit(flag) {
			continue
		}
		if err := cfg.set(flag, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

func (c *Config) set(flag, v string) error {
	switch flag {
	case "model-path":
		c.ModelPath = v
	case "save-path":
		c.SavePath = v
	case "dtype":
		p, err := ParsePrecision(v)
		if err != nil {
			return err
		}
		c.DType = p
	case "device":
		c.Device = v
	case "data-dir":
		c.DataDir = v
	case "log-level":
		c.LogLevel = v
	case "log-format":
		c.LogFormat = v
	case "metrics-addr":
		c.MetricsAddr = v
	case "activation-dir":
		c.ActivationDir = v
	case "activation-flight":
		c.ActivationFlight = v
	case "workers":
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid workers: %q", v)
		}
		c.Workers = n
	default:
		return fmt.Errorf("unknown setting %q", flag)
	}
	return nil
}
