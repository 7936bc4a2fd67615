package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-transmla/internal/activations"
	"github.com/23skdu/longbow-transmla/internal/checkpoint"
	"github.com/23skdu/longbow-transmla/internal/config"
	"github.com/23skdu/longbow-transmla/internal/gguf"
	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/monitoring"
	"github.com/23skdu/longbow-transmla/internal/pipeline"
)

const Version = "0.1.0"

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var dtype, envFile string

	root := &cobra.Command{
		Use:           "transmla",
		Short:         "Convert grouped-query attention checkpoints to multi-head latent attention",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveConfig(cmd, &cfg, dtype, envFile); err != nil {
				return err
			}
			return runConvert(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&cfg.ModelPath, "model-path", cfg.ModelPath, "Hugging Face directory, GGUF file or Ollama model name")
	f.StringVar(&cfg.SavePath, "save-path", cfg.SavePath, "Output directory for the converted checkpoint")
	f.StringVar(&dtype, "dtype", cfg.DType.String(), "Saved weight precision (fp32, fp16, bf16)")
	f.StringVar(&cfg.Device, "device", cfg.Device, "Compute device (auto, cpu, cuda)")
	f.StringVar(&cfg.CalDataset, "cal-dataset", cfg.CalDataset, "Calibration dataset (wikitext2, ptb, c4, alpaca)")
	f.IntVar(&cfg.CalNSamples, "cal-nsamples", cfg.CalNSamples, "Number of calibration samples")
	f.IntVar(&cfg.CalBatchSize, "cal-batch-size", cfg.CalBatchSize, "Calibration batch size")
	f.IntVar(&cfg.CalMaxSeqLen, "cal-max-seqlen", cfg.CalMaxSeqLen, "Calibration sequence length")
	f.BoolVar(&cfg.VariedSeqLen, "varied-seqlen", cfg.VariedSeqLen, "Use records as they are instead of packing to cal-max-seqlen")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Sampling seed")
	f.IntVar(&cfg.PPLEvalBatchSize, "ppl-eval-batch-size", cfg.PPLEvalBatchSize, "Perplexity batch size, 0 disables evaluation")
	f.IntVar(&cfg.PPLSeqLen, "ppl-seqlen", cfg.PPLSeqLen, "Perplexity sequence length")
	f.IntVar(&cfg.Ranks.Dim2Head, "dim2head", cfg.Ranks.Dim2Head, "KV heads rotated jointly during RoPE removal")
	f.IntVar(&cfg.Ranks.RopeHead, "rope-head", cfg.Ranks.RopeHead, "Principal components per frequency that keep RoPE")
	f.IntVar(&cfg.Ranks.QKMQADim, "qk-mqa-dim", cfg.Ranks.QKMQADim, "Width of the shared rotary key")
	f.IntVar(&cfg.Ranks.Collapse, "collapse", cfg.Ranks.Collapse, "Adjacent frequencies folded together")
	f.IntVar(&cfg.Ranks.QLoraRank, "q-lora-rank", cfg.Ranks.QLoraRank, "Query bottleneck rank, 0 keeps a full query projection")
	f.IntVar(&cfg.Ranks.KVLoraRank, "kv-lora-rank", cfg.Ranks.KVLoraRank, "Latent KV rank")
	f.Float64Var(&cfg.Ranks.BalanceKVRatio, "balance-kv-ratio", cfg.Ranks.BalanceKVRatio, "Key:value split of kv-lora-rank")
	f.BoolVar(&cfg.Ranks.UseQKVNorm, "use-qkv-norm", cfg.Ranks.UseQKVNorm, "Insert RMSNorms on the latent query and KV")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding the datasets")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console, json)")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve /metrics and /health on this address")
	f.StringVar(&cfg.ActivationDir, "activation-dir", cfg.ActivationDir, "Write calibration activations as Arrow IPC files here")
	f.StringVar(&cfg.ActivationFlight, "activation-flight", cfg.ActivationFlight, "Publish calibration activations to this Flight endpoint")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker goroutines, 0 uses GOMAXPROCS")
	f.StringVar(&envFile, "env-file", ".env", "Environment file with TRANSMLA_* settings")

	root.AddCommand(newInspectCmd(), newExportCmd(), newCollectCmd())
	return root
}

// resolveConfig layers the environment under explicit flags and sets up
// logging.
func resolveConfig(cmd *cobra.Command, cfg *config.Config, dtype, envFile string) error {
	p, err := config.ParsePrecision(dtype)
	if err != nil {
		return err
	}
	cfg.DType = p
	if err := config.LoadEnv(envFile); err != nil {
		return err
	}
	if err := config.ApplyEnv(cfg, cmd.Flags().Changed); err != nil {
		return err
	}
	logger.SetupWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	return cfg.Validate()
}

func runConvert(ctx context.Context, out io.Writer, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []pipeline.Option{pipeline.WithOutput(out)}
	if cfg.MetricsAddr != "" {
		mon := monitoring.NewHealthMonitor(Version)
		if _, err := mon.Start(cfg.MetricsAddr); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mon.Stop(sctx)
		}()
		opts = append(opts, pipeline.WithMonitor(mon))
	}

	r, err := pipeline.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer r.Close()

	logger.Log.Info("starting conversion", "model", cfg.ModelPath, "dataset", cfg.CalDataset,
		"kv_lora_rank", cfg.Ranks.KVLoraRank, "q_lora_rank", cfg.Ranks.QLoraRank)
	_, err = r.Run(ctx)
	return err
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PATH",
		Short: "Summarise a checkpoint's attention layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if strings.EqualFold(filepath.Ext(path), ".gguf") {
				f, err := gguf.LoadFile(path)
				if err != nil {
					return err
				}
				defer f.Close()
				writeGGUFReport(cmd.OutOrStdout(), f.Analyze())
				return nil
			}
			ck, err := checkpoint.Load(path)
			if err != nil {
				return err
			}
			writeLayers(cmd.OutOrStdout(), ck)
			return nil
		},
	}
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func writeGGUFReport(w io.Writer, r gguf.Report) {
	table := newTable(w, []string{"ARCH", "NAME", "TENSORS", "PARAMS", "QUANTIZED"})
	table.Append([]string{
		r.Architecture,
		r.ModelName,
		strconv.Itoa(r.TensorCount),
		strconv.FormatInt(r.TotalParameters, 10),
		strconv.Itoa(len(r.Quantized)),
	})
	table.Render()
}

func writeLayers(w io.Writer, ck *checkpoint.Checkpoint) {
	m := ck.Model
	fmt.Fprintf(w, "%s (%s) vocab=%d hidden=%d heads=%d/%d\n", ck.Path, ck.Format,
		m.Config.VocabSize, m.Config.HiddenSize, m.Config.NumAttentionHeads, m.Config.NumKeyValueHeads)
	table := newTable(w, []string{"LAYER", "ATTENTION", "PARAMS", "KV CACHE"})
	for i, l := range m.Layers {
		a := l.Attention()
		table.Append([]string{strconv.Itoa(i), a.Kind().String(), strconv.Itoa(a.Parameters()), strconv.Itoa(a.CacheWidth())})
	}
	table.Render()
}

func newExportCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "export-gguf SRC DST",
		Short: "Write a standard-attention checkpoint as a GGUF file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t gguf.GGMLType
			switch strings.ToLower(typ) {
			case "f32", "fp32":
				t = gguf.GGMLTypeF32
			case "f16", "fp16":
				t = gguf.GGMLTypeF16
			default:
				return fmt.Errorf("invalid type %q (must be f32 or f16)", typ)
			}
			ck, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			return checkpoint.SaveGGUF(args[1], ck.Model, ck.Tokenizer, t)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "f16", "Tensor type (f32, f16)")
	return cmd
}

func newCollectCmd() *cobra.Command {
	var listen, dir string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Receive activations over Arrow Flight and store them as IPC files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := activations.NewCollector(dir)
			srv, err := c.Serve(listen)
			if err != nil {
				return err
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.Serve() }()

			select {
			case <-ctx.Done():
				srv.Shutdown()
				<-errc
			case err = <-errc:
			}
			logger.Log.Info("collector stopped", "streams", len(c.Streams()))
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "localhost:8815", "Flight listen address")
	cmd.Flags().StringVar(&dir, "dir", "activations", "Output directory")
	return cmd
}
