// Package pipeline runs a full conversion: calibrate, remove RoPE, factor
// the attention into a latent form, evaluate after every stage and save.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-transmla/internal/activations"
	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/checkpoint"
	"github.com/23skdu/longbow-transmla/internal/config"
	"github.com/23skdu/longbow-transmla/internal/convert"
	"github.com/23skdu/longbow-transmla/internal/dataset"
	"github.com/23skdu/longbow-transmla/internal/device"
	"github.com/23skdu/longbow-transmla/internal/eval"
	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/metrics"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/monitoring"
	"github.com/23skdu/longbow-transmla/internal/tokenizer"
)

const (
	StageOriginal   = "original"
	StageRemoveRoPE = "remove_rope"
	StageLowRank    = "low_rank_qkv"
)

// StageResult summarises the model after one stage.
type StageResult struct {
	Stage string
	// Perplexity is NaN when evaluation is disabled.
	Perplexity      float64
	Duration        time.Duration
	Attention       model.Kind
	AttentionParams int
	CacheWidth      int
}

type Report struct {
	RunID     string
	ModelPath string
	SavePath  string
	Stages    []StageResult
	Duration  time.Duration
}

// Runner carries the collaborators of one run.
type Runner struct {
	cfg     config.Config
	monitor *monitoring.HealthMonitor
	sink    calib.Sink
	out     io.Writer
	closers []io.Closer
}

type Option func(*Runner)

// WithMonitor reports progress to a health monitor.
func WithMonitor(m *monitoring.HealthMonitor) Option { return func(r *Runner) { r.monitor = m } }

// WithSink overrides the activation sinks built from the config.
func WithSink(s calib.Sink) Option { return func(r *Runner) { r.sink = s } }

// WithOutput sets where the summary table is printed. Default os.Stdout.
func WithOutput(w io.Writer) Option { return func(r *Runner) { r.out = w } }

func New(cfg config.Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg, out: os.Stdout}
	for _, o := range opts {
		o(r)
	}
	if r.sink == nil {
		var sinks []calib.Sink
		if cfg.ActivationDir != "" {
			sinks = append(sinks, activations.NewDirSink(cfg.ActivationDir))
		}
		if cfg.ActivationFlight != "" {
			pub, err := activations.NewFlightPublisher(cfg.ActivationFlight)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, pub)
			r.closers = append(r.closers, pub)
		}
		if len(sinks) > 0 {
			r.sink = activations.Tee(sinks...)
		}
	}
	return r, nil
}

func (r *Runner) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type run struct {
	*Runner
	id    string
	dev   device.Device
	m     *model.Model
	tok   *tokenizer.Tokenizer
	train []model.Batch
	test  []model.Batch
	log   *logger.Logger
	rep   *Report
	ro    convert.RoPEOptions
	lo    convert.LowRankOptions
}

// Run executes every stage in order. Stages never overlap.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	cfg := r.cfg
	x := &run{Runner: r, id: uuid.NewString()}
	x.log = logger.Log.With("run_id", x.id)
	x.rep = &Report{RunID: x.id, ModelPath: cfg.ModelPath, SavePath: cfg.SavePath}

	if err := x.prepare(ctx); err != nil {
		x.alert("prepare", err)
		return nil, err
	}

	// Calibration on the original model.
	stageStart := time.Now()
	x.stage(StageOriginal)
	set, err := x.calibrate(ctx, StageOriginal)
	if err != nil {
		return nil, err
	}
	if err := x.evaluate(ctx, StageOriginal, stageStart); err != nil {
		return nil, err
	}

	// RoPE removal from the original key activations.
	stageStart = time.Now()
	x.stage(StageRemoveRoPE)
	err = convert.Splice(ctx, x.m, StageRemoveRoPE, x.progress(convert.RemoveRoPEBuilder(set, x.ro)), cfg.Workers)
	set.Release()
	if err != nil {
		x.alert("convert", err)
		return nil, err
	}
	if set, err = x.calibrate(ctx, StageRemoveRoPE); err != nil {
		return nil, err
	}
	if err := x.evaluate(ctx, StageRemoveRoPE, stageStart); err != nil {
		return nil, err
	}

	// Low-rank latent attention.
	stageStart = time.Now()
	x.stage(StageLowRank)
	err = convert.Splice(ctx, x.m, StageLowRank, x.progress(convert.LowRankBuilder(set, x.lo)), cfg.Workers)
	set.Release()
	if err != nil {
		x.alert("convert", err)
		return nil, err
	}
	if cfg.Ranks.UseQKVNorm {
		set, err := x.calibrate(ctx, "qkv_norm")
		if err != nil {
			return nil, err
		}
		err = convert.RecalibrateModel(x.m, set)
		set.Release()
		if err != nil {
			x.alert("convert", err)
			return nil, err
		}
	}
	if err := x.evaluate(ctx, StageLowRank, stageStart); err != nil {
		return nil, err
	}

	x.rep.Duration = time.Since(start)
	if err := WriteTable(r.out, x.rep); err != nil {
		x.log.Warn("summary table", "error", err)
	}

	if cfg.SavePath != "" {
		if err := checkpoint.Save(cfg.SavePath, x.m, x.tok, checkpoint.DType(cfg.DType)); err != nil {
			x.alert("checkpoint", err)
			return nil, fmt.Errorf("save %s: %w", cfg.SavePath, err)
		}
	}
	if r.monitor != nil {
		r.monitor.Finish()
	}
	x.log.Info("conversion finished", "elapsed", x.rep.Duration, "save_path", cfg.SavePath)
	return x.rep, nil
}

func (x *run) prepare(ctx context.Context) error {
	cfg := x.cfg
	dev, err := device.Resolve(cfg.Device, cfg.Workers)
	if err != nil {
		return err
	}
	x.dev = dev

	ck, err := checkpoint.Load(cfg.ModelPath)
	if err != nil {
		return err
	}
	x.m, x.tok = ck.Model, ck.Tokenizer
	if x.tok.Pad < 0 && x.tok.EOS >= 0 {
		x.tok.SetPad(x.tok.EOS)
	}
	if x.monitor != nil {
		x.monitor.SetRun(x.id, cfg.ModelPath, len(x.m.Layers))
	}
	if err := x.checkOptions(); err != nil {
		return err
	}

	ds, err := dataset.Load(cfg.DataDir, cfg.CalDataset)
	if err != nil {
		return err
	}
	train, err := ds.Split(dataset.SplitTrain)
	if err != nil {
		return err
	}
	// One explicit source for every sampling decision of the run.
	rng := rand.New(rand.NewSource(cfg.Seed))
	x.train, err = dataset.PrepareCalibration(train, x.tok, dataset.Options{
		MaxSeqLen:    cfg.CalMaxSeqLen,
		BatchSize:    cfg.CalBatchSize,
		NSamples:     cfg.CalNSamples,
		VariedSeqLen: cfg.VariedSeqLen,
	}, rng)
	if err != nil {
		return err
	}

	if cfg.PPLEvalBatchSize > 0 {
		test, err := ds.Split(dataset.SplitTest)
		if err != nil {
			return err
		}
		if x.test, err = dataset.PrepareTest(test, x.tok, cfg.PPLSeqLen, cfg.PPLEvalBatchSize); err != nil {
			return err
		}
	}
	x.log.Info("run prepared", "device", dev.Name(), "layers", len(x.m.Layers),
		"calibration_batches", len(x.train), "test_batches", len(x.test))
	return ctx.Err()
}

// checkOptions rejects rank settings the loaded model cannot take before any
// calibration batch runs.
func (x *run) checkOptions() error {
	cfg := x.cfg
	x.ro = convert.RoPEOptions{
		Dim2Head: cfg.Ranks.Dim2Head,
		RopeHead: cfg.Ranks.RopeHead,
		Collapse: cfg.Ranks.Collapse,
		Device:   x.dev,
	}
	x.lo = convert.LowRankOptions{
		QLoraRank:      cfg.Ranks.QLoraRank,
		KVLoraRank:     cfg.Ranks.KVLoraRank,
		QKMQADim:       cfg.Ranks.QKMQADim,
		Collapse:       cfg.Ranks.Collapse,
		RopeHead:       cfg.Ranks.RopeHead,
		BalanceKVRatio: cfg.Ranks.BalanceKVRatio,
		UseQKVNorm:     cfg.Ranks.UseQKVNorm,
		RMSNormEps:     x.m.Config.RMSNormEps,
		Device:         x.dev,
	}
	for i, l := range x.m.Layers {
		a, ok := l.Attention().(*model.StandardAttention)
		if !ok {
			return fmt.Errorf("layer %d: expected standard attention, got %s", i, l.Attention().Kind())
		}
		if err := x.ro.Validate(a); err != nil {
			return err
		}
	}
	if err := x.lo.ValidateRopeHead(); err != nil {
		return err
	}
	_, _, err := convert.SplitKVRank(x.lo.KVLoraRank, x.lo.BalanceKVRatio)
	return err
}

func (x *run) stage(name string) {
	x.log.Info("stage started", "stage", name)
	if x.monitor != nil {
		x.monitor.SetStage(name)
	}
}

func (x *run) alert(component string, err error) {
	x.log.Error("run failed", "component", component, "error", err)
	if x.monitor != nil {
		x.monitor.AddAlert(monitoring.LevelError, component, err.Error())
	}
}

func (x *run) progress(build convert.BuildFunc) convert.BuildFunc {
	if x.monitor == nil {
		return build
	}
	return func(ctx context.Context, layer int, attn model.Attention) (model.Attention, error) {
		a, err := build(ctx, layer, attn)
		if err == nil {
			x.monitor.LayerDone()
		}
		return a, err
	}
}

func (x *run) calibrate(ctx context.Context, pass string) (*calib.Set, error) {
	opts := []calib.Option{calib.WithDevice(x.dev), calib.WithPass(pass)}
	if x.sink != nil {
		opts = append(opts, calib.WithSink(x.sink))
	}
	set, err := calib.Run(ctx, x.m, x.train, opts...)
	if err != nil {
		x.alert("calibration", err)
		return nil, err
	}
	return set, nil
}

func (x *run) evaluate(ctx context.Context, stage string, start time.Time) error {
	res := StageResult{
		Stage:           stage,
		Perplexity:      math.NaN(),
		Attention:       x.m.AttentionKinds()[0],
		AttentionParams: x.m.AttentionParameters(),
		CacheWidth:      x.m.Layers[0].Attention().CacheWidth(),
	}
	if len(x.test) > 0 {
		ppl, err := eval.Perplexity(ctx, x.m, x.tok.PadID(), x.test)
		if err != nil {
			x.alert("eval", err)
			return err
		}
		res.Perplexity = ppl
		metrics.RecordPerplexity(stage, ppl)
		if x.monitor != nil {
			x.monitor.RecordPerplexity(stage, ppl)
		}
		x.log.Info("perplexity", "stage", stage, "ppl", ppl)
	}
	res.Duration = time.Since(start)
	x.rep.Stages = append(x.rep.Stages, res)
	return nil
}
