package convert

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/metrics"
	"github.com/23skdu/longbow-transmla/internal/model"
)

// BuildFunc produces the replacement for the attention module of one layer.
type BuildFunc func(ctx context.Context, layer int, attn model.Attention) (model.Attention, error)

// Splice builds replacements for every layer, up to workers at a time, and
// only once all of them succeeded swaps them in, in layer order. On error the
// model is left untouched.
func Splice(ctx context.Context, m *model.Model, stage string, build BuildFunc, workers int) error {
	log := logger.Log.With("stage", stage)
	start := time.Now()
	repl := make([]model.Attention, len(m.Layers))

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, l := range m.Layers {
		attn := l.Attention()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t := time.Now()
			a, err := build(gctx, i, attn)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			repl[i] = a
			log.Debug("layer rebuilt", "layer", i, "kind", a.Kind().String(), "elapsed", time.Since(t))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}

	for i, l := range m.Layers {
		l.SetAttention(repl[i])
	}
	metrics.RecordSplice(stage, len(repl))
	log.Info("layers spliced", "layers", len(repl), "elapsed", time.Since(start))
	return nil
}

// RemoveRoPEBuilder converts standard attention layers using the key
// activations in set.
func RemoveRoPEBuilder(set *calib.Set, o RoPEOptions) BuildFunc {
	return func(_ context.Context, layer int, attn model.Attention) (model.Attention, error) {
		std, ok := attn.(*model.StandardAttention)
		if !ok {
			return nil, fmt.Errorf("remove rope needs %s attention, layer holds %s", model.KindStandard, attn.Kind())
		}
		keys, ok := set.Layer(model.ProjKey, layer)
		if !ok {
			return nil, fmt.Errorf("no key activations")
		}
		return RemoveRoPE(std, keys, o)
	}
}

// LowRankBuilder converts RoPE-removed layers using the query, key and value
// activations in set.
func LowRankBuilder(set *calib.Set, o LowRankOptions) BuildFunc {
	return func(_ context.Context, layer int, attn model.Attention) (model.Attention, error) {
		rl, ok := attn.(*model.RopelessAttention)
		if !ok {
			return nil, fmt.Errorf("low rank needs %s attention, layer holds %s", model.KindRopeless, attn.Kind())
		}
		q, _ := set.Layer(model.ProjQuery, layer)
		k, ok := set.Layer(model.ProjKey, layer)
		if !ok {
			return nil, fmt.Errorf("no key activations")
		}
		v, ok := set.Layer(model.ProjValue, layer)
		if !ok {
			return nil, fmt.Errorf("no value activations")
		}
		return LowRankQKV(rl, q, k, v, o)
	}
}

// RecalibrateModel applies RecalibrateNorms to every latent layer of m.
func RecalibrateModel(m *model.Model, set *calib.Set) error {
	for i, l := range m.Layers {
		la, ok := l.Attention().(*model.LatentAttention)
		if !ok {
			return fmt.Errorf("layer %d: norm recalibration needs %s attention, got %s", i, model.KindLatent, l.Attention().Kind())
		}
		qa, _ := set.Layer(model.ProjQA, i)
		kva, _ := set.Layer(model.ProjKVA, i)
		if err := RecalibrateNorms(la, qa, kva); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}
