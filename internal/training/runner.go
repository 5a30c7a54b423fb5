package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oilcast/featurepipe/pkg/core"
)

// Horizon is one forecast distance with its own label column and model.
type Horizon struct {
	Name   string `koanf:"name"`
	Target string `koanf:"target"`
}

// Config configures a Runner.
type Config struct {
	// ModelPrefix is prepended to the horizon name to form the model name.
	ModelPrefix string            `koanf:"model_prefix"`
	Algorithm   string            `koanf:"algorithm"`
	Options     map[string]string `koanf:"options"`
	Horizons    []Horizon         `koanf:"horizons"`
	// Exclude lists non-feature columns besides the labels.
	Exclude []string `koanf:"exclude"`

	// Only restricts training to the named horizons. Every horizon's
	// target is still excluded from the features.
	Only   []string     `koanf:"-"`
	Logger *slog.Logger `koanf:"-"`
}

// ManifestLoader reads the current manifest.
type ManifestLoader interface {
	LoadManifest(ctx context.Context) (*core.Manifest, error)
}

// Runner trains every configured horizon.
type Runner struct {
	backend   Backend
	manifests ManifestLoader
	store     core.Store
	cfg       Config
	logger    *slog.Logger
}

// NewRunner returns a runner. store may be nil to skip recording.
func NewRunner(backend Backend, manifests ManifestLoader, store core.Store, cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{backend: backend, manifests: manifests, store: store, cfg: cfg, logger: logger}
}

// TrainHorizons trains one model per horizon from the table named in the
// manifest. It refuses to train when there is no manifest, since that means
// no validated table has been published. Horizons run one after another; a
// failed horizon does not stop the rest.
func (r *Runner) TrainHorizons(ctx context.Context) ([]*core.TrainingRun, error) {
	if len(r.cfg.Horizons) == 0 {
		return nil, fmt.Errorf("%w: no training horizons configured", core.ErrInvalidConfig)
	}

	manifest, err := r.manifests.LoadManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("refusing to train: %w", err)
	}
	input := core.ParseTableRef(manifest.Table)

	targets := make([]string, len(r.cfg.Horizons))
	for i, h := range r.cfg.Horizons {
		if !slices.Contains(manifest.Columns, h.Target) {
			return nil, fmt.Errorf("%w: horizon %s target %s is not a column of %s",
				core.ErrInvalidConfig, h.Name, h.Target, manifest.Table)
		}
		targets[i] = h.Target
	}
	selected, err := r.selected()
	if err != nil {
		return nil, err
	}

	var runs []*core.TrainingRun
	var errs []error
	for _, h := range selected {
		tr := r.trainOne(ctx, manifest, input, h, targets)
		runs = append(runs, tr)
		if tr.Error != "" {
			errs = append(errs, fmt.Errorf("horizon %s: %s", h.Name, tr.Error))
		}
		if r.store != nil {
			if err := r.store.RecordTrainingRun(tr); err != nil {
				r.logger.Warn("failed to record training run", "model", tr.Model, "error", err)
			}
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return runs, errors.Join(errs...)
}

func (r *Runner) selected() ([]Horizon, error) {
	if len(r.cfg.Only) == 0 {
		return r.cfg.Horizons, nil
	}
	var out []Horizon
	for _, name := range r.cfg.Only {
		i := slices.IndexFunc(r.cfg.Horizons, func(h Horizon) bool { return h.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("%w: unknown horizon %s", core.ErrInvalidConfig, name)
		}
		out = append(out, r.cfg.Horizons[i])
	}
	return out, nil
}

func (r *Runner) trainOne(ctx context.Context, m *core.Manifest, input core.TableRef, h Horizon, targets []string) *core.TrainingRun {
	model := r.cfg.ModelPrefix + h.Name
	tr := &core.TrainingRun{
		RunID:      m.RunID,
		Model:      model,
		Horizon:    h.Name,
		InputTable: input.String(),
		Target:     h.Target,
		Status:     "failed",
		StartedAt:  time.Now().UTC(),
	}
	defer func() {
		now := time.Now().UTC()
		tr.FinishedAt = &now
	}()

	var exclude []string
	for _, t := range targets {
		if t != h.Target {
			exclude = append(exclude, t)
		}
	}
	exclude = append(exclude, r.cfg.Exclude...)

	r.logger.Info("training", "model", model, "horizon", h.Name, "table", input.String())
	job, err := r.backend.Train(ctx, TrainRequest{
		Model:      model,
		InputTable: input,
		Target:     h.Target,
		Exclude:    exclude,
		Algorithm:  r.cfg.Algorithm,
		Options:    r.cfg.Options,
	})
	if err == nil {
		err = job.Wait(ctx)
	}
	if err != nil {
		tr.Error = err.Error()
		r.logger.Error("training failed", "model", model, "error", err)
		return tr
	}

	metrics, err := r.backend.Evaluate(ctx, model)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	tr.Metrics = metrics
	tr.Status = "succeeded"
	r.logger.Info("trained", "model", model, "metrics", len(metrics))
	return tr
}
