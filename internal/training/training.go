// Package training trains one forecasting model per horizon from the
// published feature table.
//
// Model internals are the backend's business. This package only knows how to
// start a training job from a table, wait for it and read its metrics.
package training

import (
	"context"
	"time"

	"github.com/oilcast/featurepipe/pkg/core"
)

// TrainRequest describes one model to train.
type TrainRequest struct {
	Model      string
	InputTable core.TableRef
	// Target is the label column.
	Target string
	// Exclude lists columns that must not be used as features, such as the
	// labels of other horizons.
	Exclude   []string
	Algorithm string
	Options   map[string]string
}

// Job is a running training job.
type Job interface {
	ID() string
	// Wait blocks until the job finishes or ctx is done.
	Wait(ctx context.Context) error
}

// Metrics are the evaluation measures reported by the backend.
type Metrics map[string]float64

// Backend trains and evaluates models.
type Backend interface {
	Train(ctx context.Context, req TrainRequest) (Job, error)
	Evaluate(ctx context.Context, model string) (Metrics, error)
}

// asyncJob runs fn in the background.
type asyncJob struct {
	id      string
	started time.Time
	done    chan struct{}
	err     error
}

func startJob(ctx context.Context, id string, fn func(context.Context) error) *asyncJob {
	j := &asyncJob{id: id, started: time.Now(), done: make(chan struct{})}
	go func() {
		defer close(j.done)
		j.err = fn(ctx)
	}()
	return j
}

func (j *asyncJob) ID() string { return j.id }

func (j *asyncJob) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
