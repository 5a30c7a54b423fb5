package training

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/oilcast/featurepipe/internal/state"
	"github.com/oilcast/featurepipe/internal/testutil"
	"github.com/oilcast/featurepipe/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneJob struct {
	id  string
	err error
}

func (j doneJob) ID() string                 { return j.id }
func (j doneJob) Wait(context.Context) error { return j.err }

type fakeBackend struct {
	mu       sync.Mutex
	requests []TrainRequest
	failOn   map[string]error
}

func (f *fakeBackend) Train(_ context.Context, req TrainRequest) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return doneJob{id: req.Model, err: f.failOn[req.Model]}, nil
}

func (f *fakeBackend) Evaluate(_ context.Context, model string) (Metrics, error) {
	return Metrics{"r2_score": 0.5, "model_len": float64(len(model))}, nil
}

type staticManifest struct {
	m   *core.Manifest
	err error
}

func (s staticManifest) LoadManifest(context.Context) (*core.Manifest, error) { return s.m, s.err }

func testManifest() *core.Manifest {
	return &core.Manifest{
		Table:   "published.soy_features",
		Columns: []string{"date", "close", "close_ma5", "target_1w", "target_1m"},
		RunID:   "run-1",
	}
}

func testConfig(t *testing.T) Config {
	return Config{
		ModelPrefix: "ml.zl_",
		Algorithm:   "linear_reg",
		Horizons: []Horizon{
			{Name: "1w", Target: "target_1w"},
			{Name: "1m", Target: "target_1m"},
		},
		Exclude: []string{"date"},
		Logger:  testutil.NewTestLogger(t),
	}
}

func memStore(t *testing.T) *state.SQLiteStore {
	t.Helper()
	s, err := state.OpenStore(":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrainHorizons(t *testing.T) {
	backend := &fakeBackend{}
	store := memStore(t)
	r := NewRunner(backend, staticManifest{m: testManifest()}, store, testConfig(t))

	runs, err := r.TrainHorizons(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)

	require.Len(t, backend.requests, 2)
	assert.Equal(t, "ml.zl_1w", backend.requests[0].Model)
	assert.Equal(t, "target_1w", backend.requests[0].Target)
	assert.Equal(t, []string{"target_1m", "date"}, backend.requests[0].Exclude)
	assert.Equal(t, []string{"target_1w", "date"}, backend.requests[1].Exclude)
	assert.Equal(t, "published.soy_features", backend.requests[1].InputTable.String())

	for _, tr := range runs {
		assert.Equal(t, "succeeded", tr.Status)
		assert.Equal(t, "run-1", tr.RunID)
		assert.NotNil(t, tr.FinishedAt)
		assert.InDelta(t, 0.5, tr.Metrics["r2_score"], 1e-9)
	}

	stored, err := store.ListTrainingRuns(10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestTrainHorizons_NoManifest(t *testing.T) {
	backend := &fakeBackend{}
	r := NewRunner(backend, staticManifest{err: core.ErrManifestMissing}, nil, testConfig(t))

	_, err := r.TrainHorizons(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrManifestMissing)
	assert.Empty(t, backend.requests)
}

func TestTrainHorizons_UnknownTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Horizons = append(cfg.Horizons, Horizon{Name: "3m", Target: "target_3m"})
	backend := &fakeBackend{}
	r := NewRunner(backend, staticManifest{m: testManifest()}, nil, cfg)

	_, err := r.TrainHorizons(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
	assert.Empty(t, backend.requests)
}

func TestTrainHorizons_NoHorizons(t *testing.T) {
	cfg := testConfig(t)
	cfg.Horizons = nil
	r := NewRunner(&fakeBackend{}, staticManifest{m: testManifest()}, nil, cfg)

	_, err := r.TrainHorizons(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestTrainHorizons_OneHorizonFails(t *testing.T) {
	backend := &fakeBackend{failOn: map[string]error{"ml.zl_1w": errors.New("out of quota")}}
	store := memStore(t)
	r := NewRunner(backend, staticManifest{m: testManifest()}, store, testConfig(t))

	runs, err := r.TrainHorizons(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "horizon 1w")
	assert.Contains(t, err.Error(), "out of quota")

	require.Len(t, runs, 2)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Equal(t, "succeeded", runs[1].Status, "a failed horizon does not stop the others")

	stored, err := store.ListTrainingRuns(10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestTrainHorizons_Only(t *testing.T) {
	cfg := testConfig(t)
	cfg.Only = []string{"1m"}
	backend := &fakeBackend{}
	r := NewRunner(backend, staticManifest{m: testManifest()}, nil, cfg)

	runs, err := r.TrainHorizons(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Len(t, backend.requests, 1)
	assert.Equal(t, "ml.zl_1m", backend.requests[0].Model)
	assert.Equal(t, []string{"target_1w", "date"}, backend.requests[0].Exclude)

	cfg.Only = []string{"6m"}
	_, err = NewRunner(backend, staticManifest{m: testManifest()}, nil, cfg).TrainHorizons(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
