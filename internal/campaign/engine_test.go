package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boa/internal/errs"
	"boa/internal/plugin"
	"boa/internal/spec"
	"boa/internal/store"
)

func withStrategy(s *spec.ProcessSpec) *spec.ProcessSpec {
	s.Strategies = map[string]spec.Strategy{
		"default": testStrategy(),
	}
	return s
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "boa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestCampaign(t *testing.T, st *store.Store, s *spec.ProcessSpec) *store.Campaign {
	t.Helper()
	ctx := context.Background()
	specJSON, err := json.Marshal(s)
	require.NoError(t, err)
	p, err := st.CreateProcess(ctx, s.Name, "", string(specJSON), "", nil)
	require.NoError(t, err)
	c, err := st.CreateCampaign(ctx, p.ID, s.Name+"-run", "", nil, nil)
	require.NoError(t, err)
	return c
}

func newTestEngine(t *testing.T, st *store.Store) *Engine {
	t.Helper()
	return NewEngine(st, plugin.NewBuiltinRegistry(), EngineOptions{
		LockTTL:       10 * time.Second,
		CheckpointDir: t.TempDir(),
		KeepLatest:    2,
	})
}

func observe(t *testing.T, e *Engine, campaignID string, x, y float64) {
	t.Helper()
	err := e.AddObservation(context.Background(), campaignID, &store.Observation{
		X: map[string]any{"x": x},
		Y: map[string]float64{"y": y},
	})
	require.NoError(t, err)
}

func TestEngineProposeObserveDecide(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	proposals, err := e.InitialDesign(ctx, c.ID, nil, 4)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	require.Len(t, proposals[0].Raw, 4)
	require.Empty(t, proposals[0].Predictions)

	// Starting an iteration promoted the campaign.
	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, store.CampaignActive, got.Status)

	observe(t, e, c.ID, 1, 1)
	observe(t, e, c.ID, 5, 25)
	observe(t, e, c.ID, 9, 81)

	proposals, err = e.OptimizationIteration(ctx, c.ID, nil, 2, nil)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	p := proposals[0]
	require.Len(t, p.Raw, 2)
	require.Len(t, p.AcqScores, 2)
	require.Len(t, p.Predictions, 2)

	it, err := st.GetIterationByIndex(ctx, c.ID, 1)
	require.NoError(t, err)
	require.Equal(t, it.ID, p.IterationID)
	require.Len(t, it.DatasetHash, 16)

	// The fitted surrogate was checkpointed.
	cps, err := st.ListCheckpoints(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	payload, err := e.ckpt.Load(cps[0].Path)
	require.NoError(t, err)
	require.Equal(t, 1, payload.IterationIndex)
	require.Equal(t, "default", payload.Strategy)

	d, err := e.AcceptCandidates(ctx, c.ID, 1, []store.AcceptedCandidates{{ProposalID: p.ID, Indices: []int{0}}}, "run it")
	require.NoError(t, err)
	require.Equal(t, it.ID, d.IterationID)

	_, err = e.AcceptCandidates(ctx, c.ID, 1, nil, "again")
	require.Error(t, err)
	require.Equal(t, errs.DecisionAlreadyExists, errs.KindOf(err))

	pending, err := e.PendingCandidates(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].IterationIndex)
	require.Equal(t, "default", pending[0].Strategy)

	// Observing the accepted candidate clears it.
	err = e.AddObservation(ctx, c.ID, &store.Observation{
		X: pending[0].X,
		Y: map[string]float64{"y": 50},
	})
	require.NoError(t, err)
	pending, err = e.PendingCandidates(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestEngineRejectsUnknownStrategy(t *testing.T) {
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	_, err := e.InitialDesign(context.Background(), c.ID, []string{"explore"}, 3)
	require.Error(t, err)
	require.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestEngineRejectsIncompleteObservation(t *testing.T) {
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	err := e.AddObservation(context.Background(), c.ID, &store.Observation{
		X: map[string]any{"x": 1.0},
		Y: map[string]float64{},
	})
	require.Error(t, err)
	require.Equal(t, errs.Validation, errs.KindOf(err))

	var ee *errs.Error
	require.True(t, errors.As(err, &ee))
	require.Equal(t, "y", ee.Field)
}

func TestEngineBatchObservationsAtomic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	err := e.AddObservations(ctx, c.ID, []*store.Observation{
		{X: map[string]any{"x": 1.0}, Y: map[string]float64{"y": 1}},
		{X: map[string]any{"x": 2.0}, Y: map[string]float64{}},
	})
	require.Error(t, err)

	n, err := st.CountObservations(ctx, c.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngineMetrics(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	for _, v := range []float64{1, 25, 9, 81} {
		observe(t, e, c.ID, v/10, v)
	}

	m, err := e.Analyze(ctx, c.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 4, m.ObservationCount)
	require.Equal(t, 81.0, m.BestValues["y"])
	require.Equal(t, []float64{1, 25, 25, 81}, m.ImprovementHistory)
}

func TestEngineParetoFront(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(twoObjectiveSpec()))
	e := newTestEngine(t, st)

	points := [][2]float64{{1, 5}, {2, 3}, {3, 4}, {5, 1}}
	for i, p := range points {
		err := e.AddObservation(ctx, c.ID, &store.Observation{
			X: map[string]any{"x": float64(i)},
			Y: map[string]float64{"f1": p[0], "f2": p[1]},
		})
		require.NoError(t, err)
	}

	front, err := e.ParetoFront(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, front, 3)
	for _, o := range front {
		require.NotEqual(t, 2.0, o.Y["f1"])
	}

	m, err := e.Analyze(ctx, c.ID, []float64{0, 0})
	require.NoError(t, err)
	require.NotNil(t, m.Hypervolume)
	require.InDelta(t, 15.0, *m.Hypervolume, 1e-12)
}

func TestEngineLockContention(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	require.NoError(t, st.AcquireLock(ctx, c.ID, "rival", time.Minute))

	err := e.AddObservation(ctx, c.ID, &store.Observation{
		X: map[string]any{"x": 1.0},
		Y: map[string]float64{"y": 1},
	})
	require.Error(t, err)
	require.Equal(t, errs.CampaignLocked, errs.KindOf(err))

	var ee *errs.Error
	require.True(t, errors.As(err, &ee))
	require.Equal(t, "rival", ee.Holder)
	require.False(t, ee.ExpiresAt.IsZero())

	require.NoError(t, st.ReleaseLock(ctx, c.ID, "rival"))
	observe(t, e, c.ID, 1, 1)

	// The engine released its own lock after the mutation.
	l, err := st.GetLock(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, l)
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	observe(t, e, c.ID, 1, 1)
	require.NoError(t, e.Pause(ctx, c.ID))

	err := e.AddObservation(ctx, c.ID, &store.Observation{
		X: map[string]any{"x": 2.0},
		Y: map[string]float64{"y": 4},
	})
	require.Error(t, err)
	require.Equal(t, errs.InvalidStateTransition, errs.KindOf(err))

	require.NoError(t, e.Resume(ctx, c.ID))
	observe(t, e, c.ID, 2, 4)

	require.NoError(t, e.Complete(ctx, c.ID))
	require.NoError(t, e.Archive(ctx, c.ID))

	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, store.CampaignArchived, got.Status)
}

func TestDatasetHashStable(t *testing.T) {
	X := [][]float64{{0.1}, {0.2}}
	Y := [][]float64{{1}, {4}}
	h1 := datasetHash(X, Y)
	h2 := datasetHash(X, Y)
	require.Len(t, h1, 16)
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, datasetHash(X, [][]float64{{1}, {5}}))
}

func TestEngineFailedMeasurementRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	observe(t, e, c.ID, 1, 2)
	err := e.AddObservation(ctx, c.ID, &store.Observation{
		X: map[string]any{"x": 3.0},
		Y: map[string]float64{"y": math.NaN()},
	})
	require.NoError(t, err)

	obs, err := st.ListObservations(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	require.True(t, math.IsNaN(obs[1].Y["y"]))

	m, err := e.Analyze(ctx, c.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 2, m.ObservationCount)
	require.Equal(t, 2.0, m.BestValues["y"])
	require.Equal(t, 2.0, m.ImprovementHistory[0])
	require.True(t, math.IsNaN(m.ImprovementHistory[1]))
}

func TestOptimizationRollbackWritesNoCheckpoints(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	s := withStrategy(singleObjectiveSpec())
	s.Strategies["x_broken"] = spec.Strategy{
		Name:        "x_broken",
		Sampler:     "random",
		Model:       "gp_rbf",
		Acquisition: "nope",
	}
	c := createTestCampaign(t, st, s)
	e := newTestEngine(t, st)

	observe(t, e, c.ID, 1, 1)
	observe(t, e, c.ID, 5, 25)
	observe(t, e, c.ID, 9, 81)

	// "default" fits and stages a checkpoint before "x_broken" fails the
	// iteration.
	_, err := e.OptimizationIteration(ctx, c.ID, nil, 1, nil)
	require.Error(t, err)
	require.Equal(t, errs.PluginNotFound, errs.KindOf(err))

	files, err := e.ckpt.List(c.ID, "")
	require.NoError(t, err)
	require.Empty(t, files)

	rows, err := st.ListCheckpoints(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, rows)

	its, err := st.ListIterations(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, its)
}
