package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boa/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "boa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestProcess(t *testing.T, s *Store) *Process {
	t.Helper()
	p, err := s.CreateProcess(context.Background(), "proc", "name: proc", `{"name":"proc"}`, "", nil)
	require.NoError(t, err)
	return p
}

func createTestCampaign(t *testing.T, s *Store) *Campaign {
	t.Helper()
	p := createTestProcess(t, s)
	c, err := s.CreateCampaign(context.Background(), p.ID, "run-1", "", nil, nil)
	require.NoError(t, err)
	return c
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "boa.db")

	s1, err := Open(path)
	require.NoError(t, err)
	createTestProcess(t, s1)
	require.NoError(t, s1.Close())

	// Re-opening applies schema and migrations over existing data.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	procs, err := s2.ListProcesses(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, procs, 1)
}

func TestProcessVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p1, err := s.CreateProcess(ctx, "proc", "v1", "{}", "first", nil)
	require.NoError(t, err)
	require.Equal(t, 1, p1.Version)
	require.True(t, p1.IsActive)

	p2, err := s.CreateProcess(ctx, "proc", "v2", "{}", "second", nil)
	require.NoError(t, err)
	require.Equal(t, 2, p2.Version)

	// The prior version is deactivated; exactly one version stays active.
	old, err := s.GetProcess(ctx, p1.ID)
	require.NoError(t, err)
	require.False(t, old.IsActive)

	active, err := s.ActiveProcess(ctx, "proc")
	require.NoError(t, err)
	require.Equal(t, p2.ID, active.ID)

	byVersion, err := s.GetProcessByNameVersion(ctx, "proc", 1)
	require.NoError(t, err)
	require.Equal(t, p1.ID, byVersion.ID)
}

func TestDeleteProcessGuardsReferences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := createTestProcess(t, s)
	_, err := s.CreateCampaign(ctx, p.ID, "run", "", nil, nil)
	require.NoError(t, err)

	err = s.DeleteProcess(ctx, p.ID)
	require.Error(t, err)
	require.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestGetMissingEntitiesReturnNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetProcess(ctx, "nope")
	require.Equal(t, errs.NotFound, errs.KindOf(err))
	_, err = s.GetCampaign(ctx, "nope")
	require.Equal(t, errs.NotFound, errs.KindOf(err))
	_, err = s.GetIteration(ctx, "nope")
	require.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestCampaignStatusGraph(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	// CREATED cannot complete directly.
	err := s.TransitionCampaign(ctx, c.ID, CampaignCompleted)
	require.Equal(t, errs.InvalidStateTransition, errs.KindOf(err))

	require.NoError(t, s.TransitionCampaign(ctx, c.ID, CampaignActive))
	require.NoError(t, s.TransitionCampaign(ctx, c.ID, CampaignPaused))
	require.NoError(t, s.TransitionCampaign(ctx, c.ID, CampaignActive))
	require.NoError(t, s.TransitionCampaign(ctx, c.ID, CampaignCompleted))
	require.NoError(t, s.TransitionCampaign(ctx, c.ID, CampaignArchived))

	// ARCHIVED is terminal.
	err = s.TransitionCampaign(ctx, c.ID, CampaignActive)
	require.Equal(t, errs.InvalidStateTransition, errs.KindOf(err))

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, CampaignArchived, got.Status)
	require.NotNil(t, got.UpdatedAt)
}

func TestEnsureWritableAutoPromotes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	require.NoError(t, s.EnsureWritable(ctx, c.ID))
	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, CampaignActive, got.Status)

	require.NoError(t, s.TransitionCampaign(ctx, c.ID, CampaignCompleted))
	err = s.EnsureWritable(ctx, c.ID)
	require.Equal(t, errs.InvalidStateTransition, errs.KindOf(err))
}

func TestWriteLockProtocol(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	require.NoError(t, s.AcquireLock(ctx, c.ID, "alice", time.Minute))

	// A second holder is refused with the current holder and expiry.
	err := s.AcquireLock(ctx, c.ID, "bob", time.Minute)
	require.Error(t, err)
	require.Equal(t, errs.CampaignLocked, errs.KindOf(err))
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, "alice", e.Holder)
	require.False(t, e.ExpiresAt.IsZero())

	// Re-entry by the same holder refreshes the expiry.
	before, err := s.GetLock(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, s.AcquireLock(ctx, c.ID, "alice", 2*time.Minute))
	after, err := s.GetLock(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, after.ExpiresAt.After(before.ExpiresAt))

	// Release with the wrong holder is a no-op.
	require.NoError(t, s.ReleaseLock(ctx, c.ID, "bob"))
	l, err := s.GetLock(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, l)

	require.NoError(t, s.ReleaseLock(ctx, c.ID, "alice"))
	l, err = s.GetLock(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, l)

	// Releasing an absent lock stays idempotent.
	require.NoError(t, s.ReleaseLock(ctx, c.ID, "alice"))
}

func TestExpiredLockIsAcquirable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	require.NoError(t, s.AcquireLock(ctx, c.ID, "alice", -time.Second))
	require.NoError(t, s.AcquireLock(ctx, c.ID, "bob", time.Minute))

	l, err := s.GetLock(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "bob", l.Holder)
}

func TestSweepExpiredLocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	require.NoError(t, s.AcquireLock(ctx, c.ID, "alice", -time.Second))
	n, err := s.SweepExpiredLocks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	l, err := s.GetLock(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, l)
}

func TestIterationIndexing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	latest, err := s.LatestIteration(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, latest)

	idx, err := s.NextIterationIndex(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	it0, err := s.CreateIteration(ctx, c.ID, 0, "hash0", nil)
	require.NoError(t, err)
	it1, err := s.CreateIteration(ctx, c.ID, 1, "hash1", nil)
	require.NoError(t, err)

	// Duplicate index violates the unique constraint.
	_, err = s.CreateIteration(ctx, c.ID, 1, "", nil)
	require.Error(t, err)
	require.Equal(t, errs.Repository, errs.KindOf(err))

	idx, err = s.NextIterationIndex(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, idx)

	latest, err = s.LatestIteration(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, it1.ID, latest.ID)

	list, err := s.ListIterations(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, it0.ID, list[0].ID)

	byIdx, err := s.GetIterationByIndex(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "hash0", byIdx.DatasetHash)
}

func TestProposalRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)
	it, err := s.CreateIteration(ctx, c.ID, 0, "", nil)
	require.NoError(t, err)

	p := &Proposal{
		IterationID: it.ID,
		Strategy:    "default",
		Raw:         []map[string]any{{"x": 0.5}, {"x": 0.9}},
		Encoded:     [][]float64{{0.5}, {0.9}},
		AcqScores:   []float64{1.2, 3.4},
		Predictions: []Prediction{{Mean: []float64{1}, Std: []float64{0.1}}, {Mean: []float64{2}, Std: []float64{0.2}}},
	}
	require.NoError(t, s.CreateProposal(ctx, p))
	require.NotEmpty(t, p.ID)

	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "default", got.Strategy)
	require.Len(t, got.Raw, 2)
	require.Equal(t, 0.5, got.Raw[0]["x"])
	require.Equal(t, [][]float64{{0.5}, {0.9}}, got.Encoded)
	require.Equal(t, []float64{1.2, 3.4}, got.AcqScores)
	require.Len(t, got.Predictions, 2)

	list, err := s.ListProposals(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDecisionUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)
	it, err := s.CreateIteration(ctx, c.ID, 0, "", nil)
	require.NoError(t, err)

	d1 := &Decision{
		IterationID: it.ID,
		Accepted:    []AcceptedCandidates{{ProposalID: "p1", Indices: []int{0, 1}}},
		Notes:       "first",
	}
	require.NoError(t, s.CreateDecision(ctx, d1))

	d2 := &Decision{IterationID: it.ID, Notes: "second"}
	err = s.CreateDecision(ctx, d2)
	require.Error(t, err)
	require.Equal(t, errs.DecisionAlreadyExists, errs.KindOf(err))

	// The first decision is intact.
	got, err := s.GetDecisionByIteration(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, d1.ID, got.ID)
	require.Equal(t, "first", got.Notes)
	require.Equal(t, []int{0, 1}, got.Accepted[0].Indices)
}

func TestObservationOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of observed order; two rows share a timestamp.
	for _, o := range []*Observation{
		{CampaignID: c.ID, X: map[string]any{"x": 3.0}, Y: map[string]float64{"y": 9}, ObservedAt: base.Add(2 * time.Hour)},
		{CampaignID: c.ID, X: map[string]any{"x": 1.0}, Y: map[string]float64{"y": 1}, ObservedAt: base},
		{CampaignID: c.ID, X: map[string]any{"x": 5.0}, Y: map[string]float64{"y": 25}, ObservedAt: base},
	} {
		require.NoError(t, s.CreateObservation(ctx, o))
	}

	list, err := s.ListObservations(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, 1.0, list[0].X["x"])
	require.Equal(t, 5.0, list[1].X["x"]) // same timestamp, insertion order
	require.Equal(t, 3.0, list[2].X["x"])

	n, err := s.CountObservations(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCheckpointAndArtifactRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)
	it, err := s.CreateIteration(ctx, c.ID, 0, "", nil)
	require.NoError(t, err)

	cp := &Checkpoint{CampaignID: c.ID, IterationID: &it.ID, Path: "/tmp/cp.bin", SizeBytes: 128}
	require.NoError(t, s.CreateCheckpoint(ctx, cp))

	cps, err := s.ListCheckpoints(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, it.ID, *cps[0].IterationID)

	a := &Artifact{CampaignID: c.ID, Name: "pareto.png", Type: "plot", MimeType: "image/png", Path: "/tmp/p.png"}
	require.NoError(t, s.CreateArtifact(ctx, a))

	arts, err := s.ListArtifacts(ctx, c.ID, "plot")
	require.NoError(t, err)
	require.Len(t, arts, 1)

	arts, err = s.ListArtifacts(ctx, c.ID, "report")
	require.NoError(t, err)
	require.Empty(t, arts)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	err := s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.CreateIteration(ctx, c.ID, 0, "", nil); err != nil {
			return err
		}
		return errs.New(errs.Execution, "boom")
	})
	require.Error(t, err)

	list, err := s.ListIterations(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, list)
}
