package campaign

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"boa/internal/errs"
	"boa/internal/store"
)

func TestBundleRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	proposals, err := e.InitialDesign(ctx, c.ID, nil, 3)
	require.NoError(t, err)
	observe(t, e, c.ID, 1, 1)
	observe(t, e, c.ID, 5, 25)
	_, err = e.AcceptCandidates(ctx, c.ID, 0, []store.AcceptedCandidates{{ProposalID: proposals[0].ID, Indices: []int{1, 2}}}, "seed batch")
	require.NoError(t, err)

	b, err := ExportBundle(ctx, st, c.ID)
	require.NoError(t, err)
	require.Equal(t, BundleVersion, b.Version)
	require.Equal(t, "single", b.Process.Name)
	require.NotEmpty(t, b.Process.SpecJSON)
	require.Len(t, b.Iterations, 1)
	require.Len(t, b.Proposals, 3)
	require.Equal(t, []int{0, 1, 2}, []int{
		b.Proposals[0].CandidateIndex, b.Proposals[1].CandidateIndex, b.Proposals[2].CandidateIndex,
	})
	require.Len(t, b.Decisions, 1)
	require.Equal(t, []int{1, 2}, b.Decisions[0].SelectedIndices)
	require.Equal(t, "seed batch", b.Decisions[0].Reason)
	require.Len(t, b.Observations, 2)

	path := filepath.Join(t.TempDir(), "camp.bundle.json")
	size, err := WriteBundleFile(path, b)
	require.NoError(t, err)
	require.Greater(t, size, int64(0))

	read, err := ReadBundleFile(path)
	require.NoError(t, err)

	imported, err := ImportBundle(ctx, st, read)
	require.NoError(t, err)
	require.NotEqual(t, c.ID, imported.ID)
	require.Equal(t, store.CampaignActive, imported.Status)

	// The process was reused by name, not duplicated.
	require.Equal(t, c.ProcessID, imported.ProcessID)

	obs, err := st.ListObservations(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	require.Equal(t, 1.0, obs[0].Y["y"])

	its, err := st.ListIterations(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, its, 1)
	require.Equal(t, 0, its[0].Index)

	props, err := st.ListProposals(ctx, its[0].ID)
	require.NoError(t, err)
	require.Len(t, props, 1)
	require.Equal(t, proposals[0].Raw, props[0].Raw)
	require.Equal(t, "default", props[0].Strategy)

	d, err := st.GetDecisionByIteration(ctx, its[0].ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, props[0].ID, d.Accepted[0].ProposalID)
	require.Equal(t, []int{1, 2}, d.Accepted[0].Indices)
	require.Equal(t, "seed batch", d.Notes)
}

func TestImportBundleIntoEmptyStore(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	c := createTestCampaign(t, src, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, src)
	observe(t, e, c.ID, 1, 1)

	b, err := ExportBundle(ctx, src, c.ID)
	require.NoError(t, err)

	dst := newTestStore(t)
	imported, err := ImportBundle(ctx, dst, b)
	require.NoError(t, err)

	// The process was created fresh in the destination.
	p, err := dst.GetProcess(ctx, imported.ProcessID)
	require.NoError(t, err)
	require.Equal(t, b.Process.Name, p.Name)
	require.Equal(t, b.Process.SpecJSON, p.SpecJSON)

	n, err := dst.CountObservations(ctx, imported.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestExportBundleCheckpoints(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	observe(t, e, c.ID, 1, 1)
	observe(t, e, c.ID, 5, 25)
	observe(t, e, c.ID, 9, 81)
	_, err := e.OptimizationIteration(ctx, c.ID, nil, 1, nil)
	require.NoError(t, err)

	b, err := ExportBundle(ctx, st, c.ID)
	require.NoError(t, err)
	require.Len(t, b.Checkpoints, 1)
	require.Equal(t, 0, b.Checkpoints[0].IterationIndex)
	require.Equal(t, "gp_rbf", b.Checkpoints[0].ModelType)
}

func TestImportBundleRejectsUnknownVersion(t *testing.T) {
	st := newTestStore(t)
	_, err := ImportBundle(context.Background(), st, &Bundle{Version: "0.9"})
	require.Error(t, err)
	require.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestImportBundleAtomic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	_, err := e.InitialDesign(ctx, c.ID, nil, 2)
	require.NoError(t, err)

	b, err := ExportBundle(ctx, st, c.ID)
	require.NoError(t, err)

	// A decision selecting a candidate outside the bundle aborts the
	// whole import.
	b.Decisions = append(b.Decisions, BundleDecision{IterationIndex: 0, SelectedIndices: []int{9}})
	_, err = ImportBundle(ctx, st, b)
	require.Error(t, err)

	campaigns, err := st.ListCampaigns(ctx, "", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
}

func TestBundleCarriesFailedMeasurements(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	c := createTestCampaign(t, st, withStrategy(singleObjectiveSpec()))
	e := newTestEngine(t, st)

	observe(t, e, c.ID, 1, 4)
	err := e.AddObservation(ctx, c.ID, &store.Observation{
		X: map[string]any{"x": 2.0},
		Y: map[string]float64{"y": math.NaN()},
	})
	require.NoError(t, err)

	b, err := ExportBundle(ctx, st, c.ID)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nan.bundle.json")
	_, err = WriteBundleFile(path, b)
	require.NoError(t, err)
	read, err := ReadBundleFile(path)
	require.NoError(t, err)
	require.True(t, math.IsNaN(read.Observations[1].Outputs["y"]))

	dst := newTestStore(t)
	imported, err := ImportBundle(ctx, dst, read)
	require.NoError(t, err)
	obs, err := dst.ListObservations(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	require.True(t, math.IsNaN(obs[1].Y["y"]))
}
