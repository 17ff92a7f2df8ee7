package campaign

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boa/internal/errs"
	"boa/internal/logging"
	"boa/internal/plugin"
	"boa/internal/spec"
	"boa/internal/store"
)

// Engine exposes the public campaign operations. Every mutation acquires
// the campaign's write lock, runs inside one transaction, and releases the
// lock whether or not the work committed. Reads take no lock.
type Engine struct {
	st       *store.Store
	registry *plugin.Registry
	executor *Executor
	ckpt     *Checkpointer
	lockTTL  time.Duration
	keep     int
	holder   string
	log      *zap.Logger
}

// EngineOptions configures an engine.
type EngineOptions struct {
	LockTTL       time.Duration
	CheckpointDir string // empty disables checkpointing
	KeepLatest    int
	Holder        string // defaults to a fresh UUID per engine
}

// NewEngine wires an engine over a store and plugin registry.
func NewEngine(st *store.Store, registry *plugin.Registry, opts EngineOptions) *Engine {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.KeepLatest <= 0 {
		opts.KeepLatest = 3
	}
	e := &Engine{
		st:       st,
		registry: registry,
		executor: NewExecutor(registry),
		lockTTL:  opts.LockTTL,
		keep:     opts.KeepLatest,
		holder:   opts.Holder,
		log:      logging.Get(logging.CategoryEngine),
	}
	if opts.CheckpointDir != "" {
		e.ckpt = NewCheckpointer(opts.CheckpointDir)
	}
	return e
}

// Holder returns the engine's lock holder identity.
func (e *Engine) Holder() string { return e.holder }

// campaignSpec loads and parses the spec a campaign is bound to.
func (e *Engine) campaignSpec(ctx context.Context, st *store.Store, campaignID string) (*store.Campaign, *spec.ProcessSpec, error) {
	c, err := st.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}
	p, err := st.GetProcess(ctx, c.ProcessID)
	if err != nil {
		return nil, nil, err
	}
	var s spec.ProcessSpec
	if err := json.Unmarshal([]byte(p.SpecJSON), &s); err != nil {
		return nil, nil, errs.Wrap(err, errs.SpecLoad, "stored spec of process %s is unreadable", p.ID)
	}
	return c, &s, nil
}

// withCampaignLock acquires the write lock, opens a transaction, runs fn,
// commits, and releases. On failure the transaction rolls back and the
// lock is still released.
func (e *Engine) withCampaignLock(ctx context.Context, campaignID string, fn func(tx *store.Store, s *spec.ProcessSpec) error) error {
	if err := e.st.AcquireLock(ctx, campaignID, e.holder, e.lockTTL); err != nil {
		return err
	}
	defer e.st.ReleaseLock(ctx, campaignID, e.holder)

	return e.st.WithTx(ctx, func(tx *store.Store) error {
		_, s, err := e.campaignSpec(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		return fn(tx, s)
	})
}

// trainingData assembles the encoded inputs and raw-direction outputs of
// every observation, in analysis order. Missing objective cells are NaN.
func trainingData(ctx context.Context, st *store.Store, s *spec.ProcessSpec, campaignID string) (X, Y [][]float64, err error) {
	obs, err := st.ListObservations(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}
	names := s.ObjectiveNames()
	enc := spec.NewEncoder(s)
	for _, o := range obs {
		x := o.Encoded
		if x == nil {
			encoded, err := enc.Encode([]map[string]any{o.X})
			if err != nil {
				return nil, nil, err
			}
			x = encoded[0]
		}
		y := make([]float64, len(names))
		for j, name := range names {
			v, ok := o.Y[name]
			if !ok {
				v = math.NaN()
			}
			y[j] = v
		}
		X = append(X, x)
		Y = append(Y, y)
	}
	return X, Y, nil
}

// datasetHash fingerprints the training set: the first 16 hex characters
// of the SHA-256 of its canonical JSON, with NaN cells as null.
func datasetHash(X, Y [][]float64) string {
	doc := map[string]any{
		"X": scrubMatrix(X),
		"Y": scrubMatrix(Y),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func scrubMatrix(M [][]float64) [][]any {
	out := make([][]any, len(M))
	for i, row := range M {
		out[i] = make([]any, len(row))
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				out[i][j] = nil
			} else {
				out[i][j] = v
			}
		}
	}
	return out
}

// scrubNaN drops a prediction vector entirely when it carries non-finite
// cells, keeping the JSON columns finite.
func scrubNaN(v []float64) []float64 {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	}
	return v
}

// resolveStrategies picks the strategy set for a run: the named ones, or
// every declared strategy in name order.
func resolveStrategies(s *spec.ProcessSpec, names []string) ([]spec.Strategy, error) {
	if len(names) == 0 {
		names = s.StrategyNames()
	}
	sort.Strings(names)
	out := make([]spec.Strategy, 0, len(names))
	for _, name := range names {
		st, ok := s.StrategyByName(name)
		if !ok {
			return nil, errs.New(errs.NotFound, "campaign spec declares no strategy %q", name)
		}
		out = append(out, st)
	}
	return out, nil
}

// InitialDesign opens a new iteration and records one proposal per
// requested strategy, drawn by each strategy's sampler.
func (e *Engine) InitialDesign(ctx context.Context, campaignID string, strategyNames []string, n int) ([]*store.Proposal, error) {
	var proposals []*store.Proposal
	err := e.withCampaignLock(ctx, campaignID, func(tx *store.Store, s *spec.ProcessSpec) error {
		strategies, err := resolveStrategies(s, strategyNames)
		if err != nil {
			return err
		}
		ledger := NewLedger(tx, campaignID, s)
		it, err := ledger.StartIteration(ctx, "")
		if err != nil {
			return err
		}
		for _, strategy := range strategies {
			res, err := e.executor.InitialDesign(s, strategy, n)
			if err != nil {
				return err
			}
			p, err := ledger.AddProposal(ctx, it.ID, strategy.Name, res)
			if err != nil {
				return err
			}
			proposals = append(proposals, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proposals, nil
}

// stagedCheckpoint is a serialized surrogate held until the iteration's
// transaction commits.
type stagedCheckpoint struct {
	iteration *store.Iteration
	strategy  spec.Strategy
	state     []byte
}

// OptimizationIteration fits each strategy on all observations and opens
// a new iteration carrying their proposals. The iteration records the
// dataset fingerprint; fitted surrogates are checkpointed when a
// checkpoint directory is configured. Checkpoint files are written only
// after the iteration commits, so a rollback leaves no orphans on disk.
func (e *Engine) OptimizationIteration(ctx context.Context, campaignID string, strategyNames []string, q int, refPoint []float64) ([]*store.Proposal, error) {
	var (
		proposals []*store.Proposal
		staged    []stagedCheckpoint
	)
	err := e.withCampaignLock(ctx, campaignID, func(tx *store.Store, s *spec.ProcessSpec) error {
		strategies, err := resolveStrategies(s, strategyNames)
		if err != nil {
			return err
		}
		X, Y, err := trainingData(ctx, tx, s, campaignID)
		if err != nil {
			return err
		}
		ledger := NewLedger(tx, campaignID, s)
		it, err := ledger.StartIteration(ctx, datasetHash(X, Y))
		if err != nil {
			return err
		}
		for _, strategy := range strategies {
			res, err := e.executor.OptimizationStep(s, strategy, X, Y, q, refPoint)
			if err != nil {
				return err
			}
			p, err := ledger.AddProposal(ctx, it.ID, strategy.Name, res)
			if err != nil {
				return err
			}
			proposals = append(proposals, p)
			if e.ckpt != nil && res.Model != nil {
				state, err := res.Model.Save()
				if err != nil {
					return execErr(err, strategy.Model, "model %s failed to serialize", strategy.Model)
				}
				staged = append(staged, stagedCheckpoint{iteration: it, strategy: strategy, state: state})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, sc := range staged {
		if err := e.saveCheckpoint(ctx, campaignID, sc); err != nil {
			return proposals, err
		}
	}
	return proposals, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, campaignID string, sc stagedCheckpoint) error {
	path, err := e.ckpt.Save(campaignID, &CheckpointPayload{
		State:          sc.state,
		IterationIndex: sc.iteration.Index,
		Strategy:       sc.strategy.Name,
		Meta:           map[string]string{"model": sc.strategy.Model},
	})
	if err != nil {
		return err
	}
	size, _ := e.ckpt.FileSize(path)
	if err := e.st.CreateCheckpoint(ctx, &store.Checkpoint{
		CampaignID:  campaignID,
		IterationID: &sc.iteration.ID,
		Path:        path,
		SizeBytes:   size,
		Meta:        map[string]any{"strategy": sc.strategy.Name, "model": sc.strategy.Model},
	}); err != nil {
		os.Remove(path)
		return err
	}
	_, err = e.ckpt.Cleanup(campaignID, e.keep, sc.strategy.Name)
	return err
}

// AddObservation records one result under the campaign lock.
func (e *Engine) AddObservation(ctx context.Context, campaignID string, o *store.Observation) error {
	return e.withCampaignLock(ctx, campaignID, func(tx *store.Store, s *spec.ProcessSpec) error {
		return NewLedger(tx, campaignID, s).AddObservation(ctx, o)
	})
}

// AddObservations records a batch atomically under the campaign lock.
func (e *Engine) AddObservations(ctx context.Context, campaignID string, obs []*store.Observation) error {
	return e.withCampaignLock(ctx, campaignID, func(tx *store.Store, s *spec.ProcessSpec) error {
		return NewLedger(tx, campaignID, s).AddObservations(ctx, obs)
	})
}

// AcceptCandidates records the decision of the iteration at the given
// index.
func (e *Engine) AcceptCandidates(ctx context.Context, campaignID string, iterationIndex int, accepted []store.AcceptedCandidates, notes string) (*store.Decision, error) {
	var d *store.Decision
	err := e.withCampaignLock(ctx, campaignID, func(tx *store.Store, s *spec.ProcessSpec) error {
		it, err := tx.GetIterationByIndex(ctx, campaignID, iterationIndex)
		if err != nil {
			return err
		}
		d, err = NewLedger(tx, campaignID, s).RecordDecision(ctx, it.ID, accepted, notes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Analyze computes the campaign metrics. Read-only, no lock.
func (e *Engine) Analyze(ctx context.Context, campaignID string, refPoint []float64) (*Metrics, error) {
	_, s, err := e.campaignSpec(ctx, e.st, campaignID)
	if err != nil {
		return nil, err
	}
	obs, err := e.st.ListObservations(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return NewAnalyzer(s).Analyze(obs, refPoint), nil
}

// ParetoFront returns the non-dominated observations. Read-only.
func (e *Engine) ParetoFront(ctx context.Context, campaignID string) ([]*store.Observation, error) {
	_, s, err := e.campaignSpec(ctx, e.st, campaignID)
	if err != nil {
		return nil, err
	}
	obs, err := e.st.ListObservations(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	var front []*store.Observation
	for _, i := range NewAnalyzer(s).ParetoSet(obs) {
		front = append(front, obs[i])
	}
	return front, nil
}

// PendingCandidates returns accepted-but-unobserved candidates. Read-only.
func (e *Engine) PendingCandidates(ctx context.Context, campaignID string) ([]PendingCandidate, error) {
	_, s, err := e.campaignSpec(ctx, e.st, campaignID)
	if err != nil {
		return nil, err
	}
	return NewLedger(e.st, campaignID, s).PendingCandidates(ctx)
}

// Pause suspends an active campaign.
func (e *Engine) Pause(ctx context.Context, campaignID string) error {
	return e.transition(ctx, campaignID, store.CampaignPaused)
}

// Resume reactivates a paused campaign.
func (e *Engine) Resume(ctx context.Context, campaignID string) error {
	return e.transition(ctx, campaignID, store.CampaignActive)
}

// Complete marks a campaign finished.
func (e *Engine) Complete(ctx context.Context, campaignID string) error {
	return e.transition(ctx, campaignID, store.CampaignCompleted)
}

// Archive retires a campaign terminally.
func (e *Engine) Archive(ctx context.Context, campaignID string) error {
	return e.transition(ctx, campaignID, store.CampaignArchived)
}

func (e *Engine) transition(ctx context.Context, campaignID string, to store.CampaignStatus) error {
	if err := e.st.AcquireLock(ctx, campaignID, e.holder, e.lockTTL); err != nil {
		return err
	}
	defer e.st.ReleaseLock(ctx, campaignID, e.holder)
	if err := e.st.TransitionCampaign(ctx, campaignID, to); err != nil {
		return err
	}
	e.log.Info("campaign transitioned", zap.String("campaign", campaignID), zap.String("to", string(to)))
	return nil
}
