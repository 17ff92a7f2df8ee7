package campaign

import (
	"context"

	"go.uber.org/zap"

	"boa/internal/errs"
	"boa/internal/logging"
	"boa/internal/spec"
	"boa/internal/store"
)

// Ledger is the authoritative iteration/proposal/decision/observation
// sequence of one campaign. Methods run against whatever store view they
// are built over, so the engine can hand in a transactional one.
type Ledger struct {
	st         *store.Store
	campaignID string
	spec       *spec.ProcessSpec
	log        *zap.Logger
}

// NewLedger builds a ledger for one campaign.
func NewLedger(st *store.Store, campaignID string, s *spec.ProcessSpec) *Ledger {
	return &Ledger{st: st, campaignID: campaignID, spec: s, log: logging.Get(logging.CategoryLedger)}
}

// CurrentIteration returns the most recent iteration, or nil.
func (l *Ledger) CurrentIteration(ctx context.Context) (*store.Iteration, error) {
	return l.st.LatestIteration(ctx, l.campaignID)
}

// StartIteration opens the next iteration, promoting a CREATED campaign to
// ACTIVE. Indices are gapless: current+1, or 0 on an empty campaign.
func (l *Ledger) StartIteration(ctx context.Context, datasetHash string) (*store.Iteration, error) {
	if err := l.st.EnsureWritable(ctx, l.campaignID); err != nil {
		return nil, err
	}
	index, err := l.st.NextIterationIndex(ctx, l.campaignID)
	if err != nil {
		return nil, err
	}
	it, err := l.st.CreateIteration(ctx, l.campaignID, index, datasetHash, nil)
	if err != nil {
		return nil, err
	}
	l.log.Info("iteration started",
		zap.String("campaign", l.campaignID), zap.Int("index", index))
	return it, nil
}

// AddProposal appends one strategy's candidates to an iteration.
func (l *Ledger) AddProposal(ctx context.Context, iterationID, strategy string, res *Result) (*store.Proposal, error) {
	if err := l.st.EnsureWritable(ctx, l.campaignID); err != nil {
		return nil, err
	}
	p := &store.Proposal{
		IterationID: iterationID,
		Strategy:    strategy,
		Raw:         res.Raw,
		Encoded:     res.Encoded,
		AcqScores:   res.AcqScores,
		Predictions: predictions(res),
	}
	if err := l.st.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	l.log.Info("proposal recorded",
		zap.String("campaign", l.campaignID), zap.String("strategy", strategy), zap.Int("candidates", len(p.Raw)))
	return p, nil
}

// predictions pairs posterior mean and std per candidate, dropping any
// vector with non-finite cells so the JSON column stays finite.
func predictions(res *Result) []store.Prediction {
	if res.Means == nil {
		return nil
	}
	out := make([]store.Prediction, len(res.Means))
	for i := range res.Means {
		out[i] = store.Prediction{
			Mean: scrubNaN(res.Means[i]),
			Std:  scrubNaN(res.Stds[i]),
		}
	}
	return out
}

// RecordDecision creates the iteration's single decision after validating
// that every accepted index is in range of its proposal.
func (l *Ledger) RecordDecision(ctx context.Context, iterationID string, accepted []store.AcceptedCandidates, notes string) (*store.Decision, error) {
	it, err := l.st.GetIteration(ctx, iterationID)
	if err != nil {
		return nil, err
	}
	if it.CampaignID != l.campaignID {
		return nil, errs.New(errs.Validation, "iteration %s belongs to another campaign", iterationID)
	}
	for _, a := range accepted {
		p, err := l.st.GetProposal(ctx, a.ProposalID)
		if err != nil {
			return nil, err
		}
		if p.IterationID != iterationID {
			return nil, errs.New(errs.Validation, "proposal %s belongs to another iteration", a.ProposalID)
		}
		for _, idx := range a.Indices {
			if idx < 0 || idx >= len(p.Raw) {
				return nil, errs.New(errs.Validation, "candidate index %d out of range for proposal %s with %d candidates", idx, a.ProposalID, len(p.Raw))
			}
		}
	}
	d := &store.Decision{IterationID: iterationID, Accepted: accepted, Notes: notes}
	if err := l.st.CreateDecision(ctx, d); err != nil {
		return nil, err
	}
	l.log.Info("decision recorded",
		zap.String("campaign", l.campaignID), zap.Int("iteration", it.Index))
	return d, nil
}

// AddObservation validates coverage and persists one result. The input
// map must cover every input active under it, the output map every
// objective; activation is evaluated on the raw inputs directly.
func (l *Ledger) AddObservation(ctx context.Context, o *store.Observation) error {
	if err := l.validateObservation(o); err != nil {
		return err
	}
	if err := l.st.EnsureWritable(ctx, l.campaignID); err != nil {
		return err
	}
	return l.persistObservation(ctx, o)
}

// AddObservations persists a batch atomically: either every observation
// commits or none do.
func (l *Ledger) AddObservations(ctx context.Context, obs []*store.Observation) error {
	for _, o := range obs {
		if err := l.validateObservation(o); err != nil {
			return err
		}
	}
	return l.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.EnsureWritable(ctx, l.campaignID); err != nil {
			return err
		}
		txl := NewLedger(tx, l.campaignID, l.spec)
		for _, o := range obs {
			if err := txl.persistObservation(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) validateObservation(o *store.Observation) error {
	for _, name := range l.spec.ActiveInputs(o.X) {
		if _, ok := o.X[name]; !ok {
			return &errs.Error{Kind: errs.Validation, Msg: "observation is missing active input " + name, Field: name}
		}
	}
	for _, name := range l.spec.ObjectiveNames() {
		if _, ok := o.Y[name]; !ok {
			return &errs.Error{Kind: errs.Validation, Msg: "observation is missing objective " + name, Field: name}
		}
	}
	return nil
}

func (l *Ledger) persistObservation(ctx context.Context, o *store.Observation) error {
	o.CampaignID = l.campaignID
	if o.Encoded == nil {
		encoded, err := spec.NewEncoder(l.spec).Encode([]map[string]any{o.X})
		if err != nil {
			return err
		}
		o.Encoded = encoded[0]
	}
	if err := l.st.CreateObservation(ctx, o); err != nil {
		return err
	}
	l.log.Debug("observation recorded",
		zap.String("campaign", l.campaignID), zap.String("source", o.Source))
	return nil
}

// PendingCandidate is an accepted-but-unobserved candidate, tagged for
// display with where it came from.
type PendingCandidate struct {
	X              map[string]any
	IterationIndex int
	Strategy       string
}

// PendingCandidates walks every decision and returns the accepted
// candidates whose canonicalized inputs no observation matches. Matching
// is exact on the canonical key, so re-imported observations that were
// round-tripped through lossy formatting may miss.
func (l *Ledger) PendingCandidates(ctx context.Context) ([]PendingCandidate, error) {
	observed := map[string]bool{}
	obs, err := l.st.ListObservations(ctx, l.campaignID)
	if err != nil {
		return nil, err
	}
	for _, o := range obs {
		observed[spec.CanonicalKey(o.X)] = true
	}

	iterations, err := l.st.ListIterations(ctx, l.campaignID)
	if err != nil {
		return nil, err
	}
	var pending []PendingCandidate
	for _, it := range iterations {
		d, err := l.st.GetDecisionByIteration(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		if d == nil {
			continue
		}
		for _, a := range d.Accepted {
			p, err := l.st.GetProposal(ctx, a.ProposalID)
			if err != nil {
				return nil, err
			}
			for _, idx := range a.Indices {
				if idx < 0 || idx >= len(p.Raw) {
					continue
				}
				x := p.Raw[idx]
				if observed[spec.CanonicalKey(x)] {
					continue
				}
				pending = append(pending, PendingCandidate{
					X:              x,
					IterationIndex: it.Index,
					Strategy:       p.Strategy,
				})
			}
		}
	}
	return pending, nil
}
