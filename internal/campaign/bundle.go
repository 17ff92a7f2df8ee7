package campaign

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sort"
	"time"

	"boa/internal/errs"
	"boa/internal/store"
)

// BundleVersion is the bundle format this build reads and writes.
const BundleVersion = "1.0"

// Bundle is a campaign's portable state. Records are keyed by iteration
// index rather than row ids, and model binary state is never embedded;
// checkpoint entries carry their model type only.
type Bundle struct {
	Version      string              `json:"version"`
	ExportedAt   time.Time           `json:"exported_at"`
	Process      BundleProcess       `json:"process"`
	Campaign     BundleCampaign      `json:"campaign"`
	Observations []BundleObservation `json:"observations"`
	Iterations   []BundleIteration   `json:"iterations"`
	Proposals    []BundleProposal    `json:"proposals"`
	Decisions    []BundleDecision    `json:"decisions"`
	Checkpoints  []BundleCheckpoint  `json:"checkpoints"`
}

type BundleProcess struct {
	Name     string         `json:"name"`
	Version  int            `json:"version"`
	SpecYAML string         `json:"spec_yaml,omitempty"`
	SpecJSON string         `json:"spec_json"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type BundleCampaign struct {
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type BundleObservation struct {
	Inputs     map[string]any  `json:"inputs"`
	Outputs    objectiveValues `json:"outputs"`
	Source     string          `json:"source,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// objectiveValues renders an observation's outputs with non-finite cells
// as null, so failed measurements survive the JSON round trip.
type objectiveValues map[string]float64

func (o objectiveValues) MarshalJSON() ([]byte, error) {
	cells := make(map[string]any, len(o))
	for name, v := range o {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			cells[name] = nil
		} else {
			cells[name] = v
		}
	}
	return json.Marshal(cells)
}

func (o *objectiveValues) UnmarshalJSON(data []byte) error {
	var cells map[string]*float64
	if err := json.Unmarshal(data, &cells); err != nil {
		return err
	}
	out := make(map[string]float64, len(cells))
	for name, v := range cells {
		if v == nil {
			out[name] = math.NaN()
		} else {
			out[name] = *v
		}
	}
	*o = out
	return nil
}

type BundleIteration struct {
	Index             int            `json:"index"`
	DatasetHash       string         `json:"dataset_hash,omitempty"`
	AcquisitionConfig map[string]any `json:"acquisition_config,omitempty"`
}

// BundleProposal is one candidate. CandidateIndex numbers candidates
// within the iteration, cumulative across its proposals in record order.
type BundleProposal struct {
	IterationIndex   int            `json:"iteration_index"`
	Strategy         string         `json:"strategy"`
	CandidateIndex   int            `json:"candidate_index"`
	Inputs           map[string]any `json:"inputs"`
	AcquisitionValue *float64       `json:"acquisition_value,omitempty"`
}

type BundleDecision struct {
	IterationIndex  int    `json:"iteration_index"`
	SelectedIndices []int  `json:"selected_indices"`
	Reason          string `json:"reason,omitempty"`
}

type BundleCheckpoint struct {
	IterationIndex int    `json:"iteration_index"`
	ModelType      string `json:"model_type,omitempty"`
}

// ExportBundle collects a campaign's state into the portable form.
func ExportBundle(ctx context.Context, st *store.Store, campaignID string) (*Bundle, error) {
	c, err := st.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	p, err := st.GetProcess(ctx, c.ProcessID)
	if err != nil {
		return nil, err
	}
	b := &Bundle{
		Version:    BundleVersion,
		ExportedAt: time.Now().UTC(),
		Process: BundleProcess{
			Name:     p.Name,
			Version:  p.Version,
			SpecYAML: p.SpecText,
			SpecJSON: p.SpecJSON,
			Metadata: p.Meta,
		},
		Campaign: BundleCampaign{
			Name:     c.Name,
			Status:   string(c.Status),
			Metadata: c.Meta,
		},
	}

	obs, err := st.ListObservations(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, o := range obs {
		b.Observations = append(b.Observations, BundleObservation{
			Inputs:     o.X,
			Outputs:    o.Y,
			Source:     o.Source,
			ObservedAt: o.ObservedAt,
			Metadata:   o.Meta,
		})
	}

	iterations, err := st.ListIterations(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, it := range iterations {
		b.Iterations = append(b.Iterations, BundleIteration{
			Index:             it.Index,
			DatasetHash:       it.DatasetHash,
			AcquisitionConfig: it.Meta,
		})

		props, err := st.ListProposals(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		// Candidate numbering is per iteration; remember where each
		// proposal's block starts for decision flattening.
		offsets := map[string]int{}
		cum := 0
		for _, p := range props {
			offsets[p.ID] = cum
			for j, raw := range p.Raw {
				entry := BundleProposal{
					IterationIndex: it.Index,
					Strategy:       p.Strategy,
					CandidateIndex: cum,
					Inputs:         raw,
				}
				if j < len(p.AcqScores) {
					v := p.AcqScores[j]
					entry.AcquisitionValue = &v
				}
				b.Proposals = append(b.Proposals, entry)
				cum++
			}
		}

		d, err := st.GetDecisionByIteration(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		if d != nil {
			var selected []int
			for _, a := range d.Accepted {
				for _, idx := range a.Indices {
					selected = append(selected, offsets[a.ProposalID]+idx)
				}
			}
			sort.Ints(selected)
			b.Decisions = append(b.Decisions, BundleDecision{
				IterationIndex:  it.Index,
				SelectedIndices: selected,
				Reason:          d.Notes,
			})
		}
	}

	cps, err := st.ListCheckpoints(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	iterIndex := map[string]int{}
	for _, it := range iterations {
		iterIndex[it.ID] = it.Index
	}
	for _, cp := range cps {
		entry := BundleCheckpoint{}
		if cp.IterationID != nil {
			entry.IterationIndex = iterIndex[*cp.IterationID]
		}
		if model, ok := cp.Meta["model"].(string); ok {
			entry.ModelType = model
		}
		b.Checkpoints = append(b.Checkpoints, entry)
	}
	return b, nil
}

// importedProposal tracks one recreated proposal and its candidate-index
// block within the iteration, for decision remapping.
type importedProposal struct {
	id    string
	start int
	count int
}

// ImportBundle recreates a bundled campaign. An existing process with the
// same name is reused; otherwise one is created from the bundled spec.
// The campaign always gets a fresh identity and starts ACTIVE. Entirely
// atomic.
func ImportBundle(ctx context.Context, st *store.Store, b *Bundle) (*store.Campaign, error) {
	if b.Version != BundleVersion {
		return nil, errs.New(errs.Validation, "unsupported bundle version %q, want %q", b.Version, BundleVersion)
	}
	if b.Process.Name == "" || b.Campaign.Name == "" {
		return nil, errs.New(errs.Validation, "bundle is missing its process or campaign")
	}

	var imported *store.Campaign
	err := st.WithTx(ctx, func(tx *store.Store) error {
		process, err := tx.ActiveProcess(ctx, b.Process.Name)
		if errs.IsKind(err, errs.NotFound) {
			process, err = tx.CreateProcess(ctx, b.Process.Name, b.Process.SpecYAML, b.Process.SpecJSON, "", b.Process.Metadata)
		}
		if err != nil {
			return err
		}

		c, err := tx.CreateCampaign(ctx, process.ID, b.Campaign.Name, "", nil, b.Campaign.Metadata)
		if err != nil {
			return err
		}
		if err := tx.TransitionCampaign(ctx, c.ID, store.CampaignActive); err != nil {
			return err
		}

		iterationIDs := map[int]string{}
		for _, it := range b.Iterations {
			created, err := tx.CreateIteration(ctx, c.ID, it.Index, it.DatasetHash, it.AcquisitionConfig)
			if err != nil {
				return err
			}
			iterationIDs[it.Index] = created.ID
		}

		// Regroup flattened candidates into one proposal per strategy
		// run, in candidate order.
		proposals := map[int][]importedProposal{}
		for _, it := range b.Iterations {
			var entries []BundleProposal
			for _, p := range b.Proposals {
				if p.IterationIndex == it.Index {
					entries = append(entries, p)
				}
			}
			sort.SliceStable(entries, func(i, j int) bool {
				return entries[i].CandidateIndex < entries[j].CandidateIndex
			})
			start := 0
			for len(entries) > 0 {
				strategy := entries[0].Strategy
				var raw []map[string]any
				var scores []float64
				scored := true
				n := 0
				for n < len(entries) && entries[n].Strategy == strategy {
					raw = append(raw, entries[n].Inputs)
					if entries[n].AcquisitionValue != nil {
						scores = append(scores, *entries[n].AcquisitionValue)
					} else {
						scored = false
					}
					n++
				}
				if !scored {
					scores = nil
				}
				created := &store.Proposal{
					IterationID: iterationIDs[it.Index],
					Strategy:    strategy,
					Raw:         raw,
					AcqScores:   scores,
				}
				if err := tx.CreateProposal(ctx, created); err != nil {
					return err
				}
				proposals[it.Index] = append(proposals[it.Index], importedProposal{
					id:    created.ID,
					start: start,
					count: n,
				})
				start += n
				entries = entries[n:]
			}
		}

		for _, d := range b.Decisions {
			iterationID, ok := iterationIDs[d.IterationIndex]
			if !ok {
				return errs.New(errs.Validation, "bundle decision references unknown iteration %d", d.IterationIndex)
			}
			accepted, err := regroupSelection(d.SelectedIndices, proposals[d.IterationIndex])
			if err != nil {
				return err
			}
			if err := tx.CreateDecision(ctx, &store.Decision{
				IterationID: iterationID,
				Accepted:    accepted,
				Notes:       d.Reason,
			}); err != nil {
				return err
			}
		}

		for _, o := range b.Observations {
			if err := tx.CreateObservation(ctx, &store.Observation{
				CampaignID: c.ID,
				X:          o.Inputs,
				Y:          o.Outputs,
				Source:     o.Source,
				ObservedAt: o.ObservedAt,
				Meta:       o.Metadata,
			}); err != nil {
				return err
			}
		}

		for _, cp := range b.Checkpoints {
			var iterationID *string
			if id, ok := iterationIDs[cp.IterationIndex]; ok {
				iterationID = &id
			}
			if err := tx.CreateCheckpoint(ctx, &store.Checkpoint{
				CampaignID:  c.ID,
				IterationID: iterationID,
				Meta:        map[string]any{"model": cp.ModelType},
			}); err != nil {
				return err
			}
		}

		imported = c
		imported.Status = store.CampaignActive
		return nil
	})
	if err != nil {
		return nil, err
	}
	return imported, nil
}

// regroupSelection maps iteration-cumulative candidate indices back onto
// the recreated proposals.
func regroupSelection(selected []int, proposals []importedProposal) ([]store.AcceptedCandidates, error) {
	indices := map[string][]int{}
	for _, idx := range selected {
		found := false
		for _, p := range proposals {
			if idx >= p.start && idx < p.start+p.count {
				indices[p.id] = append(indices[p.id], idx-p.start)
				found = true
				break
			}
		}
		if !found {
			return nil, errs.New(errs.Validation, "bundle decision selects unknown candidate %d", idx)
		}
	}
	var out []store.AcceptedCandidates
	for _, p := range proposals {
		if idxs, ok := indices[p.id]; ok {
			out = append(out, store.AcceptedCandidates{ProposalID: p.id, Indices: idxs})
		}
	}
	return out, nil
}

// WriteBundleFile writes a bundle as indented JSON and returns its size.
func WriteBundleFile(path string, b *Bundle) (int64, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return 0, errs.Wrap(err, errs.Repository, "failed to encode bundle")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return 0, errs.Wrap(err, errs.Repository, "failed to write bundle %s", path)
	}
	return int64(len(data)), nil
}

// ReadBundleFile parses a bundle file.
func ReadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "bundle %s does not exist", path)
		}
		return nil, errs.Wrap(err, errs.Repository, "failed to read bundle %s", path)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errs.Wrap(err, errs.Repository, "failed to parse bundle %s", path)
	}
	return &b, nil
}
