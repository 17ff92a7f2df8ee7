package store

import "time"

// Process is a versioned problem definition. Versions are never mutated;
// a new version supersedes and deactivates the prior one.
type Process struct {
	ID          string
	Name        string
	Version     int
	SpecText    string // original YAML
	SpecJSON    string // canonicalized parsed form
	IsActive    bool
	Description string
	Meta        map[string]any
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// CampaignStatus is the campaign lifecycle state.
type CampaignStatus string

const (
	CampaignCreated   CampaignStatus = "CREATED"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignArchived  CampaignStatus = "ARCHIVED"
)

// validTransitions is the campaign status graph. CREATED additionally
// auto-promotes to ACTIVE on the first proposal or observation write.
var validTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignCreated:   {CampaignActive},
	CampaignActive:    {CampaignPaused, CampaignCompleted},
	CampaignPaused:    {CampaignActive, CampaignArchived},
	CampaignCompleted: {CampaignArchived},
	CampaignArchived:  {},
}

// CanTransition reports whether from -> to is on the status graph.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Campaign is one optimization run against a process version.
type Campaign struct {
	ID                string
	ProcessID         string
	Name              string
	Description       string
	Status            CampaignStatus
	StrategyOverrides map[string]any
	Meta              map[string]any
	CreatedAt         time.Time
	UpdatedAt         *time.Time
}

// Iteration is one candidate-generation cycle. Immutable once created.
type Iteration struct {
	ID          string
	CampaignID  string
	Index       int
	DatasetHash string
	Meta        map[string]any
	CreatedAt   time.Time
}

// Prediction carries the surrogate's per-objective posterior at one
// candidate, for display. NaN cells are omitted on persistence.
type Prediction struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Proposal is one strategy's candidate list within an iteration.
type Proposal struct {
	ID          string
	IterationID string
	Strategy    string
	Raw         []map[string]any
	Encoded     [][]float64
	AcqScores   []float64
	Predictions []Prediction
	Meta        map[string]any
	CreatedAt   time.Time
}

// AcceptedCandidates names the accepted indices of one proposal.
type AcceptedCandidates struct {
	ProposalID string `json:"proposal_id"`
	Indices    []int  `json:"indices"`
}

// Decision closes an iteration to acceptance. At most one per iteration.
type Decision struct {
	ID          string
	IterationID string
	Accepted    []AcceptedCandidates
	Notes       string
	Meta        map[string]any
	CreatedAt   time.Time
}

// Observation is one experiment result fed back into a campaign.
type Observation struct {
	ID         string
	CampaignID string
	X          map[string]any
	Encoded    []float64
	Y          map[string]float64
	Source     string
	ObservedAt time.Time
	Meta       map[string]any
	CreatedAt  time.Time
}

// Checkpoint records a persisted surrogate snapshot.
type Checkpoint struct {
	ID          string
	CampaignID  string
	IterationID *string
	Path        string
	SizeBytes   int64
	Meta        map[string]any
	CreatedAt   time.Time
}

// Artifact is a generic named file tied to a campaign.
type Artifact struct {
	ID         string
	CampaignID string
	Name       string
	Type       string
	MimeType   string
	Path       string
	SizeBytes  int64
	Meta       map[string]any
	CreatedAt  time.Time
}

// JobType classifies background work.
type JobType string

const (
	JobPropose   JobType = "PROPOSE"
	JobBenchmark JobType = "BENCHMARK"
	JobExport    JobType = "EXPORT"
	JobImport    JobType = "IMPORT"
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one durable unit of background work.
type Job struct {
	ID          string
	CampaignID  *string
	Type        JobType
	Status      JobStatus
	Params      map[string]any
	Result      map[string]any
	Error       string
	Progress    *float64
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CampaignLock is the mutual-exclusion record serializing campaign writes.
type CampaignLock struct {
	CampaignID string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}
