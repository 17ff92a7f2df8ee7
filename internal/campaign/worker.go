package campaign

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boa/internal/errs"
	"boa/internal/logging"
	"boa/internal/store"
)

// Handler processes one claimed job. report pushes fractional progress;
// the returned map becomes the job result.
type Handler func(ctx context.Context, job *store.Job, report func(float64)) (map[string]any, error)

// keepTerminalJobs is how many finished jobs survive the periodic prune.
const keepTerminalJobs = 500

// Worker polls the job queue and dispatches claimed jobs to handlers.
// Jobs fail cleanly when their handler errors; the worker itself keeps
// running until its context is cancelled.
type Worker struct {
	st          *store.Store
	engine      *Engine
	handlers    map[store.JobType]Handler
	poll        time.Duration
	staleAge    time.Duration
	concurrency int
	log         *zap.Logger
}

// WorkerOptions configures the poll loop.
type WorkerOptions struct {
	PollInterval time.Duration
	StaleJobAge  time.Duration
	Concurrency  int
}

// NewWorker builds a worker with the built-in PROPOSE, EXPORT and IMPORT
// handlers registered. BENCHMARK is registered by the caller that owns
// the benchmark functions.
func NewWorker(st *store.Store, engine *Engine, opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StaleJobAge <= 0 {
		opts.StaleJobAge = 24 * time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	w := &Worker{
		st:          st,
		engine:      engine,
		handlers:    map[store.JobType]Handler{},
		poll:        opts.PollInterval,
		staleAge:    opts.StaleJobAge,
		concurrency: opts.Concurrency,
		log:         logging.Get(logging.CategoryJobs),
	}
	w.Register(store.JobPropose, w.handlePropose)
	w.Register(store.JobExport, w.handleExport)
	w.Register(store.JobImport, w.handleImport)
	return w
}

// Register installs a handler for a job type, replacing any existing one.
func (w *Worker) Register(t store.JobType, h Handler) {
	w.handlers[t] = h
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	g := &errgroup.Group{}
	g.SetLimit(w.concurrency)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	lastSweep := time.Now()

	w.log.Info("worker started",
		zap.Duration("poll", w.poll), zap.Int("concurrency", w.concurrency))
	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			w.log.Info("worker stopped")
			return err
		case <-ticker.C:
			if time.Since(lastSweep) >= w.staleAge/2 {
				if n, err := w.st.CleanupStaleJobs(ctx, w.staleAge); err == nil && n > 0 {
					w.log.Warn("reclaimed stale jobs", zap.Int("count", n))
				}
				if n, err := w.st.CleanupCompletedJobs(ctx, keepTerminalJobs); err == nil && n > 0 {
					w.log.Info("pruned finished jobs", zap.Int("count", n))
				}
				lastSweep = time.Now()
			}
			if err := w.drain(ctx, g); err != nil {
				return err
			}
		}
	}
}

// RunOnce drains the queue synchronously and returns how many jobs ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ran := 0
	for {
		job, err := w.st.DequeueJob(ctx)
		if err != nil {
			return ran, err
		}
		if job == nil {
			return ran, nil
		}
		w.process(ctx, job)
		ran++
	}
}

func (w *Worker) drain(ctx context.Context, g *errgroup.Group) error {
	for {
		job, err := w.st.DequeueJob(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		g.Go(func() error {
			w.process(ctx, job)
			return nil
		})
	}
}

// process runs one job to a terminal status. Handler errors fail the job,
// never the worker.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	log := w.log.With(zap.String("job", job.ID), zap.String("type", string(job.Type)))
	handler, ok := w.handlers[job.Type]
	if !ok {
		_ = w.st.FailJob(ctx, job.ID, fmt.Sprintf("no handler registered for job type %s", job.Type))
		log.Error("unhandled job type")
		return
	}
	report := func(p float64) {
		_ = w.st.UpdateJobProgress(ctx, job.ID, p)
	}
	result, err := handler(ctx, job, report)
	if err != nil {
		if ferr := w.st.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			log.Error("failed to record job failure", zap.Error(ferr))
		}
		log.Warn("job failed", zap.Error(err))
		return
	}
	if err := w.st.CompleteJob(ctx, job.ID, result); err != nil {
		log.Error("failed to record job completion", zap.Error(err))
		return
	}
	log.Info("job completed")
}

// handlePropose runs an initial design or optimization iteration. Params:
// mode ("initial" or "optimize", default optimize), strategies, n or q,
// ref_point.
func (w *Worker) handlePropose(ctx context.Context, job *store.Job, report func(float64)) (map[string]any, error) {
	if job.CampaignID == nil {
		return nil, errs.New(errs.Validation, "propose job has no campaign")
	}
	strategies := paramStrings(job.Params, "strategies")
	report(0.1)

	var (
		proposals []*store.Proposal
		err       error
	)
	if paramStr(job.Params, "mode") == "initial" {
		n := paramCount(job.Params, "n", 5)
		proposals, err = w.engine.InitialDesign(ctx, *job.CampaignID, strategies, n)
	} else {
		q := paramCount(job.Params, "q", 1)
		proposals, err = w.engine.OptimizationIteration(ctx, *job.CampaignID, strategies, q, paramFloats(job.Params, "ref_point"))
	}
	if err != nil {
		return nil, err
	}
	report(0.9)

	ids := make([]string, len(proposals))
	for i, p := range proposals {
		ids[i] = p.ID
	}
	return map[string]any{"proposal_ids": ids}, nil
}

// handleExport writes a campaign bundle to the path in params.
func (w *Worker) handleExport(ctx context.Context, job *store.Job, report func(float64)) (map[string]any, error) {
	if job.CampaignID == nil {
		return nil, errs.New(errs.Validation, "export job has no campaign")
	}
	path := paramStr(job.Params, "path")
	if path == "" {
		return nil, errs.New(errs.Validation, "export job has no path")
	}
	report(0.2)
	bundle, err := ExportBundle(ctx, w.st, *job.CampaignID)
	if err != nil {
		return nil, err
	}
	report(0.7)
	size, err := WriteBundleFile(path, bundle)
	if err != nil {
		return nil, err
	}
	if err := w.st.CreateArtifact(ctx, &store.Artifact{
		CampaignID: *job.CampaignID,
		Name:       bundle.Campaign.Name + ".bundle.json",
		Type:       "bundle",
		MimeType:   "application/json",
		Path:       path,
		SizeBytes:  size,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "size_bytes": size}, nil
}

// handleImport loads a bundle file and recreates the campaign.
func (w *Worker) handleImport(ctx context.Context, job *store.Job, report func(float64)) (map[string]any, error) {
	path := paramStr(job.Params, "path")
	if path == "" {
		return nil, errs.New(errs.Validation, "import job has no path")
	}
	bundle, err := ReadBundleFile(path)
	if err != nil {
		return nil, err
	}
	report(0.5)
	c, err := ImportBundle(ctx, w.st, bundle)
	if err != nil {
		return nil, err
	}
	return map[string]any{"campaign_id": c.ID}, nil
}

// Param maps round-trip through JSON, so numbers arrive as float64 and
// lists as []any.
func paramStr(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramCount(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func paramFloats(params map[string]any, key string) []float64 {
	switch v := params[key].(type) {
	case []float64:
		return v
	case []any:
		var out []float64
		for _, item := range v {
			if f, ok := item.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}
