// Package orchestrator drives a run end to end: plan, render, stitch,
// final output. The queue owns dispatch order, the pool owns instances,
// this package owns job state.
package orchestrator

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"renderflow/internal/config"
	"renderflow/internal/extract"
	"renderflow/internal/models"
	"renderflow/internal/pkg/errors"
	"renderflow/internal/pkg/logger"
	"renderflow/internal/planner"
	"renderflow/internal/pool"
	"renderflow/internal/queue"
	"renderflow/internal/repositories"
	"renderflow/internal/state"
	"renderflow/internal/storage"
)

type Deps struct {
	Cfg         *config.Config
	Queue       *queue.Manager
	Pool        *pool.Pool
	Extractor   extract.Extractor
	Checkpoints state.Store
	// Runs mirrors history into Postgres; nil disables mirroring.
	Runs *repositories.RunRepository
	// Uploader receives the final output when set (p. ej. gdrive).
	Uploader storage.Provider
	Log      *logger.Logger
}

type Orchestrator struct {
	cfg         *config.Config
	queue       *queue.Manager
	pool        *pool.Pool
	extractor   extract.Extractor
	checkpoints state.Store
	runs        *repositories.RunRepository
	uploader    storage.Provider
	localRoot   string
	log         *logger.Logger
}

func New(d Deps) *Orchestrator {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Orchestrator{
		cfg:         d.Cfg,
		queue:       d.Queue,
		pool:        d.Pool,
		extractor:   d.Extractor,
		checkpoints: d.Checkpoints,
		runs:        d.Runs,
		uploader:    d.Uploader,
		localRoot:   d.Cfg.Storage.LocalRoot,
		log:         log.WithComponent("orchestrator"),
	}
}

// runContext is the mutable state of one run in flight. recordResult is
// the only place job statuses change.
type runContext struct {
	mu sync.Mutex

	spec   *models.RunSpec
	chunks []planner.Chunk
	graph  *planner.JobGraph

	// chunk index -> job, per stage, for dependency lookups
	byStage map[models.Stage]map[int]*models.RenderJob

	feedbackOffset int
	state          *models.RunState

	failed bool
}

func (rc *runContext) job(stage models.Stage, seq int) *models.RenderJob {
	return rc.byStage[stage][seq]
}

func (rc *runContext) firstStage() models.Stage {
	if rc.spec.TwoStage {
		return models.StageCoarse
	}
	return models.StageRefine
}

// Run executes one run to completion. It blocks until the run finishes,
// fails, or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, spec *models.RunSpec) error {
	log := o.log.WithRunID(spec.RunID)
	ctx = logger.ContextWithRunID(ctx, spec.RunID)

	rc, err := o.prepare(ctx, spec)
	if err != nil {
		o.mirrorRunFailed(ctx, spec.RunID, err)
		return err
	}

	if o.cfg.Execution.DryRun {
		o.logPlan(rc, log)
		return nil
	}

	if o.runs != nil {
		if err := o.runs.MarkRunning(ctx, spec.RunID); err != nil {
			log.Warn("run history update failed", "error", err)
		}
	}

	o.enqueue(rc)

	if err := o.renderPhase(ctx, rc); err != nil {
		o.checkpoint(ctx, rc)
		o.mirrorRunFailed(ctx, spec.RunID, err)
		return err
	}

	if rc.failed && o.cfg.Execution.HaltOnFailure {
		err := errors.Newf(errors.CodeExecution, "run %s halted: render failures", spec.RunID)
		o.checkpoint(ctx, rc)
		o.mirrorRunFailed(ctx, spec.RunID, err)
		return err
	}

	finalRef, err := o.stitchPhase(ctx, rc)
	if err != nil {
		o.checkpoint(ctx, rc)
		o.mirrorRunFailed(ctx, spec.RunID, err)
		return err
	}

	if err := o.finish(ctx, rc, finalRef); err != nil {
		o.mirrorRunFailed(ctx, spec.RunID, err)
		return err
	}

	log.Info("run completed", "final_output", finalRef)
	return nil
}

// prepare plans the run and reconciles any existing checkpoint.
func (o *Orchestrator) prepare(ctx context.Context, spec *models.RunSpec) (*runContext, error) {
	chunks, err := planner.Plan(spec.TotalFrames, spec.ChunkSize, o.cfg.Planner.OverlapOffset)
	if err != nil {
		return nil, err
	}

	var saved *models.RunState
	if spec.Resume {
		saved, err = o.checkpoints.Load(ctx, spec.RunID)
		if err != nil {
			return nil, errors.Wrap(err, "orchestrator.prepare", "loading checkpoint")
		}
	}

	// The seed must survive a resume: chunks already rendered used it.
	seed := spec.Seed
	if saved != nil && saved.Seed != 0 {
		seed = saved.Seed
	}
	if seed == 0 {
		seed = rand.Int64()
	}

	offset := o.cfg.FeedbackOffsetFor(spec.TwoStage)
	graph, err := planner.BuildJobs(spec.RunID, chunks, planner.Options{
		TwoStage:       spec.TwoStage,
		FeedbackOffset: offset,
		Seed:           seed,
		SourceMedia:    spec.SourceMedia,
		ReferenceImage: spec.ReferenceImage,
		PositivePrompt: spec.PositivePrompt,
		NegativePrompt: spec.NegativePrompt,
	})
	if err != nil {
		return nil, err
	}
	if err := planner.Validate(graph, chunks); err != nil {
		return nil, err
	}

	rc := &runContext{
		spec:           spec,
		chunks:         chunks,
		graph:          graph,
		feedbackOffset: offset,
		byStage: map[models.Stage]map[int]*models.RenderJob{
			models.StageCoarse: {},
			models.StageRefine: {},
		},
		state: &models.RunState{RunID: spec.RunID, Seed: seed},
	}
	for _, j := range graph.RenderJobs {
		rc.byStage[j.Stage][j.SequenceNumber] = j
	}

	if spec.Resume {
		if err := o.restore(rc, saved); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

// enqueue registers the run's pending jobs, seeding completed chunks so
// dependency checks see them.
func (o *Orchestrator) enqueue(rc *runContext) {
	var pending []*models.RenderJob
	seeded := map[models.Stage][]int{}
	for _, j := range rc.graph.RenderJobs {
		if j.Status == models.StatusCompleted {
			seeded[j.Stage] = append(seeded[j.Stage], j.SequenceNumber)
			continue
		}
		pending = append(pending, j)
	}
	o.queue.Enqueue(rc.spec.RunID, pending, rc.graph.StitchJobs, queue.EnqueueOptions{
		TwoStage:       rc.spec.TwoStage,
		FeedbackOffset: rc.feedbackOffset,
		Completed:      seeded,
	})
}

// checkpoint persists the run state snapshot. Save failures are logged,
// never escalated.
func (o *Orchestrator) checkpoint(ctx context.Context, rc *runContext) {
	rc.mu.Lock()
	snap := *rc.state
	snap.CompletedSequenceNumbers = append([]int(nil), rc.state.CompletedSequenceNumbers...)
	snap.FailedSequenceNumbers = append([]int(nil), rc.state.FailedSequenceNumbers...)
	snap.StitchCompleted = append([]int(nil), rc.state.StitchCompleted...)
	rc.mu.Unlock()

	if err := o.checkpoints.Save(ctx, &snap); err != nil {
		o.log.WithRunID(rc.spec.RunID).Warn("checkpoint save failed", "error", err)
	}
}

func (o *Orchestrator) logPlan(rc *runContext, log *logger.Logger) {
	log.Info("dry run: plan only",
		"chunks", len(rc.chunks),
		"render_jobs", len(rc.graph.RenderJobs),
		"stitch_jobs", len(rc.graph.StitchJobs),
		"feedback_offset", rc.feedbackOffset,
	)
	for _, c := range rc.chunks {
		log.Info("planned chunk",
			"chunk", c.Index,
			"start_frame", c.StartFrame,
			"frame_count", c.FrameCount,
		)
	}
}

func (o *Orchestrator) mirrorRunFailed(ctx context.Context, runID string, cause error) {
	if o.runs == nil {
		return
	}
	msg := cause.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	if err := o.runs.MarkFailed(ctx, runID, msg); err != nil {
		o.log.WithRunID(runID).Warn("run history update failed", "error", err)
	}
}

// finish uploads the final output, mirrors history and clears the
// checkpoint.
func (o *Orchestrator) finish(ctx context.Context, rc *runContext, finalRef string) error {
	if o.uploader != nil && finalRef != "" {
		if err := o.uploadFinal(ctx, rc.spec.RunID, finalRef); err != nil {
			return err
		}
	}
	if o.runs != nil {
		if err := o.runs.MarkCompleted(ctx, rc.spec.RunID, finalRef); err != nil {
			o.log.WithRunID(rc.spec.RunID).Warn("run history update failed", "error", err)
		}
	}
	if err := o.checkpoints.Clear(ctx, rc.spec.RunID); err != nil {
		o.log.WithRunID(rc.spec.RunID).Warn("checkpoint clear failed", "error", err)
	}
	o.queue.Forget(rc.spec.RunID)
	return nil
}

func (o *Orchestrator) localPath(ref string) string {
	return filepath.Join(o.localRoot, filepath.FromSlash(ref))
}

func jobDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func runFailure(runID string, n int) error {
	return errors.Newf(errors.CodeExecution, "run %s: %d chunk(s) failed permanently", runID, n)
}
