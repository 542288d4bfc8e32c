package orchestrator

import (
	"context"
	"sync"
	"time"

	"renderflow/internal/config"
	v0 "renderflow/internal/contracts/render/v0"
	"renderflow/internal/models"
	"renderflow/internal/pkg/errors"
	"renderflow/internal/planner"
)

// idle backoff when an instance has nothing eligible to run
const dequeueIdleWait = 200 * time.Millisecond

// renderPhase runs workers until every render job is terminal. Parallel
// mode gives each instance its own worker; sequential mode drives the
// first instance only, which with the priority order means strict
// sequence-number order.
func (o *Orchestrator) renderPhase(ctx context.Context, rc *runContext) error {
	instances := o.pool.IDs()
	if len(instances) == 0 {
		return errors.New(errors.CodeConnection, "no instances configured")
	}
	if o.cfg.Execution.Mode == config.ModeSequential {
		instances = instances[:1]
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(len(instances))
	for _, id := range instances {
		go func(instanceID string) {
			defer wg.Done()
			o.workerLoop(ctx, rc, instanceID)
		}(id)
	}

	go o.healthLoop(ctx)

	// esperamos a que se drene la fase de render
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var phaseErr error
	ticks := 0
loop:
	for {
		select {
		case <-ctx.Done():
			o.log.WithRunID(rc.spec.RunID).Info("run interrupted, aborting in-flight jobs")
			o.pool.InterruptAll(context.Background())
			phaseErr = ctx.Err()
			break loop
		case <-ticker.C:
			if o.queue.PendingRender(rc.spec.RunID) == 0 {
				break loop
			}
			ticks++
			// cancelación cooperativa vía el registro del run
			if o.runs != nil && ticks%50 == 0 && o.runCancelled(ctx, rc.spec.RunID) {
				o.pool.InterruptAll(context.Background())
				phaseErr = errors.Newf(errors.CodeConflict, "run %s cancelled", rc.spec.RunID)
				break loop
			}
		}
	}

	cancel()
	wg.Wait()
	return phaseErr
}

func (o *Orchestrator) workerLoop(ctx context.Context, rc *runContext, instanceID string) {
	log := o.log.WithRunID(rc.spec.RunID).WithInstanceID(instanceID)
	caps := o.pool.Capabilities(instanceID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if o.queue.PendingRender(rc.spec.RunID) == 0 {
			return
		}

		// an instance parked in ERROR must not pull work; try to bring
		// it back before the next dequeue
		if o.pool.Status(instanceID) == models.InstanceError {
			if err := o.pool.Reconnect(ctx, instanceID); err != nil {
				log.Warn("instance unavailable, retrying", "error", err)
				time.Sleep(dequeueIdleWait)
				continue
			}
			log.Info("instance reconnected")
		}

		job := o.queue.Dequeue(instanceID, caps)
		if job == nil {
			time.Sleep(dequeueIdleWait)
			continue
		}

		log.Debug("executing job", "job_id", job.ID, "stage", string(job.Stage), "sequence", job.SequenceNumber)
		o.executeRender(ctx, rc, instanceID, job)
	}
}

func (o *Orchestrator) executeRender(ctx context.Context, rc *runContext, instanceID string, job *models.RenderJob) {
	job.Status = models.StatusRunning
	o.queue.MarkStarted(job.ID)

	jobCtx, cancel := jobDeadline(ctx, o.cfg.Execution.JobTimeout.Std())
	start := time.Now()
	err := o.pool.Execute(jobCtx, instanceID, renderSpec(job))
	cancel()
	duration := time.Since(start)

	o.recordResult(ctx, rc, job, instanceID, duration, err)
}

// recordResult is the single mutation point for render job state.
func (o *Orchestrator) recordResult(ctx context.Context, rc *runContext, job *models.RenderJob, instanceID string, duration time.Duration, execErr error) {
	log := o.log.WithRunID(rc.spec.RunID).WithJobID(job.ID)

	if execErr == nil {
		job.Status = models.StatusCompleted
		// extract the reference before the queue releases the dependent
		// chunk, otherwise it could dispatch against a missing frame
		if job.Stage == models.StageRefine {
			o.onChunkCompleted(ctx, rc, job)
		}
		o.queue.MarkCompleted(job.ID, true, duration)
		log.Info("job completed",
			"stage", string(job.Stage),
			"sequence", job.SequenceNumber,
			"duration_ms", duration.Milliseconds(),
		)
		o.mirrorRenderJob(ctx, job, instanceID, duration)
		return
	}

	o.queue.MarkCompleted(job.ID, false, duration)
	job.RetryCount++

	if job.RetryCount <= o.cfg.Execution.MaxRetries {
		job.Status = models.StatusPending
		log.Warn("job failed, retrying",
			"stage", string(job.Stage),
			"sequence", job.SequenceNumber,
			"retry_count", job.RetryCount,
			"error", execErr,
		)
		o.queue.Requeue(job)
		return
	}

	job.Status = models.StatusFailed
	o.queue.MarkTerminal(job)
	log.Error("job failed permanently",
		"stage", string(job.Stage),
		"sequence", job.SequenceNumber,
		"retry_count", job.RetryCount,
		"error", execErr,
	)
	o.mirrorRenderJob(ctx, job, instanceID, duration)

	rc.mu.Lock()
	rc.failed = true
	rc.state.FailedSequenceNumbers = appendUnique(rc.state.FailedSequenceNumbers, job.SequenceNumber)
	rc.mu.Unlock()

	o.skipDependents(ctx, rc, job)
	if o.cfg.Execution.HaltOnFailure {
		o.haltRun(ctx, rc)
	}
	o.checkpoint(ctx, rc)
}

// haltRun drops every still-queued render job for the run. Jobs already
// running on an instance finish on their own; nothing new is dispatched.
func (o *Orchestrator) haltRun(ctx context.Context, rc *runContext) {
	dropped := o.queue.DrainPending(rc.spec.RunID)
	if len(dropped) == 0 {
		return
	}
	log := o.log.WithRunID(rc.spec.RunID)
	for _, job := range dropped {
		job.Status = models.StatusSkipped
		log.Info("job skipped on halt",
			"stage", string(job.Stage),
			"sequence", job.SequenceNumber,
		)
		o.mirrorRenderJob(ctx, job, "", 0)
	}
}

// onChunkCompleted marks the chunk done, extracts the reference frame the
// feedback chain needs, and checkpoints.
func (o *Orchestrator) onChunkCompleted(ctx context.Context, rc *runContext, job *models.RenderJob) {
	rc.mu.Lock()
	rc.state.CompletedSequenceNumbers = appendUnique(rc.state.CompletedSequenceNumbers, job.SequenceNumber)
	rc.mu.Unlock()

	if dep := rc.job(rc.firstStage(), job.SequenceNumber+rc.feedbackOffset); dep != nil {
		o.extractReference(ctx, rc, job, dep)
	}
	o.checkpoint(ctx, rc)
}

// extractReference cuts the overlap-aligned frame out of the finished
// chunk video. On failure the dependent falls back to the static
// reference instead of stalling the run.
func (o *Orchestrator) extractReference(ctx context.Context, rc *runContext, done, dep *models.RenderJob) {
	log := o.log.WithRunID(rc.spec.RunID)

	video := o.localPath(done.OutputRef)
	out := o.localPath(planner.ReferenceRef(rc.spec.RunID, done.SequenceNumber))

	// Backends may trim or pad the chunk, so the rendered media decides
	// the frame index. The planned count is the fallback.
	frames := done.FrameCount
	if probed, err := o.extractor.FrameCount(ctx, video); err == nil && probed > 0 {
		frames = probed
	} else if err != nil {
		log.Debug("frame probe failed, using planned count",
			"chunk", done.SequenceNumber,
			"error", err,
		)
	}
	frame := planner.ReferenceFrame(frames, o.cfg.Planner.OverlapOffset)

	if err := o.extractor.ExtractFrame(ctx, video, frame, out); err != nil {
		log.Warn("reference extraction failed, falling back to static reference",
			"chunk", done.SequenceNumber,
			"dependent", dep.SequenceNumber,
			"error", err,
		)
		o.waiveReference(rc, dep)
		return
	}
	log.Debug("reference frame extracted",
		"chunk", done.SequenceNumber,
		"frame", frame,
		"dependent", dep.SequenceNumber,
	)
}

// waiveReference rewires a dependent job to the static reference and lets
// the queue dispatch it without the chain dependency.
func (o *Orchestrator) waiveReference(rc *runContext, dep *models.RenderJob) {
	rc.mu.Lock()
	dep.MissingReference = true
	dep.InputRefs.ReferenceImage = rc.spec.ReferenceImage
	rc.mu.Unlock()
	o.queue.WaiveReference(rc.spec.RunID, dep.SequenceNumber)
}

// skipDependents cascades a permanent failure: the chunk's other pass is
// pointless, but reference-chain dependents are waived instead, they can
// still render from the static reference.
func (o *Orchestrator) skipDependents(ctx context.Context, rc *runContext, failed *models.RenderJob) {
	if failed.Stage == models.StageCoarse {
		if refine := rc.job(models.StageRefine, failed.SequenceNumber); refine != nil && !refine.Status.Terminal() {
			refine.Status = models.StatusSkipped
			o.queue.MarkTerminal(refine)
			o.log.WithRunID(rc.spec.RunID).Info("dependent job skipped",
				"stage", string(refine.Stage),
				"sequence", refine.SequenceNumber,
			)
			o.mirrorRenderJob(ctx, refine, "", 0)
		}
	}

	if dep := rc.job(rc.firstStage(), failed.SequenceNumber+rc.feedbackOffset); dep != nil && !dep.Status.Terminal() {
		o.waiveReference(rc, dep)
	}
}

func (o *Orchestrator) runCancelled(ctx context.Context, runID string) bool {
	rec, err := o.runs.Get(ctx, runID)
	if err != nil {
		return false
	}
	return rec.Status == "CANCELLED"
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	interval := o.cfg.Execution.HealthCheckInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pool.HealthCheck(ctx)
		}
	}
}

func (o *Orchestrator) mirrorRenderJob(ctx context.Context, job *models.RenderJob, instanceID string, duration time.Duration) {
	if o.runs == nil {
		return
	}
	if err := o.runs.RecordRenderJob(ctx, job, instanceID, duration.Milliseconds()); err != nil {
		o.log.Warn("job history update failed", "job_id", job.ID, "error", err)
	}
}

func renderSpec(job *models.RenderJob) v0.RenderSpec {
	spec := v0.RenderSpec{
		JobID:          job.ID,
		RunID:          job.RunID,
		Stage:          string(job.Stage),
		SequenceNumber: job.SequenceNumber,
		StartFrame:     job.StartFrame,
		FrameCount:     job.FrameCount,
		Seed:           job.Seed,
		PositivePrompt: job.PositivePrompt,
		NegativePrompt: job.NegativePrompt,
	}
	spec.Inputs.SourceMedia = job.InputRefs.SourceMedia
	spec.Inputs.Intermediate = job.InputRefs.Intermediate
	spec.Inputs.ReferenceImage = job.InputRefs.ReferenceImage
	spec.Output.ObjectKey = job.OutputRef
	return spec
}

func appendUnique(s []int, n int) []int {
	for _, v := range s {
		if v == n {
			return s
		}
	}
	return append(s, n)
}
