package orchestrator

import (
	"context"
	"os"
	"time"

	v0 "renderflow/internal/contracts/render/v0"
	"renderflow/internal/models"
	"renderflow/internal/pkg/errors"
	"renderflow/internal/planner"
	"renderflow/internal/ports"
)

// wait between polls for a free stitch-capable instance
const stitchSelectWait = 500 * time.Millisecond

// stitchPhase concatenates chunk videos in order once the barrier opens.
// Returns the object key of the last stitched output.
func (o *Orchestrator) stitchPhase(ctx context.Context, rc *runContext) (string, error) {
	runID := rc.spec.RunID
	log := o.log.WithRunID(runID)

	if !o.queue.WaitStitchReady(runID, o.cfg.Execution.StitchBarrierWait.Std()) {
		return "", errors.Timeout("stitch barrier wait for run " + runID)
	}
	log.Info("stitch phase started")

	finalRef := ""
	rc.mu.Lock()
	for _, seq := range rc.state.StitchCompleted {
		finalRef = planner.StitchRef(runID, seq)
	}
	rc.mu.Unlock()

	brokenChain := false
	for {
		job := o.queue.NextStitchJob(runID)
		if job == nil {
			break
		}

		rc.mu.Lock()
		chunkOK := rc.state.Completed(job.SequenceNumber)
		rc.mu.Unlock()

		if brokenChain || !chunkOK {
			job.Status = models.StatusSkipped
			brokenChain = true
			log.Warn("stitch job skipped", "sequence", job.SequenceNumber)
			o.mirrorStitchJob(ctx, job, "", 0)
			continue
		}

		if err := o.executeStitch(ctx, rc, job); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			brokenChain = true
			log.Error("stitch job failed permanently",
				"sequence", job.SequenceNumber,
				"error", err,
			)
			continue
		}

		finalRef = job.OutputRef
		rc.mu.Lock()
		rc.state.StitchCompleted = appendUnique(rc.state.StitchCompleted, job.SequenceNumber)
		rc.mu.Unlock()
		o.checkpoint(ctx, rc)
	}

	if brokenChain {
		rc.mu.Lock()
		n := len(rc.state.FailedSequenceNumbers)
		rc.mu.Unlock()
		if n == 0 {
			n = 1
		}
		return "", runFailure(runID, n)
	}
	if rc.failed {
		rc.mu.Lock()
		n := len(rc.state.FailedSequenceNumbers)
		rc.mu.Unlock()
		return "", runFailure(runID, n)
	}
	return finalRef, nil
}

// executeStitch runs one stitch job, retrying up to the configured limit.
func (o *Orchestrator) executeStitch(ctx context.Context, rc *runContext, job *models.StitchJob) error {
	log := o.log.WithRunID(rc.spec.RunID).WithJobID(job.ID)

	var lastErr error
	for job.RetryCount <= o.cfg.Execution.MaxRetries {
		instanceID, err := o.waitForStitchInstance(ctx)
		if err != nil {
			return err
		}

		job.Status = models.StatusRunning
		jobCtx, cancel := jobDeadline(ctx, o.cfg.Execution.JobTimeout.Std())
		start := time.Now()
		lastErr = o.pool.Execute(jobCtx, instanceID, stitchSpec(job))
		cancel()
		duration := time.Since(start)

		if lastErr == nil {
			job.Status = models.StatusCompleted
			log.Info("stitch job completed",
				"sequence", job.SequenceNumber,
				"duration_ms", duration.Milliseconds(),
			)
			o.mirrorStitchJob(ctx, job, instanceID, duration)
			return nil
		}

		job.RetryCount++
		log.Warn("stitch job failed",
			"sequence", job.SequenceNumber,
			"retry_count", job.RetryCount,
			"error", lastErr,
		)
	}

	job.Status = models.StatusFailed
	o.mirrorStitchJob(ctx, job, "", 0)
	return lastErr
}

// waitForStitchInstance blocks until an idle stitch-capable instance
// exists. The stitch chain is sequential so one at a time is enough.
func (o *Orchestrator) waitForStitchInstance(ctx context.Context) (string, error) {
	for {
		if id := o.pool.SelectInstance(models.StageStitch); id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(stitchSelectWait):
		}
	}
}

// uploadFinal pushes the stitched result to the configured uploader under
// the run's final object key.
func (o *Orchestrator) uploadFinal(ctx context.Context, runID, finalRef string) error {
	src := o.localPath(finalRef)
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "orchestrator.uploadFinal", "opening final output")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "orchestrator.uploadFinal", "stat final output")
	}

	out, err := o.uploader.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   planner.FinalRef(runID),
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return errors.Wrap(err, "orchestrator.uploadFinal", "uploading final output")
	}
	o.log.WithRunID(runID).Info("final output uploaded",
		"provider", o.uploader.Provider(),
		"object_key", out.ObjectKey,
		"size", out.Size,
	)
	return nil
}

func (o *Orchestrator) mirrorStitchJob(ctx context.Context, job *models.StitchJob, instanceID string, duration time.Duration) {
	if o.runs == nil {
		return
	}
	if err := o.runs.RecordStitchJob(ctx, job, instanceID, duration.Milliseconds()); err != nil {
		o.log.Warn("job history update failed", "job_id", job.ID, "error", err)
	}
}

func stitchSpec(job *models.StitchJob) v0.RenderSpec {
	spec := v0.RenderSpec{
		JobID:          job.ID,
		RunID:          job.RunID,
		Stage:          string(models.StageStitch),
		SequenceNumber: job.SequenceNumber,
	}
	spec.Inputs.InputArtifact = job.InputArtifact
	spec.Inputs.PreviousStitchOutput = job.PreviousStitchOutput
	spec.Output.ObjectKey = job.OutputRef
	return spec
}
