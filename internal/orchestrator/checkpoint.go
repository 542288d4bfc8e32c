package orchestrator

import (
	"fmt"

	"renderflow/internal/models"
	"renderflow/internal/pkg/errors"
)

// restore reconciles a saved checkpoint against the freshly built plan.
// Completed chunks keep their status; failed chunks get a fresh chance.
// A checkpoint that does not fit the plan is fatal: silently rendering a
// different run under the same ID would corrupt the output.
func (o *Orchestrator) restore(rc *runContext, saved *models.RunState) error {
	runID := rc.spec.RunID
	log := o.log.WithRunID(runID)

	if saved == nil {
		log.Info("no checkpoint found, starting fresh")
		return nil
	}

	total := len(rc.chunks)
	for _, seq := range saved.CompletedSequenceNumbers {
		if seq < 1 || seq > total {
			return errors.ResumeMismatch(runID,
				fmt.Sprintf("checkpoint chunk %d outside plan of %d chunks", seq, total))
		}
	}
	for i, seq := range saved.StitchCompleted {
		if seq != i+1 {
			return errors.ResumeMismatch(runID,
				fmt.Sprintf("checkpoint stitch sequence has a gap at %d", seq))
		}
		if seq > total {
			return errors.ResumeMismatch(runID,
				fmt.Sprintf("checkpoint stitch %d outside plan of %d chunks", seq, total))
		}
	}

	for _, seq := range saved.CompletedSequenceNumbers {
		for stage := range rc.byStage {
			if j := rc.job(stage, seq); j != nil {
				j.Status = models.StatusCompleted
			}
		}
	}
	for _, stitch := range rc.graph.StitchJobs {
		if saved.StitchDone(stitch.SequenceNumber) {
			stitch.Status = models.StatusCompleted
		}
	}

	rc.mu.Lock()
	rc.state.CompletedSequenceNumbers = append([]int(nil), saved.CompletedSequenceNumbers...)
	rc.state.StitchCompleted = append([]int(nil), saved.StitchCompleted...)
	rc.mu.Unlock()

	log.Info("run restored from checkpoint",
		"completed_chunks", len(saved.CompletedSequenceNumbers),
		"completed_stitches", len(saved.StitchCompleted),
		"checkpoint_time", saved.Timestamp,
	)
	return nil
}
