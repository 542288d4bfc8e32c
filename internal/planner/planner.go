// Package planner computes the chunk sequence and job graph for a run.
// Everything here is pure: no I/O, no clocks, no randomness.
package planner

import (
	"fmt"

	"renderflow/internal/models"
	"renderflow/internal/pkg/errors"
)

// Chunk is one bounded segment of the total output.
type Chunk struct {
	Index      int // 1-based
	StartFrame int
	FrameCount int
}

// Plan computes the ordered chunk sequence. Each chunk starts where the
// previous one ended minus overlapOffset, so the reference frame extracted
// near a chunk's tail is recoverable in the next chunk's head. Chunks are
// emitted until the rendered frame total reaches totalFrames.
func Plan(totalFrames, chunkSize, overlapOffset int) ([]Chunk, error) {
	if totalFrames <= 0 {
		return nil, errors.Planningf("total frames must be positive, got %d", totalFrames)
	}
	if chunkSize <= 0 {
		return nil, errors.Planningf("chunk size must be positive, got %d", chunkSize)
	}
	if overlapOffset < 0 || overlapOffset >= chunkSize {
		return nil, errors.Planningf("overlap offset %d out of range [0,%d)", overlapOffset, chunkSize)
	}

	var chunks []Chunk
	start := 0
	rendered := 0
	for rendered < totalFrames {
		frames := chunkSize
		if remaining := totalFrames - rendered; remaining < frames {
			frames = remaining
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks) + 1,
			StartFrame: start,
			FrameCount: frames,
		})
		rendered += frames
		start += frames - overlapOffset
	}
	return chunks, nil
}

// Options control how the chunk sequence is expanded into jobs.
type Options struct {
	// TwoStage plans a COARSE and a REFINE pass per chunk. When false,
	// only REFINE jobs are planned (single-pass mode).
	TwoStage bool
	// FeedbackOffset is the distance, in chunks, between a refine output
	// and the chunk whose first pass consumes its extracted reference.
	// Zero disables reference chaining.
	FeedbackOffset int
	Seed           int64
	SourceMedia    string
	ReferenceImage string
	PositivePrompt string
	NegativePrompt string
}

// JobGraph is the planned job set for one run.
type JobGraph struct {
	RenderJobs []*models.RenderJob
	StitchJobs []*models.StitchJob
}

// BuildJobs expands chunks into render and stitch jobs with dependency
// metadata wired in. Sequence numbers are 1..N per stage with no gaps.
func BuildJobs(runID string, chunks []Chunk, opts Options) (*JobGraph, error) {
	if len(chunks) == 0 {
		return nil, errors.Planning("no chunks to build jobs from")
	}

	g := &JobGraph{}
	for _, c := range chunks {
		refine := &models.RenderJob{
			ID:             models.NewJobID(),
			RunID:          runID,
			SequenceNumber: c.Index,
			Stage:          models.StageRefine,
			StartFrame:     c.StartFrame,
			FrameCount:     c.FrameCount,
			Seed:           opts.Seed,
			OutputRef:      VideoRef(runID, c.Index),
			PositivePrompt: opts.PositivePrompt,
			NegativePrompt: opts.NegativePrompt,
			Status:         models.StatusPending,
			InputRefs: models.InputRefs{
				SourceMedia: opts.SourceMedia,
			},
		}

		if opts.TwoStage {
			coarse := &models.RenderJob{
				ID:             models.NewJobID(),
				RunID:          runID,
				SequenceNumber: c.Index,
				Stage:          models.StageCoarse,
				StartFrame:     c.StartFrame,
				FrameCount:     c.FrameCount,
				Seed:           opts.Seed,
				OutputRef:      IntermediateRef(runID, c.Index),
				PositivePrompt: opts.PositivePrompt,
				NegativePrompt: opts.NegativePrompt,
				Status:         models.StatusPending,
				InputRefs: models.InputRefs{
					SourceMedia: opts.SourceMedia,
				},
			}
			// The chunk's refine pass consumes the coarse intermediate.
			refine.InputRefs.Intermediate = coarse.OutputRef
			applyReference(coarse, c.Index, opts, runID)
			g.RenderJobs = append(g.RenderJobs, coarse)
		} else {
			applyReference(refine, c.Index, opts, runID)
		}

		g.RenderJobs = append(g.RenderJobs, refine)
	}

	prev := ""
	for _, c := range chunks {
		stitch := &models.StitchJob{
			ID:                   models.NewJobID(),
			RunID:                runID,
			SequenceNumber:       c.Index,
			InputArtifact:        VideoRef(runID, c.Index),
			PreviousStitchOutput: prev,
			OutputRef:            StitchRef(runID, c.Index),
			Status:               models.StatusPending,
		}
		prev = stitch.OutputRef
		g.StitchJobs = append(g.StitchJobs, stitch)
	}

	return g, nil
}

// Validate checks the structural invariants of a job graph against the
// plan it was built from.
func Validate(g *JobGraph, chunks []Chunk) error {
	perStage := map[models.Stage]int{}
	for _, j := range g.RenderJobs {
		perStage[j.Stage]++
		if j.SequenceNumber != perStage[j.Stage] {
			return errors.Planningf("%s sequence numbers not contiguous at %d", j.Stage, j.SequenceNumber)
		}
	}
	if perStage[models.StageRefine] != len(chunks) {
		return errors.Planningf("expected %d refine jobs, planned %d", len(chunks), perStage[models.StageRefine])
	}
	for i, s := range g.StitchJobs {
		if s.SequenceNumber != i+1 {
			return errors.Planningf("stitch sequence numbers not contiguous at %d", s.SequenceNumber)
		}
		if (s.PreviousStitchOutput == "") != (s.SequenceNumber == 1) {
			return errors.Planningf("stitch %d has wrong previous-output linkage", s.SequenceNumber)
		}
	}
	return nil
}

// applyReference wires the feedback reference for the first pass of a
// chunk. The referenced artifact is produced later, at execution time, by
// frame extraction from the refine output FeedbackOffset chunks back.
func applyReference(job *models.RenderJob, chunkIndex int, opts Options, runID string) {
	if opts.FeedbackOffset <= 0 {
		if opts.ReferenceImage != "" {
			job.InputRefs.ReferenceImage = opts.ReferenceImage
		}
		return
	}
	if chunkIndex <= opts.FeedbackOffset {
		// No earlier refine output to draw from; fall back to the run's
		// static reference image when one was supplied.
		job.InputRefs.ReferenceImage = opts.ReferenceImage
		return
	}
	job.InputRefs.ReferenceImage = ReferenceRef(runID, chunkIndex-opts.FeedbackOffset)
}

// ReferenceFrame returns the frame index to extract from a rendered chunk,
// clamped to stay inside the media.
func ReferenceFrame(renderedFrames, overlapOffset int) int {
	idx := renderedFrames - overlapOffset
	if idx < 1 {
		idx = 1
	}
	return idx
}

// Artifact layout. Refs are object keys relative to the run's storage root.

func IntermediateRef(runID string, chunk int) string {
	return fmt.Sprintf("runs/%s/intermediate/chunk_%03d.lat", runID, chunk)
}

func VideoRef(runID string, chunk int) string {
	return fmt.Sprintf("runs/%s/video/chunk_%03d.mp4", runID, chunk)
}

func ReferenceRef(runID string, chunk int) string {
	return fmt.Sprintf("runs/%s/reference/chunk_%03d.png", runID, chunk)
}

func StitchRef(runID string, chunk int) string {
	return fmt.Sprintf("runs/%s/stitched/stitch_%03d.mp4", runID, chunk)
}

// FinalRef is where the last stitch output lands for upload.
func FinalRef(runID string) string {
	return fmt.Sprintf("runs/%s/final.mp4", runID)
}
