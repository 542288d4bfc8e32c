package models

import (
	"fmt"

	"github.com/google/uuid"
)

// Stage identifies the rendering pass a job belongs to.
type Stage string

const (
	StageCoarse Stage = "COARSE"
	StageRefine Stage = "REFINE"
	StageStitch Stage = "STITCH"
)

// JobStatus is the lifecycle state of a job. Jobs are never deleted,
// only moved to a terminal state.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusSkipped   JobStatus = "SKIPPED"
)

// Terminal reports whether the status is a final one.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// InputRefs points a render job at its source material.
type InputRefs struct {
	// SourceMedia is the original input video/handle for the chunk.
	SourceMedia string `json:"source_media"`
	// Intermediate is the prior-stage artifact. For a REFINE job it must
	// equal the COARSE job's OutputRef of the same chunk.
	Intermediate string `json:"intermediate,omitempty"`
	// ReferenceImage is the still fed forward from an earlier chunk's
	// refine output. Empty when no feedback dependency applies.
	ReferenceImage string `json:"reference_image,omitempty"`
}

// RenderJob is one rendering pass over one chunk.
type RenderJob struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	SequenceNumber int       `json:"sequence_number"` // 1-based, contiguous per stage
	Stage          Stage     `json:"stage"`
	StartFrame     int       `json:"start_frame"`
	FrameCount     int       `json:"frame_count"`
	Seed           int64     `json:"seed"`
	InputRefs      InputRefs `json:"input_refs"`
	OutputRef      string    `json:"output_ref"`
	PositivePrompt string    `json:"positive_prompt,omitempty"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	Status         JobStatus `json:"status"`
	RetryCount     int       `json:"retry_count"`
	// MissingReference is set when the feedback still for this job could
	// not be extracted. The job still runs, continuity degrades.
	MissingReference bool `json:"missing_reference,omitempty"`
}

// StitchJob concatenates a chunk's refine output onto the running result.
type StitchJob struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	SequenceNumber int       `json:"sequence_number"`
	InputArtifact  string    `json:"input_artifact"`
	// PreviousStitchOutput is empty iff SequenceNumber == 1.
	PreviousStitchOutput string    `json:"previous_stitch_output,omitempty"`
	OutputRef            string    `json:"output_ref"`
	Status               JobStatus `json:"status"`
	RetryCount           int       `json:"retry_count"`
}

// NewJobID returns a fresh job identifier.
func NewJobID() string { return uuid.NewString() }

func (j *RenderJob) String() string {
	return fmt.Sprintf("%s#%d frames %d-%d", j.Stage, j.SequenceNumber, j.StartFrame, j.StartFrame+j.FrameCount)
}

func (j *StitchJob) String() string {
	return fmt.Sprintf("STITCH#%d", j.SequenceNumber)
}
