package models

import "time"

// RunState is the checkpoint written by the orchestrator. Saved on every
// failure and after each completed phase, read once at resume.
type RunState struct {
	RunID                    string    `json:"run_id"`
	Seed                     int64     `json:"seed,omitempty"`
	CompletedSequenceNumbers []int     `json:"completed_sequence_numbers"`
	FailedSequenceNumbers    []int     `json:"failed_sequence_numbers"`
	StitchCompleted          []int     `json:"stitch_completed,omitempty"`
	Timestamp                time.Time `json:"timestamp"`
}

// Completed reports whether a render chunk index is already done.
func (s *RunState) Completed(seq int) bool {
	for _, n := range s.CompletedSequenceNumbers {
		if n == seq {
			return true
		}
	}
	return false
}

// StitchDone reports whether a stitch sequence number is already done.
func (s *RunState) StitchDone(seq int) bool {
	for _, n := range s.StitchCompleted {
		if n == seq {
			return true
		}
	}
	return false
}

// RunSpec is a run submission as accepted by the API and consumed by the
// orchestrator daemon.
type RunSpec struct {
	RunID          string    `json:"run_id"`
	Name           string    `json:"name,omitempty"`
	SourceMedia    string    `json:"source_media"`
	ReferenceImage string    `json:"reference_image,omitempty"`
	PositivePrompt string    `json:"positive_prompt,omitempty"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	TotalFrames    int       `json:"total_frames"`
	ChunkSize      int       `json:"chunk_size"`
	Seed           int64     `json:"seed,omitempty"`
	TwoStage       bool      `json:"two_stage"`
	Resume         bool      `json:"resume,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
