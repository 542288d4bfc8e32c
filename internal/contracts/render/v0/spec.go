package v0

// RenderSpec v0: contrato mínimo hacia un backend de render.
// - job_id / run_id: identificadores
// - stage: COARSE, REFINE o STITCH
// - inputs: object keys que el backend lee del storage compartido
// - output: object key donde el backend debe escribir el resultado
type RenderSpec struct {
	JobID          string `json:"job_id"`
	RunID          string `json:"run_id"`
	Stage          string `json:"stage"`
	SequenceNumber int    `json:"sequence_number"`

	StartFrame int   `json:"start_frame,omitempty"`
	FrameCount int   `json:"frame_count,omitempty"`
	Seed       int64 `json:"seed,omitempty"`

	PositivePrompt string `json:"positive_prompt,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`

	Inputs struct {
		SourceMedia          string `json:"source_media,omitempty"`
		Intermediate         string `json:"intermediate,omitempty"`
		ReferenceImage       string `json:"reference_image,omitempty"`
		InputArtifact        string `json:"input_artifact,omitempty"`
		PreviousStitchOutput string `json:"previous_stitch_output,omitempty"`
	} `json:"inputs"`

	Output struct {
		ObjectKey string `json:"object_key"`
	} `json:"output"`
}

// Estado devuelto por el backend al consultar un job en curso.
type JobState struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"` // queued | running | completed | failed
	Progress float64 `json:"progress,omitempty"`
	Error    string  `json:"error,omitempty"`
}
