package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"renderflow/internal/httpkit"
	"renderflow/internal/models"
	"renderflow/internal/repositories"
)

type CreateRunRequest struct {
	Name           string `json:"name"`
	SourceMedia    string `json:"source_media"`
	ReferenceImage string `json:"reference_image"`
	PositivePrompt string `json:"positive_prompt"`
	NegativePrompt string `json:"negative_prompt"`
	TotalFrames    int    `json:"total_frames"`
	ChunkSize      int    `json:"chunk_size"`
	Seed           int64  `json:"seed"`
	TwoStage       bool   `json:"two_stage"`
	Resume         bool   `json:"resume"`
}

func (h *Handler) PostRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRunRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "invalid json body", nil)
		return
	}

	if strings.TrimSpace(req.SourceMedia) == "" {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "source_media is required", map[string]any{"field": "source_media"})
		return
	}
	if req.TotalFrames < 1 {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "total_frames must be positive", map[string]any{"field": "total_frames"})
		return
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = 101
	}
	if req.ChunkSize < 1 {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "chunk_size must be positive", map[string]any{"field": "chunk_size"})
		return
	}

	spec := &models.RunSpec{
		RunID:          "run_" + uuid.NewString(),
		Name:           strings.TrimSpace(req.Name),
		SourceMedia:    strings.TrimSpace(req.SourceMedia),
		ReferenceImage: strings.TrimSpace(req.ReferenceImage),
		PositivePrompt: req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		TotalFrames:    req.TotalFrames,
		ChunkSize:      req.ChunkSize,
		Seed:           req.Seed,
		TwoStage:       req.TwoStage,
		Resume:         req.Resume,
		CreatedAt:      time.Now().UTC(),
	}

	if err := h.runs.Create(ctx, spec); err != nil {
		h.log.FromContext(ctx).Error("run insert failed", "error", err.Error())
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "db insert failed", nil)
		return
	}

	if err := h.submit.Push(ctx, spec.RunID); err != nil {
		h.log.FromContext(ctx).Error("run enqueue failed", "run_id", spec.RunID, "error", err.Error())
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "queue push failed", nil)
		return
	}

	httpkit.WriteJSON(w, 201, map[string]any{
		"run": map[string]any{
			"id":           spec.RunID,
			"name":         spec.Name,
			"status":       "QUEUED",
			"total_frames": spec.TotalFrames,
			"chunk_size":   spec.ChunkSize,
			"two_stage":    spec.TwoStage,
			"created_at":   spec.CreatedAt,
		},
	})
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recs, err := h.runs.List(ctx)
	if err != nil {
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "db query failed", nil)
		return
	}

	type item struct {
		ID          string    `json:"id"`
		Name        string    `json:"name,omitempty"`
		Status      string    `json:"status"`
		TotalFrames int       `json:"total_frames"`
		ChunkSize   int       `json:"chunk_size"`
		TwoStage    bool      `json:"two_stage"`
		FinalOutput string    `json:"final_output,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}

	out := make([]item, 0, len(recs))
	for _, rec := range recs {
		out = append(out, item{
			ID:          rec.Spec.RunID,
			Name:        rec.Spec.Name,
			Status:      rec.Status,
			TotalFrames: rec.Spec.TotalFrames,
			ChunkSize:   rec.Spec.ChunkSize,
			TwoStage:    rec.Spec.TwoStage,
			FinalOutput: rec.FinalOutput,
			CreatedAt:   rec.Spec.CreatedAt,
		})
	}
	httpkit.WriteJSON(w, 200, map[string]any{"runs": out})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runId")

	rec, err := h.runs.Get(ctx, runID)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "run not found", nil)
		return
	}

	jobs, err := h.runs.Jobs(ctx, runID)
	if err != nil {
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "db query failed", nil)
		return
	}

	httpkit.WriteJSON(w, 200, map[string]any{
		"run":  rec,
		"jobs": jobs,
	})
}

func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runId")

	// v0: cancelación cooperativa, el daemon consulta el estado al
	// terminar cada job. Aquí sólo marcamos el registro.
	if err := h.runs.MarkCancelled(ctx, runID); err != nil {
		if err == repositories.ErrRunNotFound {
			httpkit.WriteErr(w, 404, "NOT_FOUND", "run not found", nil)
			return
		}
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "db update failed", nil)
		return
	}
	httpkit.WriteJSON(w, 200, map[string]any{"id": runID, "status": "CANCELLED"})
}
