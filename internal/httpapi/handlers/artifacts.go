package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"renderflow/internal/httpkit"
)

// StreamOutput serves the final stitched video of a completed run.
func (h *Handler) StreamOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runId")

	rec, err := h.runs.Get(ctx, runID)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "run not found", nil)
		return
	}
	if rec.FinalOutput == "" {
		httpkit.WriteErr(w, 409, "CONFLICT", "run has no final output yet", map[string]any{"status": rec.Status})
		return
	}

	rc, ct, size, err := h.sp.GetObject(ctx, rec.FinalOutput)
	if err != nil {
		httpkit.WriteErr(w, 404, "OUTPUT_FILE_MISSING", "output file missing", map[string]any{"object_key": rec.FinalOutput})
		return
	}
	defer rc.Close()

	if ct == "" {
		ct = "video/mp4"
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
}
