package repositories

import (
	"context"
	"errors"

	"renderflow/internal/httpkit"
	"renderflow/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrRunNotFound = errors.New("run not found")
var ErrRunExists = errors.New("run already exists")

// RunRepository mirrors run and job history into Postgres. Writes are
// best-effort from the orchestrator's point of view: the queue and the
// checkpoint store drive execution, this is the query surface.
type RunRepository struct {
	db *pgxpool.Pool
}

func NewRunRepository(db *pgxpool.Pool) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, spec *models.RunSpec) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO runs (id, name, source_media, reference_image,
			positive_prompt, negative_prompt, total_frames, chunk_size,
			seed, two_stage, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'QUEUED')
		RETURNING created_at
	`, spec.RunID, spec.Name, spec.SourceMedia, spec.ReferenceImage,
		spec.PositivePrompt, spec.NegativePrompt, spec.TotalFrames,
		spec.ChunkSize, spec.Seed, spec.TwoStage).Scan(&spec.CreatedAt)

	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return ErrRunExists
		}
		return err
	}
	return nil
}

type RunRecord struct {
	Spec        models.RunSpec `json:"spec"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	FinalOutput string         `json:"final_output,omitempty"`
}

func (r *RunRepository) List(ctx context.Context) ([]RunRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, source_media, total_frames, chunk_size,
			two_stage, status, COALESCE(error,''), COALESCE(final_output,''), created_at
		FROM runs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(
			&rec.Spec.RunID,
			&rec.Spec.Name,
			&rec.Spec.SourceMedia,
			&rec.Spec.TotalFrames,
			&rec.Spec.ChunkSize,
			&rec.Spec.TwoStage,
			&rec.Status,
			&rec.Error,
			&rec.FinalOutput,
			&rec.Spec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *RunRepository) Get(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	err := r.db.QueryRow(ctx, `
		SELECT id, name, source_media, reference_image, positive_prompt,
			negative_prompt, total_frames, chunk_size, seed, two_stage,
			status, COALESCE(error,''), COALESCE(final_output,''), created_at
		FROM runs
		WHERE id=$1
	`, runID).Scan(
		&rec.Spec.RunID,
		&rec.Spec.Name,
		&rec.Spec.SourceMedia,
		&rec.Spec.ReferenceImage,
		&rec.Spec.PositivePrompt,
		&rec.Spec.NegativePrompt,
		&rec.Spec.TotalFrames,
		&rec.Spec.ChunkSize,
		&rec.Spec.Seed,
		&rec.Spec.TwoStage,
		&rec.Status,
		&rec.Error,
		&rec.FinalOutput,
		&rec.Spec.CreatedAt,
	)
	if err != nil {
		return nil, ErrRunNotFound
	}
	return &rec, nil
}

func (r *RunRepository) MarkRunning(ctx context.Context, runID string) error {
	return r.setStatus(ctx, runID, "RUNNING", "")
}

func (r *RunRepository) MarkCompleted(ctx context.Context, runID, finalOutput string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE runs
		SET status='COMPLETED', final_output=$2, finished_at=now()
		WHERE id=$1
	`, runID, finalOutput)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *RunRepository) MarkFailed(ctx context.Context, runID, errMsg string) error {
	return r.setStatus(ctx, runID, "FAILED", errMsg)
}

func (r *RunRepository) MarkCancelled(ctx context.Context, runID string) error {
	return r.setStatus(ctx, runID, "CANCELLED", "")
}

func (r *RunRepository) setStatus(ctx context.Context, runID, status, errMsg string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE runs
		SET status=$2, error=NULLIF($3,'')
		WHERE id=$1
	`, runID, status, errMsg)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordRenderJob upserts one render job outcome into run history.
func (r *RunRepository) RecordRenderJob(ctx context.Context, job *models.RenderJob, instanceID string, durationMs int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO run_jobs (id, run_id, sequence_number, stage, status,
			retry_count, instance_id, duration_ms, output_ref)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			retry_count=EXCLUDED.retry_count,
			instance_id=EXCLUDED.instance_id,
			duration_ms=EXCLUDED.duration_ms,
			updated_at=now()
	`, job.ID, job.RunID, job.SequenceNumber, string(job.Stage),
		string(job.Status), job.RetryCount, instanceID, durationMs, job.OutputRef)
	return err
}

// RecordStitchJob upserts one stitch job outcome into run history.
func (r *RunRepository) RecordStitchJob(ctx context.Context, job *models.StitchJob, instanceID string, durationMs int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO run_jobs (id, run_id, sequence_number, stage, status,
			retry_count, instance_id, duration_ms, output_ref)
		VALUES ($1,$2,$3,'STITCH',$4,$5,NULLIF($6,''),$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			retry_count=EXCLUDED.retry_count,
			instance_id=EXCLUDED.instance_id,
			duration_ms=EXCLUDED.duration_ms,
			updated_at=now()
	`, job.ID, job.RunID, job.SequenceNumber, string(job.Status),
		job.RetryCount, instanceID, durationMs, job.OutputRef)
	return err
}

// Jobs lists the recorded jobs for a run in execution order.
func (r *RunRepository) Jobs(ctx context.Context, runID string) ([]JobRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, sequence_number, stage, status, retry_count,
			COALESCE(instance_id,''), duration_ms, output_ref
		FROM run_jobs
		WHERE run_id=$1
		ORDER BY stage, sequence_number
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var j JobRecord
		if err := rows.Scan(&j.ID, &j.SequenceNumber, &j.Stage, &j.Status,
			&j.RetryCount, &j.InstanceID, &j.DurationMs, &j.OutputRef); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type JobRecord struct {
	ID             string `json:"id"`
	SequenceNumber int    `json:"sequence_number"`
	Stage          string `json:"stage"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retry_count"`
	InstanceID     string `json:"instance_id,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
	OutputRef      string `json:"output_ref"`
}
