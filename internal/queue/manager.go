// Package queue holds the in-process job queues shared by all workers.
// Jobs are routed per stage, selection respects dependency order, and a
// per-run barrier gates the stitch phase until every render job for that
// run has reached a terminal state.
package queue

import (
	"sync"
	"time"

	"renderflow/internal/models"
	"renderflow/internal/pkg/logger"
)

const basePriority = 1000

type queuedJob struct {
	job        *models.RenderJob
	enqueuedAt time.Time
}

type assignment struct {
	job        *models.RenderJob
	instanceID string
	assignedAt time.Time
	startedAt  time.Time
}

// runState tracks one run's progress through the render phase.
type runState struct {
	twoStage       bool
	feedbackOffset int

	renderTotal int
	renderDone  int
	outstanding int // render jobs not yet terminal (queued or running)

	completed  map[models.Stage]map[int]bool
	waivedRef  map[int]bool // first-pass seqs whose reference dependency was waived
	stitchJobs []*models.StitchJob
	stitchNext int

	stitchReady bool
	barrier     chan struct{}
}

func (r *runState) firstStage() models.Stage {
	if r.twoStage {
		return models.StageCoarse
	}
	return models.StageRefine
}

func (r *runState) completionRatio() float64 {
	if r.renderTotal == 0 {
		return 0
	}
	return float64(r.renderDone) / float64(r.renderTotal)
}

// EnqueueOptions tune how a run's jobs enter the queues.
type EnqueueOptions struct {
	// TwoStage declares the run's stage mode. It cannot be inferred from
	// the enqueued slices: a resumed run may have no COARSE jobs left.
	TwoStage bool
	// FeedbackOffset is the reference-chain distance in chunks; zero
	// disables the reference dependency.
	FeedbackOffset int
	// Completed seeds already-finished sequence numbers (resume). Jobs
	// for these must not be in the enqueued slices.
	Completed map[models.Stage][]int
}

// Manager owns every queue mutation. All state lives under one mutex and
// no I/O ever happens while it is held.
type Manager struct {
	mu sync.Mutex

	log     *logger.Logger
	coarse  []*queuedJob
	refine  []*queuedJob
	runs    map[string]*runState
	active  map[string]*assignment // job ID -> assignment
	metrics map[string]*models.InstanceMetrics
}

func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		log:     log.WithComponent("queue"),
		runs:    make(map[string]*runState),
		active:  make(map[string]*assignment),
		metrics: make(map[string]*models.InstanceMetrics),
	}
}

// Enqueue registers a run's planned jobs. The stitch barrier for the run
// is armed here and released once, when the render counts drain.
func (m *Manager) Enqueue(runID string, renderJobs []*models.RenderJob, stitchJobs []*models.StitchJob, opts EnqueueOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := &runState{
		feedbackOffset: opts.FeedbackOffset,
		completed: map[models.Stage]map[int]bool{
			models.StageCoarse: {},
			models.StageRefine: {},
		},
		waivedRef:  make(map[int]bool),
		stitchJobs: stitchJobs,
		barrier:    make(chan struct{}),
	}
	for stage, seqs := range opts.Completed {
		for _, seq := range seqs {
			rs.completed[stage][seq] = true
		}
	}

	coarse := 0
	refine := 0
	now := time.Now()
	for _, j := range renderJobs {
		qj := &queuedJob{job: j, enqueuedAt: now}
		switch j.Stage {
		case models.StageCoarse:
			m.coarse = append(m.coarse, qj)
			coarse++
		case models.StageRefine:
			m.refine = append(m.refine, qj)
			refine++
		}
	}
	rs.twoStage = opts.TwoStage
	rs.renderTotal = coarse + refine
	rs.outstanding = rs.renderTotal
	m.runs[runID] = rs

	if rs.outstanding == 0 {
		// Fully resumed run: nothing left to render, open immediately.
		rs.stitchReady = true
		close(rs.barrier)
	}

	m.log.Info("run enqueued",
		"run_id", runID,
		"coarse", coarse,
		"refine", refine,
		"stitch", len(stitchJobs),
	)
}

// Dequeue hands the best eligible job to an instance, or returns nil when
// nothing matches its capabilities right now. Non-blocking.
func (m *Manager) Dequeue(instanceID string, caps []models.Stage) *models.RenderJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stage := range caps {
		var pool *[]*queuedJob
		switch stage {
		case models.StageCoarse:
			pool = &m.coarse
		case models.StageRefine:
			pool = &m.refine
		default:
			continue
		}

		best := -1
		bestPriority := 0
		for i, qj := range *pool {
			if !m.eligibleLocked(qj.job) {
				continue
			}
			p := m.priorityLocked(qj.job)
			if best == -1 || p > bestPriority {
				best = i
				bestPriority = p
			}
		}
		if best == -1 {
			continue
		}

		qj := (*pool)[best]
		*pool = append((*pool)[:best], (*pool)[best+1:]...)

		m.active[qj.job.ID] = &assignment{
			job:        qj.job,
			instanceID: instanceID,
			assignedAt: time.Now(),
		}
		if m.metrics[instanceID] == nil {
			m.metrics[instanceID] = &models.InstanceMetrics{InstanceID: instanceID}
		}
		m.log.Debug("job assigned",
			"job_id", qj.job.ID,
			"stage", string(qj.job.Stage),
			"sequence", qj.job.SequenceNumber,
			"instance_id", instanceID,
			"priority", bestPriority,
		)
		return qj.job
	}
	return nil
}

// MarkStarted records the moment a worker began executing a job.
func (m *Manager) MarkStarted(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.active[jobID]; ok {
		a.startedAt = time.Now()
	}
}

// MarkCompleted records a finished execution attempt. On success the job
// becomes terminal and the run's barrier is evaluated. On failure the job
// stays outstanding: the orchestrator follows up with Requeue or
// MarkTerminal, so the barrier cannot open under a job that will retry.
func (m *Manager) MarkCompleted(jobID string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[jobID]
	if !ok {
		m.log.Warn("completion for unknown job", "job_id", jobID)
		return
	}
	delete(m.active, jobID)

	if met := m.metrics[a.instanceID]; met != nil {
		met.RecordCompletion(duration.Milliseconds(), success)
		met.LastJobUnixSec = time.Now().Unix()
	}

	if !success {
		return
	}

	job := a.job
	rs := m.runs[job.RunID]
	if rs == nil {
		return
	}
	rs.completed[job.Stage][job.SequenceNumber] = true
	rs.renderDone++
	rs.outstanding--
	m.maybeOpenBarrierLocked(job.RunID, rs)
}

// Requeue returns a failed job to its queue for another attempt. The run's
// outstanding count is untouched, the job never went terminal.
func (m *Manager) Requeue(job *models.RenderJob) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qj := &queuedJob{job: job, enqueuedAt: time.Now()}
	switch job.Stage {
	case models.StageCoarse:
		m.coarse = append(m.coarse, qj)
	case models.StageRefine:
		m.refine = append(m.refine, qj)
	}
	m.log.Info("job requeued",
		"job_id", job.ID,
		"stage", string(job.Stage),
		"retry_count", job.RetryCount,
	)
}

// MarkTerminal finalizes a job that will not run again (FAILED or
// SKIPPED). Queued copies are dropped and the barrier is re-evaluated.
func (m *Manager) MarkTerminal(job *models.RenderJob) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := func(pool []*queuedJob) []*queuedJob {
		for i, qj := range pool {
			if qj.job.ID == job.ID {
				return append(pool[:i], pool[i+1:]...)
			}
		}
		return pool
	}
	m.coarse = drop(m.coarse)
	m.refine = drop(m.refine)
	delete(m.active, job.ID)

	rs := m.runs[job.RunID]
	if rs == nil {
		return
	}
	rs.outstanding--
	m.maybeOpenBarrierLocked(job.RunID, rs)
}

// DrainPending removes every still-queued render job for the run and
// returns them. Each removed job counts as terminal for the barrier.
// Jobs already assigned to an instance are untouched.
func (m *Manager) DrainPending(runID string) []*models.RenderJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.runs[runID]
	if rs == nil {
		return nil
	}

	var dropped []*models.RenderJob
	keep := func(pool []*queuedJob) []*queuedJob {
		out := pool[:0]
		for _, qj := range pool {
			if qj.job.RunID == runID {
				dropped = append(dropped, qj.job)
				continue
			}
			out = append(out, qj)
		}
		return out
	}
	m.coarse = keep(m.coarse)
	m.refine = keep(m.refine)

	if len(dropped) > 0 {
		rs.outstanding -= len(dropped)
		m.maybeOpenBarrierLocked(runID, rs)
		m.log.Info("pending jobs drained", "run_id", runID, "count", len(dropped))
	}
	return dropped
}

// WaiveReference marks a first-pass job's feedback dependency as
// unsatisfiable-but-waived, so the dependent chunk dispatches anyway.
func (m *Manager) WaiveReference(runID string, dependentSeq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs := m.runs[runID]; rs != nil {
		rs.waivedRef[dependentSeq] = true
	}
}

// PendingRender reports how many render jobs for the run are not yet
// terminal.
func (m *Manager) PendingRender(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs := m.runs[runID]; rs != nil {
		return rs.outstanding
	}
	return 0
}

// WaitStitchReady blocks until the run's barrier opens or the timeout
// elapses. Returns false on timeout.
func (m *Manager) WaitStitchReady(runID string, timeout time.Duration) bool {
	m.mu.Lock()
	rs := m.runs[runID]
	m.mu.Unlock()
	if rs == nil {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rs.barrier:
		return true
	case <-timer.C:
		return false
	}
}

// NextStitchJob returns the next stitch job in sequence order, or nil when
// the barrier has not opened or the run is stitched out. This is the only
// gate on stitch dispatch.
func (m *Manager) NextStitchJob(runID string) *models.StitchJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.runs[runID]
	if rs == nil || !rs.stitchReady {
		return nil
	}
	for rs.stitchNext < len(rs.stitchJobs) {
		job := rs.stitchJobs[rs.stitchNext]
		rs.stitchNext++
		if job.Status.Terminal() {
			continue
		}
		return job
	}
	return nil
}

// Metrics returns a snapshot of per-instance execution counters.
func (m *Manager) Metrics() map[string]models.InstanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.InstanceMetrics, len(m.metrics))
	for id, met := range m.metrics {
		out[id] = *met
	}
	return out
}

// RunStatus is an introspection snapshot for one run.
type RunStatus struct {
	Outstanding int     `json:"outstanding"`
	RenderDone  int     `json:"render_done"`
	RenderTotal int     `json:"render_total"`
	Ratio       float64 `json:"ratio"`
	StitchReady bool    `json:"stitch_ready"`
	ActiveJobs  int     `json:"active_jobs"`
}

// Status returns a snapshot of every tracked run.
func (m *Manager) Status() map[string]RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	activePerRun := make(map[string]int)
	for _, a := range m.active {
		activePerRun[a.job.RunID]++
	}
	out := make(map[string]RunStatus, len(m.runs))
	for id, rs := range m.runs {
		out[id] = RunStatus{
			Outstanding: rs.outstanding,
			RenderDone:  rs.renderDone,
			RenderTotal: rs.renderTotal,
			Ratio:       rs.completionRatio(),
			StitchReady: rs.stitchReady,
			ActiveJobs:  activePerRun[id],
		}
	}
	return out
}

// Forget drops a run's bookkeeping once the orchestrator is done with it.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
}

func (m *Manager) maybeOpenBarrierLocked(runID string, rs *runState) {
	if rs.stitchReady || rs.outstanding > 0 {
		return
	}
	rs.stitchReady = true
	close(rs.barrier)
	m.log.Info("render phase drained, stitch barrier open", "run_id", runID)
}

// eligibleLocked checks a job's dependencies against the completed sets.
func (m *Manager) eligibleLocked(job *models.RenderJob) bool {
	rs := m.runs[job.RunID]
	if rs == nil {
		return false
	}

	if job.Stage == models.StageRefine && rs.twoStage {
		if !rs.completed[models.StageCoarse][job.SequenceNumber] {
			return false
		}
	}

	// The reference chain only binds the first pass of a chunk.
	if job.Stage == rs.firstStage() && rs.feedbackOffset > 0 && job.SequenceNumber > rs.feedbackOffset {
		if rs.waivedRef[job.SequenceNumber] {
			return true
		}
		if !rs.completed[models.StageRefine][job.SequenceNumber-rs.feedbackOffset] {
			return false
		}
	}
	return true
}

// priorityLocked favors earlier chunks, boosted by how close the owning
// run is to finishing its render phase. Nearly-done runs drain first when
// several runs are interleaved.
func (m *Manager) priorityLocked(job *models.RenderJob) int {
	p := basePriority - job.SequenceNumber
	if rs := m.runs[job.RunID]; rs != nil {
		p += int(rs.completionRatio() * 100)
	}
	return p
}
