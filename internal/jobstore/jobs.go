package jobstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PORTALSURFER/sempal-sub005/pkg/metrics"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

// ErrNoPendingJobs is returned by ClaimNextJob when the queue is empty.
var ErrNoPendingJobs = errors.New("no pending jobs")

// JobRef identifies one unit of work to enqueue: a sample pinned to the
// content hash observed when the work was decided.
type JobRef struct {
	SampleID    model.SampleID
	ContentHash string
}

// EnqueueBatch is one transactional unit of enqueue work: metadata upserts,
// artifact invalidation, and job inserts happen atomically so a crash
// between steps cannot leave a sample marked fresh with no job, or vice
// versa.
type EnqueueBatch struct {
	Samples    []model.SampleMetadata
	Invalidate []model.SampleID
	Jobs       map[model.JobType][]JobRef
	CreatedAt  time.Time
}

// ApplyEnqueueBatch runs the batch in a single transaction and returns how
// many job rows were inserted or repinned to a new content hash. Callers
// use the count to decide whether to wake idle workers.
func (s *Store) ApplyEnqueueBatch(batch EnqueueBatch) (inserted int, err error) {
	defer metrics.Timer(metrics.Enqueue)()

	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = upsertSamples(tx, batch.Samples, batch.CreatedAt); err != nil {
		return 0, err
	}
	if err = invalidateAnalysisArtifacts(tx, batch.Invalidate); err != nil {
		return 0, err
	}
	for jobType, refs := range batch.Jobs {
		var n int
		n, err = enqueueJobs(tx, refs, jobType, batch.CreatedAt)
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing enqueue transaction: %w", err)
	}
	return inserted, nil
}

// EnqueueJobs inserts a pending job row per ref unless an active
// (pending or running) job already exists for that (sample_id, job_type).
// A pending row pinned to an outdated hash is repinned in place instead.
// Returns how many rows were inserted or repinned.
func (s *Store) EnqueueJobs(refs []JobRef, jobType model.JobType, createdAt time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	n, err := enqueueJobs(tx, refs, jobType, createdAt)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return n, nil
}

func enqueueJobs(q dbtx, refs []JobRef, jobType model.JobType, createdAt time.Time) (int, error) {
	// A pending job pinned to a hash the file no longer has must not run
	// as-is: repin it to the newly observed hash so the eventual run
	// records the content it actually analyzed. Running rows are handled
	// at their terminal transition instead.
	const repin = `
		UPDATE analysis_jobs
		SET content_hash = ?, created_ns = ?
		WHERE sample_id = ? AND job_type = ? AND status = 'pending' AND content_hash != ?
	`
	// The NOT EXISTS guard enforces the at-most-one-active invariant
	// without a unique index, so terminal rows are retained for auditing.
	const insert = `
		INSERT INTO analysis_jobs (sample_id, job_type, content_hash, status, source_id, created_ns)
		SELECT ?, ?, ?, 'pending', ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM analysis_jobs
			WHERE sample_id = ? AND job_type = ? AND status IN ('pending', 'running')
		)
	`
	changed := 0
	for _, ref := range refs {
		sourceID := ref.SampleID.SourceID()
		if sourceID == "" {
			return changed, fmt.Errorf("malformed sample id %q", ref.SampleID)
		}
		res, err := q.Exec(repin,
			ref.ContentHash, createdAt.UnixNano(),
			string(ref.SampleID), string(jobType), ref.ContentHash)
		if err != nil {
			return changed, fmt.Errorf("repinning %s/%s: %w", ref.SampleID, jobType, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return changed, fmt.Errorf("repin rows affected: %w", err)
		}
		if n > 0 {
			changed += int(n)
			continue
		}

		res, err = q.Exec(insert,
			string(ref.SampleID), string(jobType), ref.ContentHash, sourceID, createdAt.UnixNano(),
			string(ref.SampleID), string(jobType))
		if err != nil {
			return changed, fmt.Errorf("enqueueing %s/%s: %w", ref.SampleID, jobType, err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return changed, fmt.Errorf("enqueue rows affected: %w", err)
		}
		changed += int(n)
	}
	return changed, nil
}

// ClaimNextJob atomically selects the oldest pending job, flips it to
// running, stamps its heartbeat and claim token, and returns it. The
// single-statement UPDATE guarantees two concurrent callers never receive
// the same row. allowedSources restricts claims to the given source ids;
// empty means no restriction. Returns ErrNoPendingJobs when nothing is
// claimable.
func (s *Store) ClaimNextJob(runToken string, allowedSources []string) (*model.Job, error) {
	defer metrics.Timer(metrics.Claim)()

	filter := ""
	args := []any{time.Now().UnixNano(), runToken}
	if len(allowedSources) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowedSources)), ",")
		filter = fmt.Sprintf(" AND source_id IN (%s)", placeholders)
		for _, src := range allowedSources {
			args = append(args, src)
		}
	}

	query := fmt.Sprintf(`
		UPDATE analysis_jobs
		SET status = 'running', last_heartbeat_ns = ?, claimed_by = ?
		WHERE id = (
			SELECT id FROM analysis_jobs
			WHERE status = 'pending'%s
			ORDER BY created_ns, id
			LIMIT 1
		)
		RETURNING id, sample_id, job_type, content_hash, status, source_id,
		          created_ns, last_heartbeat_ns, claimed_by, COALESCE(error_message, '')
	`, filter)

	job, err := scanJob(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		metrics.ClaimMisses.Add(1)
		return nil, ErrNoPendingJobs
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return job, nil
}

// Heartbeat stamps last_heartbeat_ns on the given running jobs.
func (s *Store) Heartbeat(jobIDs []int64) error {
	if len(jobIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobIDs)), ",")
	args := make([]any, 0, len(jobIDs)+1)
	args = append(args, time.Now().UnixNano())
	for _, id := range jobIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`UPDATE analysis_jobs SET last_heartbeat_ns = ? WHERE status = 'running' AND id IN (%s)`,
		placeholders)
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// notStaleGuard lets a terminal transition through only when the job's
// pinned hash still matches the sample on record (or the sample row is
// gone). A mismatch means the file changed while the job was in flight;
// the run analyzed bytes the record no longer describes.
const notStaleGuard = `
	AND NOT EXISTS (
		SELECT 1 FROM samples s
		WHERE s.sample_id = analysis_jobs.sample_id
		  AND s.content_hash != analysis_jobs.content_hash
	)
`

// MarkDone transitions a job to done. A job whose file changed while it
// ran is superseded instead: re-pended against the current hash so the
// new content gets analyzed. Idempotent no-op if the job is already
// terminal.
func (s *Store) MarkDone(jobID int64) error {
	const query = `
		UPDATE analysis_jobs SET status = 'done', error_message = NULL
		WHERE id = ? AND status NOT IN ('done', 'failed')
	` + notStaleGuard
	res, err := s.db.Exec(query, jobID)
	if err != nil {
		return fmt.Errorf("marking job %d done: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark done rows affected: %w", err)
	}
	if n > 0 {
		metrics.JobsDone.Add(1)
		return nil
	}
	return s.supersedeJob(jobID)
}

// MarkFailed transitions a job to failed with a human-readable reason,
// superseding it like MarkDone when the file changed mid-run. Idempotent
// no-op if the job is already terminal.
func (s *Store) MarkFailed(jobID int64, message string) error {
	const query = `
		UPDATE analysis_jobs SET status = 'failed', error_message = ?
		WHERE id = ? AND status NOT IN ('done', 'failed')
	` + notStaleGuard
	res, err := s.db.Exec(query, message, jobID)
	if err != nil {
		return fmt.Errorf("marking job %d failed: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark failed rows affected: %w", err)
	}
	if n > 0 {
		metrics.JobsFailed.Add(1)
		return nil
	}
	return s.supersedeJob(jobID)
}

// supersedeJob re-pends a non-terminal job, pinning it to the hash
// currently on record. Repinning makes supersession converge: the next
// run of an unchanged file passes the stale guard and goes terminal.
func (s *Store) supersedeJob(jobID int64) error {
	const query = `
		UPDATE analysis_jobs
		SET status = 'pending',
		    content_hash = (SELECT content_hash FROM samples s WHERE s.sample_id = analysis_jobs.sample_id),
		    created_ns = ?, last_heartbeat_ns = NULL, claimed_by = NULL, error_message = NULL
		WHERE id = ? AND status NOT IN ('done', 'failed')
	`
	res, err := s.db.Exec(query, time.Now().UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("superseding job %d: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		metrics.JobsSuperseded.Add(1)
	}
	return nil
}

// ResetRunningToPending demotes every running row back to pending. Used at
// controlled shutdown and as a blanket recovery sweep. Idempotent.
func (s *Store) ResetRunningToPending() (int, error) {
	res, err := s.db.Exec(
		`UPDATE analysis_jobs SET status = 'pending', last_heartbeat_ns = NULL, claimed_by = NULL WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("resetting running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rows affected: %w", err)
	}
	return int(n), nil
}

// ResetJobToPending demotes one running row back to pending. Used when a
// worker had to abandon a claimed job without reaching a terminal state.
func (s *Store) ResetJobToPending(jobID int64) error {
	_, err := s.db.Exec(
		`UPDATE analysis_jobs SET status = 'pending', last_heartbeat_ns = NULL, claimed_by = NULL WHERE id = ? AND status = 'running'`,
		jobID)
	if err != nil {
		return fmt.Errorf("resetting job %d: %w", jobID, err)
	}
	return nil
}

// ResetAbandonedRunning demotes running rows claimed by any run other than
// currentRun back to pending. This recovers work orphaned by a previous
// process that crashed without a graceful shutdown while leaving the
// current run's in-flight jobs alone.
func (s *Store) ResetAbandonedRunning(currentRun string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE analysis_jobs
		SET status = 'pending', last_heartbeat_ns = NULL, claimed_by = NULL
		WHERE status = 'running' AND (claimed_by IS NULL OR claimed_by != ?)
	`, currentRun)
	if err != nil {
		return 0, fmt.Errorf("resetting abandoned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rows affected: %w", err)
	}
	return int(n), nil
}

// CurrentProgress returns the aggregate job-table state. A sample counts
// as completed when it has no active job and its latest row per job type
// is not failed.
func (s *Store) CurrentProgress() (model.Progress, error) {
	defer metrics.Timer(metrics.ProgressQuery)()

	var p model.Progress
	// Latest row per (sample_id, job_type) decides the pair's current
	// state; superseded historical rows are ignored.
	const query = `
		WITH latest AS (
			SELECT sample_id, job_type, status,
			       ROW_NUMBER() OVER (PARTITION BY sample_id, job_type ORDER BY id DESC) AS rn
			FROM analysis_jobs
		)
		SELECT
			(SELECT COUNT(*) FROM analysis_jobs WHERE status = 'pending'),
			(SELECT COUNT(*) FROM analysis_jobs WHERE status = 'running'),
			(SELECT COUNT(*) FROM latest WHERE rn = 1 AND status = 'failed'),
			(SELECT COUNT(*) FROM samples),
			(SELECT COUNT(*) FROM samples s WHERE NOT EXISTS (
				SELECT 1 FROM latest l
				WHERE l.sample_id = s.sample_id AND l.rn = 1
				  AND l.status IN ('pending', 'running', 'failed')
			))
	`
	err := s.db.QueryRow(query).Scan(&p.Pending, &p.Running, &p.Failed, &p.SamplesTotal, &p.SamplesCompleted)
	if err != nil {
		return model.Progress{}, fmt.Errorf("querying progress: %w", err)
	}
	return p, nil
}

// RunningJobInfos returns display info for up to limit currently-running
// jobs. A job is stale when its heartbeat is older than staleAfter. Purely
// for display; does not affect scheduling.
func (s *Store) RunningJobInfos(now time.Time, staleAfter time.Duration, limit int) ([]model.RunningJobInfo, error) {
	if limit <= 0 {
		limit = 5
	}
	const query = `
		SELECT id, sample_id, job_type, created_ns, COALESCE(last_heartbeat_ns, 0)
		FROM analysis_jobs
		WHERE status = 'running'
		ORDER BY created_ns
		LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying running jobs: %w", err)
	}
	defer rows.Close()

	var out []model.RunningJobInfo
	for rows.Next() {
		var info model.RunningJobInfo
		var id, jobType string
		var createdNS, heartbeatNS int64
		if err := rows.Scan(&info.JobID, &id, &jobType, &createdNS, &heartbeatNS); err != nil {
			return nil, fmt.Errorf("scanning running job: %w", err)
		}
		info.SampleID = model.SampleID(id)
		info.JobType = model.JobType(jobType)
		info.Elapsed = now.Sub(time.Unix(0, createdNS))
		info.Stale = heartbeatNS == 0 || now.Sub(time.Unix(0, heartbeatNS)) > staleAfter
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating running jobs: %w", err)
	}
	return out, nil
}

// FetchFailedBackfillJobs returns refs for samples whose latest job of the
// given type is failed, so a backfill pass can retry them. Empty sourceID
// means all sources.
func (s *Store) FetchFailedBackfillJobs(sourceID string, jobType model.JobType) ([]JobRef, error) {
	query := `
		WITH latest AS (
			SELECT sample_id, content_hash, status, source_id,
			       ROW_NUMBER() OVER (PARTITION BY sample_id ORDER BY id DESC) AS rn
			FROM analysis_jobs
			WHERE job_type = ?
		)
		SELECT sample_id, content_hash FROM latest
		WHERE rn = 1 AND status = 'failed'
	`
	args := []any{string(jobType)}
	if sourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY sample_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching failed backfill jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRef
	for rows.Next() {
		var ref JobRef
		var id string
		if err := rows.Scan(&id, &ref.ContentHash); err != nil {
			return nil, fmt.Errorf("scanning failed job: %w", err)
		}
		ref.SampleID = model.SampleID(id)
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failed jobs: %w", err)
	}
	return out, nil
}

// JobByID loads one job row. Used by tests and failure inspection.
func (s *Store) JobByID(jobID int64) (*model.Job, error) {
	const query = `
		SELECT id, sample_id, job_type, content_hash, status, source_id,
		       created_ns, COALESCE(last_heartbeat_ns, 0), COALESCE(claimed_by, ''),
		       COALESCE(error_message, '')
		FROM analysis_jobs WHERE id = ?
	`
	job, err := scanJob(s.db.QueryRow(query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %d: %w", jobID, err)
	}
	return job, nil
}

// FailedJobReasons returns sample id to error message for samples in the
// source whose latest job of any type is failed.
func (s *Store) FailedJobReasons(sourceID string) (map[model.SampleID]string, error) {
	query := `
		WITH latest AS (
			SELECT sample_id, job_type, status, error_message, source_id,
			       ROW_NUMBER() OVER (PARTITION BY sample_id, job_type ORDER BY id DESC) AS rn
			FROM analysis_jobs
		)
		SELECT sample_id, COALESCE(error_message, '') FROM latest
		WHERE rn = 1 AND status = 'failed'
	`
	args := []any{}
	if sourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, sourceID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying failed reasons: %w", err)
	}
	defer rows.Close()

	out := make(map[model.SampleID]string)
	for rows.Next() {
		var id, msg string
		if err := rows.Scan(&id, &msg); err != nil {
			return nil, fmt.Errorf("scanning failed reason: %w", err)
		}
		out[model.SampleID(id)] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failed reasons: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var id, jobType, status, claimedBy, errMsg string
	var createdNS, heartbeatNS int64
	err := row.Scan(&job.ID, &id, &jobType, &job.ContentHash, &status, &job.SourceID,
		&createdNS, &heartbeatNS, &claimedBy, &errMsg)
	if err != nil {
		return nil, err
	}
	job.SampleID = model.SampleID(id)
	job.JobType = model.JobType(jobType)
	job.Status = model.JobStatus(status)
	job.CreatedAt = time.Unix(0, createdNS)
	if heartbeatNS > 0 {
		job.LastHeartbeatAt = time.Unix(0, heartbeatNS)
	}
	job.ClaimedBy = claimedBy
	job.ErrorMessage = errMsg
	return &job, nil
}
