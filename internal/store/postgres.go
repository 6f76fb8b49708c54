package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/videofoundry/api/internal/model"
)

const schemaSQL = `
create table if not exists segments (
    id               text primary key,
    project_id       text not null,
    order_index      integer not null,
    prompt           text not null,
    model_params     jsonb,
    status           text not null,
    asset_ref        text,
    error_message    text,
    error_code       text,
    attempts         integer not null default 0,
    render_job_id    text not null default '',
    external_job_id  text not null default '',
    generating_since timestamptz,
    poll_failures    integer not null default 0,
    created_at       timestamptz not null,
    updated_at       timestamptz not null,
    unique (project_id, order_index)
);

create table if not exists render_jobs (
    id                 text primary key,
    project_id         text not null,
    segment_ids        text[] not null,
    segments_total     integer not null,
    segments_completed integer not null default 0,
    status             text not null,
    final_asset_ref    text,
    error_message      text,
    error_code         text,
    created_at         timestamptz not null,
    updated_at         timestamptz not null,
    completed_at       timestamptz
);

alter table segments add column if not exists dispatch_token text not null default '';
alter table segments add column if not exists dispatch_claimed_at timestamptz;

create index if not exists render_jobs_project_idx on render_jobs (project_id, created_at desc);
create index if not exists render_jobs_active_idx on render_jobs (status)
    where status in ('pending', 'processing', 'compositing');
`

const segmentColumns = `id, project_id, order_index, prompt, model_params, status, asset_ref,
    error_message, error_code, attempts, render_job_id, external_job_id,
    generating_since, poll_failures, created_at, updated_at, dispatch_token, dispatch_claimed_at`

const renderJobColumns = `id, project_id, segment_ids, segments_total, segments_completed, status,
    final_asset_ref, error_message, error_code, created_at, updated_at, completed_at`

const uniqueViolation = "23505"

// PostgresStore persists segments and render jobs in PostgreSQL. Updates lock
// the row with SELECT ... FOR UPDATE inside a transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens a pgx pool for dsn.
func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// NewPostgresStore wraps pool. Call EnsureSchema before first use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSegment(ctx context.Context, seg *model.Segment) error {
	c := seg.Clone()
	now := nowUTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`insert into segments (`+segmentColumns+`)
         values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		segmentArgs(c)...)
	return mapPgError(err)
}

func (s *PostgresStore) GetSegment(ctx context.Context, id string) (*model.Segment, error) {
	row := s.pool.QueryRow(ctx, `select `+segmentColumns+` from segments where id = $1`, id)
	return scanSegment(row)
}

func (s *PostgresStore) ListSegments(ctx context.Context, projectID string) ([]*model.Segment, error) {
	rows, err := s.pool.Query(ctx,
		`select `+segmentColumns+` from segments where project_id = $1 order by order_index`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSegment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `delete from segments where id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateSegment(ctx context.Context, id string, expected []model.SegmentStatus, mutate SegmentMutator) (*model.Segment, error) {
	var updated *model.Segment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `select `+segmentColumns+` from segments where id = $1 for update`, id)
		seg, err := scanSegment(row)
		if err != nil {
			return err
		}
		if !segmentStatusIn(seg.Status, expected) {
			return segmentConflict(id, seg.Status)
		}
		c := seg.Clone()
		if err := mutate(c); err != nil {
			return err
		}
		c.UpdatedAt = nowUTC()
		_, err = tx.Exec(ctx,
			`update segments set project_id = $2, order_index = $3, prompt = $4, model_params = $5,
                status = $6, asset_ref = $7, error_message = $8, error_code = $9, attempts = $10,
                render_job_id = $11, external_job_id = $12, generating_since = $13,
                poll_failures = $14, created_at = $15, updated_at = $16,
                dispatch_token = $17, dispatch_claimed_at = $18
             where id = $1`,
			segmentArgs(c)...)
		if err != nil {
			return mapPgError(err)
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) CreateRenderJob(ctx context.Context, job *model.RenderJob) error {
	c := job.Clone()
	now := nowUTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`insert into render_jobs (`+renderJobColumns+`)
         values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		renderJobArgs(c)...)
	return err
}

func (s *PostgresStore) GetRenderJob(ctx context.Context, id string) (*model.RenderJob, error) {
	row := s.pool.QueryRow(ctx, `select `+renderJobColumns+` from render_jobs where id = $1`, id)
	return scanRenderJob(row)
}

func (s *PostgresStore) ListRenderJobs(ctx context.Context, projectID string) ([]*model.RenderJob, error) {
	return s.queryRenderJobs(ctx,
		`select `+renderJobColumns+` from render_jobs where project_id = $1 order by created_at desc`, projectID)
}

func (s *PostgresStore) ListActiveRenderJobs(ctx context.Context) ([]*model.RenderJob, error) {
	return s.queryRenderJobs(ctx,
		`select `+renderJobColumns+` from render_jobs
         where status in ('pending', 'processing', 'compositing') order by created_at desc`)
}

func (s *PostgresStore) queryRenderJobs(ctx context.Context, query string, args ...any) ([]*model.RenderJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RenderJob
	for rows.Next() {
		job, err := scanRenderJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateRenderJob(ctx context.Context, id string, expected []model.RenderJobStatus, mutate RenderJobMutator) (*model.RenderJob, error) {
	var updated *model.RenderJob
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `select `+renderJobColumns+` from render_jobs where id = $1 for update`, id)
		job, err := scanRenderJob(row)
		if err != nil {
			return err
		}
		if !renderJobStatusIn(job.Status, expected) {
			return renderJobConflict(id, job.Status)
		}
		c := job.Clone()
		if err := mutate(c); err != nil {
			return err
		}
		c.UpdatedAt = nowUTC()
		_, err = tx.Exec(ctx,
			`update render_jobs set project_id = $2, segment_ids = $3, segments_total = $4,
                segments_completed = $5, status = $6, final_asset_ref = $7, error_message = $8,
                error_code = $9, created_at = $10, updated_at = $11, completed_at = $12
             where id = $1`,
			renderJobArgs(c)...)
		if err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func segmentArgs(c *model.Segment) []any {
	var params []byte
	if len(c.ModelParams) > 0 {
		params = c.ModelParams
	}
	return []any{
		c.ID, c.ProjectID, c.OrderIndex, c.Prompt, params, string(c.Status), c.AssetRef,
		c.ErrorMessage, errorCodeArg(c.ErrorCode), c.Attempts, c.RenderJobID, c.ExternalJobID,
		c.GeneratingSince, c.PollFailures, c.CreatedAt, c.UpdatedAt,
		c.DispatchToken, c.DispatchClaimedAt,
	}
}

func renderJobArgs(c *model.RenderJob) []any {
	return []any{
		c.ID, c.ProjectID, c.SegmentIDs, c.SegmentsTotal, c.SegmentsCompleted, string(c.Status),
		c.FinalAssetRef, c.ErrorMessage, errorCodeArg(c.ErrorCode), c.CreatedAt, c.UpdatedAt, c.CompletedAt,
	}
}

func scanSegment(row pgx.Row) (*model.Segment, error) {
	var (
		seg       model.Segment
		params    []byte
		status    string
		errorCode *string
	)
	err := row.Scan(
		&seg.ID, &seg.ProjectID, &seg.OrderIndex, &seg.Prompt, &params, &status, &seg.AssetRef,
		&seg.ErrorMessage, &errorCode, &seg.Attempts, &seg.RenderJobID, &seg.ExternalJobID,
		&seg.GeneratingSince, &seg.PollFailures, &seg.CreatedAt, &seg.UpdatedAt,
		&seg.DispatchToken, &seg.DispatchClaimedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(params) > 0 {
		seg.ModelParams = params
	}
	seg.Status = model.SegmentStatus(status)
	seg.ErrorCode = errorCodeValue(errorCode)
	return &seg, nil
}

func scanRenderJob(row pgx.Row) (*model.RenderJob, error) {
	var (
		job       model.RenderJob
		status    string
		errorCode *string
	)
	err := row.Scan(
		&job.ID, &job.ProjectID, &job.SegmentIDs, &job.SegmentsTotal, &job.SegmentsCompleted, &status,
		&job.FinalAssetRef, &job.ErrorMessage, &errorCode, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job.Status = model.RenderJobStatus(status)
	job.ErrorCode = errorCodeValue(errorCode)
	return &job, nil
}

func errorCodeArg(code *model.ErrorCode) *string {
	if code == nil {
		return nil
	}
	v := string(*code)
	return &v
}

func errorCodeValue(v *string) *model.ErrorCode {
	if v == nil {
		return nil
	}
	code := model.ErrorCode(*v)
	return &code
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateOrderIndex
	}
	return err
}

var _ Store = (*PostgresStore)(nil)
