package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chronos/internal/domain"
	logx "chronos/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to $n for postgres.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Repository on database/sql. Timestamps are stored as
// unix milliseconds and JSON documents as text.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time
	closeFn func() error
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.closeFn != nil {
		if cerr := s.closeFn(); err == nil {
			err = cerr
		}
	}
	return err
}

// ---- jobs ----

const jobColumns = `id, name, description, schedule, cron, timezone, is_recurring, is_active,
	target_type, target, channel_id, last_run_at, last_run_status, next_run_at, created_at, updated_at`

func (s *sqlStore) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	target, err := encodeJSON(j.Target)
	if err != nil {
		return domain.Job{}, err
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO chronos(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.Description, j.Schedule, j.Cron, j.Timezone, j.IsRecurring, j.IsActive,
		string(j.Target.Kind), target, nullStr(j.ChannelID), nullMillis(j.LastRunAt), nullStatus(j.LastRunStatus),
		nullMillis(j.NextRunAt), j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("create chrono: %w", err)
	}
	return trimJob(j), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *sqlStore) getJob(ctx context.Context, q queryer, id string) (domain.Job, error) {
	j, err := scanJob(s.queryRow(ctx, q, `SELECT `+jobColumns+` FROM chronos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.NotFound("chrono", id)
	}
	return j, err
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM chronos ORDER BY created_at DESC, id`)
}

func (s *sqlStore) ListSchedulableJobs(ctx context.Context) ([]domain.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM chronos WHERE is_active = TRUE ORDER BY created_at, id`)
}

func (s *sqlStore) FindDueJobs(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM chronos
		WHERE is_active = TRUE AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id`, now.UnixMilli())
}

func (s *sqlStore) listJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Job, 0, 16)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateJob(ctx context.Context, id string, p domain.JobPatch) (domain.Job, error) {
	var out domain.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		p.Apply(&j)
		j.UpdatedAt = s.now()
		target, err := encodeJSON(j.Target)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `UPDATE chronos SET name=?, description=?, schedule=?, cron=?, timezone=?,
			is_recurring=?, is_active=?, target_type=?, target=?, channel_id=?, last_run_at=?, last_run_status=?,
			next_run_at=?, updated_at=? WHERE id = ?`,
			j.Name, j.Description, j.Schedule, j.Cron, j.Timezone, j.IsRecurring, j.IsActive,
			string(j.Target.Kind), target, nullStr(j.ChannelID), nullMillis(j.LastRunAt), nullStatus(j.LastRunStatus),
			nullMillis(j.NextRunAt), j.UpdatedAt.UnixMilli(), id,
		)
		out = trimJob(j)
		return err
	})
	return out, err
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM chrono_runs WHERE chrono_id = ?`, id); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `DELETE FROM chronos WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NotFound("chrono", id)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (domain.Job, error) {
	var (
		j          domain.Job
		targetType string
		target     []byte
		channelID  sql.NullString
		lastRun    sql.NullInt64
		lastStatus sql.NullString
		nextRun    sql.NullInt64
		created    int64
		updated    int64
	)
	err := r.Scan(&j.ID, &j.Name, &j.Description, &j.Schedule, &j.Cron, &j.Timezone, &j.IsRecurring, &j.IsActive,
		&targetType, &target, &channelID, &lastRun, &lastStatus, &nextRun, &created, &updated)
	if err != nil {
		return domain.Job{}, err
	}
	if err := decodeJSON(target, &j.Target); err != nil {
		return domain.Job{}, fmt.Errorf("decode chrono %s target: %w", j.ID, err)
	}
	if j.Target.Kind == "" {
		j.Target.Kind = domain.TargetKind(targetType)
	}
	j.ChannelID = channelID.String
	j.LastRunAt = millisPtr(lastRun)
	if lastStatus.Valid {
		st := domain.RunStatus(lastStatus.String)
		j.LastRunStatus = &st
	}
	j.NextRunAt = millisPtr(nextRun)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	return j, nil
}

// trimJob truncates timestamps to the stored precision so returned values
// compare equal to later reads.
func trimJob(j domain.Job) domain.Job {
	j.CreatedAt = trimMillis(j.CreatedAt)
	j.UpdatedAt = trimMillis(j.UpdatedAt)
	if j.LastRunAt != nil {
		j.LastRunAt = domain.Ptr(trimMillis(*j.LastRunAt))
	}
	if j.NextRunAt != nil {
		j.NextRunAt = domain.Ptr(trimMillis(*j.NextRunAt))
	}
	return j
}

// ---- runs ----

const runColumns = `id, chrono_id, scheduled_for, started_at, finished_at, status, attempt, http_status,
	response_snippet, error_message, result, duration_ms, created_at`

func (s *sqlStore) CreateRun(ctx context.Context, r domain.Run) (domain.Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.Status == "" {
		r.Status = domain.StatusPending
	}
	if err := s.writeRun(ctx, s.db, r, true); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	return trimRun(r), nil
}

func (s *sqlStore) writeRun(ctx context.Context, q queryer, r domain.Run, insert bool) error {
	var httpStatus any
	if r.HTTPStatus != nil {
		httpStatus = int64(*r.HTTPStatus)
	}
	var duration any
	if r.DurationMs != nil {
		duration = *r.DurationMs
	}
	var result any
	if len(r.Result) > 0 {
		result = string(r.Result)
	}
	if insert {
		_, err := s.exec(ctx, q, `INSERT INTO chrono_runs(`+runColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.ID, r.JobID, r.ScheduledFor.UnixMilli(), nullMillis(r.StartedAt), nullMillis(r.FinishedAt),
			string(r.Status), r.Attempt, httpStatus, nullStrPtr(r.ResponseSnippet), nullStrPtr(r.ErrorMessage),
			result, duration, r.CreatedAt.UnixMilli(),
		)
		return err
	}
	_, err := s.exec(ctx, q, `UPDATE chrono_runs SET started_at=?, finished_at=?, status=?, attempt=?, http_status=?,
		response_snippet=?, error_message=?, result=?, duration_ms=? WHERE id = ?`,
		nullMillis(r.StartedAt), nullMillis(r.FinishedAt), string(r.Status), r.Attempt, httpStatus,
		nullStrPtr(r.ResponseSnippet), nullStrPtr(r.ErrorMessage), result, duration, r.ID,
	)
	return err
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return s.getRun(ctx, s.db, id)
}

func (s *sqlStore) getRun(ctx context.Context, q queryer, id string) (domain.Run, error) {
	r, err := scanRun(s.queryRow(ctx, q, `SELECT `+runColumns+` FROM chrono_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, domain.NotFound("run", id)
	}
	return r, err
}

func (s *sqlStore) UpdateRun(ctx context.Context, id string, p domain.RunPatch) (domain.Run, error) {
	var out domain.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRun(ctx, tx, id)
		if err != nil {
			return err
		}
		p.Apply(&r)
		if err := s.writeRun(ctx, tx, r, false); err != nil {
			return err
		}
		out = trimRun(r)
		return nil
	})
	return out, err
}

func (s *sqlStore) ListRuns(ctx context.Context, jobID string, skip, take int) ([]domain.Run, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = 20
	}
	rows, err := s.query(ctx, s.db, `SELECT `+runColumns+` FROM chrono_runs WHERE chrono_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, jobID, take, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Run, 0, take)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(rs rowScanner) (domain.Run, error) {
	var (
		r          domain.Run
		scheduled  int64
		started    sql.NullInt64
		finished   sql.NullInt64
		status     string
		httpStatus sql.NullInt64
		snippet    sql.NullString
		errMsg     sql.NullString
		result     []byte
		duration   sql.NullInt64
		created    int64
	)
	err := rs.Scan(&r.ID, &r.JobID, &scheduled, &started, &finished, &status, &r.Attempt, &httpStatus,
		&snippet, &errMsg, &result, &duration, &created)
	if err != nil {
		return domain.Run{}, err
	}
	r.ScheduledFor = time.UnixMilli(scheduled).UTC()
	r.StartedAt = millisPtr(started)
	r.FinishedAt = millisPtr(finished)
	r.Status = domain.RunStatus(status)
	if httpStatus.Valid {
		r.HTTPStatus = domain.Ptr(int(httpStatus.Int64))
	}
	if snippet.Valid {
		r.ResponseSnippet = domain.Ptr(snippet.String)
	}
	if errMsg.Valid {
		r.ErrorMessage = domain.Ptr(errMsg.String)
	}
	if len(result) > 0 {
		r.Result = append([]byte(nil), result...)
	}
	if duration.Valid {
		r.DurationMs = domain.Ptr(duration.Int64)
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}

func trimRun(r domain.Run) domain.Run {
	r.ScheduledFor = trimMillis(r.ScheduledFor)
	r.CreatedAt = trimMillis(r.CreatedAt)
	if r.StartedAt != nil {
		r.StartedAt = domain.Ptr(trimMillis(*r.StartedAt))
	}
	if r.FinishedAt != nil {
		r.FinishedAt = domain.Ptr(trimMillis(*r.FinishedAt))
	}
	return r
}

// ---- functions ----

const functionColumns = `id, name, code, runtime, version, checksum, limits, state, channel_id, created_at, updated_at`

func (s *sqlStore) CreateFunction(ctx context.Context, f domain.Function) (domain.Function, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Version <= 0 {
		f.Version = 1
	}
	if f.Checksum == "" {
		f.Checksum = domain.Checksum(f.Code)
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO functions(`+functionColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Name, f.Code, f.Runtime, f.Version, f.Checksum, nullJSON(f.Limits), nullJSON(f.State),
		nullStr(f.ChannelID), f.CreatedAt.UnixMilli(), f.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Function{}, fmt.Errorf("create function: %w", err)
	}
	f.CreatedAt = trimMillis(f.CreatedAt)
	f.UpdatedAt = trimMillis(f.UpdatedAt)
	return f, nil
}

func (s *sqlStore) GetFunction(ctx context.Context, id string) (domain.Function, error) {
	return s.getFunction(ctx, s.db, id)
}

func (s *sqlStore) getFunction(ctx context.Context, q queryer, id string) (domain.Function, error) {
	var (
		f         domain.Function
		limits    []byte
		state     []byte
		channelID sql.NullString
		created   int64
		updated   int64
	)
	err := s.queryRow(ctx, q, `SELECT `+functionColumns+` FROM functions WHERE id = ?`, id).Scan(
		&f.ID, &f.Name, &f.Code, &f.Runtime, &f.Version, &f.Checksum, &limits, &state, &channelID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Function{}, domain.NotFound("function", id)
	}
	if err != nil {
		return domain.Function{}, err
	}
	if len(limits) > 0 {
		f.Limits = append([]byte(nil), limits...)
	}
	if len(state) > 0 {
		f.State = append([]byte(nil), state...)
	}
	f.ChannelID = channelID.String
	f.CreatedAt = time.UnixMilli(created).UTC()
	f.UpdatedAt = time.UnixMilli(updated).UTC()
	return f, nil
}

func (s *sqlStore) UpdateFunction(ctx context.Context, id string, p domain.FunctionPatch) (domain.Function, error) {
	var out domain.Function
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		f, err := s.getFunction(ctx, tx, id)
		if err != nil {
			return err
		}
		applyFunctionPatch(&f, p, s.now())
		_, err = s.exec(ctx, tx, `UPDATE functions SET name=?, code=?, runtime=?, version=?, checksum=?, limits=?,
			state=?, channel_id=?, updated_at=? WHERE id = ?`,
			f.Name, f.Code, f.Runtime, f.Version, f.Checksum, nullJSON(f.Limits), nullJSON(f.State),
			nullStr(f.ChannelID), f.UpdatedAt.UnixMilli(), id,
		)
		f.UpdatedAt = trimMillis(f.UpdatedAt)
		out = f
		return err
	})
	return out, err
}

func (s *sqlStore) DeleteFunction(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM functions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("function", id)
	}
	return nil
}

// applyFunctionPatch bumps version and checksum when the code changes.
func applyFunctionPatch(f *domain.Function, p domain.FunctionPatch, now time.Time) {
	if p.Name != nil {
		f.Name = *p.Name
	}
	if p.Code != nil && *p.Code != f.Code {
		f.Code = *p.Code
		f.Version++
		f.Checksum = domain.Checksum(f.Code)
	}
	if p.Runtime != nil {
		f.Runtime = *p.Runtime
	}
	if p.Limits != nil {
		f.Limits = p.Limits
	}
	if p.State != nil {
		f.State = p.State
	}
	if p.ChannelID != nil {
		f.ChannelID = *p.ChannelID
	}
	f.UpdatedAt = now
}

// ---- channels ----

const channelColumns = `id, name, description, channel_type, provider, config, is_active, status, created_at, updated_at`

func (s *sqlStore) GetChannel(ctx context.Context, id string) (domain.Channel, error) {
	c, err := scanChannel(s.queryRow(ctx, s.db, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, domain.NotFound("channel", id)
	}
	return c, err
}

func (s *sqlStore) FindChannelByProviderAndSession(ctx context.Context, provider, session string) (domain.Channel, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+channelColumns+` FROM channels WHERE provider = ? ORDER BY created_at, id`, provider)
	if err != nil {
		return domain.Channel{}, err
	}
	defer rows.Close()
	want := strings.ToLower(strings.TrimSpace(session))
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return domain.Channel{}, err
		}
		if c.Session() == want {
			return c, nil
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Channel{}, err
	}
	return domain.Channel{}, domain.NotFound("channel", provider+"/"+session)
}

func (s *sqlStore) UpsertChannel(ctx context.Context, c domain.Channel) (domain.Channel, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cfg := string(c.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO channels(`+channelColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
		channel_type=excluded.channel_type, provider=excluded.provider, config=excluded.config,
		is_active=excluded.is_active, status=excluded.status, updated_at=excluded.updated_at`,
		c.ID, c.Name, c.Description, c.Type, c.Provider, cfg, c.IsActive, c.Status,
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("upsert channel: %w", err)
	}
	return s.GetChannel(ctx, c.ID)
}

func scanChannel(r rowScanner) (domain.Channel, error) {
	var (
		c       domain.Channel
		cfg     []byte
		created int64
		updated int64
	)
	if err := r.Scan(&c.ID, &c.Name, &c.Description, &c.Type, &c.Provider, &cfg, &c.IsActive, &c.Status, &created, &updated); err != nil {
		return domain.Channel{}, err
	}
	if len(cfg) > 0 {
		c.Config = append([]byte(nil), cfg...)
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, nil
}
