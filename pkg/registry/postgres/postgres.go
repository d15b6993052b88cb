// Package postgres is the db.driver=postgresql SubmissionRegistry backend:
// jackc/pgx/v5 over a connection pool, SELECT ... FOR UPDATE SKIP LOCKED for
// fetchNext, and conditional UPDATE ... WHERE status = $expected for every
// compare-and-swap (spec §4.2/§9 Open Question 2). The teacher's own
// dependency-detection code names pgx as its Postgres signal
// (pkg/core/analysis/repository.go) without ever driving a real connection;
// this backend is the genuine client code that signal implied.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steep-wms/steep/pkg/domainerrors"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry"
)

// Registry is a Postgres-backed SubmissionRegistry.
type Registry struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against dsn and ensures the schema exists.
func Connect(ctx context.Context, dsn string) (*Registry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	r := &Registry{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	workflow JSONB NOT NULL,
	status TEXT NOT NULL,
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	results JSONB,
	error_message TEXT,
	execution_state JSONB,
	sequence BIGSERIAL
);
CREATE TABLE IF NOT EXISTS process_chains (
	id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id),
	executables JSONB NOT NULL,
	required_capabilities JSONB NOT NULL,
	capability_key TEXT NOT NULL,
	status TEXT NOT NULL,
	agent TEXT,
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	results JSONB,
	error_message TEXT,
	sequence BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_process_chains_status ON process_chains(status);
CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
`
	_, err := r.pool.Exec(ctx, ddl)
	if err != nil {
		return domainerrors.StorageUnavailable(err)
	}
	return nil
}

var _ registry.SubmissionRegistry = (*Registry)(nil)

func (r *Registry) AddSubmission(ctx context.Context, sub *model.Submission) error {
	workflow, err := json.Marshal(sub.Workflow)
	if err != nil {
		return domainerrors.Validation(err.Error())
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO submissions (id, workflow, status) VALUES ($1, $2, $3)`,
		sub.ID, workflow, string(sub.Status))
	if err != nil {
		return domainerrors.Conflict("submission", sub.ID)
	}
	return nil
}

func (r *Registry) FindSubmissionByID(ctx context.Context, id string) (*model.Submission, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, workflow, status, start_time, end_time, results, error_message, execution_state
		 FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domainerrors.NotFound("submission", id)
		}
		return nil, domainerrors.StorageUnavailable(err)
	}
	return sub, nil
}

func (r *Registry) FindSubmissionsByStatus(ctx context.Context, status model.SubmissionStatus) ([]*model.Submission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, workflow, status, start_time, end_time, results, error_message, execution_state
		 FROM submissions WHERE status = $1 ORDER BY sequence ASC`, string(status))
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var out []*model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, domainerrors.StorageUnavailable(err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *Registry) CountSubmissions(ctx context.Context, status model.SubmissionStatus) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM submissions WHERE status = $1`, string(status)).Scan(&count)
	if err != nil {
		return 0, domainerrors.StorageUnavailable(err)
	}
	return count, nil
}

func (r *Registry) SetSubmissionStatus(ctx context.Context, id string, status model.SubmissionStatus) error {
	return r.exec(ctx, `UPDATE submissions SET status = $1 WHERE id = $2`, string(status), id)
}

func (r *Registry) SetSubmissionStartTime(ctx context.Context, id string, t time.Time) error {
	return r.exec(ctx, `UPDATE submissions SET start_time = $1 WHERE id = $2`, t, id)
}

func (r *Registry) SetSubmissionEndTime(ctx context.Context, id string, t time.Time) error {
	return r.exec(ctx, `UPDATE submissions SET end_time = $1 WHERE id = $2`, t, id)
}

func (r *Registry) SetSubmissionResults(ctx context.Context, id string, results map[string][]string) error {
	data, err := json.Marshal(results)
	if err != nil {
		return domainerrors.Validation(err.Error())
	}
	return r.exec(ctx, `UPDATE submissions SET results = $1 WHERE id = $2`, data, id)
}

func (r *Registry) GetSubmissionResults(ctx context.Context, id string) (map[string][]string, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT results FROM submissions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, mapPgErr(err, "submission", id)
	}
	return decodeResults(data)
}

func (r *Registry) SetSubmissionErrorMessage(ctx context.Context, id string, msg string) error {
	return r.exec(ctx, `UPDATE submissions SET error_message = $1 WHERE id = $2`, msg, id)
}

func (r *Registry) SetSubmissionExecutionState(ctx context.Context, id string, state map[string]interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return domainerrors.Validation(err.Error())
	}
	return r.exec(ctx, `UPDATE submissions SET execution_state = $1 WHERE id = $2`, data, id)
}

func (r *Registry) GetSubmissionExecutionState(ctx context.Context, id string) (map[string]interface{}, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT execution_state FROM submissions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, mapPgErr(err, "submission", id)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var state map[string]interface{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	return state, nil
}

// FetchNextSubmission uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// controllers on different nodes never block on, or double-claim, the same
// row (spec §4.2 linearizability invariant).
func (r *Registry) FetchNextSubmission(ctx context.Context, currentStatus, newStatus model.SubmissionStatus) (*model.Submission, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id, workflow, status, start_time, end_time, results, error_message, execution_state
		 FROM submissions WHERE status = $1 ORDER BY sequence ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		string(currentStatus))
	sub, err := scanSubmission(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, domainerrors.StorageUnavailable(err)
	}

	if _, err := tx.Exec(ctx, `UPDATE submissions SET status = $1 WHERE id = $2`, string(newStatus), sub.ID); err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	sub.Status = newStatus
	return sub, nil
}

func (r *Registry) AddProcessChains(ctx context.Context, chains []*model.ProcessChain) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domainerrors.StorageUnavailable(err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chains {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM submissions WHERE id = $1)`, c.SubmissionID).Scan(&exists); err != nil {
			return domainerrors.StorageUnavailable(err)
		}
		if !exists {
			return domainerrors.Validation("addProcessChains: unknown submissionId " + c.SubmissionID)
		}
	}

	for _, c := range chains {
		execs, err := json.Marshal(c.Executables)
		if err != nil {
			return domainerrors.Validation(err.Error())
		}
		caps, err := json.Marshal(c.RequiredCapabilities)
		if err != nil {
			return domainerrors.Validation(err.Error())
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO process_chains (id, submission_id, executables, required_capabilities, capability_key, status)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.SubmissionID, execs, caps, c.CapabilityKey(), string(c.Status))
		if err != nil {
			return domainerrors.StorageUnavailable(err)
		}
	}
	return mapTxCommit(tx.Commit(ctx))
}

func (r *Registry) FindProcessChainsBySubmission(ctx context.Context, submissionID string) ([]*model.ProcessChain, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, submission_id, executables, required_capabilities, status, agent, start_time, end_time, results, error_message, sequence
		 FROM process_chains WHERE submission_id = $1 ORDER BY sequence ASC`, submissionID)
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	defer rows.Close()
	return scanChains(rows)
}

func (r *Registry) FindProcessChainsByStatus(ctx context.Context, status model.ProcessChainStatus) ([]*model.ProcessChain, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, submission_id, executables, required_capabilities, status, agent, start_time, end_time, results, error_message, sequence
		 FROM process_chains WHERE status = $1 ORDER BY sequence ASC`, string(status))
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	defer rows.Close()
	return scanChains(rows)
}

func (r *Registry) CountProcessChainsByStatus(ctx context.Context, status model.ProcessChainStatus) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM process_chains WHERE status = $1`, string(status)).Scan(&count)
	if err != nil {
		return 0, domainerrors.StorageUnavailable(err)
	}
	return count, nil
}

func (r *Registry) FetchNextProcessChain(ctx context.Context, currentStatus, newStatus model.ProcessChainStatus, capabilityKeys []string) (*model.ProcessChain, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	defer tx.Rollback(ctx)

	var row pgx.Row
	if len(capabilityKeys) == 0 {
		row = tx.QueryRow(ctx,
			`SELECT id, submission_id, executables, required_capabilities, status, agent, start_time, end_time, results, error_message, sequence
			 FROM process_chains WHERE status = $1 ORDER BY sequence ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
			string(currentStatus))
	} else {
		row = tx.QueryRow(ctx,
			`SELECT id, submission_id, executables, required_capabilities, status, agent, start_time, end_time, results, error_message, sequence
			 FROM process_chains WHERE status = $1 AND capability_key = ANY($2) ORDER BY sequence ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
			string(currentStatus), capabilityKeys)
	}

	chain, err := scanChain(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, domainerrors.StorageUnavailable(err)
	}

	if _, err := tx.Exec(ctx, `UPDATE process_chains SET status = $1 WHERE id = $2`, string(newStatus), chain.ID); err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	chain.Status = newStatus
	return chain, nil
}

func (r *Registry) SetProcessChainStatus(ctx context.Context, id string, status model.ProcessChainStatus) error {
	return r.exec(ctx, `UPDATE process_chains SET status = $1 WHERE id = $2`, string(status), id)
}

// CompareAndSwapProcessChainStatus folds the compare and the swap into one
// conditional UPDATE, which Postgres executes atomically per-row.
func (r *Registry) CompareAndSwapProcessChainStatus(ctx context.Context, id string, expected, newStatus model.ProcessChainStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE process_chains SET status = $1 WHERE id = $2 AND status = $3`,
		string(newStatus), id, string(expected))
	if err != nil {
		return false, domainerrors.StorageUnavailable(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Registry) SetAllProcessChainStatusBySubmission(ctx context.Context, submissionID string, expected, newStatus model.ProcessChainStatus) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE process_chains SET status = $1 WHERE submission_id = $2 AND status = $3`,
		string(newStatus), submissionID, string(expected))
	if err != nil {
		return 0, domainerrors.StorageUnavailable(err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Registry) SetProcessChainAgent(ctx context.Context, id string, agent string) error {
	return r.exec(ctx, `UPDATE process_chains SET agent = $1 WHERE id = $2`, agent, id)
}

func (r *Registry) SetProcessChainStartTime(ctx context.Context, id string, t time.Time) error {
	return r.exec(ctx, `UPDATE process_chains SET start_time = $1 WHERE id = $2`, t, id)
}

func (r *Registry) SetProcessChainEndTime(ctx context.Context, id string, t time.Time) error {
	return r.exec(ctx, `UPDATE process_chains SET end_time = $1 WHERE id = $2`, t, id)
}

func (r *Registry) SetProcessChainResults(ctx context.Context, id string, results map[string][]string) error {
	data, err := json.Marshal(results)
	if err != nil {
		return domainerrors.Validation(err.Error())
	}
	return r.exec(ctx, `UPDATE process_chains SET results = $1 WHERE id = $2`, data, id)
}

func (r *Registry) GetProcessChainResults(ctx context.Context, id string) (map[string][]string, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT results FROM process_chains WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, mapPgErr(err, "processChain", id)
	}
	return decodeResults(data)
}

func (r *Registry) SetProcessChainErrorMessage(ctx context.Context, id string, msg string) error {
	return r.exec(ctx, `UPDATE process_chains SET error_message = $1 WHERE id = $2`, msg, id)
}

func (r *Registry) Close() error {
	r.pool.Close()
	return nil
}

func (r *Registry) exec(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return domainerrors.StorageUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.NotFound("row", sql)
	}
	return nil
}

func mapTxCommit(err error) error {
	if err != nil {
		return domainerrors.StorageUnavailable(err)
	}
	return nil
}

func mapPgErr(err error, resource, id string) error {
	if err == pgx.ErrNoRows {
		return domainerrors.NotFound(resource, id)
	}
	return domainerrors.StorageUnavailable(err)
}

func decodeResults(data []byte) (map[string][]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var results map[string][]string
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	return results, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row scannable) (*model.Submission, error) {
	var (
		sub            model.Submission
		workflow       []byte
		status         string
		results        []byte
		executionState []byte
	)
	if err := row.Scan(&sub.ID, &workflow, &status, &sub.StartTime, &sub.EndTime, &results, &sub.ErrorMessage, &executionState); err != nil {
		return nil, err
	}
	sub.Status = model.SubmissionStatus(status)
	if len(workflow) > 0 {
		_ = json.Unmarshal(workflow, &sub.Workflow)
	}
	if len(results) > 0 {
		_ = json.Unmarshal(results, &sub.Results)
	}
	if len(executionState) > 0 {
		_ = json.Unmarshal(executionState, &sub.ExecutionState)
	}
	return &sub, nil
}

func scanChain(row scannable) (*model.ProcessChain, error) {
	var (
		chain        model.ProcessChain
		executables  []byte
		capabilities []byte
		status       string
		results      []byte
	)
	if err := row.Scan(&chain.ID, &chain.SubmissionID, &executables, &capabilities, &status, &chain.Agent,
		&chain.StartTime, &chain.EndTime, &results, &chain.ErrorMessage, &chain.Sequence); err != nil {
		return nil, err
	}
	chain.Status = model.ProcessChainStatus(status)
	if len(executables) > 0 {
		_ = json.Unmarshal(executables, &chain.Executables)
	}
	if len(capabilities) > 0 {
		_ = json.Unmarshal(capabilities, &chain.RequiredCapabilities)
	}
	if len(results) > 0 {
		_ = json.Unmarshal(results, &chain.Results)
	}
	return &chain, nil
}

func scanChains(rows pgx.Rows) ([]*model.ProcessChain, error) {
	var out []*model.ProcessChain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, domainerrors.StorageUnavailable(err)
		}
		out = append(out, chain)
	}
	return out, rows.Err()
}
