package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roleFrom(role string) func(context.Context) (string, bool) {
	return func(context.Context) (string, bool) {
		return role, role != ""
	}
}

func TestRoleExecutorSetsLocalRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL ROLE "app_writer"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	executor := NewRoleExecutor(RoleExecutorConfig{
		DB:           db,
		RoleFromCtx:  roleFrom("app_writer"),
		AllowedRoles: []string{"app_writer"},
		ValidateRole: true,
	})

	tx, err := executor.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleExecutorWithoutRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	executor := NewRoleExecutor(RoleExecutorConfig{DB: db, RoleFromCtx: roleFrom("")})
	tx, err := executor.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleExecutorRejectsUnknownRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	executor := NewRoleExecutor(RoleExecutorConfig{
		DB:           db,
		RoleFromCtx:  roleFrom("superuser"),
		AllowedRoles: []string{"app_writer"},
		ValidateRole: true,
	})

	_, err = executor.BeginTx(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role not allowed")
	require.NoError(t, mock.ExpectationsWereMet(), "no transaction should be opened")
}

func TestRoleExecutorRollsBackWhenSetRoleFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL ROLE "ghost"`)).WillReturnError(errors.New(`role "ghost" does not exist`))
	mock.ExpectRollback()

	executor := NewRoleExecutor(RoleExecutorConfig{DB: db, RoleFromCtx: roleFrom("ghost")})
	_, err = executor.BeginTx(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set role ghost")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStandardExecutorNilDB(t *testing.T) {
	executor := NewStandardExecutor(nil)
	_, err := executor.QueryContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, sql.ErrConnDone)
	_, err = executor.ExecContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, sql.ErrConnDone)
	_, err = executor.BeginTx(context.Background())
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

type countingQuerier struct {
	active    atomic.Int32
	maxActive atomic.Int32
}

type countingRows struct {
	q *countingQuerier
}

func (r *countingRows) Next() bool        { return false }
func (r *countingRows) Scan(...any) error { return nil }
func (r *countingRows) Err() error        { return nil }
func (r *countingRows) Close() error {
	r.q.active.Add(-1)
	return nil
}

func (q *countingQuerier) enter() {
	n := q.active.Add(1)
	for {
		prev := q.maxActive.Load()
		if n <= prev || q.maxActive.CompareAndSwap(prev, n) {
			return
		}
	}
}

func (q *countingQuerier) QueryContext(context.Context, string, ...any) (Rows, error) {
	q.enter()
	return &countingRows{q: q}, nil
}

func (q *countingQuerier) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	q.enter()
	defer q.active.Add(-1)
	return sqlmock.NewResult(0, 1), nil
}

func TestSerializedQuerierRunsOneStatementAtATime(t *testing.T) {
	inner := &countingQuerier{}
	q := Serialize(inner)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = q.ExecContext(context.Background(), "UPDATE t SET x = 1")
				return
			}
			rows, err := q.QueryContext(context.Background(), "SELECT 1")
			if err != nil {
				return
			}
			for rows.Next() {
			}
			_ = rows.Close()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), inner.maxActive.Load())
	assert.Equal(t, int32(0), inner.active.Load())
}

type failingQuerier struct{}

func (failingQuerier) QueryContext(context.Context, string, ...any) (Rows, error) {
	return nil, errors.New("boom")
}

func (failingQuerier) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errors.New("boom")
}

func TestSerializedQuerierReleasesLockOnError(t *testing.T) {
	q := Serialize(failingQuerier{})
	_, err := q.QueryContext(context.Background(), "SELECT 1")
	require.Error(t, err)
	_, err = q.QueryContext(context.Background(), "SELECT 1")
	require.Error(t, err, "a failed query must not leave the lock held")
}
