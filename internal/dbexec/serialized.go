package dbexec

import (
	"context"
	"database/sql"
	"sync"
)

// SerializedQuerier lets several goroutines share one connection-bound querier.
// A PostgreSQL connection runs one statement at a time, so a query holds the
// lock until its rows are closed. Callers must always close the rows.
type SerializedQuerier struct {
	inner Querier
	mu    sync.Mutex
}

// Serialize wraps q so concurrent callers take turns.
func Serialize(q Querier) *SerializedQuerier {
	return &SerializedQuerier{inner: q}
}

func (s *SerializedQuerier) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	s.mu.Lock()
	rows, err := s.inner.QueryContext(ctx, query, args...)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &lockedRows{Rows: rows, unlock: s.mu.Unlock}, nil
}

func (s *SerializedQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ExecContext(ctx, query, args...)
}

type lockedRows struct {
	Rows
	unlock func()
	once   sync.Once
}

func (r *lockedRows) Close() error {
	defer r.once.Do(r.unlock)
	return r.Rows.Close()
}
