package hive

import (
	"context"
	"fmt"

	"github.com/beltran/gohive"

	"github.com/nucleus/collector/internal/core"
)

// result is a fully drained statement result with NULLs as "".
type result struct {
	Columns []string
	Rows    [][]string
}

// session runs HiveQL statements.
type session interface {
	Query(ctx context.Context, stmt string) (*result, error)
	Close() error
}

// dialer opens one session per connector operation.
type dialer func(ctx context.Context, conn core.Connection) (session, error)

// gohiveSession adapts a HiveServer2 Thrift connection.
type gohiveSession struct {
	conn *gohive.Connection
}

func dialGohive(_ context.Context, conn core.Connection) (session, error) {
	cfg := gohive.NewConnectConfiguration()
	cfg.Username = conn.User
	cfg.FetchSize = 1000
	c, err := gohive.Connect(conn.Host, conn.Port, "NONE", cfg)
	if err != nil {
		return nil, core.ConnectionError(fmt.Errorf("connect hive %s:%d: %w", conn.Host, conn.Port, err))
	}
	return &gohiveSession{conn: c}, nil
}

func (s *gohiveSession) Query(ctx context.Context, stmt string) (*result, error) {
	cursor := s.conn.Cursor()
	defer cursor.Close()

	cursor.Exec(ctx, stmt)
	if cursor.Err != nil {
		return nil, cursor.Err
	}
	desc := cursor.Description()
	out := &result{Columns: make([]string, len(desc))}
	for i, d := range desc {
		out.Columns[i] = d[0]
	}

	for cursor.HasMore(ctx) {
		if cursor.Err != nil {
			return nil, cursor.Err
		}
		m := cursor.RowMap(ctx)
		if cursor.Err != nil {
			return nil, cursor.Err
		}
		row := make([]string, len(desc))
		for i, d := range desc {
			if v, ok := m[d[0]]; ok && v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, cursor.Err
}

func (s *gohiveSession) Close() error {
	s.conn.Close()
	return nil
}
