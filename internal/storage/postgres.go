package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "notifyrelay/pkg/logx"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS emergency_events (
	id       TEXT PRIMARY KEY,
	at       TIMESTAMPTZ NOT NULL,
	type     TEXT NOT NULL,
	level    TEXT NOT NULL,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	payload  JSONB
);
CREATE INDEX IF NOT EXISTS emergency_events_at ON emergency_events(at);
CREATE TABLE IF NOT EXISTS audit (
	id     BIGSERIAL PRIMARY KEY,
	at     TIMESTAMPTZ NOT NULL,
	actor  TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT,
	ok     BOOLEAN NOT NULL,
	err    TEXT,
	meta   JSONB
);`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", poolCfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	return s.pool.Ping(ctx)
}

func (s *postgresStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("event id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO emergency_events(id, at, type, level, resolved, payload)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(id) DO UPDATE SET
		   at = EXCLUDED.at, type = EXCLUDED.type, level = EXCLUDED.level,
		   resolved = EXCLUDED.resolved, payload = EXCLUDED.payload`,
		e.ID, e.At, e.Type, e.Level, e.Resolved, nullStr(string(e.Payload)),
	)
	return err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, meta) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.At, e.Actor, e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func (s *postgresStore) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, at, type, level, resolved, COALESCE(payload::text, '')
		 FROM emergency_events ORDER BY at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r       EventRecord
			payload string
		)
		if err := rows.Scan(&r.ID, &r.At, &r.Type, &r.Level, &r.Resolved, &payload); err != nil {
			return nil, err
		}
		if payload != "" {
			r.Payload = []byte(payload)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
