package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spendguard/internal/config"
)

const (
	getValueSQL = `SELECT value FROM kv_entries
    WHERE key = $1
      AND (expires_at IS NULL OR expires_at > now());`

	setValueSQL = `INSERT INTO kv_entries (key, value, expires_at)
    VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
    ON CONFLICT (key) DO UPDATE
    SET value      = EXCLUDED.value,
        expires_at = EXCLUDED.expires_at;`

	deleteValueSQL   = `DELETE FROM kv_entries WHERE key = $1;`
	deleteCounterSQL = `DELETE FROM counters WHERE key = $1;`
	deleteListSQL    = `DELETE FROM list_items WHERE key = $1;`

	getCounterSQL = `SELECT value FROM counters
    WHERE key = $1
      AND (expires_at IS NULL OR expires_at > now());`

	incrementCounterSQL = `INSERT INTO counters (key, value, expires_at)
    VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
    ON CONFLICT (key) DO UPDATE
    SET value = CASE
            WHEN counters.expires_at IS NOT NULL AND counters.expires_at <= now() THEN EXCLUDED.value
            ELSE counters.value + EXCLUDED.value
        END,
        expires_at = CASE
            WHEN counters.expires_at IS NOT NULL AND counters.expires_at <= now() THEN EXCLUDED.expires_at
            ELSE counters.expires_at
        END
    RETURNING value;`

	appendListSQL = `INSERT INTO list_items (key, value, expires_at)
    VALUES (
        $1,
        $2,
        COALESCE(
            (SELECT expires_at FROM list_items
              WHERE key = $1 AND expires_at > now()
              ORDER BY id LIMIT 1),
            CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END
        )
    );`

	rangeListSQL = `SELECT value FROM list_items
    WHERE key = $1
      AND (expires_at IS NULL OR expires_at > now())
    ORDER BY id
    OFFSET $2
    LIMIT $3;`

	countListSQL = `SELECT COUNT(*) FROM list_items
    WHERE key = $1
      AND (expires_at IS NULL OR expires_at > now());`

	purgeValuesSQL   = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now();`
	purgeCountersSQL = `DELETE FROM counters WHERE expires_at IS NOT NULL AND expires_at <= now();`
	purgeListsSQL    = `DELETE FROM list_items WHERE expires_at IS NOT NULL AND expires_at <= now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock(hashtextextended($1, 0));`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock(hashtextextended($1, 0));`
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Postgres is a Backend over PostgreSQL. Locks are session-level advisory
// locks held on a dedicated pooled connection, so they vanish with the
// holder's session.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wires a pgx pool into a Backend.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool resources.
func (p *Postgres) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

func (p *Postgres) getPool() (*pgxpool.Pool, error) {
	if p == nil || p.pool == nil {
		return nil, ErrNotConfigured
	}
	return p.pool, nil
}

// Get implements Backend.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := pool.QueryRow(ctx, getValueSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set implements Backend.
func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, setValueSQL, key, value, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	batch.Queue(deleteValueSQL, key)
	batch.Queue(deleteCounterSQL, key)
	batch.Queue(deleteListSQL, key)
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Counter implements Backend.
func (p *Postgres) Counter(ctx context.Context, key string) (int64, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	var value int64
	if err := pool.QueryRow(ctx, getCounterSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter %s: %w", key, err)
	}
	return value, nil
}

// Increment implements Backend.
func (p *Postgres) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	var value int64
	if err := pool.QueryRow(ctx, incrementCounterSQL, key, delta, ttl.Milliseconds()).Scan(&value); err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return value, nil
}

// Append implements Backend.
func (p *Postgres) Append(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	if _, err := pool.Exec(ctx, appendListSQL, key, value, ttl.Milliseconds()); err != nil {
		return 0, fmt.Errorf("append %s: %w", key, err)
	}
	return p.Len(ctx, key)
}

// Range implements Backend.
func (p *Postgres) Range(ctx context.Context, key string, offset, count int64) ([][]byte, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if count <= 0 {
		return nil, nil
	}

	rows, queryErr := pool.Query(ctx, rangeListSQL, key, offset, count)
	if queryErr != nil {
		return nil, fmt.Errorf("range %s: %w", key, queryErr)
	}
	defer rows.Close()

	items := make([][]byte, 0, count)
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		items = append(items, value)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// Len implements Backend.
func (p *Postgres) Len(ctx context.Context, key string) (int64, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countListSQL, key).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	return count, nil
}

// Purge removes expired rows. Reads already ignore them.
func (p *Postgres) Purge(ctx context.Context) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	batch.Queue(purgeValuesSQL)
	batch.Queue(purgeCountersSQL)
	batch.Queue(purgeListsSQL)
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("purge expired rows: %w", err)
	}
	return nil
}

// AcquireLock polls pg_try_advisory_lock on one held connection until it
// succeeds or the timeout elapses.
func (p *Postgres) AcquireLock(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		var acquired bool
		if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
			conn.Release()
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if acquired {
			return &pgLock{conn: conn, key: key}, nil
		}
		retry, err := waitRetry(ctx, deadline)
		if err != nil {
			conn.Release()
			return nil, err
		}
		if !retry {
			conn.Release()
			return nil, ErrLockTimeout
		}
	}
}

type pgLock struct {
	conn *pgxpool.Conn
	key  string
}

func (l *pgLock) Key() string { return l.key }

func (l *pgLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	ctxUnlock, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := l.conn.Exec(ctxUnlock, advisoryUnlockSQL, l.key)
	if err != nil {
		// the session may still hold the lock; drop the connection so it ends
		_ = l.conn.Conn().Close(ctxUnlock)
	}
	l.conn.Release()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock %s: %w", l.key, err)
	}
	return nil
}

var _ Backend = (*Postgres)(nil)
