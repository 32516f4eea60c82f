package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQL keeps entries in the tool_cache table so they survive restarts of a
// single-node deployment.
type SQL struct {
	DB  *sql.DB
	Now func() time.Time
}

func (c SQL) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := c.DB.QueryRowContext(ctx, `SELECT value FROM tool_cache WHERE key=? AND expires_at>?`, key, c.now().UnixMilli()).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c SQL) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	_, err := c.DB.ExecContext(ctx, `INSERT INTO tool_cache(key,value,expires_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, val, c.now().Add(ttl).UnixMilli())
	return err
}

// Sweep deletes expired rows.
func (c SQL) Sweep(ctx context.Context) (int64, error) {
	res, err := c.DB.ExecContext(ctx, `DELETE FROM tool_cache WHERE expires_at<=?`, c.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
