package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/oilcast/featurepipe/pkg/adapter"
	"github.com/oilcast/featurepipe/pkg/core"
)

// DefaultRetries is used when Config.Retries is negative.
const DefaultRetries = 3

// Config controls the client's retry policy.
type Config struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *slog.Logger
}

// Client is a retrying front for a connected adapter.
type Client struct {
	adapter adapter.Adapter
	retries uint64
	base    time.Duration
	max     time.Duration
	logger  *slog.Logger
}

// New wraps a connected adapter.
func New(a adapter.Adapter, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Client{
		adapter: a,
		retries: uint64(cfg.Retries),
		base:    cfg.BaseDelay,
		max:     cfg.MaxDelay,
		logger:  cfg.Logger,
	}
}

// Adapter returns the wrapped adapter.
func (c *Client) Adapter() adapter.Adapter { return c.adapter }

// DialectName returns the wrapped adapter's dialect.
func (c *Client) DialectName() string { return c.adapter.DialectName() }

// Close closes the wrapped adapter.
func (c *Client) Close() error { return c.adapter.Close() }

// Exec runs a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, sql string) error {
	return c.do(ctx, "exec", func(ctx context.Context) error {
		return c.adapter.Exec(ctx, sql)
	})
}

// Query runs a statement that returns rows. Only the call that opens the
// result set is retried; iteration errors belong to the caller.
func (c *Client) Query(ctx context.Context, sql string) (*core.Rows, error) {
	var rows *core.Rows
	err := c.do(ctx, "query", func(ctx context.Context) error {
		var err error
		rows, err = c.adapter.Query(ctx, sql)
		return err
	})
	return rows, err
}

// GetTableMetadata reads a table's ordered column catalog.
func (c *Client) GetTableMetadata(ctx context.Context, table string) (*core.TableMetadata, error) {
	var meta *core.TableMetadata
	err := c.do(ctx, "describe "+table, func(ctx context.Context) error {
		var err error
		meta, err = c.adapter.GetTableMetadata(ctx, table)
		return err
	})
	return meta, err
}

// TableStats reads a table's row count and latest date.
func (c *Client) TableStats(ctx context.Context, table, dateColumn string) (*core.TableStats, error) {
	var stats *core.TableStats
	err := c.do(ctx, "stats "+table, func(ctx context.Context) error {
		var err error
		stats, err = c.adapter.TableStats(ctx, table, dateColumn)
		return err
	})
	return stats, err
}

// CreateOrReplaceTable atomically replaces table with the result of query.
// Replacing is idempotent, so the whole statement is safe to retry.
func (c *Client) CreateOrReplaceTable(ctx context.Context, table, query string) error {
	return c.do(ctx, "replace "+table, func(ctx context.Context) error {
		return c.adapter.CreateOrReplaceTable(ctx, table, query)
	})
}

// LoadCSV loads a seed file into table.
func (c *Client) LoadCSV(ctx context.Context, table, path string) error {
	return c.do(ctx, "load "+table, func(ctx context.Context) error {
		return c.adapter.LoadCSV(ctx, table, path)
	})
}

// QueryInt64 runs a single-value query and scans the result.
func (c *Client) QueryInt64(ctx context.Context, sql string) (int64, error) {
	var n int64
	err := c.do(ctx, "query", func(ctx context.Context) error {
		rows, err := c.adapter.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("query returned no rows: %s", sql)
		}
		if err := rows.Scan(&n); err != nil {
			return err
		}
		return rows.Err()
	})
	return n, err
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.base)
	b = retry.WithCappedDuration(c.max, b)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(c.retries, b)
}

func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && IsTransient(err) {
			c.logger.Warn("transient warehouse error",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, core.ErrTimeout) {
			return err
		}
		return &core.TimeoutError{Stage: op, Err: err}
	}
	if IsTransient(err) && !errors.Is(err, core.ErrTransient) {
		return fmt.Errorf("%w: %s failed after %d attempt(s): %w", core.ErrTransient, op, attempt, err)
	}
	return err
}
