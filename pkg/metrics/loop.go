package metrics

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
)

const (
	DefaultRetryBackoff = 30 * time.Second
	// minSpacing bounds how often the server is hit, even when the token
	// keeps changing.
	minSpacing = 10 * time.Second
	pollCell   = 500 * time.Millisecond
)

type Fetcher interface {
	Fetch(ctx context.Context, token string) (Dashboard, error)
}

// Loop refreshes the dashboard cell for as long as the device runs.
type Loop struct {
	fetcher Fetcher
	config  *state.Cell[store.Config]
	board   *state.Cell[Dashboard]
	ready   func(ctx context.Context) error
	limiter *rate.Limiter
	logger  *slog.Logger

	Interval     time.Duration
	RetryBackoff time.Duration
	PollInterval time.Duration
}

// NewLoop builds a loop. ready blocks until the network can carry
// traffic; nil means always ready.
func NewLoop(f Fetcher, config *state.Cell[store.Config], board *state.Cell[Dashboard], ready func(context.Context) error, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		fetcher:      f,
		config:       config,
		board:        board,
		ready:        ready,
		limiter:      rate.NewLimiter(rate.Every(minSpacing), 1),
		logger:       logger.With("component", "metrics"),
		Interval:     interval,
		RetryBackoff: DefaultRetryBackoff,
		PollInterval: pollCell,
	}
}

func hasToken(c store.Config) bool { return c.Token != "" }

// Run never escalates a fetch failure; it returns only when ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.ready != nil {
			if err := l.ready(ctx); err != nil {
				return err
			}
		}

		cfg, err := l.config.Wait(ctx, l.PollInterval, hasToken)
		if err != nil {
			return err
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}

		next := l.Interval
		d, err := l.fetcher.Fetch(ctx, cfg.Token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("metrics fetch failed", "err", err, "retry_in", l.RetryBackoff)
			l.board.Update(func(prev Dashboard, _ bool) Dashboard {
				prev.LastError = err.Error()
				return prev
			})
			next = l.RetryBackoff
		} else {
			l.logger.Info("metrics updated",
				"commits", d.Commits.AllTime, "prs", len(d.PullRequests), "workflows", len(d.Workflows))
			l.board.Set(d)
		}

		if err := l.sleep(ctx, next, cfg.Token); err != nil {
			return err
		}
	}
}

// sleep waits d, cut short when the token in the config cell changes.
func (l *Loop) sleep(ctx context.Context, d time.Duration, token string) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(l.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			if cfg, ok := l.config.Get(); ok && cfg.Token != token {
				l.logger.Info("token changed, refreshing")
				return nil
			}
		}
	}
}
