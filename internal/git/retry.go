package git

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/schaermu/reftrackd/internal/reflog"
	"github.com/schaermu/reftrackd/internal/refname"
)

// RetryClient wraps a Client and retries operations failing with a Network
// error, doubling the delay after every attempt.
type RetryClient struct {
	next     Client
	attempts int
	backoff  time.Duration
	logger   *zap.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryClient returns a Client making at most attempts calls per
// operation. attempts below 1 are treated as 1.
func NewRetryClient(next Client, attempts int, backoff time.Duration, logger *zap.Logger) *RetryClient {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryClient{
		next:     next,
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func (r *RetryClient) EnsureMirror(ctx context.Context, url, dir string) error {
	return r.do(ctx, "mirror", func() error {
		return r.next.EnsureMirror(ctx, url, dir)
	})
}

func (r *RetryClient) ListRefs(ctx context.Context, dir string, cat refname.Category) ([]Ref, error) {
	var refs []Ref
	err := r.do(ctx, "list-refs", func() error {
		var err error
		refs, err = r.next.ListRefs(ctx, dir, cat)
		return err
	})
	return refs, err
}

func (r *RetryClient) CommitLog(ctx context.Context, dir string, cat refname.Category, name string) ([]reflog.Commit, error) {
	var commits []reflog.Commit
	err := r.do(ctx, "log", func() error {
		var err error
		commits, err = r.next.CommitLog(ctx, dir, cat, name)
		return err
	})
	return commits, err
}

func (r *RetryClient) do(ctx context.Context, op string, fn func() error) error {
	delay := r.backoff
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || !IsKind(err, Network) || attempt == r.attempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		r.logger.Warn("git operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return err
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
