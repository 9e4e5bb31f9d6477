package replication

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbaselabs/dstopo/dsinstance"
	"go.uber.org/zap"
)

type RetryingManagerOptions struct {
	Logger  *zap.Logger
	Manager Manager

	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// RetryingManager retries calls on the wrapped Manager that fail with a
// transient error.  All Manager calls are idempotent so repeating them is
// safe.
type RetryingManager struct {
	logger          *zap.Logger
	manager         Manager
	initialInterval time.Duration
	maxElapsedTime  time.Duration
}

var _ Manager = (*RetryingManager)(nil)

func NewRetryingManager(opts RetryingManagerOptions) *RetryingManager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	initialInterval := opts.InitialInterval
	if initialInterval <= 0 {
		initialInterval = backoff.DefaultInitialInterval
	}

	maxElapsedTime := opts.MaxElapsedTime
	if maxElapsedTime <= 0 {
		maxElapsedTime = 30 * time.Second
	}

	return &RetryingManager{
		logger:          logger,
		manager:         opts.Manager,
		initialInterval: initialInterval,
		maxElapsedTime:  maxElapsedTime,
	}
}

func (m *RetryingManager) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialInterval
	b.MaxElapsedTime = m.maxElapsedTime

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		m.logger.Warn("retrying replication operation",
			zap.String("op", op),
			zap.Duration("next", next),
			zap.Error(err))
	})
}

func (m *RetryingManager) CreateFirstSupplier(ctx context.Context, seed dsinstance.Instance) error {
	return m.retry(ctx, "createFirstSupplier", func() error {
		return m.manager.CreateFirstSupplier(ctx, seed)
	})
}

func (m *RetryingManager) JoinSupplier(ctx context.Context, seed, supplier dsinstance.Instance) error {
	return m.retry(ctx, "joinSupplier", func() error {
		return m.manager.JoinSupplier(ctx, seed, supplier)
	})
}

func (m *RetryingManager) JoinHub(ctx context.Context, seed, hub dsinstance.Instance) error {
	return m.retry(ctx, "joinHub", func() error {
		return m.manager.JoinHub(ctx, seed, hub)
	})
}

func (m *RetryingManager) JoinConsumer(ctx context.Context, feeder, consumer dsinstance.Instance) error {
	return m.retry(ctx, "joinConsumer", func() error {
		return m.manager.JoinConsumer(ctx, feeder, consumer)
	})
}

func (m *RetryingManager) EnsureAgreement(ctx context.Context, from, to dsinstance.Instance) error {
	return m.retry(ctx, "ensureAgreement", func() error {
		return m.manager.EnsureAgreement(ctx, from, to)
	})
}

func (m *RetryingManager) WaitForReplication(ctx context.Context, from, to dsinstance.Instance) error {
	return m.retry(ctx, "waitForReplication", func() error {
		return m.manager.WaitForReplication(ctx, from, to)
	})
}

func (m *RetryingManager) PauseAgreements(ctx context.Context, inst dsinstance.Instance) error {
	return m.retry(ctx, "pauseAgreements", func() error {
		return m.manager.PauseAgreements(ctx, inst)
	})
}

func (m *RetryingManager) ResumeAgreements(ctx context.Context, inst dsinstance.Instance) error {
	return m.retry(ctx, "resumeAgreements", func() error {
		return m.manager.ResumeAgreements(ctx, inst)
	})
}
