package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	Concurrency   int
	RetryDelay    time.Duration // first pause after a consumer error or a transient failure
	MaxRetryDelay time.Duration // ceiling for the doubling retry pause
}

// Worker drains a Consumer into the Service. Each message is acked once its
// submission is committed or has failed permanently. Transient failures are
// retried in place, so a message is never passed over while it can still
// succeed; on shutdown it is nacked and left uncommitted.
type Worker struct {
	cfg      WorkerConfig
	consumer Consumer
	svc      *Service
	logger   *zap.Logger
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig, consumer Consumer, svc *Service, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 30 * cfg.RetryDelay
	}
	return &Worker{cfg: cfg, consumer: consumer, svc: svc, logger: logger}
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("ingest worker starting", zap.Int("concurrency", w.cfg.Concurrency))
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i + 1)
	}
	wg.Wait()
	w.logger.Info("ingest worker stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		msg, ack, err := w.consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.logger.Warn("consumer error", zap.Int("worker", id), zap.Error(err))
			if sleep(ctx, w.cfg.RetryDelay) != nil {
				return
			}
			continue
		}
		w.handle(ctx, id, msg, ack)
	}
}

// handle submits msg until it commits, fails permanently or ctx is done.
func (w *Worker) handle(ctx context.Context, id int, msg *Message, ack func(bool)) {
	for attempt := 0; ; attempt++ {
		receipt, err := w.svc.SubmitMessage(ctx, msg)
		switch {
		case err == nil:
			w.logger.Debug("ingested",
				zap.Int("worker", id),
				zap.String("request_id", msg.RequestID),
				zap.String("scope", receipt.Scope),
				zap.Uint64("seq", receipt.Seq),
				zap.Int("retries", attempt),
			)
			ack(true)
			return

		case IsPermanent(err):
			w.logger.Warn("dropping submission",
				zap.Int("worker", id),
				zap.String("request_id", msg.RequestID),
				zap.String("scope", msg.Scope),
				zap.Error(err),
			)
			ack(true)
			return
		}

		delay := w.retryDelay(attempt)
		w.logger.Warn("submission failed, retrying",
			zap.Int("worker", id),
			zap.String("request_id", msg.RequestID),
			zap.String("scope", msg.Scope),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleep(ctx, delay) != nil {
			w.logger.Warn("shutdown with submission uncommitted",
				zap.Int("worker", id),
				zap.String("request_id", msg.RequestID),
				zap.String("scope", msg.Scope),
			)
			ack(false)
			return
		}
	}
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	d := w.cfg.RetryDelay
	for i := 0; i < attempt && d < w.cfg.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
