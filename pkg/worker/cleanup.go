package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/repo"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	cleanupBatchSize   = 50
	cleanupConcurrency = 10
	cleanupCallTimeout = 30 * time.Second
)

// AdapterResolver looks up the adapter for an orphan's platform.
type AdapterResolver interface {
	Resolve(p model.Platform) (platform.Adapter, error)
}

// UserLocker is the per-username lock shared with the orchestrator.
type UserLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// OrphanStore lists orphans and reads the user that owns them.
type OrphanStore interface {
	repo.OrphanRepository
	Load(ctx context.Context, username string) (*model.User, error)
}

// OrphanCleanupWorker retries the cleanup steps that best-effort paths left
// behind: revoke access, then delete the account unless it was adopted.
// An account that is bound again is left alone.
type OrphanCleanupWorker struct {
	repo        OrphanStore
	adapters    AdapterResolver
	locker      UserLocker
	logger      *logrus.Logger
	interval    time.Duration
	maxAttempts int

	scannedTotal  uint64
	resolvedTotal uint64
	failedTotal   uint64
}

func NewOrphanCleanupWorker(
	repo OrphanStore,
	adapters AdapterResolver,
	locker UserLocker,
	interval time.Duration,
	maxAttempts int,
	log *logrus.Logger,
) *OrphanCleanupWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	w := &OrphanCleanupWorker{
		repo:        repo,
		adapters:    adapters,
		locker:      locker,
		logger:      log,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
	w.registerMetrics()

	return w
}

func (w *OrphanCleanupWorker) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("provisioningservice.cleanup")
	// 1. 清理任务执行统计
	_, err := meter.Int64ObservableGauge("app_orphan_cleanup_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&w.scannedTotal)),
				metric.WithAttributes(attribute.String("action", "scan")))
			obs.Observe(int64(atomic.LoadUint64(&w.resolvedTotal)),
				metric.WithAttributes(attribute.String("action", "cleanup"), attribute.String("result", "success")))
			obs.Observe(int64(atomic.LoadUint64(&w.failedTotal)),
				metric.WithAttributes(attribute.String("action", "cleanup"), attribute.String("result", "failed")))
			return nil
		}),
	)
	if err != nil {
		w.logger.Warnf("[CleanupWorker] failed to register metrics: %v", err)
	}
}

func (w *OrphanCleanupWorker) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	defer wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Infof("[CleanupWorker] Started polling for orphaned accounts (every %s)", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("[CleanupWorker] Stopping...")
			return
		case <-ticker.C:
			w.processOrphans(ctx)
		}
	}
}

func (w *OrphanCleanupWorker) processOrphans(ctx context.Context) {
	// 1. 获得未解决的遗留账号
	orphans, err := w.repo.ListPendingOrphans(ctx, w.maxAttempts, cleanupBatchSize)
	if err != nil {
		w.logger.Errorf("[CleanupWorker] Failed to fetch orphaned accounts: %v", err)
		return
	}
	if len(orphans) == 0 {
		return
	}

	w.logger.Infof("[CleanupWorker] Found %d orphaned accounts. Starting cleanup...", len(orphans))
	atomic.AddUint64(&w.scannedTotal, uint64(len(orphans)))

	// 2. 并发清理, 每个平台调用独立超时
	var wg sync.WaitGroup
	sem := make(chan struct{}, cleanupConcurrency)
	for _, orphan := range orphans {
		wg.Add(1)
		go func(o *model.OrphanedAccount) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			w.cleanup(ctx, o)
		}(orphan)
	}
	wg.Wait()
}

func (w *OrphanCleanupWorker) cleanup(ctx context.Context, o *model.OrphanedAccount) {
	log := w.logger.WithFields(logrus.Fields{
		"orphan_id": o.ID,
		"platform":  o.Platform,
		"native_id": o.NativeID,
		"username":  o.Username,
	})

	// 与编排器同一把用户锁, 避免清理进行中的绑定
	lockCtx, cancel := context.WithTimeout(ctx, cleanupCallTimeout)
	unlock, err := w.locker.Lock(lockCtx, o.Username)
	cancel()
	if err != nil {
		log.Warnf("[CleanupWorker] User is busy (%v). Will retry next tick.", err)
		return
	}
	defer unlock()

	bound, err := w.bound(ctx, o)
	if err == nil && bound {
		log.Info("[CleanupWorker] Account is bound again, dropping cleanup")
		w.resolve(ctx, log, o)
		return
	}
	if err == nil {
		err = w.release(ctx, o)
	}
	if err != nil {
		atomic.AddUint64(&w.failedTotal, 1)
		log.Warnf("[CleanupWorker] Cleanup attempt %d failed: %v. Will retry next tick.", o.Attempts+1, err)
		if err := w.repo.BumpOrphanAttempt(ctx, o.ID, err.Error()); err != nil {
			log.Errorf("[CleanupWorker] Failed to record attempt: %v", err)
		}
		if o.Attempts+1 >= w.maxAttempts {
			log.Errorf("[CleanupWorker] Giving up after %d attempts, manual cleanup required", w.maxAttempts)
		}
		return
	}

	w.resolve(ctx, log, o)
	log.Info("[CleanupWorker] Orphaned account cleaned up")
}

func (w *OrphanCleanupWorker) resolve(ctx context.Context, log *logrus.Entry, o *model.OrphanedAccount) {
	atomic.AddUint64(&w.resolvedTotal, 1)
	if err := w.repo.MarkOrphanResolved(ctx, o.ID); err != nil {
		log.Errorf("[CleanupWorker] Failed to mark resolved: %v", err)
	}
}

// bound reports whether the orphan's account is the user's current binding.
func (w *OrphanCleanupWorker) bound(ctx context.Context, o *model.OrphanedAccount) (bool, error) {
	user, err := w.repo.Load(ctx, o.Username)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b, ok := user.Binding(o.Platform)
	return ok && b.NativeID == o.NativeID, nil
}

// release treats ErrNotFound as already clean.
func (w *OrphanCleanupWorker) release(ctx context.Context, o *model.OrphanedAccount) error {
	adapter, err := w.adapters.Resolve(o.Platform)
	if err != nil {
		return err
	}
	attrs, err := o.Attributes()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cleanupCallTimeout)
	defer cancel()

	if err := adapter.RevokeAccess(ctx, o.NativeID, attrs); err != nil && !errors.Is(err, platform.ErrNotFound) {
		return err
	}
	if o.Operation == model.OrphanRevoke {
		return nil
	}
	if err := adapter.DeleteAccount(ctx, o.NativeID); err != nil && !errors.Is(err, platform.ErrNotFound) {
		return err
	}
	return nil
}
