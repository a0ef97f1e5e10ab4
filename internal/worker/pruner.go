// Package worker содержит фоновые задачи сервиса.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner удаляет устаревшие события одного журнала.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Recorder получает результаты очистки для метрик.
type Recorder interface {
	ObservePrune(status string, pruned int64, seconds float64)
}

// PruneWorker периодически очищает журналы оформлений и неудачных входов.
type PruneWorker struct {
	pruners  map[string]Pruner
	interval time.Duration
	logger   *zap.Logger
	recorder Recorder
}

// NewPruneWorker создаёт задачу очистки. Ключ pruners используется в журнале.
func NewPruneWorker(pruners map[string]Pruner, interval time.Duration, logger *zap.Logger, recorder Recorder) *PruneWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PruneWorker{
		pruners:  pruners,
		interval: interval,
		logger:   logger,
		recorder: recorder,
	}
}

// Start запускает очистку по таймеру и блокируется до отмены ctx.
func (w *PruneWorker) Start(ctx context.Context) {
	if w.interval <= 0 || len(w.pruners) == 0 {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход по всем журналам и возвращает число удалённых событий.
func (w *PruneWorker) RunOnce(ctx context.Context) int64 {
	var total int64
	for name, p := range w.pruners {
		started := time.Now()
		n, err := p.Prune(ctx)
		elapsed := time.Since(started).Seconds()

		if err != nil {
			w.logger.Error("prune error", zap.String("journal", name), zap.Error(err))
			if w.recorder != nil {
				w.recorder.ObservePrune("error", 0, elapsed)
			}
			continue
		}

		total += n
		if n > 0 {
			w.logger.Debug("pruned events", zap.String("journal", name), zap.Int64("count", n))
		}
		if w.recorder != nil {
			w.recorder.ObservePrune("ok", n, elapsed)
		}
	}
	return total
}
