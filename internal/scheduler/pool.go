package scheduler

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (s *Scheduler) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}

	s.logger.Info("Worker pool spawned",
		slog.Int("worker_count", s.cfg.Concurrency),
		slog.String("worker_id", s.cfg.WorkerID),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (s *Scheduler) workerLoop(ctx context.Context, workerNum int) {
	defer s.wg.Done()

	workerName := fmt.Sprintf("%s-%d", s.cfg.WorkerID, workerNum)
	s.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		select {
		case <-s.stopChan:
			s.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			s.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case <-s.ready:
			jobID, ok := s.dequeue()
			if !ok {
				continue
			}
			s.processJob(ctx, workerName, jobID)
		}
	}
}
