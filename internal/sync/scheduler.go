package sync

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"altimeter-sync-service/internal/config"
	"altimeter-sync-service/internal/logger"
)

// Scheduler periodically enqueues a pull for every linked task so remote
// changes missed by the webhook still arrive.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, s.reconcile)
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile sweep: %w", err)
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) reconcile() {
	logger.Log.Info("Running scheduled reconcile sweep")

	n, err := s.manager.ReconcileAll(context.Background())
	if err != nil {
		logger.Log.Error("Reconcile sweep incomplete", zap.Int("enqueued", n), zap.Error(err))
		return
	}
	if s.manager.GetStatus() != "running" {
		logger.Log.Info("Sync worker is idle, pulls will wait in the queue", zap.Int("enqueued", n))
		return
	}
	logger.Log.Info("Reconcile sweep enqueued pulls", zap.Int("enqueued", n))
}
