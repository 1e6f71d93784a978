package custodia

import (
	"context"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/custodia/audit"
)

// Scheduler drives periodic full backups at the cadence given by the
// config's frequency. A failed run is logged and the loop keeps going; one
// bad backup must not cancel future attempts.
type Scheduler struct {
	manager  *BackupManager
	config   BackupConfig
	audit    audit.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewScheduler creates a scheduler for the given manager and policy. The
// run interval is derived from config.Frequency.
func NewScheduler(manager *BackupManager, config BackupConfig, auditLogger audit.Logger) (*Scheduler, error) {
	if manager == nil {
		return nil, fmt.Errorf("backup manager cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backup config: %w", err)
	}
	interval, err := config.Frequency.Interval()
	if err != nil {
		return nil, err
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Scheduler{
		manager:  manager,
		config:   config,
		audit:    auditLogger,
		interval: interval,
	}, nil
}

// Start launches the backup loop. The first run happens one interval after
// Start, not immediately. The loop exits when ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	_ = s.audit.Log("scheduler_start", true, map[string]interface{}{
		"frequency": string(s.config.Frequency),
		"interval":  s.interval.String(),
		"location":  s.config.Location,
	})

	go s.loop(runCtx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	meta, err := s.manager.CreateFullBackup(s.config)
	if err != nil {
		_ = s.audit.Log("scheduled_backup", false, map[string]interface{}{
			"location": s.config.Location,
			"error":    err.Error(),
		})
		return
	}
	_ = s.audit.Log("scheduled_backup", true, map[string]interface{}{
		"backup_id": meta.ID,
		"location":  s.config.Location,
	})
}

// Stop halts the loop and waits for an in-flight run to finish. Stop is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	s.cancel()
	<-s.done

	_ = s.audit.Log("scheduler_stop", true, map[string]interface{}{
		"location": s.config.Location,
	})
}
