package custodia

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"PeriodicRuns", testSchedulerPeriodicRuns},
		{"SurvivesFailedRuns", testSchedulerSurvivesFailedRuns},
		{"StartStop", testSchedulerStartStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testSchedulerPeriodicRuns(t *testing.T) {
	manager, vault, _ := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	config := testBackupConfig()
	config.EncryptBackups = false

	scheduler, err := NewScheduler(manager, config, nil)
	require.NoError(t, err)
	scheduler.interval = 30 * time.Millisecond

	require.NoError(t, scheduler.Start(context.Background()))
	time.Sleep(110 * time.Millisecond)
	scheduler.Stop()

	backups, err := manager.ListBackups(nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(backups), 2, "expected at least two scheduled runs")

	// No further runs after Stop
	count := len(backups)
	time.Sleep(80 * time.Millisecond)
	backups, err = manager.ListBackups(nil)
	require.NoError(t, err)
	require.Len(t, backups, count)
}

func testSchedulerSurvivesFailedRuns(t *testing.T) {
	manager, vault, _ := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	config := testBackupConfig()
	config.EncryptBackups = false

	scheduler, err := NewScheduler(manager, config, nil)
	require.NoError(t, err)
	scheduler.interval = 30 * time.Millisecond

	// Holding the location makes every run fail with ErrBackupInProgress
	require.NoError(t, manager.acquireLocation(config.Location))

	require.NoError(t, scheduler.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)

	backups, err := manager.ListBackups(nil)
	require.NoError(t, err)
	require.Empty(t, backups)

	// Once the location frees up, the loop is still alive and runs succeed
	manager.releaseLocation(config.Location)
	time.Sleep(100 * time.Millisecond)
	scheduler.Stop()

	backups, err = manager.ListBackups(nil)
	require.NoError(t, err)
	require.NotEmpty(t, backups, "scheduler must keep running after failed attempts")
}

func testSchedulerStartStop(t *testing.T) {
	manager, _, _ := newTestBackupManager(t)

	config := testBackupConfig()
	scheduler, err := NewScheduler(manager, config, nil)
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))
	require.Error(t, scheduler.Start(context.Background()), "double start must fail")
	scheduler.Stop()
	scheduler.Stop() // idempotent

	// Context cancellation also stops the loop
	ctx, cancel := context.WithCancel(context.Background())
	scheduler2, err := NewScheduler(manager, config, nil)
	require.NoError(t, err)
	scheduler2.interval = 20 * time.Millisecond
	require.NoError(t, scheduler2.Start(ctx))
	cancel()
	time.Sleep(50 * time.Millisecond)
	scheduler2.Stop()

	_, err = NewScheduler(nil, config, nil)
	require.Error(t, err)
}
