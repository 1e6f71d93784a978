package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled:  true,
		TenantID: "test-tenant",
		Type:     FileAuditType,
		Options:  map[string]interface{}{"file_path": logPath},
	})
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, logPath
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	logger, logPath := newTestFileLogger(t)

	err := logger.Log("record_access", true, map[string]interface{}{
		"record_id":    "rec-1",
		"principal_id": "alice",
	})
	if err != nil {
		t.Fatalf("Failed to log: %v", err)
	}
	if err = logger.Log("access_denied", false, map[string]interface{}{
		"record_id": "rec-1",
		"error":     "no effective grant",
	}); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err = json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Log line is not valid JSON: %v", err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Action != "record_access" || !events[0].Success {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	if events[0].RecordID != "rec-1" {
		t.Errorf("record_id metadata not promoted: %+v", events[0])
	}
	if events[1].Error != "no effective grant" {
		t.Errorf("error metadata not promoted: %+v", events[1])
	}
	if events[0].TenantID != "test-tenant" {
		t.Errorf("Missing tenant: %+v", events[0])
	}
}

func TestFileLoggerQuery(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	actions := []struct {
		action  string
		success bool
	}{
		{"record_access", true},
		{"record_access", true},
		{"access_denied", false},
		{"backup_create", true},
		{"grant_revoke", true},
	}
	for _, a := range actions {
		if err := logger.Log(a.action, a.success, nil); err != nil {
			t.Fatalf("Failed to log: %v", err)
		}
	}

	result, err := logger.Query(QueryOptions{Action: "record_access"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 2 {
		t.Errorf("Expected 2 record_access events, got %d", result.Filtered)
	}

	failed := false
	result, err = logger.Query(QueryOptions{Success: &failed})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 1 || result.Events[0].Action != "access_denied" {
		t.Errorf("Failure filter returned wrong events: %+v", result.Events)
	}

	result, err = logger.Query(QueryOptions{GrantActivity: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 4 {
		t.Errorf("Expected 4 grant-related events, got %d", result.Filtered)
	}

	result, err = logger.Query(QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Errorf("Limit not applied: got %d events", len(result.Events))
	}
	if !result.HasMore {
		t.Error("HasMore should be set when limit truncates results")
	}
}

func TestFileLoggerTimeWindow(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	if err := logger.Log("record_access", true, nil); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	result, err := logger.Query(QueryOptions{Since: &past, Until: &future})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 1 {
		t.Errorf("Expected the event inside the window, got %d", result.Filtered)
	}

	ancient := time.Now().UTC().Add(-2 * time.Hour)
	result, err = logger.Query(QueryOptions{Since: &ancient, Until: &past})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 0 {
		t.Errorf("Expected no events before the window, got %d", result.Filtered)
	}
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	if err := logger.Log("anything", true, nil); err != nil {
		t.Errorf("NoOp Log returned error: %v", err)
	}
	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Errorf("NoOp Query returned error: %v", err)
	}
	if len(result.Events) != 0 {
		t.Error("NoOp Query returned events")
	}
	if err = logger.Close(); err != nil {
		t.Errorf("NoOp Close returned error: %v", err)
	}
}

func TestNewLoggerSelection(t *testing.T) {
	logger, err := NewLogger(nil)
	if err != nil {
		t.Fatalf("nil config must produce a no-op logger: %v", err)
	}
	if _, ok := logger.(*NoOpLogger); !ok {
		t.Errorf("Expected NoOpLogger, got %T", logger)
	}

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	if err != nil {
		t.Fatalf("Disabled config must produce a no-op logger: %v", err)
	}
	if _, ok := logger.(*NoOpLogger); !ok {
		t.Errorf("Expected NoOpLogger, got %T", logger)
	}

	_, err = NewLogger(&Config{Enabled: true, Type: ConfigType("database")})
	if err == nil {
		t.Error("Unknown provider must fail")
	}

	_, err = NewLogger(&Config{Enabled: true, Type: FileAuditType})
	if err == nil {
		t.Error("File logger without file_path must fail")
	}
}
