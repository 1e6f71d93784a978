package persist

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation used as a test fake and
// for ephemeral vaults. Behaviour mirrors FileSystemStore, including the
// not-found semantics and Import leaving keys untouched.
type MemoryStore struct {
	tenantID string

	mu        sync.RWMutex
	records   map[string]Record
	keys      map[string]EncryptionKey
	grants    map[string]AccessGrant
	accessLog []AccessLogEntry
	archives  map[string][]byte
	backups   map[string]BackupMetadata
	closed    bool
}

func NewMemoryStore(tenantID string) *MemoryStore {
	if tenantID == "" {
		tenantID = "default"
	}
	return &MemoryStore{
		tenantID: tenantID,
		records:  make(map[string]Record),
		keys:     make(map[string]EncryptionKey),
		grants:   make(map[string]AccessGrant),
		archives: make(map[string][]byte),
		backups:  make(map[string]BackupMetadata),
	}
}

func (m *MemoryStore) SaveRecord(record *Record) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("record must have an ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = *record
	return nil
}

func (m *MemoryStore) GetRecord(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return &record, nil
}

func (m *MemoryStore) ListRecords() ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteRecord(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) SaveKey(key *EncryptionKey) error {
	if key == nil || key.ID == "" {
		return fmt.Errorf("key must have an ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = *key
	return nil
}

func (m *MemoryStore) KeysForRecord(recordID string) ([]EncryptionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EncryptionKey
	for _, k := range m.keys {
		if k.RecordID == recordID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteKeysForRecord(recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, k := range m.keys {
		if k.RecordID == recordID {
			delete(m.keys, id)
		}
	}
	return nil
}

func (m *MemoryStore) SaveGrant(grant *AccessGrant) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("grant must have an ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grant.ID] = *grant
	return nil
}

func (m *MemoryStore) GetGrant(id string) (*AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[id]
	if !ok {
		return nil, fmt.Errorf("grant %s: %w", id, ErrNotFound)
	}
	return &grant, nil
}

func (m *MemoryStore) GrantsForRecord(recordID string) ([]AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AccessGrant
	for _, g := range m.grants {
		if g.RecordID == recordID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (m *MemoryStore) AppendAccessEntry(entry *AccessLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("access entry must have an ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessLog = append(m.accessLog, *entry)
	return nil
}

func (m *MemoryStore) AccessEntriesForRecord(recordID string) ([]AccessLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AccessLogEntry
	for _, e := range m.accessLog {
		if recordID == "" || e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Export() (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := &Snapshot{
		SchemaVersion: SchemaVersion,
		ExportedAt:    time.Now().UTC(),
		TenantID:      m.tenantID,
	}
	for _, r := range m.records {
		snapshot.Records = append(snapshot.Records, r)
	}
	for _, g := range m.grants {
		snapshot.Grants = append(snapshot.Grants, g)
	}
	snapshot.AccessLog = append(snapshot.AccessLog, m.accessLog...)
	for _, k := range m.keys {
		snapshot.Keys = append(snapshot.Keys, KeyInfo{ID: k.ID, RecordID: k.RecordID, CreatedAt: k.CreatedAt})
	}

	sort.Slice(snapshot.Records, func(i, j int) bool { return snapshot.Records[i].ID < snapshot.Records[j].ID })
	sort.Slice(snapshot.Grants, func(i, j int) bool { return snapshot.Grants[i].ID < snapshot.Grants[j].ID })
	sort.Slice(snapshot.Keys, func(i, j int) bool { return snapshot.Keys[i].ID < snapshot.Keys[j].ID })

	return snapshot, nil
}

func (m *MemoryStore) Import(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records := make(map[string]Record, len(snapshot.Records))
	for _, r := range snapshot.Records {
		records[r.ID] = r
	}
	grants := make(map[string]AccessGrant, len(snapshot.Grants))
	for _, g := range snapshot.Grants {
		grants[g.ID] = g
	}

	m.records = records
	m.grants = grants
	m.accessLog = append([]AccessLogEntry(nil), snapshot.AccessLog...)
	return nil
}

// validateArchiveName mirrors the checks of the disk-backed stores so tests
// against the fake catch the same misuse.
func (m *MemoryStore) validateArchiveName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("archive name cannot be empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("archive name contains invalid characters")
	}
	return nil
}

func (m *MemoryStore) WriteArchive(name string, data []byte) error {
	if err := m.validateArchiveName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) ReadArchive(name string) ([]byte, error) {
	if err := m.validateArchiveName(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.archives[name]
	if !ok {
		return nil, fmt.Errorf("archive %s: %w", name, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) DeleteArchive(name string) error {
	if err := m.validateArchiveName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.archives[name]; !ok {
		return fmt.Errorf("archive %s: %w", name, ErrNotFound)
	}
	delete(m.archives, name)
	return nil
}

func (m *MemoryStore) SaveBackupMetadata(meta *BackupMetadata) error {
	if meta == nil || meta.ID == "" {
		return fmt.Errorf("backup metadata must have an ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta.TenantID == "" {
		meta.TenantID = m.tenantID
	}
	m.backups[meta.ID] = *meta
	return nil
}

func (m *MemoryStore) GetBackupMetadata(backupID string) (*BackupMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.backups[backupID]
	if !ok {
		return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	return &meta, nil
}

func (m *MemoryStore) ListBackupMetadata() ([]BackupMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BackupMetadata, 0, len(m.backups))
	for _, b := range m.backups {
		out = append(out, b)
	}
	return out, nil
}

func (m *MemoryStore) DeleteBackupMetadata(backupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[backupID]; !ok {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	delete(m.backups, backupID)
	return nil
}

func (m *MemoryStore) Ping() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}
