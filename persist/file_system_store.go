package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"southwinds.dev/custodia/internal/debug"
	"southwinds.dev/custodia/internal/misc"
)

const metadataSuffix = ".meta.json"

// FileSystemStore implements Store on the local filesystem with per-tenant
// isolation. Layout:
//
//	basePath/tenantID/
//	├── store.json          # store configuration marker
//	├── records.json        # encrypted records
//	├── keys.json           # encryption key rows
//	├── grants.json         # access grants
//	├── access.log          # append-only access audit trail (JSONL)
//	├── backups/            # archives + <id>.meta.json metadata
//	└── temp/               # staging area for atomic writes
//
// All writes go through a temp-file-then-rename sequence so readers never see
// a partially written collection.
type FileSystemStore struct {
	basePath   string
	tenantID   string
	tenantPath string
	backupsDir string
	tempDir    string

	recordsPath string
	keysPath    string
	grantsPath  string
	accessPath  string
	configPath  string

	mu sync.RWMutex
}

type storeConfigFile struct {
	Version    string    `json:"version"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes a FileSystemStore rooted at basePath for the
// given tenant, creating the directory structure if needed.
func NewFileSystemStore(basePath, tenantID string) (*FileSystemStore, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	tenantPath := filepath.Join(basePath, tenantID)

	fs := &FileSystemStore{
		basePath:    basePath,
		tenantID:    tenantID,
		tenantPath:  tenantPath,
		backupsDir:  filepath.Join(tenantPath, "backups"),
		tempDir:     filepath.Join(tenantPath, "temp"),
		recordsPath: filepath.Join(tenantPath, "records.json"),
		keysPath:    filepath.Join(tenantPath, "keys.json"),
		grantsPath:  filepath.Join(tenantPath, "grants.json"),
		accessPath:  filepath.Join(tenantPath, "access.log"),
		configPath:  filepath.Join(tenantPath, "store.json"),
	}

	for _, dir := range []string{fs.tenantPath, fs.backupsDir, fs.tempDir} {
		if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

func (fs *FileSystemStore) initializeConfig() error {
	if _, err := os.Stat(fs.configPath); os.IsNotExist(err) {
		cfg := storeConfigFile{
			Version:    "1.0.0",
			TenantID:   fs.tenantID,
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		return writeSecureFile(fs.configPath, data, misc.FilePermissions)
	}
	return nil
}

// Records

func (fs *FileSystemStore) SaveRecord(record *Record) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("record must have an ID")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	records, err := fs.loadRecords()
	if err != nil {
		return err
	}
	records[record.ID] = *record
	return fs.saveJSON(fs.recordsPath, records)
}

func (fs *FileSystemStore) GetRecord(id string) (*Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	records, err := fs.loadRecords()
	if err != nil {
		return nil, err
	}
	record, ok := records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return &record, nil
}

func (fs *FileSystemStore) ListRecords() ([]Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	records, err := fs.loadRecords()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (fs *FileSystemStore) DeleteRecord(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	records, err := fs.loadRecords()
	if err != nil {
		return err
	}
	if _, ok := records[id]; !ok {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	delete(records, id)
	return fs.saveJSON(fs.recordsPath, records)
}

// Encryption keys

func (fs *FileSystemStore) SaveKey(key *EncryptionKey) error {
	if key == nil || key.ID == "" {
		return fmt.Errorf("key must have an ID")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	keys, err := fs.loadKeys()
	if err != nil {
		return err
	}
	keys[key.ID] = *key
	return fs.saveJSON(fs.keysPath, keys)
}

func (fs *FileSystemStore) KeysForRecord(recordID string) ([]EncryptionKey, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	keys, err := fs.loadKeys()
	if err != nil {
		return nil, err
	}
	var out []EncryptionKey
	for _, k := range keys {
		if k.RecordID == recordID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (fs *FileSystemStore) DeleteKeysForRecord(recordID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	keys, err := fs.loadKeys()
	if err != nil {
		return err
	}
	changed := false
	for id, k := range keys {
		if k.RecordID == recordID {
			delete(keys, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return fs.saveJSON(fs.keysPath, keys)
}

// Grants

func (fs *FileSystemStore) SaveGrant(grant *AccessGrant) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("grant must have an ID")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	grants, err := fs.loadGrants()
	if err != nil {
		return err
	}
	grants[grant.ID] = *grant
	return fs.saveJSON(fs.grantsPath, grants)
}

func (fs *FileSystemStore) GetGrant(id string) (*AccessGrant, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	grants, err := fs.loadGrants()
	if err != nil {
		return nil, err
	}
	grant, ok := grants[id]
	if !ok {
		return nil, fmt.Errorf("grant %s: %w", id, ErrNotFound)
	}
	return &grant, nil
}

func (fs *FileSystemStore) GrantsForRecord(recordID string) ([]AccessGrant, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	grants, err := fs.loadGrants()
	if err != nil {
		return nil, err
	}
	var out []AccessGrant
	for _, g := range grants {
		if g.RecordID == recordID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

// Access log

// AppendAccessEntry appends one JSONL row and fsyncs before returning, so the
// audit trail is durable before the triggering operation completes.
func (fs *FileSystemStore) AppendAccessEntry(entry *AccessLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("access entry must have an ID")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize access entry: %w", err)
	}

	f, err := os.OpenFile(fs.accessPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, misc.FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to open access log: %w", err)
	}
	defer f.Close()

	if _, err = f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write access entry: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("failed to sync access log: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) AccessEntriesForRecord(recordID string) ([]AccessLogEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	all, err := fs.loadAccessLog()
	if err != nil {
		return nil, err
	}
	var out []AccessLogEntry
	for _, e := range all {
		if recordID == "" || e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Snapshots

// Export reads every collection under one lock, producing a consistent
// point-in-time snapshot even while writers are queued.
func (fs *FileSystemStore) Export() (*Snapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	records, err := fs.loadRecords()
	if err != nil {
		return nil, err
	}
	grants, err := fs.loadGrants()
	if err != nil {
		return nil, err
	}
	accessLog, err := fs.loadAccessLog()
	if err != nil {
		return nil, err
	}
	keys, err := fs.loadKeys()
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		SchemaVersion: SchemaVersion,
		ExportedAt:    time.Now().UTC(),
		TenantID:      fs.tenantID,
	}
	for _, r := range records {
		snapshot.Records = append(snapshot.Records, r)
	}
	for _, g := range grants {
		snapshot.Grants = append(snapshot.Grants, g)
	}
	snapshot.AccessLog = accessLog
	for _, k := range keys {
		snapshot.Keys = append(snapshot.Keys, KeyInfo{ID: k.ID, RecordID: k.RecordID, CreatedAt: k.CreatedAt})
	}

	sort.Slice(snapshot.Records, func(i, j int) bool { return snapshot.Records[i].ID < snapshot.Records[j].ID })
	sort.Slice(snapshot.Grants, func(i, j int) bool { return snapshot.Grants[i].ID < snapshot.Grants[j].ID })
	sort.Slice(snapshot.Keys, func(i, j int) bool { return snapshot.Keys[i].ID < snapshot.Keys[j].ID })

	return snapshot, nil
}

// Import replaces the records, grants and access log collections with the
// snapshot contents. All files are staged in the temp directory first and
// renamed into place only after every stage succeeded, so a failure part-way
// leaves the previous collections untouched. The keys collection is not part
// of snapshots and is left as-is.
func (fs *FileSystemStore) Import(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	records := make(map[string]Record, len(snapshot.Records))
	for _, r := range snapshot.Records {
		records[r.ID] = r
	}
	grants := make(map[string]AccessGrant, len(snapshot.Grants))
	for _, g := range snapshot.Grants {
		grants[g.ID] = g
	}

	recordsData, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize records: %w", err)
	}
	grantsData, err := json.MarshalIndent(grants, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize grants: %w", err)
	}

	var accessData strings.Builder
	for _, e := range snapshot.AccessLog {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to serialize access entry: %w", err)
		}
		accessData.Write(line)
		accessData.WriteByte('\n')
	}

	staged := []struct {
		target string
		data   []byte
	}{
		{fs.recordsPath, recordsData},
		{fs.grantsPath, grantsData},
		{fs.accessPath, []byte(accessData.String())},
	}

	var tempPaths []string
	cleanup := func() {
		for _, p := range tempPaths {
			_ = os.Remove(p)
		}
	}

	for _, s := range staged {
		tmp, err := stageFile(fs.tempDir, s.data)
		if err != nil {
			cleanup()
			return err
		}
		tempPaths = append(tempPaths, tmp)
	}

	for i, s := range staged {
		if err := os.Rename(tempPaths[i], s.target); err != nil {
			cleanup()
			return fmt.Errorf("failed to apply %s: %w", filepath.Base(s.target), err)
		}
	}

	return nil
}

// Backup archives

func (fs *FileSystemStore) WriteArchive(name string, data []byte) error {
	if err := fs.validateArchiveName(name); err != nil {
		return err
	}

	path := filepath.Join(fs.backupsDir, name)
	debug.Print("WriteArchive: writing %d bytes to %s\n", len(data), path)
	return writeSecureFile(path, data, misc.FilePermissions)
}

func (fs *FileSystemStore) ReadArchive(name string) ([]byte, error) {
	if err := fs.validateArchiveName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.backupsDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read archive %s: %w", name, err)
	}
	return data, nil
}

func (fs *FileSystemStore) DeleteArchive(name string) error {
	if err := fs.validateArchiveName(name); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(fs.backupsDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("archive %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("failed to delete archive %s: %w", name, err)
	}
	return nil
}

func (fs *FileSystemStore) validateArchiveName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("archive name cannot be empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("archive name contains invalid characters")
	}
	return nil
}

// Backup metadata

func (fs *FileSystemStore) SaveBackupMetadata(meta *BackupMetadata) error {
	if meta == nil || meta.ID == "" {
		return fmt.Errorf("backup metadata must have an ID")
	}
	if meta.TenantID == "" {
		meta.TenantID = fs.tenantID
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize backup metadata: %w", err)
	}
	return writeSecureFile(filepath.Join(fs.backupsDir, meta.ID+metadataSuffix), data, misc.FilePermissions)
}

func (fs *FileSystemStore) GetBackupMetadata(backupID string) (*BackupMetadata, error) {
	if err := fs.validateArchiveName(backupID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.backupsDir, backupID+metadataSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read backup metadata: %w", err)
	}

	var meta BackupMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse backup metadata %s: %w", backupID, err)
	}
	return &meta, nil
}

func (fs *FileSystemStore) ListBackupMetadata() ([]BackupMetadata, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var out []BackupMetadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metadataSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.backupsDir, entry.Name()))
		if err != nil {
			debug.Print("ListBackupMetadata: skipping unreadable %s: %v\n", entry.Name(), err)
			continue
		}
		var meta BackupMetadata
		if err = json.Unmarshal(data, &meta); err != nil {
			debug.Print("ListBackupMetadata: skipping malformed %s: %v\n", entry.Name(), err)
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (fs *FileSystemStore) DeleteBackupMetadata(backupID string) error {
	if err := fs.validateArchiveName(backupID); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(fs.backupsDir, backupID+metadataSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete backup metadata: %w", err)
	}
	return nil
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	if _, err := os.Stat(fs.tenantPath); err != nil {
		return fmt.Errorf("store path inaccessible: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Collection helpers. Callers hold fs.mu.

func (fs *FileSystemStore) loadRecords() (map[string]Record, error) {
	out := make(map[string]Record)
	if err := loadJSON(fs.recordsPath, &out); err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	return out, nil
}

func (fs *FileSystemStore) loadKeys() (map[string]EncryptionKey, error) {
	out := make(map[string]EncryptionKey)
	if err := loadJSON(fs.keysPath, &out); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	return out, nil
}

func (fs *FileSystemStore) loadGrants() (map[string]AccessGrant, error) {
	out := make(map[string]AccessGrant)
	if err := loadJSON(fs.grantsPath, &out); err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	return out, nil
}

func (fs *FileSystemStore) loadAccessLog() ([]AccessLogEntry, error) {
	f, err := os.Open(fs.accessPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open access log: %w", err)
	}
	defer f.Close()

	var out []AccessLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e AccessLogEntry
		if err = json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("corrupt access log line: %w", err)
		}
		out = append(out, e)
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read access log: %w", err)
	}
	return out, nil
}

func (fs *FileSystemStore) saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}
	return writeSecureFile(path, data, misc.FilePermissions)
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// stageFile writes data to a fsynced temp file in dir and returns its path.
func stageFile(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".stage-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	if err = os.Chmod(tmpPath, misc.FilePermissions); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to set staging permissions: %w", err)
	}
	return tmpPath, nil
}

// writeSecureFile writes data atomically: temp file in the target directory,
// fsync, chmod, rename.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
