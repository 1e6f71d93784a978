package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/custodia/internal/debug"
)

const s3CtxTimeout = 10 * time.Second

// S3Config holds the settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3Store implements Store on an S3-compatible object store (MinIO client)
// with per-tenant prefixes:
//
//	bucket/
//	└── [keyPrefix/]tenantID/
//	    ├── records.json
//	    ├── keys.json
//	    ├── grants.json
//	    ├── access.log          # JSONL
//	    └── backups/
//	        ├── <id>.json.gz
//	        ├── <id>_media.tar.gz
//	        └── <id>.meta.json
//
// Collection updates are read-modify-write under a process-local mutex; this
// store assumes a single writer process per tenant, which matches the
// single-node scope of the vault.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	tenantID   string

	mu sync.RWMutex
}

// NewS3Store connects to the configured endpoint and ensures the bucket exists.
func NewS3Store(config S3Config, tenantID string) (*S3Store, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		tenantID:   tenantID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3CtxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, tenantID string) (*S3Store, error) {
	raw, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	var s3cfg S3Config
	if err = json.Unmarshal(raw, &s3cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	return NewS3Store(s3cfg, tenantID)
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		debug.Print("ensureBucket: created bucket %s\n", s.bucketName)
	}
	return nil
}

// Records

func (s *S3Store) SaveRecord(record *Record) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("record must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]Record)
	if err := s.loadObject(s.objectName("records.json"), &records); err != nil {
		return err
	}
	records[record.ID] = *record
	return s.putJSON(s.objectName("records.json"), records)
}

func (s *S3Store) GetRecord(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make(map[string]Record)
	if err := s.loadObject(s.objectName("records.json"), &records); err != nil {
		return nil, err
	}
	record, ok := records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return &record, nil
}

func (s *S3Store) ListRecords() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make(map[string]Record)
	if err := s.loadObject(s.objectName("records.json"), &records); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *S3Store) DeleteRecord(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]Record)
	if err := s.loadObject(s.objectName("records.json"), &records); err != nil {
		return err
	}
	if _, ok := records[id]; !ok {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	delete(records, id)
	return s.putJSON(s.objectName("records.json"), records)
}

// Encryption keys

func (s *S3Store) SaveKey(key *EncryptionKey) error {
	if key == nil || key.ID == "" {
		return fmt.Errorf("key must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[string]EncryptionKey)
	if err := s.loadObject(s.objectName("keys.json"), &keys); err != nil {
		return err
	}
	keys[key.ID] = *key
	return s.putJSON(s.objectName("keys.json"), keys)
}

func (s *S3Store) KeysForRecord(recordID string) ([]EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make(map[string]EncryptionKey)
	if err := s.loadObject(s.objectName("keys.json"), &keys); err != nil {
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

func (s *S3Store) DeleteKeysForRecord(recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[string]EncryptionKey)
	if err := s.loadObject(s.objectName("keys.json"), &keys); err != nil {
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
	return s.putJSON(s.objectName("keys.json"), keys)
}

// Grants

func (s *S3Store) SaveGrant(grant *AccessGrant) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("grant must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	grants := make(map[string]AccessGrant)
	if err := s.loadObject(s.objectName("grants.json"), &grants); err != nil {
		return err
	}
	grants[grant.ID] = *grant
	return s.putJSON(s.objectName("grants.json"), grants)
}

func (s *S3Store) GetGrant(id string) (*AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grants := make(map[string]AccessGrant)
	if err := s.loadObject(s.objectName("grants.json"), &grants); err != nil {
		return nil, err
	}
	grant, ok := grants[id]
	if !ok {
		return nil, fmt.Errorf("grant %s: %w", id, ErrNotFound)
	}
	return &grant, nil
}

func (s *S3Store) GrantsForRecord(recordID string) ([]AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grants := make(map[string]AccessGrant)
	if err := s.loadObject(s.objectName("grants.json"), &grants); err != nil {
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

// Access log. Object stores have no append, so the log object is rewritten
// with the new line included; the write replaces the object atomically on the
// service side.

func (s *S3Store) AppendAccessEntry(entry *AccessLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("access entry must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getObject(s.objectName("access.log"))
	if err != nil && !s.isNotFoundError(err) {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize access entry: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(existing)
	buf.Write(line)
	buf.WriteByte('\n')

	return s.putObject(s.objectName("access.log"), buf.Bytes())
}

func (s *S3Store) AccessEntriesForRecord(recordID string) ([]AccessLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.getObject(s.objectName("access.log"))
	if err != nil {
		if s.isNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []AccessLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e AccessLogEntry
		if err = json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("corrupt access log line: %w", err)
		}
		if recordID == "" || e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Snapshots

func (s *S3Store) Export() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make(map[string]Record)
	if err := s.loadObject(s.objectName("records.json"), &records); err != nil {
		return nil, err
	}
	grants := make(map[string]AccessGrant)
	if err := s.loadObject(s.objectName("grants.json"), &grants); err != nil {
		return nil, err
	}
	keys := make(map[string]EncryptionKey)
	if err := s.loadObject(s.objectName("keys.json"), &keys); err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		SchemaVersion: SchemaVersion,
		ExportedAt:    time.Now().UTC(),
		TenantID:      s.tenantID,
	}
	for _, r := range records {
		snapshot.Records = append(snapshot.Records, r)
	}
	for _, g := range grants {
		snapshot.Grants = append(snapshot.Grants, g)
	}
	for _, k := range keys {
		snapshot.Keys = append(snapshot.Keys, KeyInfo{ID: k.ID, RecordID: k.RecordID, CreatedAt: k.CreatedAt})
	}

	logData, err := s.getObject(s.objectName("access.log"))
	if err == nil {
		for _, line := range strings.Split(string(logData), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var e AccessLogEntry
			if err = json.Unmarshal([]byte(line), &e); err != nil {
				return nil, fmt.Errorf("corrupt access log line: %w", err)
			}
			snapshot.AccessLog = append(snapshot.AccessLog, e)
		}
	} else if !s.isNotFoundError(err) {
		return nil, err
	}

	sort.Slice(snapshot.Records, func(i, j int) bool { return snapshot.Records[i].ID < snapshot.Records[j].ID })
	sort.Slice(snapshot.Grants, func(i, j int) bool { return snapshot.Grants[i].ID < snapshot.Grants[j].ID })
	sort.Slice(snapshot.Keys, func(i, j int) bool { return snapshot.Keys[i].ID < snapshot.Keys[j].ID })

	return snapshot, nil
}

func (s *S3Store) Import(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]Record, len(snapshot.Records))
	for _, r := range snapshot.Records {
		records[r.ID] = r
	}
	grants := make(map[string]AccessGrant, len(snapshot.Grants))
	for _, g := range snapshot.Grants {
		grants[g.ID] = g
	}

	var logBuf bytes.Buffer
	for _, e := range snapshot.AccessLog {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to serialize access entry: %w", err)
		}
		logBuf.Write(line)
		logBuf.WriteByte('\n')
	}

	if err := s.putJSON(s.objectName("records.json"), records); err != nil {
		return err
	}
	if err := s.putJSON(s.objectName("grants.json"), grants); err != nil {
		return err
	}
	return s.putObject(s.objectName("access.log"), logBuf.Bytes())
}

// Backup archives

func (s *S3Store) WriteArchive(name string, data []byte) error {
	if err := s.validateObjectName(name); err != nil {
		return err
	}
	return s.putObject(s.objectName("backups", name), data)
}

func (s *S3Store) ReadArchive(name string) ([]byte, error) {
	if err := s.validateObjectName(name); err != nil {
		return nil, err
	}
	data, err := s.getObject(s.objectName("backups", name))
	if err != nil {
		if s.isNotFoundError(err) {
			return nil, fmt.Errorf("archive %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (s *S3Store) DeleteArchive(name string) error {
	if err := s.validateObjectName(name); err != nil {
		return err
	}

	objectName := s.objectName("backups", name)

	ctx, cancel := context.WithTimeout(context.Background(), s3CtxTimeout)
	defer cancel()

	// RemoveObject is silent for missing keys; stat first so callers can
	// distinguish deletion from absence
	if _, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if s.isNotFoundError(err) {
			return fmt.Errorf("archive %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("failed to stat archive %s: %w", name, err)
	}

	if err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete archive %s: %w", name, err)
	}
	return nil
}

// Backup metadata

func (s *S3Store) SaveBackupMetadata(meta *BackupMetadata) error {
	if meta == nil || meta.ID == "" {
		return fmt.Errorf("backup metadata must have an ID")
	}
	if meta.TenantID == "" {
		meta.TenantID = s.tenantID
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize backup metadata: %w", err)
	}
	return s.putObject(s.objectName("backups", meta.ID+metadataSuffix), data)
}

func (s *S3Store) GetBackupMetadata(backupID string) (*BackupMetadata, error) {
	if err := s.validateObjectName(backupID); err != nil {
		return nil, err
	}
	data, err := s.getObject(s.objectName("backups", backupID+metadataSuffix))
	if err != nil {
		if s.isNotFoundError(err) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return nil, err
	}
	var meta BackupMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse backup metadata %s: %w", backupID, err)
	}
	return &meta, nil
}

func (s *S3Store) ListBackupMetadata() ([]BackupMetadata, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3CtxTimeout)
	defer cancel()

	prefix := s.objectName("backups") + "/"
	var out []BackupMetadata

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, metadataSuffix) {
			continue
		}
		data, err := s.getObject(object.Key)
		if err != nil {
			debug.Print("ListBackupMetadata: skipping unreadable %s: %v\n", object.Key, err)
			continue
		}
		var meta BackupMetadata
		if err = json.Unmarshal(data, &meta); err != nil {
			debug.Print("ListBackupMetadata: skipping malformed %s: %v\n", object.Key, err)
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *S3Store) DeleteBackupMetadata(backupID string) error {
	if err := s.validateObjectName(backupID); err != nil {
		return err
	}

	objectName := s.objectName("backups", backupID+metadataSuffix)

	ctx, cancel := context.WithTimeout(context.Background(), s3CtxTimeout)
	defer cancel()

	if _, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if s.isNotFoundError(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to stat backup metadata: %w", err)
	}

	if err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete backup metadata: %w", err)
	}
	return nil
}

// Health and utilities

func (s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), s3CtxTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("s3 connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucketName)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Object helpers

func (s *S3Store) objectName(components ...string) string {
	parts := make([]string, 0, len(components)+2)
	if s.keyPrefix != "" {
		parts = append(parts, strings.Trim(s.keyPrefix, "/"))
	}
	parts = append(parts, s.tenantID)
	parts = append(parts, components...)
	return strings.Join(parts, "/")
}

func (s *S3Store) validateObjectName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("object name cannot be empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("object name contains invalid characters")
	}
	return nil
}

func (s *S3Store) putObject(objectName string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3CtxTimeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to write object %s: %w", objectName, err)
	}
	return nil
}

func (s *S3Store) getObject(objectName string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3CtxTimeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", objectName, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objectName, err)
	}
	return data, nil
}

func (s *S3Store) putJSON(objectName string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", objectName, err)
	}
	return s.putObject(objectName, data)
}

// loadObject reads a JSON collection object; a missing object is an empty
// collection, not an error.
func (s *S3Store) loadObject(objectName string, v interface{}) error {
	data, err := s.getObject(objectName)
	if err != nil {
		if s.isNotFoundError(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", objectName, err)
	}
	return nil
}

func (s *S3Store) isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return true
	}
	return strings.Contains(err.Error(), "does not exist") ||
		strings.Contains(err.Error(), "NoSuchKey")
}
