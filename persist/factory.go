package persist

import (
	"fmt"
	"strings"
)

// StoreType represents the available storage backends.
type StoreType string

const (
	// StoreTypeFileSystem stores collections as JSON files under a base path.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores collections as objects in an S3-compatible bucket.
	StoreTypeS3 StoreType = "s3"

	// StoreTypeMemory keeps everything in process memory; for tests.
	StoreTypeMemory StoreType = "memory"
)

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	// Type must be one of the StoreType constants.
	Type StoreType `json:"type"`

	// Config holds backend-specific settings, e.g. "base_path" for the
	// filesystem store or "endpoint"/"bucket" for S3.
	Config map[string]interface{} `json:"config"`
}

// NewStore is the factory for storage backends.
func NewStore(config StoreConfig, tenantID string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, tenantID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, tenantID)

	case StoreTypeMemory:
		return NewMemoryStore(tenantID), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateTenantID rejects tenant IDs that could escape the tenant directory
// or object prefix.
func validateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}

	if strings.Contains(tenantID, "..") ||
		strings.Contains(tenantID, "/") ||
		strings.Contains(tenantID, "\\") ||
		strings.Contains(tenantID, " ") {
		return fmt.Errorf("tenant ID contains invalid characters")
	}

	if len(tenantID) > 100 {
		return fmt.Errorf("tenant ID too long (max 100 characters)")
	}

	return nil
}
