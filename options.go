package custodia

import (
	"fmt"
)

// Options holds vault construction parameters.
//
// Sensitive fields carry `json:"-"` so they are never serialized into
// configuration output, logs or audit metadata. The tenant ID and memory
// lock flag are safe to persist.
type Options struct {
	// TenantID namespaces all persisted state. Empty selects "default".
	TenantID string `json:"tenant_id,omitempty"`

	// EnableMemoryLock attempts to lock the process address space so key
	// material cannot be paged to disk. Failure to lock is reported but
	// not fatal; the vault runs with reduced memory protection.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// DefaultPurpose is recorded in the access log when a caller retrieves
	// a record without stating a purpose.
	DefaultPurpose string `json:"default_purpose,omitempty"`
}

// DefaultOptions returns options suitable for a single-tenant deployment.
func DefaultOptions() Options {
	return Options{
		TenantID:         "default",
		EnableMemoryLock: true,
		DefaultPurpose:   "user_request",
	}
}

// Validate checks the options for inconsistencies.
func (o Options) Validate() error {
	if o.DefaultPurpose == "" {
		return fmt.Errorf("default purpose cannot be empty")
	}
	return nil
}
