package persist

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

func TestS3Store(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	endpoint := os.Getenv("S3_MINIO_ENDPOINT")
	if len(endpoint) == 0 {
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		}

		minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Fatalf("Failed to start MinIO container: %v", err)
		}

		defer func() {
			if err = minioContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate MinIO container: %v", err)
			}
		}()

		mappedPort, err := minioContainer.MappedPort(ctx, "9000")
		if err != nil {
			t.Fatalf("Failed to get mapped port: %v", err)
		}

		endpoint = fmt.Sprintf("localhost:%s", mappedPort.Port())
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")

	makeStore := func(t *testing.T, tenant string) Store {
		store, err := NewS3Store(S3Config{
			Endpoint:        endpoint,
			AccessKeyID:     testAccessKey,
			SecretAccessKey: testSecretKey,
			UseSSL:          false,
			Bucket:          "custodia-test",
			KeyPrefix:       "custodia",
		}, tenant)
		if err != nil {
			t.Fatalf("Failed to create S3 store: %v", err)
		}
		return store
	}

	tests := []struct {
		name string
		fn   func(*testing.T, Store)
	}{
		{"RecordLifecycle", testRecordLifecycle},
		{"KeysNewestFirst", testKeysNewestFirst},
		{"GrantLifecycle", testGrantLifecycle},
		{"AccessLogAppendOnly", testAccessLogAppendOnly},
		{"ExportImport", testExportImport},
		{"Archives", testArchives},
		{"BackupMetadata", testBackupMetadata},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Separate tenant per subtest keeps object prefixes isolated
			store := makeStore(t, fmt.Sprintf("tenant-%d", i))
			defer store.Close()
			tt.fn(t, store)
		})
	}

	t.Run("Ping", func(t *testing.T) {
		store := makeStore(t, "ping-tenant")
		defer store.Close()
		if err := store.Ping(); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
		if store.GetType() != string(StoreTypeS3) {
			t.Errorf("Expected store type %s, got %s", StoreTypeS3, store.GetType())
		}
	})
}
