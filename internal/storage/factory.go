package storage

import (
	"strings"

	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/errors"
)

// NewStorage creates an ObjectStorage instance based on the configuration.
// Parameters:
//   - cfg: storage configuration including endpoint, credentials, and bucket.
// Returns:
//   - ObjectStorage: initialized storage client implementation.
//   - error: non-nil if the storage client cannot be created.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	if cfg.Type == "" {
		cfg.Type = string(detectStorageType(cfg.Endpoint))
	}

	switch StorageType(cfg.Type) {
	case StorageTypeMemory:
		return NewMemoryStorage(), nil
	case StorageTypeR2, StorageTypeS3, StorageTypeS3Compatible, StorageTypeMinIO:
		return NewS3Storage(cfg)
	default:
		return nil, errors.Newf("unknown storage type %q", cfg.Type)
	}
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case endpoint == "":
		return StorageTypeMemory
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
