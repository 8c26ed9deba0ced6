package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/jamesross/mediaforge/internal/config"
)

// BuildRegistry constructs a Registry from the YAML-configured backend
// list, one Backend per entry. Credentials that don't belong in a
// version-controlled config file (Azure's shared key) are read from the
// environment instead of cfg.
func BuildRegistry(ctx context.Context, cfg config.Storage) (*Registry, error) {
	reg := NewRegistry(cfg.DefaultBackend)
	for name, bc := range cfg.Backends {
		backend, err := buildBackend(ctx, bc)
		if err != nil {
			return nil, fmt.Errorf("storage backend %q: %w", name, err)
		}
		reg.Register(name, backend)
	}
	return reg, nil
}

func buildBackend(ctx context.Context, bc config.BackendConfig) (Backend, error) {
	switch bc.Type {
	case "local", "":
		return NewLocalBackend(bc.BaseDir)
	case "s3":
		return NewS3Backend(ctx, bc.Bucket, bc.Prefix, bc.Region)
	case "gcs":
		return NewGCSBackend(ctx, bc.Bucket, bc.Prefix)
	case "azure":
		account := os.Getenv("AZURE_STORAGE_ACCOUNT")
		key := os.Getenv("AZURE_STORAGE_KEY")
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			return nil, fmt.Errorf("azure shared key credential: %w", err)
		}
		accountURL := bc.Endpoint
		if accountURL == "" {
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", account)
		}
		return NewAzureBackend(accountURL, bc.Container, bc.Prefix, *cred)
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}
