package filestore

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// uploadPollInterval is the delay between upload operation status checks.
const uploadPollInterval = time.Second

// Provisioner manages retrieval stores at the external provider.
// The genai-backed implementation lives in GeminiProvisioner; tests use
// in-memory fakes.
type Provisioner interface {
	// CreateStore provisions a new retrieval store and returns its external
	// identifier.
	CreateStore(ctx context.Context, displayName string) (string, error)

	// DeleteStore removes the external store and all its documents.
	DeleteStore(ctx context.Context, externalID string) error

	// UploadDocument ingests a local file into the store and blocks until
	// the provider has finished processing it, returning the provider's
	// document name.
	UploadDocument(ctx context.Context, externalID, path, displayName string) (string, error)
}

// GeminiProvisioner provisions Gemini File Search stores.
type GeminiProvisioner struct {
	client *genai.Client
}

// NewGeminiProvisioner wraps an existing genai client.
func NewGeminiProvisioner(client *genai.Client) *GeminiProvisioner {
	return &GeminiProvisioner{client: client}
}

// CreateStore creates a File Search store with the given display name.
func (p *GeminiProvisioner) CreateStore(ctx context.Context, displayName string) (string, error) {
	store, err := p.client.FileSearchStores.Create(ctx, &genai.CreateFileSearchStoreConfig{
		DisplayName: displayName,
	})
	if err != nil {
		return "", fmt.Errorf("creating file search store: %w", err)
	}
	if store == nil || store.Name == "" {
		return "", fmt.Errorf("provider returned no store name for %q", displayName)
	}
	return store.Name, nil
}

// DeleteStore force-deletes the store, documents included.
func (p *GeminiProvisioner) DeleteStore(ctx context.Context, externalID string) error {
	err := p.client.FileSearchStores.Delete(ctx, externalID, &genai.DeleteFileSearchStoreConfig{
		Force: genai.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("deleting file search store %q: %w", externalID, err)
	}
	return nil
}

// UploadDocument uploads the file at path and polls the returned long-running
// operation until the document is fully indexed.
func (p *GeminiProvisioner) UploadDocument(ctx context.Context, externalID, path, displayName string) (string, error) {
	op, err := p.client.FileSearchStores.UploadToFileSearchStoreFromPath(ctx, path, externalID,
		&genai.UploadToFileSearchStoreConfig{
			DisplayName: displayName,
		})
	if err != nil {
		return "", fmt.Errorf("uploading %q: %w", displayName, err)
	}

	for !op.Done {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(uploadPollInterval):
		}

		op, err = p.client.Operations.GetUploadToFileSearchStoreOperation(ctx, op, nil)
		if err != nil {
			return "", fmt.Errorf("polling upload of %q: %w", displayName, err)
		}
	}

	if op.Error != nil {
		return "", fmt.Errorf("upload of %q failed: %v", displayName, op.Error)
	}
	if op.Response == nil || op.Response.DocumentName == "" {
		return "", fmt.Errorf("upload of %q returned no document name", displayName)
	}
	return op.Response.DocumentName, nil
}
