package recording

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureArchiver uploads recordings to an Azure Blob Storage container.
type AzureArchiver struct {
	container string
	client    *azblob.Client
}

// NewAzureArchiver builds an archiver against accountURL (e.g.
// https://<account>.blob.core.windows.net) authenticated with a shared key.
func NewAzureArchiver(accountURL, accountName, accountKey, container string) (*AzureArchiver, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("recording: azure credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("recording: azure client: %w", err)
	}
	return &AzureArchiver{container: container, client: client}, nil
}

// Archive uploads localPath as a block blob named remoteKey.
func (a *AzureArchiver) Archive(ctx context.Context, localPath, remoteKey string) error {
	f, _, err := openForUpload(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := a.client.UploadFile(ctx, a.container, remoteKey, f, nil); err != nil {
		return fmt.Errorf("recording: azure upload: %w", err)
	}
	return nil
}
