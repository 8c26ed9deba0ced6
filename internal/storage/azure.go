package storage

import (
	"context"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// AzureBackend implements Backend over Azure Blob Storage. Named
// out-of-pack in the spec expansion: no example repo uses azblob, so
// there is no corpus file to ground the wiring on beyond the generic
// Backend shape already established by LocalBackend and S3Backend.
type AzureBackend struct {
	containerClient *container.Client
	prefix          string
}

func NewAzureBackend(accountURL, containerName, prefix string, cred azblob.SharedKeyCredential) (*AzureBackend, error) {
	client, err := azblob.NewClientWithSharedKeyCredential(accountURL, &cred, nil)
	if err != nil {
		return nil, mediaerr.Internal("create azure client failed", err)
	}
	return &AzureBackend{containerClient: client.ServiceClient().NewContainerClient(containerName), prefix: strings.Trim(prefix, "/")}, nil
}

func (a *AzureBackend) key(path string) string {
	p := strings.TrimPrefix(path, "/")
	if a.prefix == "" {
		return p
	}
	return a.prefix + "/" + p
}

func (a *AzureBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := a.containerClient.NewBlobClient(a.key(path)).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, mediaerr.Internal("get blob properties failed", err)
	}
	return true, nil
}

func (a *AzureBackend) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := a.containerClient.NewBlobClient(a.key(path)).DownloadStream(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, mediaerr.NotFound("path not found: " + path)
		}
		return nil, mediaerr.Internal("download blob failed", err)
	}
	return resp.Body, nil
}

func (a *AzureBackend) WriteStream(ctx context.Context, path string, r io.Reader) (int64, error) {
	counter := &countingReader{r: r}
	blobClient := a.containerClient.NewBlockBlobClient(a.key(path))
	_, err := blobClient.UploadStream(ctx, counter, nil)
	if err != nil {
		return 0, mediaerr.Internal("upload blob failed", err)
	}
	return counter.n, nil
}

func (a *AzureBackend) Delete(ctx context.Context, path string) error {
	_, err := a.containerClient.NewBlobClient(a.key(path)).Delete(ctx, nil)
	if err != nil && !isAzureNotFound(err) {
		return mediaerr.Internal("delete blob failed", err)
	}
	return nil
}

func (a *AzureBackend) List(ctx context.Context, prefix string, recursive bool) ([]Info, error) {
	var out []Info
	fullPrefix := a.key(prefix)
	opts := &container.ListBlobsFlatOptions{Prefix: &fullPrefix}
	pager := a.containerClient.NewListBlobsFlatPager(opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mediaerr.Internal("list blobs failed", err)
		}
		for _, item := range page.Segment.BlobItems {
			name := strings.TrimPrefix(*item.Name, a.prefix+"/")
			if !recursive && strings.Contains(strings.TrimPrefix(name, prefix), "/") {
				continue
			}
			size := int64(0)
			if item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			out = append(out, Info{Path: name, Size: size})
		}
	}
	return out, nil
}

func (a *AzureBackend) EnsureDir(ctx context.Context, path string) error { return nil }

func (a *AzureBackend) Stat(ctx context.Context, path string) (Info, error) {
	props, err := a.containerClient.NewBlobClient(a.key(path)).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return Info{}, mediaerr.NotFound("path not found: " + path)
		}
		return Info{}, mediaerr.Internal("get blob properties failed", err)
	}
	size := int64(0)
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	info := Info{Path: path, Size: size}
	if props.LastModified != nil {
		info.ModTime = *props.LastModified
	}
	return info, nil
}

func (a *AzureBackend) Status(ctx context.Context) error {
	_, err := a.containerClient.GetProperties(ctx, nil)
	return err
}

func isAzureNotFound(err error) bool {
	return strings.Contains(err.Error(), "BlobNotFound") || strings.Contains(err.Error(), "ErrorCode=404")
}
