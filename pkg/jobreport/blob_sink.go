package jobreport

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// BlobSink uploads reports to an Azure Blob Storage container using a
// shared-key connection string. Plain http endpoints (Azurite) are allowed.
type BlobSink struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	prefix        string
	metadata      map[string]string
	logger        *zap.Logger

	once    sync.Once
	initErr error
}

// NewBlobSink creates a sink from a standard connection string. Reports are
// stored under prefix/<name>.
func NewBlobSink(connectionString, containerName, prefix string, logger *zap.Logger) (*BlobSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	settings := parseConnectionString(connectionString)
	accountName := settings["AccountName"]
	accountKey := settings["AccountKey"]
	serviceURL := settings["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobSink{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		prefix:        strings.Trim(prefix, "/"),
		logger:        logger.Named("JobReport"),
	}, nil
}

// WithMetadata attaches metadata to every uploaded report
func (s *BlobSink) WithMetadata(md map[string]string) *BlobSink {
	s.metadata = md
	return s
}

func (*BlobSink) Name() string { return "blob" }

// BlobPath returns where a report called name is stored in the container
func (s *BlobSink) BlobPath(name string) string {
	name = path.Base(name)
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *BlobSink) Publish(ctx context.Context, name string, data []byte) error {
	if err := s.ensureContainer(ctx); err != nil {
		return err
	}

	md := make(map[string]*string, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = to.Ptr(v)
	}

	blobPath := s.BlobPath(name)
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(blobPath)
	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: md,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		return fmt.Errorf("blob upload failed: %w", err)
	}

	s.logger.Info("Uploaded job report",
		zap.String("url", blobClient.URL()),
		zap.Int("size_bytes", len(data)))
	return nil
}

func (s *BlobSink) ensureContainer(ctx context.Context) error {
	s.once.Do(func() {
		_, err := s.client.CreateContainer(ctx, s.containerName, nil)
		if err == nil {
			return
		}
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			return
		}
		if strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists") {
			return
		}
		s.initErr = fmt.Errorf("failed to ensure container: %w", err)
	})
	return s.initErr
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	settings := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			continue
		}
		settings[key] = value
	}
	return settings
}
