// Package files materializes remote file references: download, SHA-256
// fingerprint, fingerprint-keyed dedup, and upload to S3-compatible mirror
// storage. When no bucket is configured the NoopStorage is used and files are
// fingerprinted but not mirrored.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fpmdigital/resourcesync/internal/store"
	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
)

// AttachmentIndex is the fingerprint → key bookkeeping used for dedup.
// Implemented by store.SQLiteStore.
type AttachmentIndex interface {
	GetAttachmentByFingerprint(ctx context.Context, fingerprint string) (*store.Attachment, error)
	GetAttachmentBySourceURL(ctx context.Context, sourceURL string) (*store.Attachment, error)
	RecordAttachment(ctx context.Context, a *store.Attachment) error
}

// ObjectStorage uploads materialized files to their stable location.
type ObjectStorage interface {
	Put(ctx context.Context, key, filePath, contentType string) error
}

// s3Client defines the minimal minio.Client surface used by S3Storage.
// The interface exists so tests can substitute a mock.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Storage uploads to S3-compatible storage (the production mirror).
type S3Storage struct {
	client s3Client
	bucket string
}

// Put uploads the file at filePath under the given key.
func (s *S3Storage) Put(ctx context.Context, key, filePath, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.FPutObject(ctx, s.bucket, key, filePath,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload attachment: %w", err)
	}
	return nil
}

// NoopStorage is used when no mirror bucket is configured.
type NoopStorage struct{}

// Put is a no-op in local-only mode.
func (NoopStorage) Put(ctx context.Context, key, filePath, contentType string) error {
	return nil
}

// StorageConfig holds S3-compatible mirror settings.
type StorageConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewStorage returns the appropriate ObjectStorage: NoopStorage when the
// bucket is empty, S3Storage otherwise.
func NewStorage(cfg StorageConfig) (ObjectStorage, error) {
	if cfg.Bucket == "" {
		return NoopStorage{}, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return &S3Storage{client: client, bucket: cfg.Bucket}, nil
}

// Materializer implements the engine.FileMaterializer contract.
type Materializer struct {
	index      AttachmentIndex
	storage    ObjectStorage
	httpClient *http.Client
}

// NewMaterializer wires the materializer. A nil httpClient gets a bounded
// default: 20s timeout, at most 3 redirects.
func NewMaterializer(index AttachmentIndex, storage ObjectStorage, httpClient *http.Client) *Materializer {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 20 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	return &Materializer{index: index, storage: storage, httpClient: httpClient}
}

// Materialize returns a stable object key and content fingerprint for the
// reference. Two short-circuits avoid wasted work: a URL already seen skips
// the download entirely; a fingerprint already indexed skips the upload.
func (m *Materializer) Materialize(ctx context.Context, ref syncpkg.FileRef) (string, string, error) {
	if existing, err := m.index.GetAttachmentBySourceURL(ctx, ref.URL); err == nil {
		return existing.FileKey, existing.Fingerprint, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", "", err
	}

	tmpPath, fingerprint, contentType, err := m.download(ctx, ref.URL)
	if err != nil {
		return "", "", err
	}
	defer os.Remove(tmpPath)

	if existing, err := m.index.GetAttachmentByFingerprint(ctx, fingerprint); err == nil {
		// Same bytes already mirrored under a different URL.
		if err := m.index.RecordAttachment(ctx, &store.Attachment{
			Fingerprint: fingerprint,
			FileKey:     existing.FileKey,
			SourceURL:   ref.URL,
		}); err != nil {
			slog.Warn("failed to record attachment alias",
				"component", "files", "fingerprint", fingerprint, "error", err)
		}
		return existing.FileKey, fingerprint, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", "", err
	}

	key := objectKey(fingerprint, ref.Filename, ref.URL)
	if err := m.storage.Put(ctx, key, tmpPath, contentType); err != nil {
		return "", "", err
	}

	if err := m.index.RecordAttachment(ctx, &store.Attachment{
		Fingerprint: fingerprint,
		FileKey:     key,
		SourceURL:   ref.URL,
	}); err != nil {
		return "", "", err
	}

	slog.Info("attachment materialized",
		"component", "files",
		"fingerprint", fingerprint,
		"key", key,
	)
	return key, fingerprint, nil
}

// download fetches the URL to a temp file, hashing as it streams.
func (m *Materializer) download(ctx context.Context, rawURL string) (tmpPath, fingerprint, contentType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("download attachment: remote returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "resourcesync-attachment-*")
	if err != nil {
		return "", "", "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", "", "", fmt.Errorf("stream attachment: %w", err)
	}

	return tmp.Name(), hex.EncodeToString(hasher.Sum(nil)), resp.Header.Get("Content-Type"), nil
}

// objectKey builds the stable mirror key.
// Convention: attachments/{fp[0:2]}/{fingerprint}/{filename}
func objectKey(fingerprint, filename, rawURL string) string {
	if filename == "" {
		filename = path.Base(rawURL)
		if i := strings.IndexAny(filename, "?#"); i >= 0 {
			filename = filename[:i]
		}
	}
	if filename == "" || filename == "." || filename == "/" {
		filename = "file"
	}
	return fmt.Sprintf("attachments/%s/%s/%s", fingerprint[:2], fingerprint, filename)
}
