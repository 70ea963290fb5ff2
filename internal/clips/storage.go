package clips

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeebo/blake3"
)

// Storage is where completed clips end up.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// Checksum returns the hex BLAKE3-256 digest of r.
func Checksum(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func BuildObjectPath(basePath string, t time.Time, file string) string {
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/%s",
		basePath, t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), file)
}

// LocalStorage stores clips below a directory on the local filesystem.
type LocalStorage struct {
	dir string
}

func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create clip dir: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

func (s *LocalStorage) Path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

func (s *LocalStorage) Put(_ context.Context, key string, r io.Reader, size int64) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".clip-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpPath := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr == nil && n != size {
		copyErr = fmt.Errorf("wrote %d bytes, expected %d", n, size)
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		if copyErr != nil {
			return fmt.Errorf("write object: %w", copyErr)
		}
		return fmt.Errorf("close object: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

type MinIOStorage struct {
	mc     *minio.Client
	bucket string
}

func NewMinIOStorage(endpoint, access, secret string, useTLS bool, bucket string) (*MinIOStorage, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, err
	}
	return &MinIOStorage{mc: mc, bucket: bucket}, nil
}

func (s *MinIOStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (s *MinIOStorage) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.mc.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "video/mp4",
	})
	return err
}
