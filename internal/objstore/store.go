// Package objstore persists small documents (the seen ledger) on local disk,
// object storage or redis.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotExist is returned by Get when the key has never been written.
var ErrNotExist = errors.New("object does not exist")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

type Config struct {
	Driver         string
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	BaseDir        string
	URL            string // blob driver: s3://, file://, mem:// bucket URL
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
}

func Validate(c Config) error {
	switch strings.ToLower(c.Driver) {
	case "file":
		if c.BaseDir == "" {
			return errors.New("base_dir required for file driver")
		}
	case "blob":
		if c.URL == "" && c.Bucket == "" {
			return errors.New("url or bucket required for blob driver")
		}
	case "s3":
		if c.Bucket == "" {
			return errors.New("bucket required for s3 driver")
		}
	case "oss":
		if c.Bucket == "" {
			return errors.New("bucket required for oss driver")
		}
		if c.Endpoint == "" {
			return errors.New("endpoint required for oss driver")
		}
		if c.AccessKey == "" || c.SecretKey == "" {
			return errors.New("access_key/secret_key required for oss driver")
		}
	case "cos":
		if c.Bucket == "" {
			return errors.New("bucket required for cos driver")
		}
		if c.Region == "" && c.Endpoint == "" {
			return errors.New("region or endpoint required for cos driver")
		}
		if c.AccessKey == "" || c.SecretKey == "" {
			return errors.New("access_key/secret_key required for cos driver")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("redis_addr required for redis driver")
		}
	case "":
		return errors.New("ledger driver not set")
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Driver)
	}
	return nil
}

// Open validates c and returns the matching driver.
func Open(ctx context.Context, c Config) (Store, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	switch strings.ToLower(c.Driver) {
	case "file":
		return OpenFile(c.BaseDir)
	case "blob":
		u := c.URL
		if u == "" {
			u = buildS3URL(c)
		}
		return OpenBlob(ctx, u)
	case "s3":
		// credentials come from the AWS default chain
		return OpenBlob(ctx, buildS3URL(c))
	case "oss":
		return OpenOSS(ctx, c)
	case "cos":
		return OpenCOS(ctx, c)
	default:
		return OpenRedis(ctx, c)
	}
}

// sanitizeKey prevents path traversal.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(key)
	key = strings.TrimLeft(key, "/")
	parts := strings.Split(key, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

// buildS3URL constructs a gocloud s3 URL with query params.
func buildS3URL(c Config) string {
	u := url.URL{Scheme: "s3", Host: c.Bucket}
	q := url.Values{}
	if c.Region != "" {
		q.Set("region", c.Region)
	}
	if c.Endpoint != "" {
		q.Set("endpoint", c.Endpoint)
	}
	if c.ForcePathStyle {
		q.Set("s3ForcePathStyle", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type fileStore struct{ base string }

func OpenFile(base string) (Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("ensure base_dir: %w", err)
	}
	return &fileStore{base: base}, nil
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(sanitizeKey(key)))
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	return b, err
}

// Put writes to a temp file and renames it over the target.
func (s *fileStore) Put(_ context.Context, key string, data []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *fileStore) Close() error { return nil }
