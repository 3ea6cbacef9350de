package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	oss "github.com/aliyun/aliyun-oss-go-sdk/oss"
)

type ossStore struct{ bk *oss.Bucket }

func OpenOSS(_ context.Context, c Config) (Store, error) {
	cli, err := oss.New(c.Endpoint, c.AccessKey, c.SecretKey)
	if err != nil {
		return nil, err
	}
	bk, err := cli.Bucket(c.Bucket)
	if err != nil {
		return nil, err
	}
	return &ossStore{bk: bk}, nil
}

func (s *ossStore) Get(_ context.Context, key string) ([]byte, error) {
	rc, err := s.bk.GetObject(sanitizeKey(key))
	if err != nil {
		var se oss.ServiceError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, ErrNotExist
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *ossStore) Put(_ context.Context, key string, data []byte) error {
	return s.bk.PutObject(sanitizeKey(key), bytes.NewReader(data), oss.ContentType("application/json"))
}

func (s *ossStore) Close() error { return nil }
