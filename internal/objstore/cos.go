package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

type cosStore struct{ cli *cos.Client }

func OpenCOS(_ context.Context, c Config) (Store, error) {
	var bucketURL *url.URL
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			return nil, err
		}
		// if host not contains bucket, use path-style
		if !strings.Contains(u.Host, c.Bucket) && !strings.HasSuffix(u.Path, "/"+c.Bucket) {
			u.Path = "/" + c.Bucket
		}
		bucketURL = u
	} else {
		if c.Region == "" {
			return nil, fmt.Errorf("region required for cos when endpoint empty")
		}
		u, _ := url.Parse(fmt.Sprintf("https://%s.cos.%s.myqcloud.com", c.Bucket, c.Region))
		bucketURL = u
	}
	cli := cos.NewClient(&cos.BaseURL{BucketURL: bucketURL}, &http.Client{
		Transport: &cos.AuthorizationTransport{SecretID: c.AccessKey, SecretKey: c.SecretKey},
	})
	return &cosStore{cli: cli}, nil
}

func (s *cosStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.cli.Object.Get(ctx, sanitizeKey(key), nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *cosStore) Put(ctx context.Context, key string, data []byte) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: "application/json"},
	}
	_, err := s.cli.Object.Put(ctx, sanitizeKey(key), bytes.NewReader(data), opt)
	return err
}

func (s *cosStore) Close() error { return nil }
