package objstore

import (
	"context"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

type blobStore struct{ bk *blob.Bucket }

// OpenBlob opens any gocloud bucket URL (s3://, file://, mem://).
func OpenBlob(ctx context.Context, bucketURL string) (Store, error) {
	bk, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &blobStore{bk: bk}, nil
}

func (s *blobStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.bk.ReadAll(ctx, sanitizeKey(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, ErrNotExist
	}
	return b, err
}

func (s *blobStore) Put(ctx context.Context, key string, data []byte) error {
	return s.bk.WriteAll(ctx, sanitizeKey(key), data, &blob.WriterOptions{ContentType: "application/json"})
}

func (s *blobStore) Close() error { return s.bk.Close() }
